// bridge-host is the native messaging host: the browser launches it and
// speaks length-prefixed frames over stdin/stdout while the host maintains
// the stream to the backend hub.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eurora-app/bridge/internal/client"
	"github.com/eurora-app/bridge/internal/config"
	"github.com/eurora-app/bridge/internal/frame"
	"github.com/eurora-app/bridge/internal/instance"
	"github.com/eurora-app/bridge/internal/logx"
	"github.com/eurora-app/bridge/internal/metrics"
	"github.com/eurora-app/bridge/internal/router"
	"github.com/eurora-app/bridge/internal/stdio"
	"github.com/eurora-app/bridge/internal/watch"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.HostConfig
	cfg.BindFlags()
	flag.Parse()
	if *showVersion {
		fmt.Printf("bridge-host version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	// stdout belongs to the browser; logs go to a file.
	if err := os.MkdirAll(cfg.LogDir, 0o755); err == nil {
		_ = logx.ConfigureFile(cfg.LogLevel, filepath.Join(cfg.LogDir, "bridge-host.log"))
	}

	release, err := instance.Takeover(config.DefaultConfigPath("host.lock"))
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("acquire instance lock")
	}
	defer release()

	hostPID := uint32(os.Getpid())
	browserPID := watch.ParentPID()
	logx.Log.Info().Uint32("host_pid", hostPID).Uint32("browser_pid", browserPID).Msg("bridge host starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var rt *router.Router
	cl := client.New(cfg.ServerURL, cfg.ReconnectInterval, hostPID, browserPID, func(f frame.Frame) {
		rt.HandleBackendFrame(f)
	})
	rt = router.New(cl, cfg.PendingTimeout)
	pipe := stdio.New(os.Stdin, os.Stdout, rt)
	rt.SetExtension(pipe)

	if cfg.MetricsAddr != "" {
		metrics.Register(prometheus.DefaultRegisterer)
		metrics.SetBuildInfo(version, buildSHA, buildDate)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logx.Log.Error().Err(err).Msg("metrics server")
			}
		}()
	}
	if cfg.BrowserName != "" {
		go watch.New(cfg.BrowserName, cfg.WatchInterval, cl).Run(ctx)
	}

	go func() {
		if err := cl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logx.Log.Error().Err(err).Msg("backend client stopped")
		}
	}()

	// The browser closing stdin ends the session.
	if err := pipe.Run(); err != nil {
		logx.Log.Error().Err(err).Msg("stdio transport failed")
	}
	cl.Disconnect()
}
