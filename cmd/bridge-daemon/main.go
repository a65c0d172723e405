// bridge-daemon is the socket variant of the bridge: the Safari container
// app runs it, extension connections arrive on a loopback TCP port, and the
// daemon maintains the stream to the backend hub.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eurora-app/bridge/internal/backoff"
	"github.com/eurora-app/bridge/internal/client"
	"github.com/eurora-app/bridge/internal/config"
	"github.com/eurora-app/bridge/internal/frame"
	"github.com/eurora-app/bridge/internal/instance"
	"github.com/eurora-app/bridge/internal/listener"
	"github.com/eurora-app/bridge/internal/logx"
	"github.com/eurora-app/bridge/internal/metrics"
	"github.com/eurora-app/bridge/internal/router"
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
		fmt.Printf("bridge-daemon version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	logx.Configure(cfg.LogLevel)

	release, err := instance.Acquire(config.DefaultConfigPath("daemon.lock"))
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("acquire instance lock")
	}
	defer release()

	hostPID := uint32(os.Getpid())
	logx.Log.Info().Uint32("host_pid", hostPID).Msg("bridge daemon starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rt *router.Router
	cl := client.New(cfg.ServerURL, cfg.ReconnectInterval, hostPID, 0, func(f frame.Frame) {
		rt.HandleBackendFrame(f)
	})
	rt = router.New(cl, cfg.PendingTimeout)
	ln := listener.New(rt)
	rt.SetExtension(ln)

	// The listener surfaces bind failures instead of retrying; the daemon
	// owns the retry policy and backs off.
	for attempt := 0; ; attempt++ {
		err := ln.Listen(cfg.ListenAddr)
		if err == nil {
			break
		}
		if errors.Is(err, listener.ErrNotLoopback) {
			logx.Log.Fatal().Err(err).Msg("refusing to listen outside loopback")
		}
		delay := backoff.Delay(attempt)
		logx.Log.Warn().Err(err).Dur("backoff", delay).Msg("bind failed")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

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

	errCh := make(chan error, 1)
	go func() { errCh <- ln.Serve() }()

	select {
	case <-ctx.Done():
		logx.Log.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			logx.Log.Error().Err(err).Msg("listener stopped")
		}
	}
	_ = ln.Close()
	cl.Disconnect()
}
