// bridge-hub runs the backend side of the bridge standalone, for development
// and integration testing against real browser extensions. The desktop app
// embeds the same hub packages.
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

	"github.com/eurora-app/bridge/internal/config"
	"github.com/eurora-app/bridge/internal/hub"
	"github.com/eurora-app/bridge/internal/logx"
	"github.com/eurora-app/bridge/internal/metrics"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.HubConfig
	cfg.BindFlags()
	flag.Parse()
	if *showVersion {
		fmt.Printf("bridge-hub version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	logx.Configure(cfg.LogLevel)

	metrics.Register(prometheus.DefaultRegisterer)
	metrics.SetBuildInfo(version, buildSHA, buildDate)

	reg := hub.NewRegistry()
	go logInbound(reg)

	srv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", cfg.Port),
		Handler: hub.New(cfg, reg),
	}
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logx.Log.Error().Err(err).Msg("metrics server")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logx.Log.Info().Str("addr", srv.Addr).Msg("hub listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.Log.Fatal().Err(err).Msg("hub server")
		}
	}()

	<-ctx.Done()
	logx.Log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
}

// logInbound drains messenger traffic when nothing else consumes it; the
// standalone hub is a development tool, so seeing the frames is the point.
func logInbound(reg *hub.Registry) {
	for in := range reg.Inbound() {
		logx.Log.Info().Uint32("browser_pid", in.BrowserPID).Str("kind", in.Frame.Kind()).Msg("frame from messenger")
	}
}
