package hub

import (
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eurora-app/bridge/internal/config"
	"github.com/eurora-app/bridge/internal/logx"
)

// New constructs the HTTP handler for the hub.
func New(cfg config.HubConfig, reg *Registry) http.Handler {
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	r.Handle(cfg.WSPath, WSHandler(reg))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/state", StateHandler(reg))
	if cfg.MetricsAddr == "" {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}

// WSHandler accepts incoming bridge client connections.
func WSHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			logx.Log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket accept failed")
			return
		}
		reg.serve(r.Context(), ws)
	}
}

// StateHandler reports the registered messengers as JSON.
func StateHandler(reg *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messengers": reg.Snapshot(),
		})
	}
}
