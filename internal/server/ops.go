package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Check is one readiness probe, e.g. a database or Redis ping.
type Check func(ctx context.Context) error

// ReadinessTimeout bounds every /readyz probe.
const ReadinessTimeout = 3 * time.Second

type readyResponse struct {
	Ready      bool              `json:"ready"`
	Components map[string]string `json:"components"`
}

// OpsRouter serves /healthz, /readyz and /metrics for orchestration and scraping.
func OpsRouter(checks map[string]Check, metrics http.Handler, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), ReadinessTimeout)
		defer cancel()
		resp := readyResponse{Ready: true, Components: make(map[string]string, len(checks))}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				log.Warn("readiness check failed", zap.String("component", name), zap.Error(err))
				resp.Ready = false
				resp.Components[name] = "unavailable"
				continue
			}
			resp.Components[name] = "ok"
		}
		code := http.StatusOK
		if !resp.Ready {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	return r
}
