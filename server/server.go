package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sumtree/accumulator"
)

// Config carries the HTTP surface knobs. An empty AuthSecret leaves the
// write endpoints open; anything else gates them behind HS256 bearer
// tokens.
type Config struct {
	ServiceName       string
	AuthSecret        string
	AuthIssuer        string
	AuthAudience      string
	RequestsPerMinute int
	Burst             int
}

// Server exposes an accumulator over HTTP.
type Server struct {
	acc     *accumulator.Accumulator
	log     *slog.Logger
	auth    *authenticator
	limiter *rateLimiter
	metrics *httpMetrics
}

// New wires the middleware stack around the accumulator.
func New(acc *accumulator.Accumulator, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "sumtreed"
	}
	return &Server{
		acc:     acc,
		log:     logger,
		auth:    newAuthenticator(cfg, logger),
		limiter: newRateLimiter(cfg.RequestsPerMinute, cfg.Burst),
		metrics: newHTTPMetrics(cfg.ServiceName),
	}
}

// Handler builds the router. Reads are open; issue and redeem sit behind
// the rate limiter and, when configured, bearer auth.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.metrics.middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/units", s.handleListUnits)
		v1.Get("/events", s.handleEvents)

		v1.Route("/units/{unit}", func(ur chi.Router) {
			ur.Get("/root", s.handleRoot)
			ur.Get("/outstanding", s.handleOutstanding)
			ur.Get("/proof/{leaf}", s.handleProof)

			ur.Group(func(wr chi.Router) {
				wr.Use(s.limiter.middleware)
				if s.auth != nil {
					wr.Use(s.auth.middleware)
				}
				wr.Post("/issue", s.handleIssue)
				wr.Post("/redeem", s.handleRedeem)
			})
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
