package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ollamaverse/tokengate/internal/api/handler"
	mw "github.com/ollamaverse/tokengate/internal/api/middleware"
	"github.com/ollamaverse/tokengate/internal/config"
	"github.com/ollamaverse/tokengate/internal/core"
	"github.com/ollamaverse/tokengate/internal/model"
)

type Server struct {
	router   chi.Router
	logger   zerolog.Logger
	services *core.Services
	pool     *pgxpool.Pool
	cfg      *config.Config
	upstream http.Handler
}

func NewServer(logger zerolog.Logger, pool *pgxpool.Pool, cfg *config.Config) (*Server, error) {
	services := core.NewServices(pool, logger, core.TokenServiceConfig{
		PrefixLength:              cfg.TokenPrefixLength,
		BcryptCost:                cfg.BcryptCost,
		MaxTokensPerOwner:         cfg.MaxTokensPerOwner,
		DefaultRateLimitPerMinute: cfg.DefaultRateLimitPerMinute,
		StoreTimeout:              cfg.StoreTimeout,
	})

	s := &Server{
		router:   chi.NewRouter(),
		logger:   logger,
		services: services,
		pool:     pool,
		cfg:      cfg,
	}

	if cfg.UpstreamURL != "" {
		target, err := url.Parse(cfg.UpstreamURL)
		if err != nil {
			return nil, err
		}
		s.upstream = httputil.NewSingleHostReverseProxy(target)
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// Services exposes the core services for shutdown handling in main.
func (s *Server) Services() *core.Services {
	return s.services
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	// Open CORS: the dashboard frontend is served from another origin.
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Requested-With", "X-Owner-Identity"},
		ExposedHeaders: []string{"Content-Length", "Content-Type", "Retry-After"},
	}))
	s.router.Use(mw.RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(mw.Metrics)
}

func (s *Server) setupRoutes() {
	// Public endpoints, rate limited by caller address.
	s.router.Group(func(r chi.Router) {
		r.Use(mw.PublicRateLimit(s.cfg.PublicRateLimitPerMinute))
		r.Handle("/metrics", promhttp.Handler())
		r.Get("/healthz", s.handleHealthz)
		r.Get("/readyz", s.handleReadyz)
	})

	s.router.Route("/api/v1", func(r chi.Router) {
		// Owner-facing token management; the fronting session layer
		// authenticates the user and sets X-Owner-Identity.
		r.Route("/tokens", func(r chi.Router) {
			r.Use(mw.OwnerIdentity)

			token := handler.NewToken(s.services.Token, s.services.Usage)
			r.Post("/", token.Create)
			r.Get("/", token.List)
			r.Delete("/{id}", token.Revoke)
			r.Get("/{id}/usage", token.Usage)
		})

		// Resource-facing endpoints behind bearer token auth.
		r.Group(func(r chi.Router) {
			r.Use(mw.BearerAuth(s.services.Token))
			r.Use(mw.UsageRecorder(s.services.Usage))

			r.Group(func(r chi.Router) {
				r.Use(mw.RequireScope(s.services.Token, model.ScopeModels))
				r.Use(mw.TokenRateLimit(s.services.RateLimiter))

				models := handler.NewModels(s.cfg.Models)
				r.Get("/models", models.List)
			})

			r.Group(func(r chi.Router) {
				r.Use(mw.RequireScope(s.services.Token, model.ScopeChat))
				r.Use(mw.TokenRateLimit(s.services.RateLimiter))

				chat := handler.NewChat(s.upstream)
				r.Post("/chat", chat.Relay)
			})
		})
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	if err := s.pool.Ping(ctx); err != nil {
		checks["db"] = err.Error()
		healthy = false
	} else {
		checks["db"] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(checks)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
