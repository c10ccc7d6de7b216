// Package server exposes the escrow engine over HTTP.
package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"skillchain/crypto"
	"skillchain/native/escrow"
	"skillchain/observability"
	"skillchain/services/escrowd/api"
	"skillchain/services/escrowd/auth"
	"skillchain/services/escrowd/idempotency"
	"skillchain/services/escrowd/journal"
	"skillchain/services/escrowd/middleware"
)

// Config wires the collaborators the HTTP surface depends on. Idempotency,
// Journal and Hub are optional; without them the matching features are off.
type Config struct {
	Service        *api.Service
	Verifier       *auth.Verifier
	Idempotency    *idempotency.Store
	Journal        *journal.Journal
	Hub            *Hub
	RateLimit      middleware.RateLimit
	OriginPatterns []string
	Logger         *slog.Logger
}

type Server struct {
	svc            *api.Service
	verifier       *auth.Verifier
	idem           *idempotency.Middleware
	journal        *journal.Journal
	hub            *Hub
	limiter        *middleware.RateLimiter
	originPatterns []string
	logger         *slog.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "http"))
	origins := cfg.OriginPatterns
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s := &Server{
		svc:            cfg.Service,
		verifier:       cfg.Verifier,
		journal:        cfg.Journal,
		hub:            cfg.Hub,
		originPatterns: origins,
		logger:         logger,
	}
	s.limiter = middleware.NewRateLimiter(cfg.RateLimit, principalKey, func(*http.Request) {
		observability.ModuleMetrics().RecordThrottle("http", "rate_limit")
	})
	if cfg.Idempotency != nil {
		s.idem = idempotency.NewMiddleware(cfg.Idempotency, principalKey, logger)
	}
	return s
}

// principalKey buckets by authenticated identity, falling back to the
// client address for requests that never authenticated.
func principalKey(r *http.Request) string {
	if p, ok := auth.PrincipalFromContext(r.Context()); ok {
		return crypto.FormatIdentity(p.Identity)
	}
	return middleware.ClientIP(r)
}

// Handler builds the routed and instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Observe(s.logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.limiter.Middleware)

		r.Get("/events/stream", s.handleEventStream)

		r.Group(func(r chi.Router) {
			if s.idem != nil {
				r.Use(s.idem.Handler)
			}
			r.Post("/escrows", s.handleCreate)
			r.Post("/escrows/{id}/fund", s.handleFund)
			r.Post("/escrows/{id}/milestones/{milestoneID}/release", s.handleRelease)
			r.Post("/escrows/{id}/cancel", s.handleRequestCancel)
			r.Post("/escrows/{id}/cancel/approve", s.handleApproveCancel)
			r.Post("/escrows/{id}/resolve", s.handleResolve)
			r.With(s.requireScopes(auth.ScopeLedgerAdmin)).Post("/ledger/credit", s.handleCredit)
		})

		r.Get("/escrows/{id}", s.handleGet)
		r.Get("/escrows/{id}/milestones", s.handleMilestones)
		r.Get("/accounts/{identity}/escrows", s.handleList)
		r.Get("/accounts/{identity}/balance", s.handleBalance)
		r.Get("/ledger/custody", s.handleCustody)
	})

	return otelhttp.NewHandler(r, "escrowd")
}

// authenticate resolves the bearer token into a principal and attaches the
// caller identity the engine reads. Browsers cannot set headers on websocket
// upgrades, so the stream route also accepts an access_token query parameter.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if strings.TrimSpace(header) == "" && strings.HasSuffix(r.URL.Path, "/events/stream") {
			if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
				header = "Bearer " + token
			}
		}
		principal, err := s.verifier.VerifyHeader(header)
		if err != nil {
			s.writeError(w, r, http.StatusUnauthorized, "unauthenticated", err.Error())
			return
		}
		if !principal.HasScopes(auth.ScopeEscrow) {
			s.writeError(w, r, http.StatusForbidden, "forbidden", auth.ErrInsufficientScope.Error())
			return
		}
		ctx := auth.WithPrincipal(r.Context(), principal)
		ctx = escrow.WithCaller(ctx, principal.Identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, _ := auth.PrincipalFromContext(r.Context())
			if !principal.HasScopes(scopes...) {
				s.writeError(w, r, http.StatusForbidden, "forbidden", auth.ErrInsufficientScope.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
