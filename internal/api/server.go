package api

import (
	"log/slog"
	"net/http"

	"github.com/callbridge/callbridge/internal/api/middleware"
	"github.com/callbridge/callbridge/internal/bridge"
	"github.com/callbridge/callbridge/internal/config"
	"github.com/callbridge/callbridge/internal/database"
	"github.com/callbridge/callbridge/internal/events"
	"github.com/callbridge/callbridge/internal/invite"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router         *chi.Mux
	cfg            *config.Config
	orchestrator   *bridge.Orchestrator
	reconciler     *events.Reconciler
	invites        *invite.Service
	sessions       database.SessionRepository
	identities     database.IdentityRepository
	servers        database.ServerRepository
	registrations  database.RegistrationRepository
	jwtSecret      []byte
	limiter        *middleware.IPRateLimiter
	metricsHandler http.Handler
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(
	cfg *config.Config,
	orchestrator *bridge.Orchestrator,
	reconciler *events.Reconciler,
	invites *invite.Service,
	sessions database.SessionRepository,
	identities database.IdentityRepository,
	servers database.ServerRepository,
	registrations database.RegistrationRepository,
	jwtSecret []byte,
	metricsHandler http.Handler,
) *Server {
	s := &Server{
		router:         chi.NewRouter(),
		cfg:            cfg,
		orchestrator:   orchestrator,
		reconciler:     reconciler,
		invites:        invites,
		sessions:       sessions,
		identities:     identities,
		servers:        servers,
		registrations:  registrations,
		jwtSecret:      jwtSecret,
		limiter:        middleware.NewIPRateLimiter(middleware.RateLimitConfigFor(cfg.RateLimitPerMin)),
		metricsHandler: metricsHandler,
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background middleware resources.
func (s *Server) Close() {
	s.limiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RateLimit(s.limiter))

	if s.metricsHandler != nil {
		r.Get("/metrics", s.metricsHandler.ServeHTTP)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Unauthenticated routes.
		r.Get("/health", s.handleHealth)
		r.Post("/auth/token", s.handleIssueToken)

		// Control-plane event ingestion. Backends authenticate at the
		// network layer, not with client JWTs.
		r.Post("/telephony/events", s.handleTelephonyEvent)

		// Client routes require a JWT.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(s.jwtSecret))

			r.Route("/bridges", func(r chi.Router) {
				r.Post("/", s.handleCreateBridge)
				r.Route("/{bridgeID}", func(r chi.Router) {
					r.Get("/", s.handleGetBridge)
					r.Delete("/", s.handleEndBridge)
					r.Post("/participants", s.handleAddParticipant)
				})
			})

			r.Route("/sessions", func(r chi.Router) {
				r.Get("/{id}", s.handleGetSession)
				r.Get("/{id}/participants", s.handleListParticipants)
				r.Get("/by-extension/{extension}", s.handleGetSessionByExtension)
				r.Get("/by-link/{linkHash}", s.handleGetSessionByLink)
			})

			r.Route("/invites", func(r chi.Router) {
				r.Post("/", s.handleCreateInvite)
				r.Route("/{token}", func(r chi.Router) {
					r.Get("/", s.handleInviteInfo)
					r.Delete("/", s.handleCancelInvite)
					r.Post("/join", s.handleJoinInvite)
					r.Post("/complete", s.handleCompleteInvite)
				})
			})

			r.Route("/servers", func(r chi.Router) {
				r.Get("/", s.handleListBackends)
				r.Post("/", s.handleCreateBackend)
				r.Route("/{serverID}", func(r chi.Router) {
					r.Get("/", s.handleGetBackend)
					r.Put("/", s.handleUpdateBackend)
					r.Delete("/", s.handleDeleteBackend)
					r.Post("/registrations", s.handleCreateRegistration)
				})
			})

			r.Delete("/registrations/{registrationID}", s.handleDeactivateRegistration)
		})
	})

	slog.Info("api routes mounted")
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
