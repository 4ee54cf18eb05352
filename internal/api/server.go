package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/0tSystemsPublicRepos/hpti/internal/config"
	"github.com/0tSystemsPublicRepos/hpti/internal/database"
	"github.com/0tSystemsPublicRepos/hpti/internal/logging"
	"github.com/0tSystemsPublicRepos/hpti/internal/services"
	"github.com/0tSystemsPublicRepos/hpti/internal/session"
)

// Services is the part of the service manager the API reports on.
type Services interface {
	Status() []services.ServiceStatus
	Health() services.HealthReport
}

// Store is the read side of the database provider.
type Store interface {
	GetRecentSessions(limit int) ([]database.SessionSummary, error)
	GetSessionsByIP(ip string, limit int) ([]database.SessionSummary, error)
	GetSession(id string) (*session.Record, error)
	GetAttackPatterns(limit int) ([]database.StoredPattern, error)
	GetTopAttackers(limit int) ([]database.AttackerSummary, error)
	GetTopCredentials(limit int) ([]database.CredentialCount, error)
	GetThreatIntelligence(ip string) (*database.ThreatIntel, error)
	GetStats() (*database.Stats, error)
}

type IntelLookup interface {
	Lookup(ip string) (*database.ThreatIntel, bool)
}

// StatsSource contributes a named block to /api/stats.
type StatsSource func() interface{}

type APIServer struct {
	config   config.APIConfig
	metrics  config.MetricsConfig
	services Services
	registry *session.Registry
	store    Store
	intel    IntelLookup
	promh    http.Handler
	extra    map[string]StatsSource
	started  time.Time

	server *http.Server
}

type Option func(*APIServer)

func WithStore(s Store) Option                 { return func(a *APIServer) { a.store = s } }
func WithIntel(i IntelLookup) Option           { return func(a *APIServer) { a.intel = i } }
func WithMetricsHandler(h http.Handler) Option { return func(a *APIServer) { a.promh = h } }

func WithStats(name string, fn StatsSource) Option {
	return func(a *APIServer) { a.extra[name] = fn }
}

func NewAPIServer(cfg config.APIConfig, mcfg config.MetricsConfig, svcs Services, registry *session.Registry, opts ...Option) *APIServer {
	s := &APIServer{
		config:   cfg,
		metrics:  mcfg,
		services: svcs,
		registry: registry,
		extra:    make(map[string]StatsSource),
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the chi routing tree. Database routes answer 503 when no
// store is configured.
func (s *APIServer) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	origins := s.config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/services", s.handleServices)
		r.Get("/sessions/active", s.handleActiveSessions)
		r.Get("/sessions", s.handleSessions)
		r.Get("/sessions/{id}", s.handleSession)
		r.Get("/patterns", s.handlePatterns)
		r.Get("/attackers", s.handleAttackers)
		r.Get("/credentials", s.handleCredentials)
		r.Get("/threat-intel/{ip}", s.handleThreatIntel)
		r.Get("/stats", s.handleStats)
	})

	if s.metrics.Enabled && s.promh != nil {
		path := s.metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, s.promh)
	}
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.Debug("[API] %s %s %d (%v)", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}

// Start serves the API in the background.
func (s *APIServer) Start() error {
	if !s.config.Enabled {
		logging.Info("[API] Status API disabled in config")
		return nil
	}

	s.server = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logging.Info("[API] Status API listening on %s", s.config.ListenAddr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("[API] Server error: %v", err)
		}
	}()
	return nil
}

func (s *APIServer) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
