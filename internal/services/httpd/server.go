// Package httpd is the HTTP/HTTPS honeypot. Every request is its own session
// with exactly one RequestEvent.
package httpd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"

	"github.com/0tSystemsPublicRepos/hpti/internal/config"
	"github.com/0tSystemsPublicRepos/hpti/internal/detection"
	"github.com/0tSystemsPublicRepos/hpti/internal/listener"
	"github.com/0tSystemsPublicRepos/hpti/internal/logging"
	"github.com/0tSystemsPublicRepos/hpti/internal/session"
)

type Server struct {
	cfg     config.HTTPConfig
	tracker *session.Tracker
	engine  *detection.SignatureEngine
	router  chi.Router

	mu        sync.Mutex
	servers   []*http.Server
	listeners []*listener.LimitListener
	running   int32
	wg        sync.WaitGroup
}

func New(cfg config.HTTPConfig, tracker *session.Tracker, engine *detection.SignatureEngine) *Server {
	if engine == nil {
		engine = detection.NewSignatureEngine()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	s := &Server{cfg: cfg, tracker: tracker, engine: engine}
	s.router = s.routes()
	return s
}

func (s *Server) Name() string { return string(session.ProtocolHTTP) }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.recoverer)
	r.Use(s.serverHeader)

	r.HandleFunc("/*", s.handle)
	r.NotFound(s.handle)
	r.MethodNotAllowed(s.handle)
	return r
}

// Handler exposes the router for in-process use.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) serverHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.ServerHeader != "" {
			w.Header().Set("Server", s.cfg.ServerHeader)
		}
		next.ServeHTTP(w, r)
	})
}

// recoverer turns a handler panic into the welcome page so the client never
// sees an internal error.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logging.Error("[HTTP] Panic serving %s %s: %v\n%s", r.Method, r.URL.Path, rec, debug.Stack())
				s.tracker.Metrics.ServiceError(s.Name(), "panic")
				w.Header().Set("Content-Type", "text/html; charset=utf-8")
				w.WriteHeader(http.StatusOK)
				w.Write([]byte(welcomePage))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Start binds the HTTP port and, when enabled, the HTTPS port.
func (s *Server) Start() error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return fmt.Errorf("http server already running")
	}

	plain, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		atomic.StoreInt32(&s.running, 0)
		s.tracker.Metrics.ServiceError(s.Name(), "bind")
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr(), err)
	}
	s.serve(plain, nil)

	if s.cfg.HTTPSEnabled {
		cert, err := loadCertificate(s.cfg.CertFile, s.cfg.KeyFile, s.cfg.Host)
		if err != nil {
			s.Stop(context.Background())
			return fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		secure, err := net.Listen("tcp", s.cfg.HTTPSAddr())
		if err != nil {
			s.Stop(context.Background())
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.HTTPSAddr(), err)
		}
		s.serve(secure, &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS10})
	}

	s.tracker.Metrics.ServiceUp(s.Name(), true)
	return nil
}

func (s *Server) serve(ln net.Listener, tlsConf *tls.Config) {
	limited := listener.NewLimitListener(ln, s.Name(), s.cfg.MaxConnectionsPerIP, s.tracker.Metrics)
	var serveLn net.Listener = limited
	scheme := "http"
	if tlsConf != nil {
		serveLn = tls.NewListener(limited, tlsConf)
		scheme = "https"
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.Timeout(),
		ReadTimeout:       s.cfg.Timeout(),
		WriteTimeout:      s.cfg.Timeout(),
		IdleTimeout:       s.cfg.Timeout(),
	}

	s.mu.Lock()
	s.servers = append(s.servers, srv)
	s.listeners = append(s.listeners, limited)
	s.mu.Unlock()

	logging.Info("[HTTP] Listening (%s) on %s", scheme, ln.Addr())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(serveLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("[HTTP] %s server stopped: %v", scheme, err)
			s.tracker.Metrics.ServiceError(s.Name(), "serve")
		}
	}()
}

// Addrs lists the bound addresses, plain first.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]net.Addr, 0, len(s.listeners))
	for _, ln := range s.listeners {
		out = append(out, ln.Addr())
	}
	return out
}

func (s *Server) Running() bool {
	return atomic.LoadInt32(&s.running) == 1
}

func (s *Server) ActiveConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ln := range s.listeners {
		n += ln.ActiveConns()
	}
	return n
}

// Stop shuts the servers down, letting in-flight requests finish until ctx
// expires.
func (s *Server) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return nil
	}

	s.mu.Lock()
	servers := s.servers
	s.servers = nil
	s.listeners = nil
	s.mu.Unlock()

	var firstErr error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.wg.Wait()
	s.tracker.Metrics.ServiceUp(s.Name(), false)
	logging.Info("[HTTP] Stopped")
	return firstErr
}
