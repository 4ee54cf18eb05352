// Package services owns the set of honeypot listeners and reports on them.
package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/0tSystemsPublicRepos/hpti/internal/config"
	"github.com/0tSystemsPublicRepos/hpti/internal/detection"
	"github.com/0tSystemsPublicRepos/hpti/internal/listener"
	"github.com/0tSystemsPublicRepos/hpti/internal/logging"
	"github.com/0tSystemsPublicRepos/hpti/internal/services/ftpd"
	"github.com/0tSystemsPublicRepos/hpti/internal/services/httpd"
	"github.com/0tSystemsPublicRepos/hpti/internal/services/sshd"
	"github.com/0tSystemsPublicRepos/hpti/internal/services/telnetd"
	"github.com/0tSystemsPublicRepos/hpti/internal/session"
)

// Service is anything the manager can start and stop.
type Service interface {
	Name() string
	Start() error
	Stop(ctx context.Context) error
	Running() bool
	ActiveConns() int
}

type ServiceStatus struct {
	Name              string     `json:"name"`
	Address           string     `json:"address"`
	Running           bool       `json:"running"`
	StartTime         *time.Time `json:"start_time,omitempty"`
	StopTime          *time.Time `json:"stop_time,omitempty"`
	UptimeSeconds     float64    `json:"uptime_seconds,omitempty"`
	ActiveSessions    int        `json:"active_sessions"`
	ActiveConnections int        `json:"active_connections"`
	Error             string     `json:"error,omitempty"`
}

const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthCritical = "critical"
)

type ServiceHealth struct {
	Status  string `json:"status"`
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type HealthReport struct {
	OverallStatus string                   `json:"overall_status"`
	Services      map[string]ServiceHealth `json:"services"`
	Timestamp     time.Time                `json:"timestamp"`
}

type entry struct {
	svc       Service
	protocol  session.Protocol
	address   string
	startTime *time.Time
	stopTime  *time.Time
	err       string
}

type Manager struct {
	registry *session.Registry

	mu      sync.RWMutex
	entries []*entry
}

func NewManager(registry *session.Registry) *Manager {
	return &Manager{registry: registry}
}

// Build creates a manager holding every enabled protocol in cfg. An SSH host
// key problem is returned since no other listener can substitute for it.
func Build(cfg *config.Config, tracker *session.Tracker, engine *detection.SignatureEngine) (*Manager, error) {
	m := NewManager(tracker.Registry)
	rec := tracker.Metrics

	if cfg.SSH.Enabled {
		srv, err := sshd.New(cfg.SSH, tracker)
		if err != nil {
			return nil, fmt.Errorf("ssh: %w", err)
		}
		m.Add(session.ProtocolSSH, cfg.SSH.Addr(), listener.New(string(session.ProtocolSSH), cfg.SSH.Addr(), srv,
			listener.WithMaxConnsPerIP(cfg.SSH.MaxConnectionsPerIP), listener.WithMetrics(rec)))
	}
	if cfg.Telnet.Enabled {
		srv := telnetd.New(cfg.Telnet, tracker)
		m.Add(session.ProtocolTelnet, cfg.Telnet.Addr(), listener.New(string(session.ProtocolTelnet), cfg.Telnet.Addr(), srv,
			listener.WithMaxConnsPerIP(cfg.Telnet.MaxConnectionsPerIP), listener.WithMetrics(rec)))
	}
	if cfg.FTP.Enabled {
		srv := ftpd.New(cfg.FTP, tracker)
		m.Add(session.ProtocolFTP, cfg.FTP.Addr(), listener.New(string(session.ProtocolFTP), cfg.FTP.Addr(), srv,
			listener.WithMaxConnsPerIP(cfg.FTP.MaxConnectionsPerIP), listener.WithMetrics(rec)))
	}
	if cfg.HTTP.Enabled {
		addr := cfg.HTTP.Addr()
		if cfg.HTTP.HTTPSEnabled {
			addr += "," + cfg.HTTP.HTTPSAddr()
		}
		m.Add(session.ProtocolHTTP, addr, httpd.New(cfg.HTTP, tracker, engine))
	}
	return m, nil
}

func (m *Manager) Add(protocol session.Protocol, address string, svc Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, &entry{svc: svc, protocol: protocol, address: address})
}

// StartAll starts every service. A failing service is recorded in its status
// and does not stop the others. The error is non-nil only when nothing
// started.
func (m *Manager) StartAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	started := 0
	for _, e := range m.entries {
		if m.startLocked(e) {
			started++
		}
	}
	logging.Info("[SERVICES] %d/%d services started", started, len(m.entries))
	if started == 0 && len(m.entries) > 0 {
		return fmt.Errorf("no honeypot service could be started")
	}
	return nil
}

func (m *Manager) startLocked(e *entry) bool {
	logging.Info("[SERVICES] Starting %s on %s", e.svc.Name(), e.address)
	if err := e.svc.Start(); err != nil {
		e.err = err.Error()
		logging.Error("[SERVICES] Failed to start %s: %v", e.svc.Name(), err)
		return false
	}
	now := time.Now().UTC()
	e.startTime = &now
	e.stopTime = nil
	e.err = ""
	return true
}

// StopAll stops the services in reverse start order, sharing ctx's deadline.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for i := len(m.entries) - 1; i >= 0; i-- {
		if err := m.stopLocked(ctx, m.entries[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	logging.Info("[SERVICES] All services stopped")
	return firstErr
}

func (m *Manager) stopLocked(ctx context.Context, e *entry) error {
	if !e.svc.Running() {
		return nil
	}
	err := e.svc.Stop(ctx)
	now := time.Now().UTC()
	e.stopTime = &now
	if err != nil {
		e.err = err.Error()
		logging.Warn("[SERVICES] %s did not stop cleanly: %v", e.svc.Name(), err)
	}
	return err
}

// Restart stops and starts one service by name.
func (m *Manager) Restart(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		if e.svc.Name() != name {
			continue
		}
		m.stopLocked(ctx, e)
		if !m.startLocked(e) {
			return fmt.Errorf("failed to restart %s: %s", name, e.err)
		}
		return nil
	}
	return fmt.Errorf("service %s not found", name)
}

func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		names = append(names, e.svc.Name())
	}
	return names
}

func (m *Manager) Status() []ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ServiceStatus, 0, len(m.entries))
	for _, e := range m.entries {
		st := ServiceStatus{
			Name:              e.svc.Name(),
			Address:           e.address,
			Running:           e.svc.Running(),
			StartTime:         e.startTime,
			StopTime:          e.stopTime,
			ActiveConnections: e.svc.ActiveConns(),
			Error:             e.err,
		}
		if st.Running && e.startTime != nil {
			st.UptimeSeconds = time.Since(*e.startTime).Seconds()
		}
		if m.registry != nil {
			st.ActiveSessions = m.registry.CountByProtocol(e.protocol)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Health is healthy when every service runs, critical when none do and
// degraded otherwise.
func (m *Manager) Health() HealthReport {
	report := HealthReport{
		OverallStatus: HealthHealthy,
		Services:      make(map[string]ServiceHealth),
		Timestamp:     time.Now().UTC(),
	}

	statuses := m.Status()
	down := 0
	for _, st := range statuses {
		h := ServiceHealth{Status: HealthHealthy, Running: st.Running, Error: st.Error}
		if !st.Running {
			h.Status = "unhealthy"
			down++
		}
		report.Services[st.Name] = h
	}

	switch {
	case down == len(statuses):
		report.OverallStatus = HealthCritical
	case down > 0:
		report.OverallStatus = HealthDegraded
	}
	return report
}
