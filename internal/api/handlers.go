package api

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/0tSystemsPublicRepos/hpti/internal/logging"
	"github.com/0tSystemsPublicRepos/hpti/internal/services"
	"github.com/0tSystemsPublicRepos/hpti/internal/session"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("[API] Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func limitParam(r *http.Request) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= maxLimit {
			return parsed
		}
	}
	return defaultLimit
}

// requireStore answers 503 and returns false when no database is wired.
func (s *APIServer) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "database not configured")
		return false
	}
	return true
}

func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.services.Health()
	status := http.StatusOK
	if report.OverallStatus != services.HealthHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"status":          report.OverallStatus,
		"services":        report.Services,
		"active_sessions": s.registry.Count(),
		"uptime_seconds":  int64(time.Since(s.started).Seconds()),
		"timestamp":       report.Timestamp,
	})
}

func (s *APIServer) handleServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.services.Status())
}

func (s *APIServer) handleActiveSessions(w http.ResponseWriter, r *http.Request) {
	active := s.registry.Active()
	if p := r.URL.Query().Get("protocol"); p != "" {
		filtered := active[:0]
		for _, rec := range active {
			if string(rec.Protocol) == p {
				filtered = append(filtered, rec)
			}
		}
		active = filtered
	}
	writeJSON(w, http.StatusOK, active)
}

func (s *APIServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}

	limit := limitParam(r)
	var (
		sessions interface{}
		err      error
	)
	if ip := r.URL.Query().Get("ip"); ip != "" {
		sessions, err = s.store.GetSessionsByIP(ip, limit)
	} else {
		sessions, err = s.store.GetRecentSessions(limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *APIServer) handleSession(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}

	id := chi.URLParam(r, "id")
	var rec *session.Record
	for _, live := range s.registry.Active() {
		if live.SessionID == id {
			rec = &live
			break
		}
	}
	if rec == nil {
		var err error
		rec, err = s.store.GetSession(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *APIServer) handlePatterns(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	patterns, err := s.store.GetAttackPatterns(limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, patterns)
}

func (s *APIServer) handleAttackers(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	attackers, err := s.store.GetTopAttackers(limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, attackers)
}

func (s *APIServer) handleCredentials(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	creds, err := s.store.GetTopCredentials(limitParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

// handleThreatIntel serves the in-memory cache first and falls back to the
// stored enrichment. It never triggers a new lookup.
func (s *APIServer) handleThreatIntel(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if net.ParseIP(ip) == nil {
		writeError(w, http.StatusBadRequest, "invalid ip address")
		return
	}

	if s.intel != nil {
		if ti, ok := s.intel.Lookup(ip); ok {
			writeJSON(w, http.StatusOK, ti)
			return
		}
	}
	if s.store != nil {
		ti, err := s.store.GetThreatIntelligence(ip)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if ti != nil {
			writeJSON(w, http.StatusOK, ti)
			return
		}
	}
	writeError(w, http.StatusNotFound, "no threat intelligence for "+ip)
}

func (s *APIServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_sessions": s.registry.Count(),
		"active_by_protocol": map[string]int{
			string(session.ProtocolSSH):    s.registry.CountByProtocol(session.ProtocolSSH),
			string(session.ProtocolTelnet): s.registry.CountByProtocol(session.ProtocolTelnet),
			string(session.ProtocolFTP):    s.registry.CountByProtocol(session.ProtocolFTP),
			string(session.ProtocolHTTP):   s.registry.CountByProtocol(session.ProtocolHTTP),
		},
	}

	if s.store != nil {
		dbStats, err := s.store.GetStats()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		stats["database"] = dbStats
	}
	for name, fn := range s.extra {
		stats[name] = fn()
	}
	writeJSON(w, http.StatusOK, stats)
}
