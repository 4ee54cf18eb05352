package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0tSystemsPublicRepos/hpti/internal/config"
	"github.com/0tSystemsPublicRepos/hpti/internal/database"
	"github.com/0tSystemsPublicRepos/hpti/internal/metrics"
	"github.com/0tSystemsPublicRepos/hpti/internal/services"
	"github.com/0tSystemsPublicRepos/hpti/internal/session"
)

type fakeServices struct {
	statuses []services.ServiceStatus
	overall  string
}

func (f fakeServices) Status() []services.ServiceStatus { return f.statuses }
func (f fakeServices) Health() services.HealthReport {
	return services.HealthReport{OverallStatus: f.overall, Services: map[string]services.ServiceHealth{}, Timestamp: time.Now()}
}

type fakeStore struct {
	byIP   map[string][]database.SessionSummary
	stored map[string]*session.Record
	intel  map[string]*database.ThreatIntel
	err    error
}

func (f *fakeStore) GetRecentSessions(limit int) ([]database.SessionSummary, error) {
	out := []database.SessionSummary{}
	for _, list := range f.byIP {
		out = append(out, list...)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, f.err
}

func (f *fakeStore) GetSessionsByIP(ip string, limit int) ([]database.SessionSummary, error) {
	return f.byIP[ip], f.err
}

func (f *fakeStore) GetSession(id string) (*session.Record, error) { return f.stored[id], f.err }

func (f *fakeStore) GetAttackPatterns(limit int) ([]database.StoredPattern, error) {
	return []database.StoredPattern{{ID: 1}}, f.err
}

func (f *fakeStore) GetTopAttackers(limit int) ([]database.AttackerSummary, error) {
	return []database.AttackerSummary{{SourceIP: "203.0.113.5", SessionCount: 3}}, f.err
}

func (f *fakeStore) GetTopCredentials(limit int) ([]database.CredentialCount, error) {
	return []database.CredentialCount{{Username: "root", Password: "123456", Count: 3}}, f.err
}

func (f *fakeStore) GetThreatIntelligence(ip string) (*database.ThreatIntel, error) {
	return f.intel[ip], f.err
}

func (f *fakeStore) GetStats() (*database.Stats, error) {
	return &database.Stats{TotalSessions: 7}, f.err
}

type fakeIntel map[string]*database.ThreatIntel

func (f fakeIntel) Lookup(ip string) (*database.ThreatIntel, bool) {
	ti, ok := f[ip]
	return ti, ok
}

func newTestServer(t *testing.T, store Store, opts ...Option) (*APIServer, *session.Registry) {
	t.Helper()
	reg := session.NewRegistry()
	svcs := fakeServices{
		overall:  services.HealthHealthy,
		statuses: []services.ServiceStatus{{Name: "ssh", Address: ":2222", Running: true}},
	}
	if store != nil {
		opts = append(opts, WithStore(store))
	}
	s := NewAPIServer(config.APIConfig{Enabled: true}, config.MetricsConfig{Enabled: true, Path: "/metrics"}, svcs, reg, opts...)
	return s, reg
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthAndServices(t *testing.T) {
	s, reg := newTestServer(t, nil)
	reg.Register(session.New(session.ProtocolSSH, &net.TCPAddr{IP: net.ParseIP("203.0.113.5"), Port: 40000}))
	h := s.Router()

	rr := get(t, h, "/api/health")
	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 1, body["active_sessions"])

	rr = get(t, h, "/api/services")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"name":"ssh"`)
}

func TestHealthDegradedIs503(t *testing.T) {
	reg := session.NewRegistry()
	s := NewAPIServer(config.APIConfig{}, config.MetricsConfig{}, fakeServices{overall: services.HealthDegraded}, reg)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, s.Router(), "/api/health").Code)
}

func TestActiveSessions(t *testing.T) {
	s, reg := newTestServer(t, nil)
	reg.Register(session.New(session.ProtocolSSH, &net.TCPAddr{IP: net.ParseIP("203.0.113.5"), Port: 40000}))
	reg.Register(session.New(session.ProtocolFTP, &net.TCPAddr{IP: net.ParseIP("203.0.113.6"), Port: 40001}))
	h := s.Router()

	var recs []session.Record
	require.NoError(t, json.Unmarshal(get(t, h, "/api/sessions/active").Body.Bytes(), &recs))
	assert.Len(t, recs, 2)

	require.NoError(t, json.Unmarshal(get(t, h, "/api/sessions/active?protocol=ftp").Body.Bytes(), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "203.0.113.6", recs[0].SourceIP)
}

func TestDatabaseRoutesWithoutStore(t *testing.T) {
	s, _ := newTestServer(t, nil)
	h := s.Router()
	for _, path := range []string{"/api/sessions", "/api/patterns", "/api/attackers", "/api/credentials", "/api/sessions/x"} {
		assert.Equal(t, http.StatusServiceUnavailable, get(t, h, path).Code, path)
	}
}

func TestDatabaseRoutes(t *testing.T) {
	store := &fakeStore{
		byIP: map[string][]database.SessionSummary{
			"203.0.113.5": {{SessionID: "a", SourceIP: "203.0.113.5"}},
		},
		stored: map[string]*session.Record{"a": {SessionID: "a", SourceIP: "203.0.113.5"}},
	}
	s, _ := newTestServer(t, store)
	h := s.Router()

	rr := get(t, h, "/api/sessions?ip=203.0.113.5")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"a"`)

	rr = get(t, h, "/api/sessions/a")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"session_id":"a"`)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/sessions/missing").Code)

	assert.Contains(t, get(t, h, "/api/credentials").Body.String(), "123456")
	assert.Contains(t, get(t, h, "/api/attackers").Body.String(), "203.0.113.5")
	assert.Equal(t, http.StatusOK, get(t, h, "/api/patterns").Code)

	store.err = errors.New("database is locked")
	rr = get(t, h, "/api/attackers")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "database is locked")
}

func TestThreatIntel(t *testing.T) {
	store := &fakeStore{intel: map[string]*database.ThreatIntel{
		"198.51.100.1": {IPAddress: "198.51.100.1", ThreatLevel: "LOW"},
	}}
	cached := fakeIntel{"203.0.113.5": {IPAddress: "203.0.113.5", ThreatLevel: "HIGH"}}
	s, _ := newTestServer(t, store, WithIntel(cached))
	h := s.Router()

	assert.Contains(t, get(t, h, "/api/threat-intel/203.0.113.5").Body.String(), "HIGH")
	assert.Contains(t, get(t, h, "/api/threat-intel/198.51.100.1").Body.String(), "LOW")
	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/threat-intel/192.0.2.1").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/threat-intel/nope").Code)
}

func TestStats(t *testing.T) {
	s, _ := newTestServer(t, &fakeStore{}, WithStats("pipeline", func() interface{} {
		return map[string]int{"processed": 4}
	}))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(get(t, s.Router(), "/api/stats").Body.Bytes(), &body))
	assert.EqualValues(t, 0, body["active_sessions"])
	assert.EqualValues(t, 7, body["database"].(map[string]interface{})["total_sessions"])
	assert.EqualValues(t, 4, body["pipeline"].(map[string]interface{})["processed"])
}

func TestMetricsAndCORS(t *testing.T) {
	prom := metrics.NewPrometheus()
	prom.SessionStarted("ssh")
	s, _ := newTestServer(t, nil, WithMetricsHandler(prom.Handler()))
	h := s.Router()

	rr := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "ssh")

	req := httptest.NewRequest(http.MethodGet, "/api/services", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}
