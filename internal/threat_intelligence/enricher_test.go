package threat_intelligence

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0tSystemsPublicRepos/hpti/internal/config"
	"github.com/0tSystemsPublicRepos/hpti/internal/database"
)

type memStore struct {
	mu   sync.Mutex
	rows map[string]database.ThreatIntel
}

func newMemStore() *memStore { return &memStore{rows: make(map[string]database.ThreatIntel)} }

func (s *memStore) StoreThreatIntelligence(ti database.ThreatIntel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[ti.IPAddress] = ti
	return nil
}

func (s *memStore) GetThreatIntelligence(ip string) (*database.ThreatIntel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ti, ok := s.rows[ip]
	if !ok {
		return nil, nil
	}
	return &ti, nil
}

type upstream struct {
	server     *httptest.Server
	abuseCalls int32
	infoCalls  int32
	failAbuse  bool
	failInfo   bool
}

func newUpstream(t *testing.T, failAbuse, failInfo bool) *upstream {
	u := &upstream{failAbuse: failAbuse, failInfo: failInfo}
	mux := http.NewServeMux()
	mux.HandleFunc("/abuse/check", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&u.abuseCalls, 1)
		if u.failAbuse {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		assert.Equal(t, "abuse-key", r.Header.Get("Key"))
		assert.Equal(t, "203.0.113.5", r.URL.Query().Get("ipAddress"))
		w.Write([]byte(`{"data":{"abuseConfidenceScore":80,"countryCode":"NL","totalReports":42,"isp":"Evil Hosting"}}`))
	})
	mux.HandleFunc("/info/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&u.infoCalls, 1)
		if u.failInfo {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		assert.Equal(t, "info-key", r.URL.Query().Get("token"))
		w.Write([]byte(`{"country":"DE","city":"Berlin","org":"AS64500 Example","privacy":{"tor":true}}`))
	})
	u.server = httptest.NewServer(mux)
	t.Cleanup(u.server.Close)
	return u
}

func testConfig(u *upstream) *config.ThreatIntelligenceConfig {
	cfg := config.Defaults().ThreatIntelligence
	cfg.Enabled = true
	cfg.APIs.AbuseIPDB = config.APIProviderConfig{Enabled: true, APIKey: "abuse-key", BaseURL: u.server.URL + "/abuse"}
	cfg.APIs.IPInfo = config.APIProviderConfig{Enabled: true, APIKey: "info-key", BaseURL: u.server.URL + "/info"}
	return &cfg
}

func TestEnrichIP_CombinesProviders(t *testing.T) {
	u := newUpstream(t, false, false)
	store := newMemStore()
	e := NewEnricher(testConfig(u), store)
	defer e.Close()

	ti, err := e.EnrichIP(context.Background(), "203.0.113.5", 50)
	require.NoError(t, err)

	// 80*0.5 + 100*0.2 + 50*0.3
	assert.Equal(t, 75, ti.RiskScore)
	assert.Equal(t, "HIGH", ti.ThreatLevel)
	assert.Equal(t, "NL", ti.Country)
	assert.Equal(t, "Evil Hosting", ti.Org)
	assert.Equal(t, "Berlin", ti.City)
	assert.True(t, ti.IsTor)
	assert.Equal(t, "tor", ti.PrivacyType)
	require.NotNil(t, ti.AbuseReports)
	assert.Equal(t, 42, *ti.AbuseReports)

	stored, _ := store.GetThreatIntelligence("203.0.113.5")
	require.NotNil(t, stored)
	assert.Equal(t, 75, stored.RiskScore)

	_, err = e.EnrichIP(context.Background(), "203.0.113.5", 50)
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&u.abuseCalls), "second lookup served from cache")
}

func TestEnrichIP_PartialFailure(t *testing.T) {
	u := newUpstream(t, true, false)
	e := NewEnricher(testConfig(u), nil)
	defer e.Close()

	ti, err := e.EnrichIP(context.Background(), "203.0.113.5", 0)
	require.NoError(t, err)
	assert.Equal(t, 20, ti.RiskScore)
	assert.Equal(t, "LOW", ti.ThreatLevel)
	assert.Nil(t, ti.AbuseScore)
	assert.Equal(t, "DE", ti.Country)
}

func TestEnrichIP_AllProvidersFail(t *testing.T) {
	u := newUpstream(t, true, true)
	e := NewEnricher(testConfig(u), nil)
	defer e.Close()

	_, err := e.EnrichIP(context.Background(), "203.0.113.5", 0)
	assert.Error(t, err)
}

func TestEnrichIP_SkipsPrivateAddresses(t *testing.T) {
	u := newUpstream(t, false, false)
	e := NewEnricher(testConfig(u), nil)
	defer e.Close()

	for _, ip := range []string{"10.0.0.1", "127.0.0.1", "192.168.1.20", "::1", "fe80::1", "not-an-ip"} {
		_, err := e.EnrichIP(context.Background(), ip, 0)
		assert.ErrorIs(t, err, ErrSkipped, ip)
	}
	assert.Zero(t, atomic.LoadInt32(&u.abuseCalls))
}

func TestEnrichIP_UnexpandedKeyIsNotConfigured(t *testing.T) {
	u := newUpstream(t, false, false)
	cfg := testConfig(u)
	cfg.APIs.AbuseIPDB.APIKey = "${ABUSEIPDB_API_KEY}"
	cfg.APIs.IPInfo.Enabled = false
	e := NewEnricher(cfg, nil)
	defer e.Close()

	_, err := e.EnrichIP(context.Background(), "203.0.113.5", 0)
	assert.ErrorContains(t, err, "not configured")
}

func TestLookup_UsesStoreWithinTTL(t *testing.T) {
	store := newMemStore()
	store.StoreThreatIntelligence(database.ThreatIntel{IPAddress: "198.51.100.1", RiskScore: 10, EnrichedAt: time.Now().Add(-time.Hour)})
	store.StoreThreatIntelligence(database.ThreatIntel{IPAddress: "198.51.100.2", RiskScore: 10, EnrichedAt: time.Now().Add(-48 * time.Hour)})

	cfg := config.Defaults().ThreatIntelligence
	e := NewEnricher(&cfg, store)
	defer e.Close()

	_, ok := e.Lookup("198.51.100.1")
	assert.True(t, ok)
	_, ok = e.Lookup("198.51.100.2")
	assert.False(t, ok)
}

func TestThreatLevels(t *testing.T) {
	cfg := config.Defaults().ThreatIntelligence
	e := NewEnricher(&cfg, nil)
	defer e.Close()

	assert.Equal(t, "CRITICAL", e.threatLevel(80))
	assert.Equal(t, "HIGH", e.threatLevel(60))
	assert.Equal(t, "MEDIUM", e.threatLevel(30))
	assert.Equal(t, "LOW", e.threatLevel(29))
}

func TestIntelCache_Expiry(t *testing.T) {
	c := NewIntelCache(time.Hour)
	defer c.Close()
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set("a", &database.ThreatIntel{IPAddress: "a"})
	c.Set("b", &database.ThreatIntel{IPAddress: "b", EnrichedAt: now.Add(-2 * time.Hour)})

	_, ok := c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Stats()["total_hits"])

	now = now.Add(30 * time.Minute)
	assert.Equal(t, 1, c.purge())
	_, ok = c.Get("b")
	assert.False(t, ok)
}
