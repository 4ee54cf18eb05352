package threat_intelligence

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0tSystemsPublicRepos/hpti/internal/config"
)

func TestManager_EnrichesEachAddressOnce(t *testing.T) {
	u := newUpstream(t, false, false)
	store := newMemStore()
	m := NewManager(testConfig(u), store)
	m.Start()
	defer m.Stop()

	for i := 0; i < 5; i++ {
		m.Enqueue("203.0.113.5")
	}
	m.Enqueue("10.1.2.3")

	require.Eventually(t, func() bool {
		_, ok := m.Lookup("203.0.113.5")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	assert.EqualValues(t, 1, atomic.LoadInt32(&u.abuseCalls))
	_, ok := m.Lookup("10.1.2.3")
	assert.False(t, ok)

	ti, _ := store.GetThreatIntelligence("203.0.113.5")
	require.NotNil(t, ti)
	// sightings only add to the provider score
	assert.GreaterOrEqual(t, ti.RiskScore, 60)
}

func TestManager_RetriesThenGivesUp(t *testing.T) {
	u := newUpstream(t, true, true)
	m := NewManager(testConfig(u), nil)
	m.retryDelay = time.Millisecond
	m.Start()
	defer m.Stop()

	m.Enqueue("203.0.113.9")

	require.Eventually(t, func() bool {
		return m.GetStats()["pending"] == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 4, atomic.LoadInt32(&u.abuseCalls))
}

func TestManager_Disabled(t *testing.T) {
	cfg := config.Defaults().ThreatIntelligence
	cfg.Enabled = false
	m := NewManager(&cfg, nil)
	m.Start()
	defer m.Stop()

	m.Enqueue("203.0.113.5")
	assert.Equal(t, 0, m.GetStats()["queue_len"])
	assert.Equal(t, 10.0, m.honeypotScore("203.0.113.5"))
}
