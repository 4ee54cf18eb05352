package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0tSystemsPublicRepos/hpti/internal/config"
	"github.com/0tSystemsPublicRepos/hpti/internal/detection"
	"github.com/0tSystemsPublicRepos/hpti/internal/session"
)

type recorder struct {
	mu       sync.Mutex
	sessions []session.Record
	patterns []detection.AttackPattern
	notified []detection.AttackPattern
	enriched []string
	events   []session.Event
	storeErr error
}

func (r *recorder) StoreSession(rec session.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.storeErr != nil {
		return r.storeErr
	}
	r.sessions = append(r.sessions, rec)
	return nil
}

func (r *recorder) StoreAttackPattern(p detection.AttackPattern) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns = append(r.patterns, p)
	return nil
}

func (r *recorder) Notify(p detection.AttackPattern) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notified = append(r.notified, p)
}

func (r *recorder) Enqueue(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enriched = append(r.enriched, ip)
}

func (r *recorder) Emit(e session.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func newManager(cfg config.PipelineConfig, r *recorder) *Manager {
	return NewManager(cfg, detection.NewDetector(detection.DefaultTimeWindow),
		WithStore(r), WithNotifier(r), WithEnricher(r), WithEmitter(r))
}

func attempts(id, ip, password string, n int) session.Record {
	start := time.Now().Add(-time.Minute)
	end := start.Add(30 * time.Second)
	rec := session.Record{
		SessionID: id,
		SourceIP:  ip,
		Protocol:  session.ProtocolSSH,
		StartTime: start,
		EndTime:   &end,
	}
	for i := 0; i < n; i++ {
		pw := password
		rec.AuthAttempts = append(rec.AuthAttempts, session.AuthAttempt{
			Timestamp: start.Add(time.Duration(i) * time.Second),
			Username:  "root",
			Password:  &pw,
			Method:    session.AuthPassword,
		})
	}
	return rec
}

func TestManager_ProcessesQueuedRecordsOnStop(t *testing.T) {
	r := &recorder{}
	m := newManager(config.PipelineConfig{Workers: 2, QueueSize: 10, CorrelationInterval: 3600}, r)
	m.Start()

	m.Submit(attempts("s-1", "203.0.113.5", "123456", 8))
	m.Submit(attempts("s-2", "198.51.100.9", "admin", 1))
	m.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Len(t, r.sessions, 2)
	require.Len(t, r.patterns, 1)
	assert.Equal(t, detection.PatternBruteForce, r.patterns[0].PatternType)
	require.Len(t, r.notified, 1)
	assert.ElementsMatch(t, []string{"203.0.113.5", "198.51.100.9"}, r.enriched)

	require.Len(t, r.events, 1)
	assert.Equal(t, session.EventPatternDetected, r.events[0].Type)
	assert.Equal(t, "s-1", r.events[0].SessionID)
	assert.Equal(t, "brute_force", r.events[0].Data["pattern_type"])

	stats := m.GetStats()
	assert.EqualValues(t, 2, stats.Processed)
	assert.EqualValues(t, 1, stats.Findings)
}

func TestManager_DropsWhenFull(t *testing.T) {
	r := &recorder{}
	m := newManager(config.PipelineConfig{Workers: 1, QueueSize: 1}, r)

	m.Submit(attempts("a", "203.0.113.5", "x", 1))
	m.Submit(attempts("b", "203.0.113.5", "x", 1))
	assert.EqualValues(t, 1, m.GetStats().Dropped)
	assert.Equal(t, 1, m.GetStats().QueueLen)

	m.Start()
	m.Stop()
	m.Submit(attempts("c", "203.0.113.5", "x", 1))
	assert.EqualValues(t, 2, m.GetStats().Dropped)
	assert.Len(t, r.sessions, 1)
}

func TestManager_StoreFailureDoesNotStopDetection(t *testing.T) {
	r := &recorder{storeErr: errors.New("disk full")}
	m := newManager(config.PipelineConfig{}, r)

	m.process(attempts("s-1", "203.0.113.5", "pw", 12))
	assert.Empty(t, r.sessions)
	require.Len(t, r.notified, 1)
	assert.Equal(t, detection.SeverityMedium, r.notified[0].Severity)
}

func TestManager_CorrelateReportsOnce(t *testing.T) {
	r := &recorder{}
	m := newManager(config.PipelineConfig{}, r)

	for i := 1; i <= 3; i++ {
		m.process(attempts(fmt.Sprintf("s-%d", i), fmt.Sprintf("203.0.113.%d", i), "admin123", 1))
	}

	p := m.Correlate()
	require.NotNil(t, p)
	assert.Equal(t, detection.PatternDistributedAttack, p.PatternType)
	assert.Len(t, p.SourceIPs, 3)
	assert.Nil(t, m.Correlate(), "same sessions are not reported twice")

	m.process(attempts("s-4", "203.0.113.4", "admin123", 1))
	p = m.Correlate()
	require.NotNil(t, p)
	assert.Len(t, p.SourceIPs, 4)

	require.Len(t, r.patterns, 2)
	assert.Empty(t, r.events[0].SessionID)
}

func TestManager_Defaults(t *testing.T) {
	m := NewManager(config.PipelineConfig{}, nil)
	stats := m.GetStats()
	assert.Equal(t, 4, stats.Workers)
	assert.Equal(t, 1000, stats.QueueCap)
	assert.Equal(t, time.Minute, m.interval)
}
