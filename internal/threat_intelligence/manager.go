package threat_intelligence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/0tSystemsPublicRepos/hpti/internal/config"
	"github.com/0tSystemsPublicRepos/hpti/internal/database"
	"github.com/0tSystemsPublicRepos/hpti/internal/logging"
)

type Manager struct {
	config     *config.ThreatIntelligenceConfig
	enricher   *Enricher
	queue      chan EnrichmentJob
	workers    int
	retryDelay time.Duration
	stopChan   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup

	mu      sync.Mutex
	pending map[string]bool
	hits    map[string]int
}

type EnrichmentJob struct {
	SourceIP string
	Retry    int
	MaxRetry int
}

func NewManager(cfg *config.ThreatIntelligenceConfig, store Store) *Manager {
	workers := cfg.EnrichmentWorkers
	if workers <= 0 {
		workers = 3
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 1000
	}

	return &Manager{
		config:     cfg,
		enricher:   NewEnricher(cfg, store),
		queue:      make(chan EnrichmentJob, size),
		workers:    workers,
		retryDelay: time.Second,
		stopChan:   make(chan struct{}),
		pending:    make(map[string]bool),
		hits:       make(map[string]int),
	}
}

// Start starts the enrichment worker goroutines
func (m *Manager) Start() {
	if !m.config.Enabled {
		logging.Info("[THREAT_INTEL] Threat Intelligence disabled in config")
		return
	}

	logging.Info("[THREAT_INTEL] Starting %d enrichment workers", m.workers)
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}
}

// Stop shuts the workers down. Jobs still queued are abandoned.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		logging.Info("[THREAT_INTEL] Stopping enrichment workers")
		close(m.stopChan)
		m.wg.Wait()
		m.enricher.Close()
		logging.Info("[THREAT_INTEL] Enrichment workers stopped")
	})
}

// Enqueue records a sighting of sourceIP and schedules an enrichment unless
// one is cached or already queued.
func (m *Manager) Enqueue(sourceIP string) {
	m.mu.Lock()
	m.hits[sourceIP]++
	m.mu.Unlock()

	if !m.config.Enabled || !m.enricher.Eligible(sourceIP) {
		return
	}
	if _, cached := m.enricher.Lookup(sourceIP); cached {
		return
	}

	m.mu.Lock()
	if m.pending[sourceIP] {
		m.mu.Unlock()
		return
	}
	m.pending[sourceIP] = true
	m.mu.Unlock()

	job := EnrichmentJob{SourceIP: sourceIP, MaxRetry: 3}
	select {
	case m.queue <- job:
		logging.Debug("[THREAT_INTEL] Enqueued enrichment job for IP: %s", sourceIP)
	default:
		m.clearPending(sourceIP)
		logging.Warn("[THREAT_INTEL] Queue full, skipping enrichment for IP: %s", sourceIP)
	}
}

func (m *Manager) clearPending(ip string) {
	m.mu.Lock()
	delete(m.pending, ip)
	m.mu.Unlock()
}

// honeypotScore grows with the number of sessions seen from ip.
func (m *Manager) honeypotScore(ip string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	score := float64(m.hits[ip]) * 10
	if score > 100 {
		score = 100
	}
	return score
}

func (m *Manager) worker(id int) {
	defer m.wg.Done()
	logging.Debug("[THREAT_INTEL] Worker %d started", id)

	for {
		select {
		case <-m.stopChan:
			logging.Debug("[THREAT_INTEL] Worker %d stopping", id)
			return
		case job := <-m.queue:
			m.processJob(job, id)
		}
	}
}

func (m *Manager) processJob(job EnrichmentJob, workerID int) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ti, err := m.enricher.EnrichIP(ctx, job.SourceIP, m.honeypotScore(job.SourceIP))
	if err == nil {
		m.clearPending(job.SourceIP)
		logging.Info("[THREAT_INTEL] Worker %d completed enrichment for %s: risk_score=%d threat_level=%s",
			workerID, job.SourceIP, ti.RiskScore, ti.ThreatLevel)
		return
	}
	if errors.Is(err, ErrSkipped) || job.Retry >= job.MaxRetry {
		m.clearPending(job.SourceIP)
		logging.Error("[THREAT_INTEL] Giving up on %s: %v", job.SourceIP, err)
		return
	}

	job.Retry++
	logging.Warn("[THREAT_INTEL] Worker %d enrichment failed for %s: %v (retry %d/%d)",
		workerID, job.SourceIP, err, job.Retry, job.MaxRetry)

	select {
	case <-time.After(m.retryDelay * time.Duration(job.Retry)):
	case <-m.stopChan:
		return
	}

	select {
	case m.queue <- job:
	default:
		m.clearPending(job.SourceIP)
		logging.Error("[THREAT_INTEL] Failed to requeue job for %s", job.SourceIP)
	}
}

// Lookup returns a cached enrichment without triggering a new one.
func (m *Manager) Lookup(ip string) (*database.ThreatIntel, bool) {
	return m.enricher.Lookup(ip)
}

// GetStats returns enrichment queue statistics
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.Lock()
	pending := len(m.pending)
	m.mu.Unlock()

	return map[string]interface{}{
		"enabled":   m.config.Enabled,
		"workers":   m.workers,
		"queue_len": len(m.queue),
		"pending":   pending,
		"cache":     m.enricher.cache.Stats(),
	}
}
