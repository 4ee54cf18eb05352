// Package pipeline consumes finished session records off the protocol
// handlers' hot path and runs detection, storage, alerting and enrichment.
package pipeline

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0tSystemsPublicRepos/hpti/internal/config"
	"github.com/0tSystemsPublicRepos/hpti/internal/detection"
	"github.com/0tSystemsPublicRepos/hpti/internal/logging"
	"github.com/0tSystemsPublicRepos/hpti/internal/metrics"
	"github.com/0tSystemsPublicRepos/hpti/internal/session"
)

// Store persists sessions and findings.
type Store interface {
	StoreSession(rec session.Record) error
	StoreAttackPattern(p detection.AttackPattern) error
}

// Notifier is told about every finding.
type Notifier interface {
	Notify(p detection.AttackPattern)
}

// Enricher receives every source address seen.
type Enricher interface {
	Enqueue(ip string)
}

type Option func(*Manager)

func WithStore(s Store) Option       { return func(m *Manager) { m.store = s } }
func WithNotifier(n Notifier) Option { return func(m *Manager) { m.notifier = n } }
func WithEnricher(e Enricher) Option { return func(m *Manager) { m.enricher = e } }

func WithMetrics(r metrics.Recorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.metrics = r
		}
	}
}

func WithEmitter(e session.Emitter) Option {
	return func(m *Manager) {
		if e != nil {
			m.emitter = e
		}
	}
}

// Manager implements session.Handoff with a bounded queue and a fixed worker
// pool. Submit never blocks; records are dropped when the queue is full.
type Manager struct {
	detector *detection.Detector
	store    Store
	notifier Notifier
	enricher Enricher
	metrics  metrics.Recorder
	emitter  session.Emitter

	queue    chan session.Record
	workers  int
	interval time.Duration

	stopChan chan struct{}
	stopped  atomic.Bool
	wg       sync.WaitGroup

	mu              sync.Mutex
	lastDistributed string

	processed atomic.Int64
	dropped   atomic.Int64
	findings  atomic.Int64
}

type Stats struct {
	Workers   int   `json:"workers"`
	QueueLen  int   `json:"queue_len"`
	QueueCap  int   `json:"queue_cap"`
	Processed int64 `json:"processed"`
	Dropped   int64 `json:"dropped"`
	Findings  int64 `json:"findings"`
}

func NewManager(cfg config.PipelineConfig, detector *detection.Detector, opts ...Option) *Manager {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 1000
	}
	interval := time.Duration(cfg.CorrelationInterval) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	if detector == nil {
		detector = detection.NewDetector(detection.DefaultTimeWindow)
	}

	m := &Manager{
		detector: detector,
		metrics:  metrics.Nop{},
		emitter:  session.NopEmitter,
		queue:    make(chan session.Record, size),
		workers:  workers,
		interval: interval,
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start starts the workers and the correlation ticker.
func (m *Manager) Start() {
	logging.Info("[PIPELINE] Starting %d workers (queue %d, correlation every %s)", m.workers, cap(m.queue), m.interval)
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}
	m.wg.Add(1)
	go m.correlator()
}

// Stop stops accepting records, lets the workers drain what is queued and
// waits for them.
func (m *Manager) Stop() {
	if !m.stopped.CompareAndSwap(false, true) {
		return
	}
	logging.Info("[PIPELINE] Stopping, %d records queued", len(m.queue))
	close(m.stopChan)
	m.wg.Wait()
	logging.Info("[PIPELINE] Stopped (processed=%d dropped=%d findings=%d)",
		m.processed.Load(), m.dropped.Load(), m.findings.Load())
}

// Submit queues a finished session record.
func (m *Manager) Submit(rec session.Record) {
	if m.stopped.Load() {
		m.dropped.Add(1)
		logging.Warn("[PIPELINE] Stopped, dropping session %s", rec.SessionID)
		return
	}
	select {
	case m.queue <- rec:
	default:
		m.dropped.Add(1)
		logging.Warn("[PIPELINE] Queue full, dropping session %s from %s", rec.SessionID, rec.SourceIP)
	}
}

func (m *Manager) worker(id int) {
	defer m.wg.Done()
	logging.Debug("[PIPELINE] Worker %d started", id)

	for {
		select {
		case rec := <-m.queue:
			m.process(rec)
		case <-m.stopChan:
			for {
				select {
				case rec := <-m.queue:
					m.process(rec)
				default:
					logging.Debug("[PIPELINE] Worker %d stopping", id)
					return
				}
			}
		}
	}
}

func (m *Manager) correlator() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Correlate()
		case <-m.stopChan:
			return
		}
	}
}

// process runs one record through detection and the sinks. Sink failures are
// logged and never stop the pipeline.
func (m *Manager) process(rec session.Record) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("[PIPELINE] Panic processing session %s: %v", rec.SessionID, r)
		}
	}()
	m.processed.Add(1)

	patterns := m.detector.AnalyzeSession(rec)

	if m.store != nil {
		if err := m.store.StoreSession(rec); err != nil {
			logging.Error("[PIPELINE] Failed to store session %s: %v", rec.SessionID, err)
		}
	}

	for _, p := range patterns {
		m.report(p)
	}

	if m.enricher != nil && rec.SourceIP != "" {
		m.enricher.Enqueue(rec.SourceIP)
	}
}

// Correlate looks for a distributed attack across the current window. A
// finding citing exactly the sessions of the previous one is not repeated.
func (m *Manager) Correlate() *detection.AttackPattern {
	p := m.detector.CorrelateWindow()
	if p == nil {
		return nil
	}

	key := strings.Join(p.SessionIDs, ",")
	m.mu.Lock()
	if key == m.lastDistributed {
		m.mu.Unlock()
		return nil
	}
	m.lastDistributed = key
	m.mu.Unlock()

	m.report(*p)
	return p
}

func (m *Manager) report(p detection.AttackPattern) {
	m.findings.Add(1)
	m.metrics.PatternDetected(string(p.PatternType), string(p.Severity))

	ev := session.Event{
		Type:      session.EventPatternDetected,
		Timestamp: time.Now().UTC(),
		Data: map[string]interface{}{
			"pattern_type":     string(p.PatternType),
			"severity":         string(p.Severity),
			"description":      p.Description,
			"confidence_score": p.ConfidenceScore,
			"source_ips":       p.SourceIPs,
			"session_ids":      p.SessionIDs,
			"indicators":       p.Indicators,
		},
	}
	if len(p.SourceIPs) == 1 {
		ev.SourceIP = p.SourceIPs[0]
	}
	if len(p.SessionIDs) == 1 {
		ev.SessionID = p.SessionIDs[0]
	}
	m.emitter.Emit(ev)

	if m.store != nil {
		if err := m.store.StoreAttackPattern(p); err != nil {
			logging.Error("[PIPELINE] Failed to store %s pattern: %v", p.PatternType, err)
		}
	}
	if m.notifier != nil {
		m.notifier.Notify(p)
	}
}

func (m *Manager) GetStats() Stats {
	return Stats{
		Workers:   m.workers,
		QueueLen:  len(m.queue),
		QueueCap:  cap(m.queue),
		Processed: m.processed.Load(),
		Dropped:   m.dropped.Load(),
		Findings:  m.findings.Load(),
	}
}

var _ session.Handoff = (*Manager)(nil)
