package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/0tSystemsPublicRepos/hpti/internal/anonymization"
	"github.com/0tSystemsPublicRepos/hpti/internal/api"
	"github.com/0tSystemsPublicRepos/hpti/internal/config"
	"github.com/0tSystemsPublicRepos/hpti/internal/database"
	"github.com/0tSystemsPublicRepos/hpti/internal/detection"
	"github.com/0tSystemsPublicRepos/hpti/internal/logging"
	"github.com/0tSystemsPublicRepos/hpti/internal/metrics"
	"github.com/0tSystemsPublicRepos/hpti/internal/notifications"
	"github.com/0tSystemsPublicRepos/hpti/internal/pipeline"
	"github.com/0tSystemsPublicRepos/hpti/internal/services"
	"github.com/0tSystemsPublicRepos/hpti/internal/session"
	"github.com/0tSystemsPublicRepos/hpti/internal/threat_intelligence"
)

const shutdownTimeout = 10 * time.Second

func runStart(path string, debug bool) error {
	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	debug = debug || cfg.App.Debug

	if err := logging.Init(cfg.Logging, debug); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.Close()

	logging.Info("[MAIN] Starting HPTI %s (%s)", version, cfg.App.Environment)

	events := logging.NewFileEventLogger(cfg.Logging)
	defer events.Close()

	prom := metrics.NewPrometheus()
	var rec metrics.Recorder = metrics.Nop{}
	if cfg.Metrics.Enabled {
		rec = prom
	}

	db, err := database.Open(cfg.Database)
	if err != nil {
		// Sessions are still captured and alerted on without a database.
		logging.Error("[MAIN] Database unavailable, running without persistence: %v", err)
		db = nil
	} else {
		defer db.Close()
	}

	var intelStore threat_intelligence.Store
	if db != nil {
		intelStore = db
	}
	intel := threat_intelligence.NewManager(&cfg.ThreatIntelligence, intelStore)
	intel.Start()
	defer intel.Stop()

	anon := anonymization.NewAnonymizationEngine(cfg.Anonymization.Enabled, cfg.Anonymization.Strategy, cfg.Anonymization.SensitiveKeys)
	notifier := notifications.NewManager(cfg.Notifications, anon)

	window := time.Duration(cfg.Detection.TimeWindow) * time.Second
	opts := []pipeline.Option{
		pipeline.WithNotifier(notifier),
		pipeline.WithEnricher(intel),
		pipeline.WithMetrics(rec),
		pipeline.WithEmitter(events),
	}
	if db != nil {
		opts = append(opts, pipeline.WithStore(db))
	}
	pipe := pipeline.NewManager(cfg.Pipeline, detection.NewDetector(window), opts...)
	pipe.Start()
	defer pipe.Stop()

	registry := session.NewRegistry()
	tracker := session.NewTracker(registry, events, rec, pipe)

	svcs, err := services.Build(cfg, tracker, detection.NewSignatureEngine())
	if err != nil {
		return err
	}
	if err := svcs.StartAll(); err != nil {
		return err
	}

	apiOpts := []api.Option{
		api.WithIntel(intel),
		api.WithMetricsHandler(prom.Handler()),
		api.WithStats("pipeline", func() interface{} { return pipe.GetStats() }),
		api.WithStats("threat_intelligence", func() interface{} { return intel.GetStats() }),
		api.WithStats("notifications", func() interface{} { return notifier.GetProviderStatus() }),
	}
	if db != nil {
		apiOpts = append(apiOpts, api.WithStore(db))
	}
	apiServer := api.NewAPIServer(cfg.API, cfg.Metrics, svcs, registry, apiOpts...)
	if err := apiServer.Start(); err != nil {
		return err
	}

	loader.Watch(func(next *config.Config) {
		logging.SetLevelName(next.Logging.Level)
		notifier.SetRules(next.Notifications.Rules)
		logging.Info("[MAIN] Applied reloaded config (log level %s)", next.Logging.Level)
	})

	for _, st := range svcs.Status() {
		if st.Running {
			logging.Info("[MAIN] %s listening on %s", st.Name, st.Address)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logging.Info("[MAIN] Received %v, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := apiServer.Stop(ctx); err != nil {
		logging.Warn("[MAIN] API shutdown: %v", err)
	}
	if err := svcs.StopAll(ctx); err != nil {
		logging.Warn("[MAIN] Service shutdown: %v", err)
	}
	// Deferred stops run in reverse: pipeline drains, then enrichment, then the database.
	logging.Info("[MAIN] Services stopped, draining pipeline")
	return nil
}
