package notifications

import (
	"sync"

	"github.com/0tSystemsPublicRepos/hpti/internal/anonymization"
	"github.com/0tSystemsPublicRepos/hpti/internal/config"
	"github.com/0tSystemsPublicRepos/hpti/internal/detection"
	"github.com/0tSystemsPublicRepos/hpti/internal/logging"
)

type Manager struct {
	providers []NotificationProvider
	config    config.NotificationsConfig
	anon      *anonymization.AnonymizationEngine
	mu        sync.RWMutex
}

// NewManager always installs the log provider. The remote providers are
// added only when notifications are enabled.
func NewManager(cfg config.NotificationsConfig, anon *anonymization.AnonymizationEngine) *Manager {
	manager := &Manager{
		providers: []NotificationProvider{LogProvider{}},
		config:    cfg,
		anon:      anon,
	}

	if !cfg.Enabled {
		logging.Info("[NOTIFICATIONS] Remote notifications disabled")
		return manager
	}

	if cfg.Webhooks.Enabled {
		manager.providers = append(manager.providers, NewWebhookProvider(&manager.config.Webhooks))
		logging.Info("[NOTIFICATIONS] Webhook provider initialized (%d endpoints)", len(cfg.Webhooks.Endpoints))
	}

	if cfg.Providers.Email.Enabled {
		manager.providers = append(manager.providers, NewEmailProvider(&manager.config.Providers.Email))
		logging.Info("[NOTIFICATIONS] Email provider initialized")
	}

	if cfg.Providers.Slack.Enabled {
		manager.providers = append(manager.providers, NewSlackProvider(&manager.config.Providers.Slack))
		logging.Info("[NOTIFICATIONS] Slack provider initialized")
	}

	return manager
}

func (m *Manager) AddProvider(p NotificationProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = append(m.providers, p)
}

// Notify turns a finding into an alert, scrubs its indicators and sends it.
func (m *Manager) Notify(p detection.AttackPattern) {
	n := NewNotification(p)
	if m.anon.Enabled() && len(n.Indicators) > 0 {
		result := m.anon.RedactIndicators(n.Indicators)
		n.Indicators = result.Redacted
		n.RedactionStatus = m.anon.GetRedactionStatus(result)
	}
	if err := m.Send(n); err != nil {
		logging.Warn("[NOTIFICATIONS] %v", err)
	}
}

// Send sends notification to all enabled providers based on configured rules
func (m *Manager) Send(notification *Notification) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.shouldSendNotification(notification.ThreatLevel) {
		logging.Debug("[NOTIFICATIONS] Skipped notification for %s finding (rule-based filtering)", notification.ThreatLevel)
		return nil
	}

	var wg sync.WaitGroup
	var failed int
	var mu sync.Mutex

	for _, provider := range m.providers {
		if !provider.IsEnabled() {
			continue
		}

		wg.Add(1)
		go func(p NotificationProvider) {
			defer wg.Done()
			if err := p.Send(notification); err != nil {
				logging.Error("[NOTIFICATIONS] Error from %s provider: %v", p.Name(), err)
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}(provider)
	}

	wg.Wait()

	if failed > 0 {
		logging.Warn("[NOTIFICATIONS] %d provider(s) failed", failed)
	}
	return nil
}

func (m *Manager) shouldSendNotification(threatLevel string) bool {
	switch threatLevel {
	case "CRITICAL":
		return m.config.Rules.AlertOnCritical
	case "HIGH":
		return m.config.Rules.AlertOnHigh
	case "MEDIUM":
		return m.config.Rules.AlertOnMedium
	case "LOW":
		return m.config.Rules.AlertOnLow
	default:
		return false
	}
}

// GetProviderStatus returns status of all providers
func (m *Manager) GetProviderStatus() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]bool)
	for _, provider := range m.providers {
		status[provider.Name()] = provider.IsEnabled()
	}
	return status
}

// SetRules swaps the severity rules, used on config reload.
func (m *Manager) SetRules(rules config.NotificationRules) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.Rules = rules
}

func (m *Manager) GetNotificationRules() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]bool{
		"CRITICAL": m.config.Rules.AlertOnCritical,
		"HIGH":     m.config.Rules.AlertOnHigh,
		"MEDIUM":   m.config.Rules.AlertOnMedium,
		"LOW":      m.config.Rules.AlertOnLow,
	}
}
