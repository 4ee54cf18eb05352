package notifications

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0tSystemsPublicRepos/hpti/internal/anonymization"
	"github.com/0tSystemsPublicRepos/hpti/internal/config"
	"github.com/0tSystemsPublicRepos/hpti/internal/detection"
)

func bruteForce() detection.AttackPattern {
	now := time.Now()
	return detection.AttackPattern{
		PatternType:     detection.PatternBruteForce,
		Severity:        detection.SeverityHigh,
		ConfidenceScore: 85,
		Description:     "Brute force attack with 25 authentication attempts",
		SourceIPs:       []string{"203.0.113.5"},
		SessionIDs:      []string{"s-1"},
		OccurrenceCount: 25,
		FirstSeen:       now.Add(-time.Minute),
		LastSeen:        now,
		Indicators: map[string]interface{}{
			"password":  "hunter2",
			"usernames": []string{"root", "admin"},
		},
	}
}

type fakeProvider struct {
	mu   sync.Mutex
	sent []*Notification
}

func (f *fakeProvider) Name() string    { return "fake" }
func (f *fakeProvider) IsEnabled() bool { return true }
func (f *fakeProvider) Send(n *Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return nil
}

func TestNotification_Subject(t *testing.T) {
	n := NewNotification(bruteForce())
	assert.Equal(t, "HIGH", n.ThreatLevel)
	assert.Equal(t, "[HPTI] HIGH brute_force from 203.0.113.5", n.Subject())

	n.SourceIPs = []string{"a", "b", "c"}
	assert.Equal(t, "3 addresses", n.Source())
	n.SourceIPs = nil
	assert.Equal(t, "unknown", n.Source())
}

func TestManager_RulesAndRedaction(t *testing.T) {
	cfg := config.NotificationsConfig{Rules: config.NotificationRules{AlertOnHigh: true}}
	m := NewManager(cfg, anonymization.NewAnonymizationEngine(true, "hybrid", nil))
	fake := &fakeProvider{}
	m.AddProvider(fake)

	m.Notify(bruteForce())

	low := bruteForce()
	low.Severity = detection.SeverityLow
	m.Notify(low)

	require.Len(t, fake.sent, 1)
	n := fake.sent[0]
	assert.Equal(t, "hun***", n.Indicators["password"])
	assert.NotEmpty(t, n.RedactionStatus)

	status := m.GetProviderStatus()
	assert.True(t, status["log"])
	assert.True(t, status["fake"])
	assert.False(t, m.GetNotificationRules()["LOW"])
}

func TestManager_DisabledSkipsRemoteProviders(t *testing.T) {
	cfg := config.NotificationsConfig{
		Enabled: false,
		Providers: config.NotificationProviders{
			Slack: config.SlackProviderConfig{Enabled: true, WebhookURL: "http://127.0.0.1:1"},
		},
	}
	m := NewManager(cfg, nil)
	assert.Equal(t, map[string]bool{"log": true}, m.GetProviderStatus())
}

func TestSlackProvider_Send(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sp := NewSlackProvider(&config.SlackProviderConfig{Enabled: true, WebhookURL: srv.URL, Channel: "#alerts"})
	require.NoError(t, sp.Send(NewNotification(bruteForce())))

	assert.Equal(t, "#alerts", got["channel"])
	attachments := got["attachments"].([]interface{})
	require.Len(t, attachments, 1)
	assert.Contains(t, attachments[0].(map[string]interface{})["title"], "HIGH")
}

func TestSlackProvider_UnexpandedURLIsDisabled(t *testing.T) {
	sp := NewSlackProvider(&config.SlackProviderConfig{Enabled: true, WebhookURL: "${SLACK_WEBHOOK_URL}"})
	assert.False(t, sp.IsEnabled())
	assert.NoError(t, sp.Send(NewNotification(bruteForce())))
}

func TestSlackProvider_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	sp := NewSlackProvider(&config.SlackProviderConfig{Enabled: true, WebhookURL: srv.URL})
	assert.ErrorContains(t, sp.Send(NewNotification(bruteForce())), "400")
}

func TestWebhookProvider_AuthAndRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		assert.Equal(t, "HPTI-Webhook/1.0", r.Header.Get("User-Agent"))
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var p WebhookPayload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		assert.Equal(t, "pattern_detected", p.Event)
		assert.Equal(t, "brute_force", p.Alert.PatternType)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	wp := NewWebhookProvider(&config.WebhooksConfig{
		Enabled:    true,
		RetryCount: 3,
		Endpoints:  []config.WebhookEndpoint{{Name: "siem", URL: srv.URL, AuthType: "bearer", AuthValue: "s3cret"}},
	})
	wp.retryDelay = time.Millisecond

	require.NoError(t, wp.Send(NewNotification(bruteForce())))
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestWebhookProvider_GivesUp(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "k", r.Header.Get("X-API-Key"))
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	wp := NewWebhookProvider(&config.WebhooksConfig{
		Enabled:    true,
		RetryCount: 2,
		Endpoints:  []config.WebhookEndpoint{{Name: "siem", URL: srv.URL, AuthType: "apikey", AuthValue: "k"}},
	})
	wp.retryDelay = time.Millisecond

	assert.ErrorContains(t, wp.Send(NewNotification(bruteForce())), "siem")
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestEmailProvider_Send(t *testing.T) {
	ep := NewEmailProvider(&config.EmailProviderConfig{
		Enabled:      true,
		SMTPHost:     "smtp.example.com",
		SMTPUsername: "alerts@example.com",
		FromAddress:  "hpti@example.com",
		Recipients:   []string{"soc@example.com", "oncall@example.com"},
	})

	var addr string
	var to []string
	var msg string
	ep.send = func(a string, _ smtp.Auth, from string, rcpt []string, m []byte) error {
		addr, to, msg = a, rcpt, string(m)
		assert.Equal(t, "hpti@example.com", from)
		return nil
	}

	p := bruteForce()
	p.Description = "<script>alert(1)</script>"
	require.NoError(t, ep.Send(NewNotification(p)))

	assert.Equal(t, "smtp.example.com:587", addr)
	assert.Equal(t, []string{"soc@example.com", "oncall@example.com"}, to)
	assert.True(t, strings.HasPrefix(msg, "From: hpti@example.com\r\n"))
	assert.Contains(t, msg, "Subject: [HPTI] HIGH brute_force from 203.0.113.5")
	assert.Contains(t, msg, "&lt;script&gt;")
	assert.NotContains(t, msg, "<script>")
}

func TestEmailProvider_NeedsRecipients(t *testing.T) {
	ep := NewEmailProvider(&config.EmailProviderConfig{Enabled: true, SMTPHost: "smtp.example.com"})
	assert.False(t, ep.IsEnabled())
}

func TestManager_SetRules(t *testing.T) {
	m := NewManager(config.NotificationsConfig{}, nil)
	fake := &fakeProvider{}
	m.AddProvider(fake)

	m.Notify(bruteForce())
	assert.Empty(t, fake.sent)

	m.SetRules(config.NotificationRules{AlertOnHigh: true})
	m.Notify(bruteForce())
	assert.Len(t, fake.sent, 1)
	assert.True(t, m.GetNotificationRules()["HIGH"])
}
