package notifications

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/0tSystemsPublicRepos/hpti/internal/config"
	"github.com/0tSystemsPublicRepos/hpti/internal/logging"
)

type SlackProvider struct {
	config *config.SlackProviderConfig
	client *http.Client
}

func NewSlackProvider(cfg *config.SlackProviderConfig) *SlackProvider {
	return &SlackProvider{
		config: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (sp *SlackProvider) Name() string {
	return "slack"
}

func (sp *SlackProvider) IsEnabled() bool {
	return sp.config.Enabled && sp.config.WebhookURL != "" && !strings.HasPrefix(sp.config.WebhookURL, "${")
}

// Send posts the alert to the Slack incoming webhook.
func (sp *SlackProvider) Send(notification *Notification) error {
	if !sp.IsEnabled() {
		return nil
	}

	if err := sp.sendToSlack(sp.buildSlackPayload(notification)); err != nil {
		logging.Error("[SLACK] Failed to send Slack message: %v", err)
		return err
	}

	logging.Info("[SLACK] Slack message sent (%s/%s)", notification.ThreatLevel, notification.PatternType)
	return nil
}

func (sp *SlackProvider) sendToSlack(payload interface{}) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, sp.config.WebhookURL, bytes.NewReader(payloadJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "HPTI/1.0")

	resp, err := sp.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("slack webhook returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}
	return nil
}

func threatStyle(level string) (color, emoji string) {
	switch level {
	case "CRITICAL":
		return "#ff0000", ":rotating_light:"
	case "HIGH":
		return "#ff6600", ":warning:"
	case "MEDIUM":
		return "#ffaa00", ":warning:"
	}
	return "#00aa00", ":green_circle:"
}

func (sp *SlackProvider) buildSlackPayload(n *Notification) map[string]interface{} {
	color, emoji := threatStyle(n.ThreatLevel)

	fields := []map[string]interface{}{
		{"title": "Threat Level", "value": fmt.Sprintf("%s %s", emoji, n.ThreatLevel), "short": true},
		{"title": "Confidence", "value": fmt.Sprintf("%.0f/100", n.ConfidenceScore), "short": true},
		{"title": "Pattern", "value": n.PatternType, "short": true},
		{"title": "Occurrences", "value": fmt.Sprintf("%d", n.OccurrenceCount), "short": true},
		{"title": "Source", "value": fmt.Sprintf("`%s`", strings.Join(n.SourceIPs, ", ")), "short": false},
		{"title": "Window", "value": fmt.Sprintf("%s to %s",
			n.FirstSeen.Format("2006-01-02 15:04:05 MST"), n.LastSeen.Format("15:04:05 MST")), "short": false},
	}
	if n.RedactionStatus != "" {
		fields = append(fields, map[string]interface{}{"title": "Redaction", "value": n.RedactionStatus, "short": false})
	}

	attachment := map[string]interface{}{
		"fallback": n.Subject(),
		"color":    color,
		"title":    fmt.Sprintf("%s HPTI Honeypot Alert - %s", emoji, n.ThreatLevel),
		"text":     n.Description,
		"fields":   fields,
		"ts":       n.Timestamp.Unix(),
	}

	payload := map[string]interface{}{
		"username":    "HPTI Honeypot",
		"icon_emoji":  ":honey_pot:",
		"attachments": []map[string]interface{}{attachment},
	}
	if sp.config.Username != "" {
		payload["username"] = sp.config.Username
	}
	if sp.config.Channel != "" {
		payload["channel"] = sp.config.Channel
	}
	return payload
}
