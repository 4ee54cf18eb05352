package notifications

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/0tSystemsPublicRepos/hpti/internal/config"
	"github.com/0tSystemsPublicRepos/hpti/internal/logging"
)

type WebhookProvider struct {
	config     *config.WebhooksConfig
	client     *http.Client
	retryDelay time.Duration
}

type WebhookPayload struct {
	Event     string        `json:"event"`
	Timestamp time.Time     `json:"timestamp"`
	Alert     *Notification `json:"alert"`
}

func NewWebhookProvider(cfg *config.WebhooksConfig) *WebhookProvider {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookProvider{
		config:     cfg,
		client:     &http.Client{Timeout: timeout},
		retryDelay: time.Duration(cfg.RetryDelaySeconds) * time.Second,
	}
}

func (wp *WebhookProvider) Name() string {
	return "webhook"
}

func (wp *WebhookProvider) IsEnabled() bool {
	return wp.config.Enabled && len(wp.config.Endpoints) > 0
}

// Send fires every configured endpoint in parallel and reports the first
// endpoint that failed after all retries.
func (wp *WebhookProvider) Send(notification *Notification) error {
	if !wp.IsEnabled() {
		return nil
	}

	payloadJSON, err := json.Marshal(&WebhookPayload{
		Event:     "pattern_detected",
		Timestamp: notification.Timestamp,
		Alert:     notification,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(wp.config.Endpoints))
	for i, endpoint := range wp.config.Endpoints {
		wg.Add(1)
		go func(i int, ep config.WebhookEndpoint) {
			defer wg.Done()
			errs[i] = wp.fireWebhook(ep, payloadJSON)
		}(i, endpoint)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// fireWebhook sends webhook with retry logic
func (wp *WebhookProvider) fireWebhook(ep config.WebhookEndpoint, payload []byte) error {
	attempts := wp.config.RetryCount
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := wp.sendWebhookRequest(ep, payload)
		if err == nil {
			logging.Info("[WEBHOOK] Webhook %s fired successfully", ep.Name)
			return nil
		}

		lastErr = err
		logging.Warn("[WEBHOOK] Attempt %d/%d failed for webhook %s: %v", attempt, attempts, ep.Name, err)
		if attempt < attempts {
			time.Sleep(wp.retryDelay)
		}
	}

	logging.Error("[WEBHOOK] Webhook %s failed after %d attempts: %v", ep.Name, attempts, lastErr)
	return fmt.Errorf("webhook %s: %w", ep.Name, lastErr)
}

func (wp *WebhookProvider) sendWebhookRequest(ep config.WebhookEndpoint, payload []byte) error {
	req, err := http.NewRequest(http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "HPTI-Webhook/1.0")

	if ep.AuthValue != "" {
		switch ep.AuthType {
		case "bearer":
			req.Header.Set("Authorization", "Bearer "+ep.AuthValue)
		case "apikey":
			req.Header.Set("X-API-Key", ep.AuthValue)
		case "basic":
			req.Header.Set("Authorization", "Basic "+ep.AuthValue)
		}
	}

	resp, err := wp.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}
	return nil
}
