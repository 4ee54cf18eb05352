package notifications

import (
	"strings"

	"github.com/0tSystemsPublicRepos/hpti/internal/logging"
)

// LogProvider writes every alert to the application log.
type LogProvider struct{}

func (LogProvider) Name() string    { return "log" }
func (LogProvider) IsEnabled() bool { return true }

func (LogProvider) Send(n *Notification) error {
	logging.Warn("[ALERT] %s (%s, confidence %.0f) %s [sources: %s]",
		n.ThreatLevel, n.PatternType, n.ConfidenceScore, n.Description, strings.Join(n.SourceIPs, ", "))
	return nil
}
