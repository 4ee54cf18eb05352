package notifications

import (
	"fmt"
	"strings"
	"time"

	"github.com/0tSystemsPublicRepos/hpti/internal/detection"
)

// Notification is the provider-neutral alert built from one finding.
type Notification struct {
	Timestamp       time.Time              `json:"timestamp"`
	PatternType     string                 `json:"pattern_type"`
	Severity        string                 `json:"severity"`
	ThreatLevel     string                 `json:"threat_level"`
	ConfidenceScore float64                `json:"confidence_score"`
	Description     string                 `json:"description"`
	SourceIPs       []string               `json:"source_ips"`
	SessionIDs      []string               `json:"session_ids"`
	OccurrenceCount int                    `json:"occurrence_count"`
	FirstSeen       time.Time              `json:"first_seen"`
	LastSeen        time.Time              `json:"last_seen"`
	Indicators      map[string]interface{} `json:"indicators,omitempty"`
	RedactionStatus string                 `json:"redaction_status,omitempty"`
}

type NotificationProvider interface {
	Name() string
	IsEnabled() bool
	Send(notification *Notification) error
}

func NewNotification(p detection.AttackPattern) *Notification {
	return &Notification{
		Timestamp:       time.Now().UTC(),
		PatternType:     string(p.PatternType),
		Severity:        string(p.Severity),
		ThreatLevel:     strings.ToUpper(string(p.Severity)),
		ConfidenceScore: p.ConfidenceScore,
		Description:     p.Description,
		SourceIPs:       p.SourceIPs,
		SessionIDs:      p.SessionIDs,
		OccurrenceCount: p.OccurrenceCount,
		FirstSeen:       p.FirstSeen,
		LastSeen:        p.LastSeen,
		Indicators:      p.Indicators,
	}
}

// Source is a short description of where the finding came from.
func (n *Notification) Source() string {
	switch len(n.SourceIPs) {
	case 0:
		return "unknown"
	case 1:
		return n.SourceIPs[0]
	}
	return fmt.Sprintf("%d addresses", len(n.SourceIPs))
}

// Subject is the one-line summary shared by every provider.
func (n *Notification) Subject() string {
	return fmt.Sprintf("[HPTI] %s %s from %s", n.ThreatLevel, n.PatternType, n.Source())
}
