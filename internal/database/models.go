package database

import (
	"time"

	"github.com/0tSystemsPublicRepos/hpti/internal/detection"
	"github.com/0tSystemsPublicRepos/hpti/internal/session"
)

// SessionSummary is one row of the sessions table without its children.
type SessionSummary struct {
	SessionID        string           `json:"session_id"`
	SourceIP         string           `json:"source_ip"`
	SourcePort       int              `json:"source_port"`
	Protocol         session.Protocol `json:"protocol"`
	StartTime        time.Time        `json:"start_time"`
	EndTime          *time.Time       `json:"end_time,omitempty"`
	DurationSeconds  float64          `json:"duration_seconds"`
	Username         string           `json:"username,omitempty"`
	AuthAttemptCount int              `json:"auth_attempt_count"`
	CommandCount     int              `json:"command_count"`
	RequestCount     int              `json:"request_count"`
}

type StoredPattern struct {
	ID int64 `json:"id"`
	detection.AttackPattern
	DetectedAt time.Time `json:"detected_at"`
}

type AttackerSummary struct {
	SourceIP     string    `json:"source_ip"`
	SessionCount int       `json:"session_count"`
	AuthAttempts int       `json:"auth_attempts"`
	Commands     int       `json:"commands"`
	Protocols    []string  `json:"protocols"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
}

type CredentialCount struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Count    int    `json:"count"`
}

// ThreatIntel is the cached enrichment for one address.
type ThreatIntel struct {
	IPAddress    string    `json:"ip_address"`
	RiskScore    int       `json:"risk_score"`
	ThreatLevel  string    `json:"threat_level"`
	AbuseScore   *float64  `json:"abuse_score,omitempty"`
	AbuseReports *int      `json:"abuse_reports,omitempty"`
	IsVPN        bool      `json:"is_vpn"`
	IsProxy      bool      `json:"is_proxy"`
	IsTor        bool      `json:"is_tor"`
	IsHosting    bool      `json:"is_hosting"`
	Country      string    `json:"country,omitempty"`
	City         string    `json:"city,omitempty"`
	Org          string    `json:"org,omitempty"`
	PrivacyType  string    `json:"privacy_type,omitempty"`
	EnrichedAt   time.Time `json:"enriched_at"`
}

type Stats struct {
	TotalSessions      int64            `json:"total_sessions"`
	SessionsByProtocol map[string]int64 `json:"sessions_by_protocol"`
	UniqueIPs          int64            `json:"unique_ips"`
	AuthAttempts       int64            `json:"auth_attempts"`
	Commands           int64            `json:"commands"`
	HTTPRequests       int64            `json:"http_requests"`
	HTTPAttacks        int64            `json:"http_attacks"`
	PatternsBySeverity map[string]int64 `json:"patterns_by_severity"`
	ThreatIntelIPs     int64            `json:"threat_intel_ips"`
}
