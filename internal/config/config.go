package config

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// === SERVICES ===

// ServiceConfig is the part every honeypot listener shares.
type ServiceConfig struct {
	Enabled             bool   `mapstructure:"enabled" json:"enabled"`
	Host                string `mapstructure:"host" json:"host"`
	Port                int    `mapstructure:"port" json:"port"`
	Banner              string `mapstructure:"banner" json:"banner"`
	SessionTimeout      int    `mapstructure:"session_timeout" json:"session_timeout"` // seconds
	MaxConnectionsPerIP int    `mapstructure:"max_connections_per_ip" json:"max_connections_per_ip"`
}

func (s ServiceConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (s ServiceConfig) Timeout() time.Duration {
	return time.Duration(s.SessionTimeout) * time.Second
}

type SSHConfig struct {
	ServiceConfig `mapstructure:",squash"`
	HostKeyPath   string `mapstructure:"host_key_path" json:"host_key_path"`
	// ShellAfterFailures lets a client open the fake shell once it has
	// recorded this many failed attempts. 0 keeps the shell unreachable.
	ShellAfterFailures int `mapstructure:"shell_after_failures" json:"shell_after_failures"`
}

type HTTPConfig struct {
	ServiceConfig `mapstructure:",squash"`
	HTTPSEnabled  bool   `mapstructure:"https_enabled" json:"https_enabled"`
	HTTPSPort     int    `mapstructure:"https_port" json:"https_port"`
	CertFile      string `mapstructure:"cert_file" json:"cert_file"`
	KeyFile       string `mapstructure:"key_file" json:"key_file"`
	ServerHeader  string `mapstructure:"server_header" json:"server_header"`
	MaxBodyBytes  int64  `mapstructure:"max_body_bytes" json:"max_body_bytes"`
}

func (h HTTPConfig) HTTPSAddr() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.HTTPSPort))
}

type TelnetConfig struct {
	ServiceConfig   `mapstructure:",squash"`
	DeviceProfile   string `mapstructure:"device_profile" json:"device_profile"`
	MaxAuthAttempts int    `mapstructure:"max_auth_attempts" json:"max_auth_attempts"`
	PromptTimeout   int    `mapstructure:"prompt_timeout" json:"prompt_timeout"` // seconds
}

type FTPConfig struct {
	ServiceConfig `mapstructure:",squash"`
}

// === DETECTION / PIPELINE ===

type DetectionConfig struct {
	TimeWindow int `mapstructure:"time_window" json:"time_window"` // seconds
}

type PipelineConfig struct {
	Workers             int `mapstructure:"workers" json:"workers"`
	QueueSize           int `mapstructure:"queue_size" json:"queue_size"`
	CorrelationInterval int `mapstructure:"correlation_interval" json:"correlation_interval"` // seconds
}

// === DATABASE ABSTRACTION LAYER ===

type DatabaseConfig struct {
	Type           string               `mapstructure:"type" json:"type"` // "sqlite", "postgresql"
	SQLite         SQLiteConfig         `mapstructure:"sqlite" json:"sqlite"`
	PostgreSQL     PostgreSQLConfig     `mapstructure:"postgresql" json:"postgresql"`
	ConnectionPool ConnectionPoolConfig `mapstructure:"connection_pool" json:"connection_pool"`
}

type SQLiteConfig struct {
	Path        string `mapstructure:"path" json:"path"`
	JournalMode string `mapstructure:"journal_mode" json:"journal_mode"`
	Synchronous string `mapstructure:"synchronous" json:"synchronous"`
}

type PostgreSQLConfig struct {
	Host     string `mapstructure:"host" json:"host"`
	Port     int    `mapstructure:"port" json:"port"`
	Username string `mapstructure:"username" json:"username"`
	Password string `mapstructure:"password" json:"password"`
	Database string `mapstructure:"database" json:"database"`
	SSLMode  string `mapstructure:"ssl_mode" json:"ssl_mode"`
}

type ConnectionPoolConfig struct {
	MaxIdleConnections    int    `mapstructure:"max_idle_connections" json:"max_idle_connections"`
	MaxOpenConnections    int    `mapstructure:"max_open_connections" json:"max_open_connections"`
	ConnectionMaxLifetime string `mapstructure:"connection_max_lifetime" json:"connection_max_lifetime"`
}

// === LOGGING ===

type LoggingConfig struct {
	Dir            string            `mapstructure:"dir" json:"dir"`
	FileName       string            `mapstructure:"file_name" json:"file_name"`
	EventsFileName string            `mapstructure:"events_file_name" json:"events_file_name"`
	Level          string            `mapstructure:"level" json:"level"`
	Stdout         bool              `mapstructure:"stdout" json:"stdout"`
	Rotation       LogRotationConfig `mapstructure:"rotation" json:"rotation"`
}

type LogRotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" json:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups" json:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days" json:"max_age_days"`
	Compress   bool `mapstructure:"compress" json:"compress"`
}

// === API / METRICS ===

type APIConfig struct {
	Enabled        bool     `mapstructure:"enabled" json:"enabled"`
	ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins" json:"allowed_origins"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Path    string `mapstructure:"path" json:"path"`
}

// === THREAT INTELLIGENCE ===

type ThreatIntelligenceConfig struct {
	Enabled               bool                  `mapstructure:"enabled" json:"enabled"`
	CacheTTLHours         int                   `mapstructure:"cache_ttl_hours" json:"cache_ttl_hours"`
	EnrichmentWorkers     int                   `mapstructure:"enrichment_workers" json:"enrichment_workers"`
	QueueSize             int                   `mapstructure:"queue_size" json:"queue_size"`
	SkipPrivateIPs        bool                  `mapstructure:"skip_private_ips" json:"skip_private_ips"`
	APIs                  ThreatIntelAPIs       `mapstructure:"apis" json:"apis"`
	RiskScoreWeights      RiskScoreWeights      `mapstructure:"risk_score_weights" json:"risk_score_weights"`
	ThreatLevelThresholds ThreatLevelThresholds `mapstructure:"threat_level_thresholds" json:"threat_level_thresholds"`
}

type ThreatIntelAPIs struct {
	AbuseIPDB APIProviderConfig `mapstructure:"abuseipdb" json:"abuseipdb"`
	IPInfo    APIProviderConfig `mapstructure:"ipinfo" json:"ipinfo"`
}

type APIProviderConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	APIKey  string `mapstructure:"api_key" json:"api_key"`
	BaseURL string `mapstructure:"base_url" json:"base_url"`
}

type RiskScoreWeights struct {
	AbuseIPDBScore float64 `mapstructure:"abuseipdb_score" json:"abuseipdb_score"`
	IPInfoRisk     float64 `mapstructure:"ipinfo_risk" json:"ipinfo_risk"`
	HoneypotScore  float64 `mapstructure:"honeypot_score" json:"honeypot_score"`
}

type ThreatLevelThresholds struct {
	Critical int `mapstructure:"critical" json:"critical"`
	High     int `mapstructure:"high" json:"high"`
	Medium   int `mapstructure:"medium" json:"medium"`
}

// === NOTIFICATIONS ===

type NotificationsConfig struct {
	Enabled   bool                  `mapstructure:"enabled" json:"enabled"`
	Rules     NotificationRules     `mapstructure:"rules" json:"rules"`
	Providers NotificationProviders `mapstructure:"providers" json:"providers"`
	Webhooks  WebhooksConfig        `mapstructure:"webhooks" json:"webhooks"`
}

type NotificationRules struct {
	AlertOnCritical bool `mapstructure:"alert_on_critical" json:"alert_on_critical"`
	AlertOnHigh     bool `mapstructure:"alert_on_high" json:"alert_on_high"`
	AlertOnMedium   bool `mapstructure:"alert_on_medium" json:"alert_on_medium"`
	AlertOnLow      bool `mapstructure:"alert_on_low" json:"alert_on_low"`
}

type NotificationProviders struct {
	Slack SlackProviderConfig `mapstructure:"slack" json:"slack"`
	Email EmailProviderConfig `mapstructure:"email" json:"email"`
}

type SlackProviderConfig struct {
	Enabled    bool   `mapstructure:"enabled" json:"enabled"`
	WebhookURL string `mapstructure:"webhook_url" json:"webhook_url"`
	Channel    string `mapstructure:"channel" json:"channel"`
	Username   string `mapstructure:"username" json:"username"`
}

type EmailProviderConfig struct {
	Enabled      bool     `mapstructure:"enabled" json:"enabled"`
	SMTPHost     string   `mapstructure:"smtp_host" json:"smtp_host"`
	SMTPPort     int      `mapstructure:"smtp_port" json:"smtp_port"`
	SMTPUsername string   `mapstructure:"smtp_username" json:"smtp_username"`
	SMTPPassword string   `mapstructure:"smtp_password" json:"smtp_password"`
	FromAddress  string   `mapstructure:"from_address" json:"from_address"`
	Recipients   []string `mapstructure:"recipients" json:"recipients"`
}

type WebhooksConfig struct {
	Enabled           bool              `mapstructure:"enabled" json:"enabled"`
	TimeoutSeconds    int               `mapstructure:"timeout_seconds" json:"timeout_seconds"`
	RetryCount        int               `mapstructure:"retry_count" json:"retry_count"`
	RetryDelaySeconds int               `mapstructure:"retry_delay_seconds" json:"retry_delay_seconds"`
	Endpoints         []WebhookEndpoint `mapstructure:"endpoints" json:"endpoints"`
}

type WebhookEndpoint struct {
	Name      string `mapstructure:"name" json:"name"`
	URL       string `mapstructure:"url" json:"url"`
	AuthType  string `mapstructure:"auth_type" json:"auth_type"` // bearer, apikey, basic
	AuthValue string `mapstructure:"auth_value" json:"auth_value"`
}

// === ANONYMIZATION ===

type AnonymizationConfig struct {
	Enabled       bool     `mapstructure:"enabled" json:"enabled"`
	Strategy      string   `mapstructure:"strategy" json:"strategy"` // "hybrid" or "key-only"
	SensitiveKeys []string `mapstructure:"sensitive_keys" json:"sensitive_keys"`
}

// === MAIN CONFIG STRUCTURE ===

type AppConfig struct {
	Name        string `mapstructure:"name" json:"name"`
	Environment string `mapstructure:"environment" json:"environment"`
	Debug       bool   `mapstructure:"debug" json:"debug"`
}

type Config struct {
	App                AppConfig                `mapstructure:"app" json:"app"`
	SSH                SSHConfig                `mapstructure:"ssh" json:"ssh"`
	HTTP               HTTPConfig               `mapstructure:"http" json:"http"`
	Telnet             TelnetConfig             `mapstructure:"telnet" json:"telnet"`
	FTP                FTPConfig                `mapstructure:"ftp" json:"ftp"`
	Detection          DetectionConfig          `mapstructure:"detection" json:"detection"`
	Pipeline           PipelineConfig           `mapstructure:"pipeline" json:"pipeline"`
	Database           DatabaseConfig           `mapstructure:"database" json:"database"`
	Logging            LoggingConfig            `mapstructure:"logging" json:"logging"`
	API                APIConfig                `mapstructure:"api" json:"api"`
	Metrics            MetricsConfig            `mapstructure:"metrics" json:"metrics"`
	ThreatIntelligence ThreatIntelligenceConfig `mapstructure:"threat_intelligence" json:"threat_intelligence"`
	Notifications      NotificationsConfig      `mapstructure:"notifications" json:"notifications"`
	Anonymization      AnonymizationConfig      `mapstructure:"anonymization" json:"anonymization"`
}

// Validate rejects settings the services cannot start with.
func (c *Config) Validate() error {
	services := map[string]ServiceConfig{
		"ssh":    c.SSH.ServiceConfig,
		"http":   c.HTTP.ServiceConfig,
		"telnet": c.Telnet.ServiceConfig,
		"ftp":    c.FTP.ServiceConfig,
	}
	for name, svc := range services {
		if !svc.Enabled {
			continue
		}
		if svc.Port <= 0 || svc.Port > 65535 {
			return fmt.Errorf("%s: invalid port %d", name, svc.Port)
		}
		if svc.SessionTimeout < 0 {
			return fmt.Errorf("%s: session_timeout must not be negative", name)
		}
	}
	if c.Telnet.MaxAuthAttempts < 0 {
		return fmt.Errorf("telnet: max_auth_attempts must not be negative")
	}
	switch c.Database.Type {
	case "sqlite", "postgresql", "postgres":
	default:
		return fmt.Errorf("database: unsupported type %q", c.Database.Type)
	}
	return nil
}
