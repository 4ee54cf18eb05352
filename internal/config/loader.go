package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const envPrefix = "HPTI"

// Loader reads configuration from file and HPTI_* environment variables.
// Each Loader owns its own viper instance.
type Loader struct {
	v    *viper.Viper
	path string

	mu      sync.Mutex
	current *Config
}

func NewLoader(configPath string) *Loader {
	v := viper.New()
	setDefaults(v)

	if configPath == "" {
		configPath = os.Getenv(envPrefix + "_CONFIG")
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("hpti")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/hpti")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{v: v, path: configPath}
}

// Load is the one-shot form of NewLoader(path).Load().
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}

func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound):
			fmt.Println("No config file found, using defaults")
		case l.path != "" && errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("config file not found: %s", l.path)
		default:
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		fmt.Printf("Loaded config from: %s\n", l.v.ConfigFileUsed())
	}

	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	expandEnvVars(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Current returns the most recently loaded configuration.
func (l *Loader) Current() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Watch reloads the file on change and passes the new config to onChange.
// Listener addresses are bound at start, so only runtime tunables (log
// level, notification rules) take effect without a restart.
func (l *Loader) Watch(onChange func(*Config)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			fmt.Printf("[CONFIG] Ignoring invalid config change in %s: %v\n", e.Name, err)
			return
		}
		l.mu.Lock()
		l.current = cfg
		l.mu.Unlock()
		fmt.Printf("[CONFIG] Reloaded %s\n", e.Name)
		onChange(cfg)
	})
	l.v.WatchConfig()
}

func setDefaults(v *viper.Viper) {
	d := getDefaults()

	v.SetDefault("app.name", d.App.Name)
	v.SetDefault("app.environment", d.App.Environment)
	v.SetDefault("app.debug", d.App.Debug)

	setServiceDefaults(v, "ssh", d.SSH.ServiceConfig)
	v.SetDefault("ssh.host_key_path", d.SSH.HostKeyPath)
	v.SetDefault("ssh.shell_after_failures", d.SSH.ShellAfterFailures)

	setServiceDefaults(v, "http", d.HTTP.ServiceConfig)
	v.SetDefault("http.https_enabled", d.HTTP.HTTPSEnabled)
	v.SetDefault("http.https_port", d.HTTP.HTTPSPort)
	v.SetDefault("http.cert_file", d.HTTP.CertFile)
	v.SetDefault("http.key_file", d.HTTP.KeyFile)
	v.SetDefault("http.server_header", d.HTTP.ServerHeader)
	v.SetDefault("http.max_body_bytes", d.HTTP.MaxBodyBytes)

	setServiceDefaults(v, "telnet", d.Telnet.ServiceConfig)
	v.SetDefault("telnet.device_profile", d.Telnet.DeviceProfile)
	v.SetDefault("telnet.max_auth_attempts", d.Telnet.MaxAuthAttempts)
	v.SetDefault("telnet.prompt_timeout", d.Telnet.PromptTimeout)

	setServiceDefaults(v, "ftp", d.FTP.ServiceConfig)

	v.SetDefault("detection.time_window", d.Detection.TimeWindow)
	v.SetDefault("pipeline.workers", d.Pipeline.Workers)
	v.SetDefault("pipeline.queue_size", d.Pipeline.QueueSize)
	v.SetDefault("pipeline.correlation_interval", d.Pipeline.CorrelationInterval)

	v.SetDefault("database.type", d.Database.Type)
	v.SetDefault("database.sqlite.path", d.Database.SQLite.Path)
	v.SetDefault("database.sqlite.journal_mode", d.Database.SQLite.JournalMode)
	v.SetDefault("database.sqlite.synchronous", d.Database.SQLite.Synchronous)
	v.SetDefault("database.postgresql.host", d.Database.PostgreSQL.Host)
	v.SetDefault("database.postgresql.port", d.Database.PostgreSQL.Port)
	v.SetDefault("database.postgresql.username", d.Database.PostgreSQL.Username)
	v.SetDefault("database.postgresql.password", d.Database.PostgreSQL.Password)
	v.SetDefault("database.postgresql.database", d.Database.PostgreSQL.Database)
	v.SetDefault("database.postgresql.ssl_mode", d.Database.PostgreSQL.SSLMode)
	v.SetDefault("database.connection_pool.max_idle_connections", d.Database.ConnectionPool.MaxIdleConnections)
	v.SetDefault("database.connection_pool.max_open_connections", d.Database.ConnectionPool.MaxOpenConnections)
	v.SetDefault("database.connection_pool.connection_max_lifetime", d.Database.ConnectionPool.ConnectionMaxLifetime)

	v.SetDefault("logging.dir", d.Logging.Dir)
	v.SetDefault("logging.file_name", d.Logging.FileName)
	v.SetDefault("logging.events_file_name", d.Logging.EventsFileName)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.stdout", d.Logging.Stdout)
	v.SetDefault("logging.rotation.max_size_mb", d.Logging.Rotation.MaxSizeMB)
	v.SetDefault("logging.rotation.max_backups", d.Logging.Rotation.MaxBackups)
	v.SetDefault("logging.rotation.max_age_days", d.Logging.Rotation.MaxAgeDays)
	v.SetDefault("logging.rotation.compress", d.Logging.Rotation.Compress)

	v.SetDefault("api.enabled", d.API.Enabled)
	v.SetDefault("api.listen_addr", d.API.ListenAddr)
	v.SetDefault("api.allowed_origins", d.API.AllowedOrigins)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.path", d.Metrics.Path)

	ti := d.ThreatIntelligence
	v.SetDefault("threat_intelligence.enabled", ti.Enabled)
	v.SetDefault("threat_intelligence.cache_ttl_hours", ti.CacheTTLHours)
	v.SetDefault("threat_intelligence.enrichment_workers", ti.EnrichmentWorkers)
	v.SetDefault("threat_intelligence.queue_size", ti.QueueSize)
	v.SetDefault("threat_intelligence.skip_private_ips", ti.SkipPrivateIPs)
	v.SetDefault("threat_intelligence.apis.abuseipdb.enabled", ti.APIs.AbuseIPDB.Enabled)
	v.SetDefault("threat_intelligence.apis.abuseipdb.api_key", ti.APIs.AbuseIPDB.APIKey)
	v.SetDefault("threat_intelligence.apis.abuseipdb.base_url", ti.APIs.AbuseIPDB.BaseURL)
	v.SetDefault("threat_intelligence.apis.ipinfo.enabled", ti.APIs.IPInfo.Enabled)
	v.SetDefault("threat_intelligence.apis.ipinfo.api_key", ti.APIs.IPInfo.APIKey)
	v.SetDefault("threat_intelligence.apis.ipinfo.base_url", ti.APIs.IPInfo.BaseURL)
	v.SetDefault("threat_intelligence.risk_score_weights.abuseipdb_score", ti.RiskScoreWeights.AbuseIPDBScore)
	v.SetDefault("threat_intelligence.risk_score_weights.ipinfo_risk", ti.RiskScoreWeights.IPInfoRisk)
	v.SetDefault("threat_intelligence.risk_score_weights.honeypot_score", ti.RiskScoreWeights.HoneypotScore)
	v.SetDefault("threat_intelligence.threat_level_thresholds.critical", ti.ThreatLevelThresholds.Critical)
	v.SetDefault("threat_intelligence.threat_level_thresholds.high", ti.ThreatLevelThresholds.High)
	v.SetDefault("threat_intelligence.threat_level_thresholds.medium", ti.ThreatLevelThresholds.Medium)

	n := d.Notifications
	v.SetDefault("notifications.enabled", n.Enabled)
	v.SetDefault("notifications.rules.alert_on_critical", n.Rules.AlertOnCritical)
	v.SetDefault("notifications.rules.alert_on_high", n.Rules.AlertOnHigh)
	v.SetDefault("notifications.rules.alert_on_medium", n.Rules.AlertOnMedium)
	v.SetDefault("notifications.rules.alert_on_low", n.Rules.AlertOnLow)
	v.SetDefault("notifications.providers.slack.enabled", n.Providers.Slack.Enabled)
	v.SetDefault("notifications.providers.slack.webhook_url", n.Providers.Slack.WebhookURL)
	v.SetDefault("notifications.providers.slack.username", n.Providers.Slack.Username)
	v.SetDefault("notifications.providers.email.enabled", n.Providers.Email.Enabled)
	v.SetDefault("notifications.providers.email.smtp_port", n.Providers.Email.SMTPPort)
	v.SetDefault("notifications.providers.email.smtp_password", n.Providers.Email.SMTPPassword)
	v.SetDefault("notifications.webhooks.enabled", n.Webhooks.Enabled)
	v.SetDefault("notifications.webhooks.timeout_seconds", n.Webhooks.TimeoutSeconds)
	v.SetDefault("notifications.webhooks.retry_count", n.Webhooks.RetryCount)
	v.SetDefault("notifications.webhooks.retry_delay_seconds", n.Webhooks.RetryDelaySeconds)

	v.SetDefault("anonymization.enabled", d.Anonymization.Enabled)
	v.SetDefault("anonymization.strategy", d.Anonymization.Strategy)
	v.SetDefault("anonymization.sensitive_keys", d.Anonymization.SensitiveKeys)
}

func setServiceDefaults(v *viper.Viper, name string, s ServiceConfig) {
	v.SetDefault(name+".enabled", s.Enabled)
	v.SetDefault(name+".host", s.Host)
	v.SetDefault(name+".port", s.Port)
	v.SetDefault(name+".banner", s.Banner)
	v.SetDefault(name+".session_timeout", s.SessionTimeout)
	v.SetDefault(name+".max_connections_per_ip", s.MaxConnectionsPerIP)
}

// expandEnvVars replaces ${VAR_NAME} with environment variables
func expandEnvVars(cfg *Config) {
	cfg.Database.SQLite.Path = os.ExpandEnv(cfg.Database.SQLite.Path)
	cfg.Database.PostgreSQL.Password = os.ExpandEnv(cfg.Database.PostgreSQL.Password)
	cfg.ThreatIntelligence.APIs.AbuseIPDB.APIKey = os.ExpandEnv(cfg.ThreatIntelligence.APIs.AbuseIPDB.APIKey)
	cfg.ThreatIntelligence.APIs.IPInfo.APIKey = os.ExpandEnv(cfg.ThreatIntelligence.APIs.IPInfo.APIKey)
	cfg.Notifications.Providers.Slack.WebhookURL = os.ExpandEnv(cfg.Notifications.Providers.Slack.WebhookURL)
	cfg.Notifications.Providers.Email.SMTPPassword = os.ExpandEnv(cfg.Notifications.Providers.Email.SMTPPassword)
	for i := range cfg.Notifications.Webhooks.Endpoints {
		ep := &cfg.Notifications.Webhooks.Endpoints[i]
		ep.URL = os.ExpandEnv(ep.URL)
		ep.AuthValue = os.ExpandEnv(ep.AuthValue)
	}
}

// Defaults returns the configuration used when no file is present.
func Defaults() *Config {
	return getDefaults()
}

func getDefaults() *Config {
	cfg := &Config{
		App: AppConfig{
			Name:        "hpti",
			Environment: "production",
		},
		SSH: SSHConfig{
			ServiceConfig: ServiceConfig{
				Enabled:             true,
				Host:                "0.0.0.0",
				Port:                2222,
				Banner:              "SSH-2.0-OpenSSH_8.2p1 Ubuntu-4ubuntu0.1",
				SessionTimeout:      300,
				MaxConnectionsPerIP: 5,
			},
			HostKeyPath: "./data/ssh_host_rsa_key",
		},
		HTTP: HTTPConfig{
			ServiceConfig: ServiceConfig{
				Enabled:             true,
				Host:                "0.0.0.0",
				Port:                8080,
				Banner:              "Apache/2.4.41 (Ubuntu)",
				SessionTimeout:      30,
				MaxConnectionsPerIP: 20,
			},
			HTTPSPort:    8443,
			ServerHeader: "Apache/2.4.41 (Ubuntu)",
			MaxBodyBytes: 1 << 20,
		},
		Telnet: TelnetConfig{
			ServiceConfig: ServiceConfig{
				Enabled:             true,
				Host:                "0.0.0.0",
				Port:                2323,
				SessionTimeout:      300,
				MaxConnectionsPerIP: 5,
			},
			DeviceProfile:   "router",
			MaxAuthAttempts: 3,
			PromptTimeout:   30,
		},
		FTP: FTPConfig{
			ServiceConfig: ServiceConfig{
				Enabled:             true,
				Host:                "0.0.0.0",
				Port:                2121,
				Banner:              "220 FTP Server ready",
				SessionTimeout:      300,
				MaxConnectionsPerIP: 5,
			},
		},
		Detection: DetectionConfig{
			TimeWindow: 600,
		},
		Pipeline: PipelineConfig{
			Workers:             4,
			QueueSize:           1000,
			CorrelationInterval: 60,
		},
		Database: DatabaseConfig{
			Type: "sqlite",
			SQLite: SQLiteConfig{
				Path:        "./data/hpti.db",
				JournalMode: "WAL",
				Synchronous: "NORMAL",
			},
			PostgreSQL: PostgreSQLConfig{
				Host:     "localhost",
				Port:     5432,
				Username: "hpti_user",
				Password: "${DB_PASSWORD}",
				Database: "hpti",
				SSLMode:  "disable",
			},
			ConnectionPool: ConnectionPoolConfig{
				MaxIdleConnections:    5,
				MaxOpenConnections:    25,
				ConnectionMaxLifetime: "1h",
			},
		},
		Logging: LoggingConfig{
			Dir:            "./logs",
			FileName:       "hpti.log",
			EventsFileName: "events.json",
			Level:          "info",
			Stdout:         true,
			Rotation: LogRotationConfig{
				MaxSizeMB:  100,
				MaxBackups: 10,
				MaxAgeDays: 30,
				Compress:   true,
			},
		},
		API: APIConfig{
			Enabled:        true,
			ListenAddr:     "127.0.0.1:9100",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		ThreatIntelligence: ThreatIntelligenceConfig{
			Enabled:           false,
			CacheTTLHours:     24,
			EnrichmentWorkers: 3,
			QueueSize:         1000,
			SkipPrivateIPs:    true,
			APIs: ThreatIntelAPIs{
				AbuseIPDB: APIProviderConfig{
					APIKey:  "${ABUSEIPDB_API_KEY}",
					BaseURL: "https://api.abuseipdb.com/api/v2",
				},
				IPInfo: APIProviderConfig{
					APIKey:  "${IPINFO_API_KEY}",
					BaseURL: "https://ipinfo.io",
				},
			},
			RiskScoreWeights: RiskScoreWeights{
				AbuseIPDBScore: 0.5,
				IPInfoRisk:     0.2,
				HoneypotScore:  0.3,
			},
			ThreatLevelThresholds: ThreatLevelThresholds{
				Critical: 80,
				High:     60,
				Medium:   30,
			},
		},
		Notifications: NotificationsConfig{
			Enabled: true,
			Rules: NotificationRules{
				AlertOnCritical: true,
				AlertOnHigh:     true,
			},
			Providers: NotificationProviders{
				Slack: SlackProviderConfig{
					WebhookURL: "${SLACK_WEBHOOK_URL}",
					Username:   "hpti",
				},
				Email: EmailProviderConfig{
					SMTPPort:     587,
					SMTPPassword: "${SMTP_PASSWORD}",
				},
			},
			Webhooks: WebhooksConfig{
				TimeoutSeconds:    10,
				RetryCount:        3,
				RetryDelaySeconds: 2,
			},
		},
		Anonymization: AnonymizationConfig{
			Enabled:       true,
			Strategy:      "hybrid",
			SensitiveKeys: []string{"password", "authorization", "cookie", "x-api-key"},
		},
	}

	return cfg
}

func applyDefaults(cfg *Config) {
	d := getDefaults()

	applyServiceDefaults(&cfg.SSH.ServiceConfig, d.SSH.ServiceConfig)
	applyServiceDefaults(&cfg.HTTP.ServiceConfig, d.HTTP.ServiceConfig)
	applyServiceDefaults(&cfg.Telnet.ServiceConfig, d.Telnet.ServiceConfig)
	applyServiceDefaults(&cfg.FTP.ServiceConfig, d.FTP.ServiceConfig)

	if cfg.HTTP.HTTPSPort == 0 {
		cfg.HTTP.HTTPSPort = d.HTTP.HTTPSPort
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		cfg.HTTP.MaxBodyBytes = d.HTTP.MaxBodyBytes
	}
	if cfg.Telnet.DeviceProfile == "" {
		cfg.Telnet.DeviceProfile = d.Telnet.DeviceProfile
	}
	if cfg.Telnet.PromptTimeout <= 0 {
		cfg.Telnet.PromptTimeout = d.Telnet.PromptTimeout
	}

	// Detection / pipeline defaults
	if cfg.Detection.TimeWindow <= 0 {
		cfg.Detection.TimeWindow = d.Detection.TimeWindow
	}
	if cfg.Pipeline.Workers <= 0 {
		cfg.Pipeline.Workers = d.Pipeline.Workers
	}
	if cfg.Pipeline.QueueSize <= 0 {
		cfg.Pipeline.QueueSize = d.Pipeline.QueueSize
	}
	if cfg.Pipeline.CorrelationInterval <= 0 {
		cfg.Pipeline.CorrelationInterval = d.Pipeline.CorrelationInterval
	}

	// Database defaults
	if cfg.Database.Type == "" {
		cfg.Database.Type = "sqlite"
	}
	if cfg.Database.SQLite.Path == "" {
		cfg.Database.SQLite.Path = d.Database.SQLite.Path
	}
	if cfg.Database.SQLite.JournalMode == "" {
		cfg.Database.SQLite.JournalMode = "WAL"
	}
	if cfg.Database.SQLite.Synchronous == "" {
		cfg.Database.SQLite.Synchronous = "NORMAL"
	}
	if cfg.Database.PostgreSQL.Port == 0 {
		cfg.Database.PostgreSQL.Port = 5432
	}
	if cfg.Database.ConnectionPool.MaxIdleConnections == 0 {
		cfg.Database.ConnectionPool.MaxIdleConnections = 5
	}
	if cfg.Database.ConnectionPool.MaxOpenConnections == 0 {
		cfg.Database.ConnectionPool.MaxOpenConnections = 25
	}

	// Logging defaults
	if cfg.Logging.Dir == "" {
		cfg.Logging.Dir = d.Logging.Dir
	}
	if cfg.Logging.FileName == "" {
		cfg.Logging.FileName = d.Logging.FileName
	}
	if cfg.Logging.EventsFileName == "" {
		cfg.Logging.EventsFileName = d.Logging.EventsFileName
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Rotation.MaxSizeMB == 0 {
		cfg.Logging.Rotation.MaxSizeMB = d.Logging.Rotation.MaxSizeMB
	}

	// API defaults
	if cfg.API.ListenAddr == "" {
		cfg.API.ListenAddr = d.API.ListenAddr
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	// Threat intel defaults
	if cfg.ThreatIntelligence.CacheTTLHours <= 0 {
		cfg.ThreatIntelligence.CacheTTLHours = 24
	}
	if cfg.ThreatIntelligence.EnrichmentWorkers <= 0 {
		cfg.ThreatIntelligence.EnrichmentWorkers = 3
	}
	if cfg.ThreatIntelligence.QueueSize <= 0 {
		cfg.ThreatIntelligence.QueueSize = 1000
	}
	if cfg.ThreatIntelligence.ThreatLevelThresholds.Critical == 0 {
		cfg.ThreatIntelligence.ThreatLevelThresholds = d.ThreatIntelligence.ThreatLevelThresholds
	}

	// Anonymization defaults
	if cfg.Anonymization.Strategy == "" {
		cfg.Anonymization.Strategy = "hybrid"
	}
	if len(cfg.Anonymization.SensitiveKeys) == 0 {
		cfg.Anonymization.SensitiveKeys = d.Anonymization.SensitiveKeys
	}

	// Create directories
	os.MkdirAll(cfg.Logging.Dir, 0755)
	if cfg.Database.Type == "sqlite" {
		os.MkdirAll(filepath.Dir(cfg.Database.SQLite.Path), 0755)
	}
}

func applyServiceDefaults(s *ServiceConfig, d ServiceConfig) {
	if s.Host == "" {
		s.Host = d.Host
	}
	if s.Port == 0 {
		s.Port = d.Port
	}
	if s.Banner == "" {
		s.Banner = d.Banner
	}
	if s.SessionTimeout == 0 {
		s.SessionTimeout = d.SessionTimeout
	}
	if s.MaxConnectionsPerIP == 0 {
		s.MaxConnectionsPerIP = d.MaxConnectionsPerIP
	}
}
