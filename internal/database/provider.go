package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/0tSystemsPublicRepos/hpti/internal/config"
	"github.com/0tSystemsPublicRepos/hpti/internal/detection"
	"github.com/0tSystemsPublicRepos/hpti/internal/session"
)

// DatabaseProvider defines the interface that all database implementations must follow
type DatabaseProvider interface {
	// Connection management
	Connect() error
	Close() error
	GetDB() *sql.DB
	Migrate() error
	Ping() error

	// Sessions
	StoreSession(rec session.Record) error
	GetRecentSessions(limit int) ([]SessionSummary, error)
	GetSessionsByIP(ip string, limit int) ([]SessionSummary, error)
	GetSession(id string) (*session.Record, error)

	// Attack Patterns
	StoreAttackPattern(p detection.AttackPattern) error
	GetAttackPatterns(limit int) ([]StoredPattern, error)

	// Attackers and credentials
	GetTopAttackers(limit int) ([]AttackerSummary, error)
	GetTopCredentials(limit int) ([]CredentialCount, error)

	// Threat Intelligence
	StoreThreatIntelligence(ti ThreatIntel) error
	GetThreatIntelligence(ip string) (*ThreatIntel, error)
	IsThreatIntelligenceCached(ip string, ttl time.Duration) (bool, error)

	GetStats() (*Stats, error)
}

// ProviderFactory creates database providers based on type
type ProviderFactory struct{}

// Create returns a database provider based on the specified type
func (pf *ProviderFactory) Create(dbType string, cfg interface{}) (DatabaseProvider, error) {
	switch dbType {
	case "sqlite":
		c, ok := cfg.(*SQLiteConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for sqlite")
		}
		return NewSQLiteProvider(c)
	case "postgres", "postgresql":
		c, ok := cfg.(*PostgresConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for postgres")
		}
		return NewPostgresProvider(c)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}

// Config types for different databases
type SQLiteConfig struct {
	Path        string
	JournalMode string
	Synchronous string
}

type PostgresConfig struct {
	Host            string
	Port            int
	Database        string
	User            string
	Password        string
	SSLMode         string
	MaxConnections  int
	MaxIdle         int
	ConnMaxLifetime time.Duration
}

// Open builds, connects and migrates the provider selected by cfg.
func Open(cfg config.DatabaseConfig) (DatabaseProvider, error) {
	var pf ProviderFactory
	var provider DatabaseProvider
	var err error

	switch cfg.Type {
	case "postgres", "postgresql":
		lifetime, _ := time.ParseDuration(cfg.ConnectionPool.ConnectionMaxLifetime)
		provider, err = pf.Create(cfg.Type, &PostgresConfig{
			Host:            cfg.PostgreSQL.Host,
			Port:            cfg.PostgreSQL.Port,
			Database:        cfg.PostgreSQL.Database,
			User:            cfg.PostgreSQL.Username,
			Password:        cfg.PostgreSQL.Password,
			SSLMode:         cfg.PostgreSQL.SSLMode,
			MaxConnections:  cfg.ConnectionPool.MaxOpenConnections,
			MaxIdle:         cfg.ConnectionPool.MaxIdleConnections,
			ConnMaxLifetime: lifetime,
		})
	default:
		provider, err = pf.Create(cfg.Type, &SQLiteConfig{
			Path:        cfg.SQLite.Path,
			JournalMode: cfg.SQLite.JournalMode,
			Synchronous: cfg.SQLite.Synchronous,
		})
	}
	if err != nil {
		return nil, err
	}

	if err := provider.Migrate(); err != nil {
		provider.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return provider, nil
}
