package database

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/0tSystemsPublicRepos/hpti/internal/logging"
)

// PostgresProvider implements DatabaseProvider for PostgreSQL
type PostgresProvider struct {
	sqlStore
	config *PostgresConfig
}

// NewPostgresProvider creates a new PostgreSQL database provider
func NewPostgresProvider(config *PostgresConfig) (*PostgresProvider, error) {
	provider := &PostgresProvider{
		sqlStore: sqlStore{dialect: postgresDialect},
		config:   config,
	}

	if err := provider.Connect(); err != nil {
		return nil, err
	}

	return provider, nil
}

// Connect establishes connection to PostgreSQL database
func (pp *PostgresProvider) Connect() error {
	db, err := sql.Open("postgres", pp.connString())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if pp.config.MaxConnections > 0 {
		db.SetMaxOpenConns(pp.config.MaxConnections)
	}
	if pp.config.MaxIdle > 0 {
		db.SetMaxIdleConns(pp.config.MaxIdle)
	}
	if pp.config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pp.config.ConnMaxLifetime)
	}

	pp.db = db
	logging.Info("[PostgreSQL] Connected to database: %s@%s:%d/%s", pp.config.User, pp.config.Host, pp.config.Port, pp.config.Database)
	return nil
}

func (pp *PostgresProvider) connString() string {
	sslMode := pp.config.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		pp.config.Host,
		pp.config.Port,
		pp.config.User,
		quoteConnValue(pp.config.Password),
		pp.config.Database,
		sslMode,
	)
}

// quoteConnValue quotes a key/value connection string value for lib/pq.
func quoteConnValue(v string) string {
	if v == "" {
		return "''"
	}
	out := []byte{'\''}
	for i := 0; i < len(v); i++ {
		if v[i] == '\'' || v[i] == '\\' {
			out = append(out, '\\')
		}
		out = append(out, v[i])
	}
	return string(append(out, '\''))
}
