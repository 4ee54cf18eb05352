package database

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/0tSystemsPublicRepos/hpti/internal/logging"
)

// SQLiteProvider implements DatabaseProvider for SQLite
type SQLiteProvider struct {
	sqlStore
	config *SQLiteConfig
}

// NewSQLiteProvider creates a new SQLite database provider
func NewSQLiteProvider(config *SQLiteConfig) (*SQLiteProvider, error) {
	provider := &SQLiteProvider{
		sqlStore: sqlStore{dialect: sqliteDialect},
		config:   config,
	}

	if err := provider.Connect(); err != nil {
		return nil, err
	}

	return provider, nil
}

// Connect opens the database file, creating its directory if needed.
func (sp *SQLiteProvider) Connect() error {
	if dir := filepath.Dir(sp.config.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", sp.dsn())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	sp.db = db
	logging.Info("[SQLite] Connected to database: %s", sp.config.Path)
	return nil
}

func (sp *SQLiteProvider) dsn() string {
	params := url.Values{}
	params.Set("_busy_timeout", "5000")
	if sp.config.JournalMode != "" {
		params.Set("_journal_mode", sp.config.JournalMode)
	}
	if sp.config.Synchronous != "" {
		params.Set("_synchronous", sp.config.Synchronous)
	}
	return "file:" + sp.config.Path + "?" + params.Encode()
}
