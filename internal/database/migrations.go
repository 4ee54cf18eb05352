package database

import (
	"fmt"
	"strings"

	"github.com/0tSystemsPublicRepos/hpti/internal/logging"
)

// dialect carries the few places where SQLite and PostgreSQL disagree.
type dialect struct {
	name      string
	serial    string
	float     string
	timestamp string
	numbered  bool // $1, $2 placeholders instead of ?
	logPrefix string
}

var (
	sqliteDialect = dialect{
		name:      "sqlite",
		serial:    "INTEGER PRIMARY KEY AUTOINCREMENT",
		float:     "REAL",
		timestamp: "TIMESTAMP",
		logPrefix: "[SQLite]",
	}
	postgresDialect = dialect{
		name:      "postgres",
		serial:    "BIGSERIAL PRIMARY KEY",
		float:     "DOUBLE PRECISION",
		timestamp: "TIMESTAMPTZ",
		numbered:  true,
		logPrefix: "[PostgreSQL]",
	}
)

// rebind rewrites ? placeholders for drivers that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) expand(schema string) string {
	return strings.NewReplacer(
		"{{SERIAL}}", d.serial,
		"{{FLOAT}}", d.float,
		"{{TS}}", d.timestamp,
	).Replace(schema)
}

var tables = []struct {
	name   string
	schema string
}{
	{
		name: "sessions",
		schema: `CREATE TABLE IF NOT EXISTS sessions (
			id {{SERIAL}},
			session_id TEXT NOT NULL UNIQUE,
			source_ip TEXT NOT NULL,
			source_port INTEGER NOT NULL DEFAULT 0,
			protocol TEXT NOT NULL,
			start_time {{TS}} NOT NULL,
			end_time {{TS}},
			duration_seconds {{FLOAT}} NOT NULL DEFAULT 0,
			username TEXT NOT NULL DEFAULT '',
			authenticated BOOLEAN NOT NULL DEFAULT FALSE,
			auth_attempt_count INTEGER NOT NULL DEFAULT 0,
			command_count INTEGER NOT NULL DEFAULT 0,
			request_count INTEGER NOT NULL DEFAULT 0,
			created_at {{TS}} DEFAULT CURRENT_TIMESTAMP
		)`,
	},
	{
		name: "auth_attempts",
		schema: `CREATE TABLE IF NOT EXISTS auth_attempts (
			id {{SERIAL}},
			session_id TEXT NOT NULL,
			timestamp {{TS}} NOT NULL,
			username TEXT NOT NULL DEFAULT '',
			password TEXT,
			method TEXT NOT NULL,
			key_type TEXT NOT NULL DEFAULT '',
			key_fingerprint TEXT,
			success BOOLEAN NOT NULL DEFAULT FALSE
		)`,
	},
	{
		name: "commands",
		schema: `CREATE TABLE IF NOT EXISTS commands (
			id {{SERIAL}},
			session_id TEXT NOT NULL,
			timestamp {{TS}} NOT NULL,
			raw_text TEXT NOT NULL,
			command TEXT NOT NULL DEFAULT '',
			argument TEXT NOT NULL DEFAULT '',
			response TEXT NOT NULL DEFAULT ''
		)`,
	},
	{
		name: "http_requests",
		schema: `CREATE TABLE IF NOT EXISTS http_requests (
			id {{SERIAL}},
			session_id TEXT NOT NULL,
			timestamp {{TS}} NOT NULL,
			method TEXT NOT NULL,
			path TEXT NOT NULL,
			query TEXT NOT NULL DEFAULT '',
			raw_text TEXT NOT NULL,
			headers TEXT,
			user_agent TEXT NOT NULL DEFAULT '',
			referrer TEXT NOT NULL DEFAULT '',
			content_length INTEGER NOT NULL DEFAULT 0,
			post_data TEXT,
			post_data_error TEXT NOT NULL DEFAULT '',
			attack_type TEXT NOT NULL DEFAULT '',
			signature TEXT NOT NULL DEFAULT '',
			status_code INTEGER NOT NULL DEFAULT 0,
			response TEXT NOT NULL DEFAULT ''
		)`,
	},
	{
		name: "attack_patterns",
		schema: `CREATE TABLE IF NOT EXISTS attack_patterns (
			id {{SERIAL}},
			pattern_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			description TEXT NOT NULL,
			indicators TEXT,
			first_seen {{TS}} NOT NULL,
			last_seen {{TS}} NOT NULL,
			occurrence_count INTEGER NOT NULL DEFAULT 0,
			confidence_score {{FLOAT}} NOT NULL DEFAULT 0,
			source_ips TEXT,
			session_ids TEXT,
			detected_at {{TS}} DEFAULT CURRENT_TIMESTAMP
		)`,
	},
	{
		name: "threat_intelligence",
		schema: `CREATE TABLE IF NOT EXISTS threat_intelligence (
			id {{SERIAL}},
			ip_address TEXT NOT NULL UNIQUE,
			risk_score INTEGER NOT NULL DEFAULT 0,
			threat_level TEXT NOT NULL DEFAULT '',
			abuse_score {{FLOAT}},
			abuse_reports INTEGER,
			is_vpn BOOLEAN NOT NULL DEFAULT FALSE,
			is_proxy BOOLEAN NOT NULL DEFAULT FALSE,
			is_tor BOOLEAN NOT NULL DEFAULT FALSE,
			is_hosting BOOLEAN NOT NULL DEFAULT FALSE,
			country TEXT NOT NULL DEFAULT '',
			city TEXT NOT NULL DEFAULT '',
			org TEXT NOT NULL DEFAULT '',
			privacy_type TEXT NOT NULL DEFAULT '',
			enriched_at {{TS}} NOT NULL
		)`,
	},
}

var indexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_sessions_source_ip ON sessions(source_ip)",
	"CREATE INDEX IF NOT EXISTS idx_sessions_start_time ON sessions(start_time)",
	"CREATE INDEX IF NOT EXISTS idx_auth_attempts_session ON auth_attempts(session_id)",
	"CREATE INDEX IF NOT EXISTS idx_auth_attempts_credentials ON auth_attempts(username, password)",
	"CREATE INDEX IF NOT EXISTS idx_commands_session ON commands(session_id)",
	"CREATE INDEX IF NOT EXISTS idx_http_requests_session ON http_requests(session_id)",
	"CREATE INDEX IF NOT EXISTS idx_http_requests_attack ON http_requests(attack_type)",
	"CREATE INDEX IF NOT EXISTS idx_attack_patterns_type ON attack_patterns(pattern_type, severity)",
}

// Migrate creates every table and index. It is idempotent.
func (s *sqlStore) Migrate() error {
	logging.Info("%s Creating database tables...", s.dialect.logPrefix)

	for _, t := range tables {
		if _, err := s.db.Exec(s.dialect.expand(t.schema)); err != nil {
			return fmt.Errorf("failed to create table %s: %w", t.name, err)
		}
		logging.Debug("%s Table ready: %s", s.dialect.logPrefix, t.name)
	}
	for _, idx := range indexes {
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	logging.Info("%s Database migration completed", s.dialect.logPrefix)
	return nil
}

// Schema returns the DDL for the given dialect name, used by the admin CLI.
func Schema(dialectName string) []string {
	d := sqliteDialect
	if dialectName == "postgres" || dialectName == "postgresql" {
		d = postgresDialect
	}
	out := make([]string, 0, len(tables)+len(indexes))
	for _, t := range tables {
		out = append(out, d.expand(t.schema))
	}
	return append(out, indexes...)
}
