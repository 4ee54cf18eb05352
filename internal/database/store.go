package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/0tSystemsPublicRepos/hpti/internal/detection"
	"github.com/0tSystemsPublicRepos/hpti/internal/session"
)

// sqlStore holds the queries shared by both providers. Queries are written
// with ? placeholders and rebound per dialect.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	mu      sync.RWMutex
}

func (s *sqlStore) GetDB() *sql.DB { return s.db }

func (s *sqlStore) Ping() error {
	if s.db == nil {
		return fmt.Errorf("database not connected")
	}
	return s.db.Ping()
}

func (s *sqlStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *sqlStore) exec(q sqlExecer, query string, args ...interface{}) error {
	_, err := q.Exec(s.dialect.rebind(query), args...)
	return err
}

type sqlExecer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// StoreSession writes a finished session and all of its events in one
// transaction.
func (s *sqlStore) StoreSession(rec session.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = s.exec(tx,
		`INSERT INTO sessions (session_id, source_ip, source_port, protocol, start_time, end_time, duration_seconds, username, authenticated, auth_attempt_count, command_count, request_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.SourceIP, rec.SourcePort, string(rec.Protocol),
		rec.StartTime.UTC(), utcPtr(rec.EndTime), rec.Duration().Seconds(), rec.Username, rec.Authenticated,
		len(rec.AuthAttempts), len(rec.Commands), len(rec.Requests),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session %s: %w", rec.SessionID, err)
	}

	for _, a := range rec.AuthAttempts {
		err = s.exec(tx,
			`INSERT INTO auth_attempts (session_id, timestamp, username, password, method, key_type, key_fingerprint, success)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.SessionID, a.Timestamp.UTC(), a.Username, nullString(a.Password), string(a.Method), a.KeyType, nullString(a.KeyFingerprint), a.Success,
		)
		if err != nil {
			return fmt.Errorf("failed to insert auth attempt: %w", err)
		}
	}

	for _, c := range rec.Commands {
		err = s.exec(tx,
			`INSERT INTO commands (session_id, timestamp, raw_text, command, argument, response)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			rec.SessionID, c.Timestamp.UTC(), c.RawText, c.Command, c.Argument, c.Response,
		)
		if err != nil {
			return fmt.Errorf("failed to insert command: %w", err)
		}
	}

	for _, r := range rec.Requests {
		headers, _ := json.Marshal(r.Headers)
		var postData interface{}
		if r.PostData != nil {
			b, _ := json.Marshal(r.PostData)
			postData = string(b)
		}
		err = s.exec(tx,
			`INSERT INTO http_requests (session_id, timestamp, method, path, query, raw_text, headers, user_agent, referrer, content_length, post_data, post_data_error, attack_type, signature, status_code, response)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.SessionID, r.Timestamp.UTC(), r.Method, r.Path, r.Query, r.RawText, string(headers), r.UserAgent, r.Referrer,
			r.ContentLength, postData, r.PostDataError, r.AttackType, r.Signature, r.StatusCode, r.Response,
		)
		if err != nil {
			return fmt.Errorf("failed to insert http request: %w", err)
		}
	}

	return tx.Commit()
}

const sessionColumns = `session_id, source_ip, source_port, protocol, start_time, end_time, duration_seconds, username, auth_attempt_count, command_count, request_count`

func (s *sqlStore) querySessions(query string, args ...interface{}) ([]SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(s.dialect.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var ss SessionSummary
		var protocol string
		var start, end dbTime
		if err := rows.Scan(&ss.SessionID, &ss.SourceIP, &ss.SourcePort, &protocol, &start, &end,
			&ss.DurationSeconds, &ss.Username, &ss.AuthAttemptCount, &ss.CommandCount, &ss.RequestCount); err != nil {
			return nil, err
		}
		ss.Protocol = session.Protocol(protocol)
		ss.StartTime = start.Time
		ss.EndTime = end.ptr()
		out = append(out, ss)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetRecentSessions(limit int) ([]SessionSummary, error) {
	return s.querySessions(
		`SELECT `+sessionColumns+` FROM sessions ORDER BY start_time DESC, id DESC LIMIT ?`, limit)
}

func (s *sqlStore) GetSessionsByIP(ip string, limit int) ([]SessionSummary, error) {
	return s.querySessions(
		`SELECT `+sessionColumns+` FROM sessions WHERE source_ip = ? ORDER BY start_time DESC, id DESC LIMIT ?`, ip, limit)
}

// GetSession rebuilds the full record, or returns nil when id is unknown.
func (s *sqlStore) GetSession(id string) (*session.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec := &session.Record{}
	var protocol string
	var start, end dbTime
	err := s.db.QueryRow(s.dialect.rebind(
		`SELECT session_id, source_ip, source_port, protocol, start_time, end_time, username, authenticated
		 FROM sessions WHERE session_id = ?`), id).
		Scan(&rec.SessionID, &rec.SourceIP, &rec.SourcePort, &protocol, &start, &end, &rec.Username, &rec.Authenticated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Protocol = session.Protocol(protocol)
	rec.StartTime = start.Time
	rec.EndTime = end.ptr()

	if rec.AuthAttempts, err = s.loadAuthAttempts(id); err != nil {
		return nil, err
	}
	if rec.Commands, err = s.loadCommands(id); err != nil {
		return nil, err
	}
	if rec.Requests, err = s.loadRequests(id); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *sqlStore) loadAuthAttempts(id string) ([]session.AuthAttempt, error) {
	rows, err := s.db.Query(s.dialect.rebind(
		`SELECT timestamp, username, password, method, key_type, key_fingerprint, success
		 FROM auth_attempts WHERE session_id = ? ORDER BY id`), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []session.AuthAttempt{}
	for rows.Next() {
		var a session.AuthAttempt
		var ts dbTime
		var method string
		var password, fingerprint sql.NullString
		if err := rows.Scan(&ts, &a.Username, &password, &method, &a.KeyType, &fingerprint, &a.Success); err != nil {
			return nil, err
		}
		a.Timestamp = ts.Time
		a.Method = session.AuthMethod(method)
		a.Password = stringPtr(password)
		a.KeyFingerprint = stringPtr(fingerprint)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqlStore) loadCommands(id string) ([]session.CommandEvent, error) {
	rows, err := s.db.Query(s.dialect.rebind(
		`SELECT timestamp, raw_text, command, argument, response FROM commands WHERE session_id = ? ORDER BY id`), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []session.CommandEvent{}
	for rows.Next() {
		var c session.CommandEvent
		var ts dbTime
		if err := rows.Scan(&ts, &c.RawText, &c.Command, &c.Argument, &c.Response); err != nil {
			return nil, err
		}
		c.Timestamp = ts.Time
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqlStore) loadRequests(id string) ([]session.RequestEvent, error) {
	rows, err := s.db.Query(s.dialect.rebind(
		`SELECT timestamp, method, path, query, raw_text, headers, user_agent, referrer, content_length, post_data, post_data_error, attack_type, signature, status_code, response
		 FROM http_requests WHERE session_id = ? ORDER BY id`), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []session.RequestEvent
	for rows.Next() {
		var r session.RequestEvent
		var ts dbTime
		var headers, postData sql.NullString
		if err := rows.Scan(&ts, &r.Method, &r.Path, &r.Query, &r.RawText, &headers, &r.UserAgent, &r.Referrer,
			&r.ContentLength, &postData, &r.PostDataError, &r.AttackType, &r.Signature, &r.StatusCode, &r.Response); err != nil {
			return nil, err
		}
		r.Timestamp = ts.Time
		if headers.Valid {
			json.Unmarshal([]byte(headers.String), &r.Headers)
		}
		if postData.Valid {
			json.Unmarshal([]byte(postData.String), &r.PostData)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) StoreAttackPattern(p detection.AttackPattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	indicators, err := json.Marshal(p.Indicators)
	if err != nil {
		return fmt.Errorf("failed to encode indicators: %w", err)
	}
	ips, _ := json.Marshal(p.SourceIPs)
	sessions, _ := json.Marshal(p.SessionIDs)

	return s.exec(s.db,
		`INSERT INTO attack_patterns (pattern_type, severity, description, indicators, first_seen, last_seen, occurrence_count, confidence_score, source_ips, session_ids, detected_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(p.PatternType), string(p.Severity), p.Description, string(indicators),
		p.FirstSeen.UTC(), p.LastSeen.UTC(), p.OccurrenceCount, p.ConfidenceScore,
		string(ips), string(sessions), time.Now().UTC(),
	)
}

func (s *sqlStore) GetAttackPatterns(limit int) ([]StoredPattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(s.dialect.rebind(
		`SELECT id, pattern_type, severity, description, indicators, first_seen, last_seen, occurrence_count, confidence_score, source_ips, session_ids, detected_at
		 FROM attack_patterns ORDER BY id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredPattern
	for rows.Next() {
		var p StoredPattern
		var patternType, severity string
		var indicators, ips, sessions sql.NullString
		var first, last, detected dbTime
		if err := rows.Scan(&p.ID, &patternType, &severity, &p.Description, &indicators, &first, &last,
			&p.OccurrenceCount, &p.ConfidenceScore, &ips, &sessions, &detected); err != nil {
			return nil, err
		}
		p.PatternType = detection.PatternType(patternType)
		p.Severity = detection.Severity(severity)
		p.FirstSeen, p.LastSeen, p.DetectedAt = first.Time, last.Time, detected.Time
		if indicators.Valid {
			json.Unmarshal([]byte(indicators.String), &p.Indicators)
		}
		if ips.Valid {
			json.Unmarshal([]byte(ips.String), &p.SourceIPs)
		}
		if sessions.Valid {
			json.Unmarshal([]byte(sessions.String), &p.SessionIDs)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetTopAttackers ranks source addresses by session count, then by
// credential attempts.
func (s *sqlStore) GetTopAttackers(limit int) ([]AttackerSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(s.dialect.rebind(
		`SELECT source_ip, COUNT(*), SUM(auth_attempt_count), SUM(command_count), MIN(start_time), MAX(start_time)
		 FROM sessions
		 GROUP BY source_ip
		 ORDER BY COUNT(*) DESC, SUM(auth_attempt_count) DESC, source_ip
		 LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}

	var out []AttackerSummary
	for rows.Next() {
		var a AttackerSummary
		var first, last dbTime
		if err := rows.Scan(&a.SourceIP, &a.SessionCount, &a.AuthAttempts, &a.Commands, &first, &last); err != nil {
			rows.Close()
			return nil, err
		}
		a.FirstSeen, a.LastSeen = first.Time, last.Time
		out = append(out, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		protocols, err := s.protocolsFor(out[i].SourceIP)
		if err != nil {
			return nil, err
		}
		out[i].Protocols = protocols
	}
	return out, nil
}

func (s *sqlStore) protocolsFor(ip string) ([]string, error) {
	rows, err := s.db.Query(s.dialect.rebind(
		`SELECT DISTINCT protocol FROM sessions WHERE source_ip = ? ORDER BY protocol`), ip)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetTopCredentials counts password attempts by username/password pair.
func (s *sqlStore) GetTopCredentials(limit int) ([]CredentialCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(s.dialect.rebind(
		`SELECT username, COALESCE(password, ''), COUNT(*)
		 FROM auth_attempts
		 WHERE method = ?
		 GROUP BY username, COALESCE(password, '')
		 ORDER BY COUNT(*) DESC, username
		 LIMIT ?`), string(session.AuthPassword), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CredentialCount
	for rows.Next() {
		var c CredentialCount
		if err := rows.Scan(&c.Username, &c.Password, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqlStore) StoreThreatIntelligence(ti ThreatIntel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ti.EnrichedAt.IsZero() {
		ti.EnrichedAt = time.Now()
	}
	return s.exec(s.db,
		`INSERT INTO threat_intelligence (ip_address, risk_score, threat_level, abuse_score, abuse_reports, is_vpn, is_proxy, is_tor, is_hosting, country, city, org, privacy_type, enriched_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(ip_address) DO UPDATE SET
			risk_score = excluded.risk_score,
			threat_level = excluded.threat_level,
			abuse_score = excluded.abuse_score,
			abuse_reports = excluded.abuse_reports,
			is_vpn = excluded.is_vpn,
			is_proxy = excluded.is_proxy,
			is_tor = excluded.is_tor,
			is_hosting = excluded.is_hosting,
			country = excluded.country,
			city = excluded.city,
			org = excluded.org,
			privacy_type = excluded.privacy_type,
			enriched_at = excluded.enriched_at`,
		ti.IPAddress, ti.RiskScore, ti.ThreatLevel, ti.AbuseScore, ti.AbuseReports,
		ti.IsVPN, ti.IsProxy, ti.IsTor, ti.IsHosting, ti.Country, ti.City, ti.Org, ti.PrivacyType,
		ti.EnrichedAt.UTC(),
	)
}

// GetThreatIntelligence returns nil when the address was never enriched.
func (s *sqlStore) GetThreatIntelligence(ip string) (*ThreatIntel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ti ThreatIntel
	var abuseScore sql.NullFloat64
	var abuseReports sql.NullInt64
	var enriched dbTime
	err := s.db.QueryRow(s.dialect.rebind(
		`SELECT ip_address, risk_score, threat_level, abuse_score, abuse_reports, is_vpn, is_proxy, is_tor, is_hosting, country, city, org, privacy_type, enriched_at
		 FROM threat_intelligence WHERE ip_address = ?`), ip).
		Scan(&ti.IPAddress, &ti.RiskScore, &ti.ThreatLevel, &abuseScore, &abuseReports,
			&ti.IsVPN, &ti.IsProxy, &ti.IsTor, &ti.IsHosting, &ti.Country, &ti.City, &ti.Org, &ti.PrivacyType, &enriched)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if abuseScore.Valid {
		ti.AbuseScore = &abuseScore.Float64
	}
	if abuseReports.Valid {
		n := int(abuseReports.Int64)
		ti.AbuseReports = &n
	}
	ti.EnrichedAt = enriched.Time
	return &ti, nil
}

// IsThreatIntelligenceCached reports whether ip was enriched within ttl.
func (s *sqlStore) IsThreatIntelligenceCached(ip string, ttl time.Duration) (bool, error) {
	ti, err := s.GetThreatIntelligence(ip)
	if err != nil || ti == nil {
		return false, err
	}
	return time.Since(ti.EnrichedAt) < ttl, nil
}

func (s *sqlStore) GetStats() (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := &Stats{
		SessionsByProtocol: make(map[string]int64),
		PatternsBySeverity: make(map[string]int64),
	}

	counts := []struct {
		query string
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM sessions", &st.TotalSessions},
		{"SELECT COUNT(DISTINCT source_ip) FROM sessions", &st.UniqueIPs},
		{"SELECT COUNT(*) FROM auth_attempts", &st.AuthAttempts},
		{"SELECT COUNT(*) FROM commands", &st.Commands},
		{"SELECT COUNT(*) FROM http_requests", &st.HTTPRequests},
		{"SELECT COUNT(*) FROM http_requests WHERE attack_type <> ''", &st.HTTPAttacks},
		{"SELECT COUNT(*) FROM threat_intelligence", &st.ThreatIntelIPs},
	}
	for _, c := range counts {
		if err := s.db.QueryRow(c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("stats query failed: %w", err)
		}
	}

	if err := s.groupCount("SELECT protocol, COUNT(*) FROM sessions GROUP BY protocol", st.SessionsByProtocol); err != nil {
		return nil, err
	}
	if err := s.groupCount("SELECT severity, COUNT(*) FROM attack_patterns GROUP BY severity", st.PatternsBySeverity); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *sqlStore) groupCount(query string, into map[string]int64) error {
	rows, err := s.db.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
	}
	return rows.Err()
}

// dbTime scans timestamps from either driver. SQLite hands aggregates back
// as text, so strings are parsed too.
type dbTime struct {
	Time  time.Time
	Valid bool
}

var sqliteTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

func (t *dbTime) Scan(v interface{}) error {
	switch x := v.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = x.UTC(), true
		return nil
	case []byte:
		return t.parse(string(x))
	case string:
		return t.parse(x)
	}
	return fmt.Errorf("cannot scan %T into timestamp", v)
}

func (t *dbTime) parse(s string) error {
	for _, layout := range sqliteTimeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time, t.Valid = parsed.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}

func (t dbTime) ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func utcPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
