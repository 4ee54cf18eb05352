package detection

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/0tSystemsPublicRepos/hpti/internal/logging"
	"github.com/0tSystemsPublicRepos/hpti/internal/session"
)

// rawRecord mirrors session.Record with string timestamps so offline input
// with odd or missing time formats can still be read.
type rawRecord struct {
	SessionID    string `json:"session_id"`
	SourceIP     string `json:"source_ip"`
	SourcePort   int    `json:"source_port"`
	Protocol     string `json:"protocol"`
	StartTime    string `json:"start_time"`
	EndTime      string `json:"end_time"`
	Username     string `json:"username"`
	AuthAttempts []struct {
		Timestamp string  `json:"timestamp"`
		Username  string  `json:"username"`
		Password  *string `json:"password"`
		Method    string  `json:"method"`
	} `json:"auth_attempts"`
	Commands []struct {
		Timestamp string `json:"timestamp"`
		RawText   string `json:"raw_text"`
		Response  string `json:"response_sent"`
	} `json:"commands"`
	Requests []struct {
		Timestamp  string `json:"timestamp"`
		RawText    string `json:"raw_text"`
		Method     string `json:"method"`
		Path       string `json:"path"`
		AttackType string `json:"attack_type"`
	} `json:"requests"`
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseTimestamp accepts RFC 3339 and the naive ISO forms without a zone,
// which are read as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// DecodeRecords reads session records from a JSON array or from one JSON
// object per line. Records that fail to parse are skipped with a warning.
func DecodeRecords(r io.Reader) ([]session.Record, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var raws []json.RawMessage
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, fmt.Errorf("failed to decode record array: %w", err)
		}
	} else {
		scanner := bufio.NewScanner(bytes.NewReader(trimmed))
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			raws = append(raws, append(json.RawMessage(nil), line...))
		}
		if err := scanner.Err(); err != nil {
			return nil, err
		}
	}

	records := make([]session.Record, 0, len(raws))
	for i, raw := range raws {
		rec, err := decodeRecord(raw)
		if err != nil {
			logging.Warn("[DETECTION] Skipping record %d: %v", i, err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// entryTime parses an event timestamp. A missing one falls back to the
// session start; a malformed one is an error.
func entryTime(s string, start time.Time) (time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return start, nil
	}
	return ParseTimestamp(s)
}

func decodeRecord(raw json.RawMessage) (session.Record, error) {
	var rr rawRecord
	if err := json.Unmarshal(raw, &rr); err != nil {
		return session.Record{}, err
	}

	start, err := ParseTimestamp(rr.StartTime)
	if err != nil {
		return session.Record{}, fmt.Errorf("start_time: %w", err)
	}

	rec := session.Record{
		SessionID:  rr.SessionID,
		SourceIP:   rr.SourceIP,
		SourcePort: rr.SourcePort,
		Protocol:   session.Protocol(rr.Protocol),
		StartTime:  start,
		Username:   rr.Username,
	}
	if rr.EndTime != "" {
		if end, err := ParseTimestamp(rr.EndTime); err == nil {
			rec.EndTime = &end
		}
	}

	for i, a := range rr.AuthAttempts {
		ts, err := entryTime(a.Timestamp, start)
		if err != nil {
			logging.Warn("[DETECTION] Session %s: skipping auth attempt %d: %v", rr.SessionID, i, err)
			continue
		}
		method := session.AuthMethod(a.Method)
		if method == "" {
			method = session.AuthPassword
		}
		rec.AuthAttempts = append(rec.AuthAttempts, session.AuthAttempt{
			Timestamp: ts,
			Username:  a.Username,
			Password:  a.Password,
			Method:    method,
		})
	}
	for i, c := range rr.Commands {
		ts, err := entryTime(c.Timestamp, start)
		if err != nil {
			logging.Warn("[DETECTION] Session %s: skipping command %d: %v", rr.SessionID, i, err)
			continue
		}
		rec.Commands = append(rec.Commands, session.CommandEvent{
			Timestamp: ts,
			RawText:   c.RawText,
			Response:  c.Response,
		})
	}
	for i, q := range rr.Requests {
		ts, err := entryTime(q.Timestamp, start)
		if err != nil {
			logging.Warn("[DETECTION] Session %s: skipping request %d: %v", rr.SessionID, i, err)
			continue
		}
		text := q.RawText
		if text == "" {
			text = q.Path
		}
		rec.Requests = append(rec.Requests, session.RequestEvent{
			Timestamp:  ts,
			RawText:    text,
			Method:     q.Method,
			Path:       q.Path,
			AttackType: q.AttackType,
		})
	}
	return rec, nil
}
