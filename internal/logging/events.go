package logging

import (
	"encoding/json"
	"io"
	"path/filepath"
	"sync"

	"github.com/0tSystemsPublicRepos/hpti/internal/config"
	"github.com/0tSystemsPublicRepos/hpti/internal/session"
)

// EventLogger writes every session event as one JSON object per line and
// mirrors the interesting ones to the human readable log.
type EventLogger struct {
	mu  sync.Mutex
	out io.Writer
	enc *json.Encoder
	cls io.Closer
}

func NewEventLogger(w io.Writer) *EventLogger {
	el := &EventLogger{out: w, enc: json.NewEncoder(w)}
	if c, ok := w.(io.Closer); ok {
		el.cls = c
	}
	return el
}

// NewFileEventLogger writes events to a rotating events file in cfg.Dir.
func NewFileEventLogger(cfg config.LoggingConfig) *EventLogger {
	path := filepath.Join(cfg.Dir, cfg.EventsFileName)
	return NewEventLogger(NewRotatingWriter(path, cfg.Rotation))
}

func (el *EventLogger) Emit(e session.Event) {
	el.mu.Lock()
	if err := el.enc.Encode(e); err != nil {
		el.mu.Unlock()
		Error("[EVENTS] Failed to write %s event for %s: %v", e.Type, e.SessionID, err)
		return
	}
	el.mu.Unlock()

	switch e.Type {
	case session.EventSessionStarted:
		Info("[%s] Session %s started from %s:%d", e.Protocol, shortID(e.SessionID), e.SourceIP, e.SourcePort)
	case session.EventSessionEnded:
		Info("[%s] Session %s ended (%v attempts, %v commands, %v requests)",
			e.Protocol, shortID(e.SessionID), e.Data["auth_attempts"], e.Data["commands"], e.Data["requests"])
	case session.EventAuthAttempt:
		Info("[%s] Auth attempt from %s user=%v method=%v", e.Protocol, e.SourceIP, e.Data["username"], e.Data["method"])
	case session.EventCommand:
		Debug("[%s] Command from %s: %v", e.Protocol, e.SourceIP, e.Data["command"])
	case session.EventHTTPRequest:
		Debug("[%s] %v %v from %s -> %v", e.Protocol, e.Data["method"], e.Data["path"], e.SourceIP, e.Data["status_code"])
	case session.EventAttackDetected:
		path, _ := e.Data["path"].(string)
		attackType, _ := e.Data["attack_type"].(string)
		Attack(e.SourceIP, string(e.Protocol), path, attackType)
	case session.EventPatternDetected:
		Warn("[DETECTION] %v pattern (%v, confidence %v) from %v", e.Data["pattern_type"], e.Data["severity"], e.Data["confidence_score"], e.Data["source_ips"])
	}
}

func (el *EventLogger) Close() error {
	if el.cls != nil {
		return el.cls.Close()
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
