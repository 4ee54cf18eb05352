package session

import (
	"net"
	"time"

	"github.com/0tSystemsPublicRepos/hpti/internal/metrics"
)

// Tracker ties a session's lifecycle to the registry, the event emitter, the
// metrics recorder and the end-of-session handoff. Protocol handlers use it
// for every mutation so each captured datum produces exactly one event.
type Tracker struct {
	Registry *Registry
	Emitter  Emitter
	Metrics  metrics.Recorder
	Handoff  Handoff
}

func NewTracker(reg *Registry, em Emitter, rec metrics.Recorder, h Handoff) *Tracker {
	if reg == nil {
		reg = NewRegistry()
	}
	if em == nil {
		em = NopEmitter
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Tracker{Registry: reg, Emitter: em, Metrics: rec, Handoff: h}
}

// Begin creates and registers a session for a new connection.
func (t *Tracker) Begin(protocol Protocol, remote net.Addr) *Session {
	s := New(protocol, remote)
	t.Registry.Register(s)
	t.Metrics.SessionStarted(string(protocol))
	t.emit(s, EventSessionStarted, nil)
	return s
}

func (t *Tracker) State(s *Session, state string) {
	t.emit(s, EventStateChange, map[string]interface{}{"state": state})
}

func (t *Tracker) Auth(s *Session, a AuthAttempt) AuthAttempt {
	a = s.AddAuthAttempt(a)
	t.Metrics.AuthAttempt(string(s.Protocol()), false)

	data := map[string]interface{}{
		"username": a.Username,
		"method":   string(a.Method),
		"success":  a.Success,
	}
	if a.Password != nil {
		data["password"] = *a.Password
	}
	if a.KeyFingerprint != nil {
		data["key_fingerprint"] = *a.KeyFingerprint
		data["key_type"] = a.KeyType
	}
	t.emit(s, EventAuthAttempt, data)
	return a
}

func (t *Tracker) Command(s *Session, c CommandEvent, commandType string) CommandEvent {
	c = s.AddCommand(c)
	t.Metrics.Command(string(s.Protocol()), commandType)

	data := map[string]interface{}{
		"command":  c.RawText,
		"response": c.Response,
	}
	if c.Command != "" {
		data["verb"] = c.Command
		data["argument"] = c.Argument
	}
	t.emit(s, EventCommand, data)
	return c
}

func (t *Tracker) Request(s *Session, r RequestEvent) RequestEvent {
	r = s.AddRequest(r)
	t.Metrics.HTTPRequest(r.Method, r.Path, r.StatusCode)

	data := map[string]interface{}{
		"method":         r.Method,
		"path":           r.Path,
		"query":          r.Query,
		"headers":        r.Headers,
		"user_agent":     r.UserAgent,
		"referrer":       r.Referrer,
		"content_length": r.ContentLength,
		"status_code":    r.StatusCode,
		"attack_type":    nil,
		"signature":      r.Signature,
	}
	if r.PostData != nil {
		data["post_data"] = r.PostData
	}
	if r.PostDataError != "" {
		data["post_data_error"] = r.PostDataError
	}
	if r.AttackType != "" {
		data["attack_type"] = r.AttackType
	}
	if r.Error != "" {
		data["error"] = r.Error
	}
	t.emit(s, EventHTTPRequest, data)

	if r.AttackType != "" {
		t.Metrics.AttackDetected(string(s.Protocol()), r.AttackType)
		t.emit(s, EventAttackDetected, map[string]interface{}{
			"attack_type": r.AttackType,
			"path":        r.Path,
			"query":       r.Query,
		})
	}
	return r
}

// End finalizes the session, removes it from the registry, emits the
// session-ended event and hands the record off without waiting.
func (t *Tracker) End(s *Session) Record {
	rec, first := s.Close()
	if !first {
		return rec
	}
	t.Registry.Remove(s.ID())
	t.Metrics.SessionEnded(string(s.Protocol()))

	t.emit(s, EventSessionEnded, map[string]interface{}{
		"duration_seconds": rec.Duration().Seconds(),
		"auth_attempts":    len(rec.AuthAttempts),
		"commands":         len(rec.Commands),
		"requests":         len(rec.Requests),
		"username":         rec.Username,
		"session":          rec,
	})

	if t.Handoff != nil {
		t.Handoff.Submit(rec)
	}
	return rec
}

func (t *Tracker) emit(s *Session, typ EventType, data map[string]interface{}) {
	t.Emitter.Emit(Event{
		Type:       typ,
		SessionID:  s.ID(),
		SourceIP:   s.SourceIP(),
		SourcePort: s.SourcePort(),
		Protocol:   s.Protocol(),
		Timestamp:  time.Now().UTC(),
		Data:       data,
	})
}
