package session

import "time"

type EventType string

const (
	EventSessionStarted EventType = "session_start"
	EventSessionEnded   EventType = "session_end"
	EventStateChange    EventType = "state_change"
	EventAuthAttempt    EventType = "auth_attempt"
	EventCommand        EventType = "command"
	EventHTTPRequest    EventType = "http_request"
	EventAttackDetected EventType = "attack_detected"

	// EventPatternDetected carries a correlated finding and may span sessions.
	EventPatternDetected EventType = "pattern_detected"
)

// Event is the structured record emitted for every captured datum.
type Event struct {
	Type       EventType              `json:"event_type"`
	SessionID  string                 `json:"session_id"`
	SourceIP   string                 `json:"source_ip"`
	SourcePort int                    `json:"source_port"`
	Protocol   Protocol               `json:"protocol"`
	Timestamp  time.Time              `json:"timestamp"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// Emitter receives events. Implementations must be safe for concurrent use.
type Emitter interface {
	Emit(Event)
}

type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }

type nopEmitter struct{}

func (nopEmitter) Emit(Event) {}

// NopEmitter discards all events.
var NopEmitter Emitter = nopEmitter{}

// Handoff takes ownership of finished session records. Submit must not block.
type Handoff interface {
	Submit(Record)
}

type HandoffFunc func(Record)

func (f HandoffFunc) Submit(r Record) { f(r) }
