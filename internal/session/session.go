package session

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Protocol string

const (
	ProtocolSSH    Protocol = "ssh"
	ProtocolHTTP   Protocol = "http"
	ProtocolTelnet Protocol = "telnet"
	ProtocolFTP    Protocol = "ftp"
)

type AuthMethod string

const (
	AuthPassword  AuthMethod = "password"
	AuthPublicKey AuthMethod = "publickey"
)

// AuthAttempt is one credential submission. Success is always false.
type AuthAttempt struct {
	Timestamp      time.Time  `json:"timestamp"`
	Username       string     `json:"username"`
	Password       *string    `json:"password,omitempty"`
	Method         AuthMethod `json:"method"`
	KeyType        string     `json:"key_type,omitempty"`
	KeyFingerprint *string    `json:"key_fingerprint,omitempty"`
	Success        bool       `json:"success"`
}

// HasCredentialPair reports whether both username and password were supplied.
func (a AuthAttempt) HasCredentialPair() bool {
	return a.Username != "" && a.Password != nil && *a.Password != ""
}

// CommandEvent is one line of attacker input after the banner. For FTP the
// Command and Argument fields carry the parsed verb and its argument.
type CommandEvent struct {
	Timestamp time.Time `json:"timestamp"`
	RawText   string    `json:"raw_text"`
	Response  string    `json:"response_sent"`
	Command   string    `json:"command,omitempty"`
	Argument  string    `json:"argument,omitempty"`
}

// RequestEvent is one HTTP exchange.
type RequestEvent struct {
	Timestamp     time.Time              `json:"timestamp"`
	RawText       string                 `json:"raw_text"`
	Method        string                 `json:"method"`
	Path          string                 `json:"path"`
	Query         string                 `json:"query,omitempty"`
	Headers       map[string]string      `json:"headers,omitempty"`
	UserAgent     string                 `json:"user_agent,omitempty"`
	Referrer      string                 `json:"referrer,omitempty"`
	ContentLength int64                  `json:"content_length"`
	PostData      map[string]interface{} `json:"post_data,omitempty"`
	PostDataError string                 `json:"post_data_error,omitempty"`
	AttackType    string                 `json:"attack_type,omitempty"`
	Signature     string                 `json:"signature,omitempty"`
	StatusCode    int                    `json:"status_code"`
	Response      string                 `json:"response_sent,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

// Session is the mutable per-connection record. Only the owning state
// machine writes to it; the lock exists so status readers can snapshot it.
type Session struct {
	mu sync.Mutex

	id         string
	sourceIP   string
	sourcePort int
	protocol   Protocol
	startTime  time.Time
	endTime    *time.Time
	username   string

	attempts []AuthAttempt
	commands []CommandEvent
	requests []RequestEvent
}

func New(protocol Protocol, remote net.Addr) *Session {
	ip, port := splitAddr(remote)
	return &Session{
		id:         uuid.NewString(),
		sourceIP:   ip,
		sourcePort: port,
		protocol:   protocol,
		startTime:  time.Now().UTC(),
	}
}

func splitAddr(addr net.Addr) (string, int) {
	if addr == nil {
		return "", 0
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String(), tcp.Port
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func (s *Session) ID() string         { return s.id }
func (s *Session) SourceIP() string   { return s.sourceIP }
func (s *Session) SourcePort() int    { return s.sourcePort }
func (s *Session) Protocol() Protocol { return s.protocol }
func (s *Session) StartTime() time.Time {
	return s.startTime
}

func (s *Session) SetUsername(username string) {
	s.mu.Lock()
	s.username = username
	s.mu.Unlock()
}

func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// AddAuthAttempt appends an attempt, forcing Success to false.
func (s *Session) AddAuthAttempt(a AuthAttempt) AuthAttempt {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	a.Success = false
	s.mu.Lock()
	s.attempts = append(s.attempts, a)
	if a.Username != "" {
		s.username = a.Username
	}
	s.mu.Unlock()
	return a
}

func (s *Session) AddCommand(c CommandEvent) CommandEvent {
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	s.commands = append(s.commands, c)
	s.mu.Unlock()
	return c
}

func (s *Session) AddRequest(r RequestEvent) RequestEvent {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	s.requests = append(s.requests, r)
	s.mu.Unlock()
	return r
}

func (s *Session) AuthAttemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attempts)
}

// Close sets the end time and returns the final record. The boolean is true
// only for the call that actually closed the session.
func (s *Session) Close() (Record, bool) {
	s.mu.Lock()
	first := s.endTime == nil
	if first {
		now := time.Now().UTC()
		s.endTime = &now
	}
	s.mu.Unlock()
	return s.Snapshot(), first
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endTime != nil
}

// Snapshot copies the current state into an immutable Record.
func (s *Session) Snapshot() Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := Record{
		SessionID:    s.id,
		SourceIP:     s.sourceIP,
		SourcePort:   s.sourcePort,
		Protocol:     s.protocol,
		StartTime:    s.startTime,
		Username:     s.username,
		AuthAttempts: append([]AuthAttempt(nil), s.attempts...),
		Commands:     append([]CommandEvent(nil), s.commands...),
		Requests:     append([]RequestEvent(nil), s.requests...),
	}
	if s.endTime != nil {
		end := *s.endTime
		rec.EndTime = &end
	}
	return rec
}

// Record is the by-value form of a Session handed to detection and storage.
type Record struct {
	SessionID     string         `json:"session_id"`
	SourceIP      string         `json:"source_ip"`
	SourcePort    int            `json:"source_port"`
	Protocol      Protocol       `json:"protocol"`
	StartTime     time.Time      `json:"start_time"`
	EndTime       *time.Time     `json:"end_time,omitempty"`
	Authenticated bool           `json:"authenticated"`
	Username      string         `json:"username,omitempty"`
	AuthAttempts  []AuthAttempt  `json:"auth_attempts"`
	Commands      []CommandEvent `json:"commands"`
	Requests      []RequestEvent `json:"requests,omitempty"`
}

// Duration is end minus start, or zero while the session is open.
func (r Record) Duration() time.Duration {
	if r.EndTime == nil {
		return 0
	}
	d := r.EndTime.Sub(r.StartTime)
	if d < 0 {
		return 0
	}
	return d
}

// ActivityTexts returns command lines followed by HTTP path+query strings.
func (r Record) ActivityTexts() []string {
	out := make([]string, 0, len(r.Commands)+len(r.Requests))
	for _, c := range r.Commands {
		out = append(out, c.RawText)
	}
	for _, req := range r.Requests {
		out = append(out, req.RawText)
	}
	return out
}
