package session

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func testAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("203.0.113.7"), Port: 40123}
}

func TestSession_AuthAttemptsAlwaysFail(t *testing.T) {
	s := New(ProtocolSSH, testAddr())

	for _, user := range []string{"root", "admin", "pi"} {
		s.AddAuthAttempt(AuthAttempt{Username: user, Password: strPtr("x"), Method: AuthPassword, Success: true})
	}

	rec := s.Snapshot()
	require.Len(t, rec.AuthAttempts, 3)
	assert.Equal(t, "root", rec.AuthAttempts[0].Username)
	assert.Equal(t, "pi", rec.AuthAttempts[2].Username)
	for _, a := range rec.AuthAttempts {
		assert.False(t, a.Success)
	}
	assert.Equal(t, "pi", rec.Username)
	assert.False(t, rec.Authenticated)
	assert.Equal(t, "203.0.113.7", rec.SourceIP)
	assert.Equal(t, 40123, rec.SourcePort)
}

func TestSession_CloseOnce(t *testing.T) {
	s := New(ProtocolFTP, testAddr())

	first, ok := s.Close()
	require.True(t, ok)
	require.NotNil(t, first.EndTime)

	second, ok := s.Close()
	assert.False(t, ok)
	assert.Equal(t, *first.EndTime, *second.EndTime)
}

func TestSession_SnapshotIsImmutable(t *testing.T) {
	s := New(ProtocolTelnet, testAddr())
	s.AddCommand(CommandEvent{RawText: "ls"})

	rec := s.Snapshot()
	s.AddCommand(CommandEvent{RawText: "pwd"})

	assert.Len(t, rec.Commands, 1)
	assert.Len(t, s.Snapshot().Commands, 2)
}

func TestAuthAttempt_HasCredentialPair(t *testing.T) {
	assert.True(t, AuthAttempt{Username: "a", Password: strPtr("b")}.HasCredentialPair())
	assert.False(t, AuthAttempt{Username: "a"}.HasCredentialPair())
	assert.False(t, AuthAttempt{Password: strPtr("b")}.HasCredentialPair())
	assert.False(t, AuthAttempt{Username: "a", Password: strPtr("")}.HasCredentialPair())
}

func TestRegistry_ConcurrentRegister(t *testing.T) {
	reg := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.Register(New(ProtocolSSH, testAddr()))
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, reg.Count())
	assert.Equal(t, 50, reg.CountByProtocol(ProtocolSSH))
	assert.Equal(t, 0, reg.CountByProtocol(ProtocolFTP))
	assert.Len(t, reg.Active(), 50)
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	reg := NewRegistry()
	s := New(ProtocolHTTP, testAddr())

	assert.True(t, reg.Register(s))
	assert.False(t, reg.Register(s))

	got, ok := reg.Get(s.ID())
	require.True(t, ok)
	assert.Same(t, s, got)

	_, ok = reg.Remove(s.ID())
	assert.True(t, ok)
	_, ok = reg.Get(s.ID())
	assert.False(t, ok)
}

func TestTracker_Lifecycle(t *testing.T) {
	var mu sync.Mutex
	var events []Event
	var handed []Record

	tr := NewTracker(nil,
		EmitterFunc(func(e Event) {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
		}),
		nil,
		HandoffFunc(func(r Record) { handed = append(handed, r) }),
	)

	s := tr.Begin(ProtocolFTP, testAddr())
	assert.Equal(t, 1, tr.Registry.Count())

	tr.Auth(s, AuthAttempt{Username: "admin", Password: strPtr("pw"), Method: AuthPassword})
	tr.Command(s, CommandEvent{RawText: "QUIT", Command: "QUIT"}, "ftp")
	rec := tr.End(s)
	tr.End(s)

	assert.Equal(t, 0, tr.Registry.Count())
	require.Len(t, handed, 1)
	assert.Equal(t, rec.SessionID, handed[0].SessionID)

	types := make([]EventType, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
		assert.Equal(t, s.ID(), e.SessionID)
		assert.Equal(t, ProtocolFTP, e.Protocol)
	}
	assert.Equal(t, []EventType{EventSessionStarted, EventAuthAttempt, EventCommand, EventSessionEnded}, types)
}

func TestTracker_RequestEmitsAttack(t *testing.T) {
	var types []EventType
	tr := NewTracker(nil, EmitterFunc(func(e Event) { types = append(types, e.Type) }), nil, nil)

	s := tr.Begin(ProtocolHTTP, testAddr())
	tr.Request(s, RequestEvent{Method: "GET", Path: "/.env", AttackType: "config_exposure", StatusCode: 403})
	tr.Request(s, RequestEvent{Method: "GET", Path: "/", StatusCode: 200})

	assert.Equal(t, []EventType{EventSessionStarted, EventHTTPRequest, EventAttackDetected, EventHTTPRequest}, types)
}
