package httpd

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0tSystemsPublicRepos/hpti/internal/config"
	"github.com/0tSystemsPublicRepos/hpti/internal/session"
)

type sink struct {
	mu      sync.Mutex
	events  []session.Event
	records []session.Record
}

func (s *sink) Emit(e session.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *sink) Submit(r session.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
}

func (s *sink) last() session.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[len(s.records)-1]
}

func (s *sink) eventsOf(typ session.EventType) []session.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []session.Event
	for _, e := range s.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func newTestServer() (*Server, *sink) {
	out := &sink{}
	cfg := config.Defaults().HTTP
	tracker := session.NewTracker(nil, out, nil, out)
	return New(cfg, tracker, nil), out
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestHTTP_SQLInjectionOnAdmin(t *testing.T) {
	srv, out := newTestServer()

	rr := serve(srv, httptest.NewRequest(http.MethodGet, "/admin?id=1'%20OR%20'1'='1", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "Administrator Login")
	assert.Equal(t, "Apache/2.4.41 (Ubuntu)", rr.Header().Get("Server"))

	rec := out.last()
	assert.Equal(t, session.ProtocolHTTP, rec.Protocol)
	require.Len(t, rec.Requests, 1)
	req := rec.Requests[0]
	assert.Equal(t, "sql_injection", req.AttackType)
	assert.Equal(t, "/admin", req.Path)
	assert.Equal(t, "/admin?id=1'%20OR%20'1'='1", req.RawText)
	assert.Len(t, req.Signature, 32)

	assert.Len(t, out.eventsOf(session.EventHTTPRequest), 1)
	attacks := out.eventsOf(session.EventAttackDetected)
	require.Len(t, attacks, 1)
	assert.Equal(t, "sql_injection", attacks[0].Data["attack_type"])
}

func TestHTTP_AdminLoginPost(t *testing.T) {
	srv, out := newTestServer()

	form := url.Values{"username": {"admin"}, "password": {"hunter2"}}
	req := httptest.NewRequest(http.MethodPost, "/admin/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := serve(srv, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Body.String(), "Invalid credentials")

	rec := out.last()
	require.Len(t, rec.AuthAttempts, 1)
	a := rec.AuthAttempts[0]
	assert.Equal(t, "admin", a.Username)
	assert.Equal(t, "hunter2", *a.Password)
	assert.False(t, a.Success)
	assert.Equal(t, "admin_probing", rec.Requests[0].AttackType)
	assert.Equal(t, "admin", rec.Requests[0].PostData["username"])
	assert.Equal(t, http.StatusUnauthorized, rec.Requests[0].StatusCode)
}

func TestHTTP_Responses(t *testing.T) {
	tests := []struct {
		name   string
		target string
		status int
		body   string
		attack string
	}{
		{"config exposure", "/.env", http.StatusForbidden, "403 Forbidden", "config_exposure"},
		{"webshell", "/uploads/c99.php", http.StatusNotFound, "404 Not Found", "webshell_access"},
		{"traversal", "/static/..%2f..%2fetc/passwd", http.StatusOK, "<h1>Welcome</h1>", "path_traversal"},
		{"plain", "/", http.StatusOK, "<h1>Welcome</h1>", ""},
		{"login page", "/login", http.StatusOK, "Administrator Login", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, out := newTestServer()
			rr := serve(srv, httptest.NewRequest(http.MethodGet, tt.target, nil))
			assert.Equal(t, tt.status, rr.Code)
			assert.Contains(t, rr.Body.String(), tt.body)
			assert.Equal(t, tt.attack, out.last().Requests[0].AttackType)
		})
	}
}

func TestHTTP_EachRequestIsASession(t *testing.T) {
	srv, out := newTestServer()
	for i := 0; i < 3; i++ {
		serve(srv, httptest.NewRequest(http.MethodGet, "/", nil))
	}
	require.Len(t, out.records, 3)
	assert.NotEqual(t, out.records[0].SessionID, out.records[1].SessionID)
	assert.Equal(t, "192.0.2.1", out.records[0].SourceIP)
	assert.Len(t, out.eventsOf(session.EventSessionEnded), 3)
}

func TestHTTP_BadJSONBody(t *testing.T) {
	srv, out := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/api/upload", strings.NewReader(`{"broken":`))
	req.Header.Set("Content-Type", "application/json")
	rr := serve(srv, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	ev := out.last().Requests[0]
	assert.Contains(t, ev.PostDataError, "invalid JSON body")
	assert.Nil(t, ev.PostData)
}

func TestHTTP_JSONBody(t *testing.T) {
	srv, out := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/phpmyadmin/index.php", strings.NewReader(`{"username":"root","password":""}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rr := serve(srv, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	rec := out.last()
	assert.Equal(t, "root", rec.Requests[0].PostData["username"])
	require.Len(t, rec.AuthAttempts, 1)
	assert.False(t, rec.AuthAttempts[0].HasCredentialPair())
}

func TestRecoverer(t *testing.T) {
	srv, _ := newTestServer()
	h := srv.recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, welcomePage, rr.Body.String())
}

func TestHTTP_PanicStillRecordsRequest(t *testing.T) {
	srv, out := newTestServer()
	srv.engine = nil

	rr := serve(srv, httptest.NewRequest(http.MethodGet, "/cgi-bin/status?x=1", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, welcomePage, rr.Body.String())

	reqs := out.eventsOf(session.EventHTTPRequest)
	require.Len(t, reqs, 1)
	assert.Equal(t, "/cgi-bin/status", reqs[0].Data["path"])
	assert.NotEmpty(t, reqs[0].Data["error"])

	require.Len(t, out.records, 1)
	rec := out.last()
	require.Len(t, rec.Requests, 1)
	assert.Equal(t, http.MethodGet, rec.Requests[0].Method)
	assert.Equal(t, http.StatusOK, rec.Requests[0].StatusCode)
	assert.Contains(t, rec.Requests[0].Error, "nil pointer")
	assert.Len(t, out.eventsOf(session.EventSessionEnded), 1)
}

func TestServer_StartStopWithTLS(t *testing.T) {
	out := &sink{}
	cfg := config.Defaults().HTTP
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.HTTPSEnabled = true
	cfg.HTTPSPort = 0
	srv := New(cfg, session.NewTracker(nil, out, nil, out), nil)

	require.NoError(t, srv.Start())
	addrs := srv.Addrs()
	require.Len(t, addrs, 2)

	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}

	resp, err := client.Get("http://" + addrs[0].String() + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, welcomePage, string(body))

	resp, err = client.Get("https://" + addrs[1].String() + "/.git/config")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	assert.False(t, srv.Running())
}
