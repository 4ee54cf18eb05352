package httpd

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"

	"github.com/0tSystemsPublicRepos/hpti/internal/logging"
	"github.com/0tSystemsPublicRepos/hpti/internal/session"
)

var (
	adminMarkers    = []string{"/admin", "/wp-admin", "/login", "/phpmyadmin"}
	configMarkers   = []string{".env", "config.", ".git", ".htaccess"}
	webshellMarkers = []string{"shell", "c99", "r57", "webshell"}
)

// remoteAddr adapts http.Request.RemoteAddr to net.Addr.
type remoteAddr string

func (a remoteAddr) Network() string { return "tcp" }
func (a remoteAddr) String() string  { return string(a) }

type reply struct {
	status      int
	contentType string
	body        []byte
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	sess := s.tracker.Begin(session.ProtocolHTTP, remoteAddr(r.RemoteAddr))
	defer s.tracker.End(sess)

	path := r.URL.EscapedPath()
	ev := session.RequestEvent{RawText: path, Method: r.Method, Path: path, UserAgent: r.UserAgent()}
	recorded := false
	// A panic before the request is recorded still leaves an event behind.
	// The recoverer answers the client.
	defer func() {
		if recorded {
			return
		}
		if rec := recover(); rec != nil {
			ev.StatusCode = http.StatusOK
			ev.Response = http.StatusText(http.StatusOK)
			ev.Error = fmt.Sprint(rec)
			s.tracker.Request(sess, ev)
			panic(rec)
		}
	}()

	ev = s.describe(w, r)

	result := s.engine.Classify(r.Method, ev.Path, ev.Query)
	ev.Signature = result.Signature
	if result.IsAttack {
		ev.AttackType = result.AttackType
		logging.Attack(sess.SourceIP(), "http", r.Method+" "+ev.RawText, result.AttackType)
	}

	out := s.respond(sess, r, ev)
	ev.StatusCode = out.status
	ev.Response = http.StatusText(out.status)
	s.tracker.Request(sess, ev)
	recorded = true

	w.Header().Set("Content-Type", out.contentType)
	w.WriteHeader(out.status)
	if r.Method != http.MethodHead {
		w.Write(out.body)
	}
}

// describe builds the request record. Body problems are noted in
// PostDataError and never fail the request.
func (s *Server) describe(w http.ResponseWriter, r *http.Request) session.RequestEvent {
	path := r.URL.EscapedPath()
	ev := session.RequestEvent{
		RawText:   path,
		Method:    r.Method,
		Path:      path,
		Query:     r.URL.RawQuery,
		Headers:   flattenHeaders(r),
		UserAgent: r.UserAgent(),
		Referrer:  r.Referer(),
	}
	if ev.Query != "" {
		ev.RawText = path + "?" + ev.Query
	}
	if r.ContentLength > 0 {
		ev.ContentLength = r.ContentLength
	}

	if r.Method == http.MethodPost {
		data, err := s.readPostData(w, r)
		ev.PostData = data
		if err != nil {
			ev.PostDataError = err.Error()
		}
	}
	return ev
}

func (s *Server) readPostData(w http.ResponseWriter, r *http.Request) (map[string]interface{}, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read body: %w", err)
		}
		var v interface{}
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, fmt.Errorf("invalid JSON body: %w", err)
		}
		if m, ok := v.(map[string]interface{}); ok {
			return m, nil
		}
		return map[string]interface{}{"_json": v}, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("invalid form body: %w", err)
	}
	out := make(map[string]interface{}, len(r.PostForm))
	for k, vs := range r.PostForm {
		if len(vs) == 1 {
			out[k] = vs[0]
		} else {
			out[k] = vs
		}
	}
	return out, nil
}

// respond picks the canned response. It is independent of the attack
// classification even though the matched paths overlap.
func (s *Server) respond(sess *session.Session, r *http.Request, ev session.RequestEvent) reply {
	lower := strings.ToLower(r.URL.Path)

	if containsAny(lower, adminMarkers) {
		if r.Method == http.MethodPost {
			s.recordLogin(sess, ev)
			return reply{http.StatusUnauthorized, "text/html; charset=utf-8", renderAdminLogin(r.URL.Path, "Invalid credentials")}
		}
		return reply{http.StatusOK, "text/html; charset=utf-8", renderAdminLogin(r.URL.Path, "")}
	}
	if containsAny(lower, configMarkers) {
		return reply{http.StatusForbidden, "text/plain; charset=utf-8", []byte("403 Forbidden")}
	}
	if containsAny(lower, webshellMarkers) {
		return reply{http.StatusNotFound, "text/plain; charset=utf-8", []byte("404 Not Found")}
	}
	return reply{http.StatusOK, "text/html; charset=utf-8", []byte(welcomePage)}
}

func (s *Server) recordLogin(sess *session.Session, ev session.RequestEvent) {
	username := stringField(ev.PostData, "username")
	password := stringField(ev.PostData, "password")
	s.tracker.Auth(sess, session.AuthAttempt{
		Username: username,
		Password: &password,
		Method:   session.AuthPassword,
	})
	logging.Info("[HTTP] Admin login attempt from %s on %s: %s", sess.SourceIP(), ev.Path, username)
}

func stringField(m map[string]interface{}, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case []string:
		if len(v) > 0 {
			return v[0]
		}
	case nil:
	default:
		return fmt.Sprint(v)
	}
	return ""
}

func flattenHeaders(r *http.Request) map[string]string {
	out := make(map[string]string, len(r.Header)+1)
	for k, vs := range r.Header {
		out[k] = strings.Join(vs, ", ")
	}
	if r.Host != "" {
		out["Host"] = r.Host
	}
	return out
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// compile-time check
var _ net.Addr = remoteAddr("")
