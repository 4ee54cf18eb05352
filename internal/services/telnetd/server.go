// Package telnetd simulates the login console of an embedded device.
package telnetd

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/0tSystemsPublicRepos/hpti/internal/config"
	"github.com/0tSystemsPublicRepos/hpti/internal/logging"
	"github.com/0tSystemsPublicRepos/hpti/internal/netutil"
	"github.com/0tSystemsPublicRepos/hpti/internal/session"
	"github.com/0tSystemsPublicRepos/hpti/internal/shell"
)

const (
	StateConnected      = "connected"
	StateAuthenticating = "authenticating"
	StateShellActive    = "shell_active"
	StateClosed         = "closed"
)

const (
	passwordPrompt = "Password: "
	loginIncorrect = "Login incorrect\r\n"
	tooManyFailure = "Too many login failures\r\n"
	goodbye        = "Goodbye\r\n"
)

type Server struct {
	cfg     config.TelnetConfig
	profile shell.Profile
	tracker *session.Tracker
}

// New builds a server for the configured device profile. The profile is
// fixed per listener.
func New(cfg config.TelnetConfig, tracker *session.Tracker) *Server {
	return &Server{
		cfg:     cfg,
		profile: shell.LookupProfile(cfg.DeviceProfile),
		tracker: tracker,
	}
}

func (s *Server) Profile() shell.Profile { return s.profile }

type conn struct {
	srv    *Server
	sess   *session.Session
	w      io.Writer
	framer *netutil.Framer
}

func (s *Server) HandleConn(ctx context.Context, nc net.Conn) {
	sess := s.tracker.Begin(session.ProtocolTelnet, nc.RemoteAddr())
	iac := &netutil.IACStripper{}
	c := &conn{
		srv:    s,
		sess:   sess,
		w:      nc,
		framer: netutil.NewFramer(nc, netutil.AnyNewline, netutil.WithFilter(iac.Filter)),
	}
	defer func() {
		s.tracker.State(sess, StateClosed)
		s.tracker.End(sess)
	}()

	logging.Info("[TELNET] Connection from %s as %s (session %s)", sess.SourceIP(), s.profile.Name, sess.ID())

	if err := c.send(s.profile.Banner); err != nil {
		return
	}
	s.tracker.State(sess, StateAuthenticating)

	if !c.authenticate(ctx) {
		return
	}

	s.tracker.State(sess, StateShellActive)
	c.shell(ctx)
}

// authenticate runs the login exchange. It reports true only in auto-accept
// mode, after one credential pair has been captured.
func (c *conn) authenticate(ctx context.Context) bool {
	prompt := time.Duration(c.srv.cfg.PromptTimeout) * time.Second
	maxAttempts := c.srv.cfg.MaxAuthAttempts
	autoAccept := maxAttempts == 0

	for attempts := 0; autoAccept || attempts < maxAttempts; attempts++ {
		if ctx.Err() != nil {
			return false
		}

		username, err := c.readLine(prompt)
		if err != nil {
			return false
		}
		username = strings.TrimSpace(username)

		// A blank username or password ends the session unrecorded.
		if username == "" {
			return false
		}

		if c.send(passwordPrompt) != nil {
			return false
		}
		password, err := c.readLine(prompt)
		if err != nil {
			return false
		}
		password = strings.TrimSpace(password)
		if password == "" {
			return false
		}

		c.srv.tracker.Auth(c.sess, session.AuthAttempt{
			Username: username,
			Password: &password,
			Method:   session.AuthPassword,
		})
		logging.Info("[TELNET] Login attempt from %s: %s", c.sess.SourceIP(), username)

		if autoAccept {
			c.send("\r\n")
			return true
		}

		if c.send(loginIncorrect+c.srv.profile.Banner) != nil {
			return false
		}
	}

	c.send(tooManyFailure)
	return false
}

func (c *conn) shell(ctx context.Context) {
	p := c.srv.profile
	idle := c.srv.cfg.Timeout()

	if c.send(p.Prompt) != nil {
		return
	}
	for ctx.Err() == nil {
		line, err := c.readLine(idle)
		if err != nil {
			return
		}
		command := strings.TrimSpace(line)
		if command == "" {
			if c.send(p.Prompt) != nil {
				return
			}
			continue
		}

		if shell.IsDeviceExit(command) {
			c.srv.tracker.Command(c.sess, session.CommandEvent{RawText: command, Response: strings.TrimRight(goodbye, "\r\n")}, "shell")
			c.send(goodbye)
			return
		}

		response := p.Table.Lookup(command)
		c.srv.tracker.Command(c.sess, session.CommandEvent{RawText: command, Response: response}, "shell")

		if c.send(response+p.Prompt) != nil {
			return
		}
	}
}

func (c *conn) readLine(timeout time.Duration) (string, error) {
	line, err := c.framer.ReadLine(timeout)
	if err != nil {
		switch {
		case errors.Is(err, netutil.ErrNoLine):
			logging.Debug("[TELNET] Timeout waiting for %s", c.sess.SourceIP())
		case errors.Is(err, io.EOF):
		default:
			logging.Debug("[TELNET] Read error from %s: %v", c.sess.SourceIP(), err)
		}
	}
	return line, err
}

func (c *conn) send(text string) error {
	if text == "" {
		return nil
	}
	_, err := io.WriteString(c.w, text)
	return err
}
