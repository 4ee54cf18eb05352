// Package ftpd is the FTP command/response honeypot. No credential is ever
// accepted and no data channel is ever opened.
package ftpd

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/0tSystemsPublicRepos/hpti/internal/config"
	"github.com/0tSystemsPublicRepos/hpti/internal/logging"
	"github.com/0tSystemsPublicRepos/hpti/internal/netutil"
	"github.com/0tSystemsPublicRepos/hpti/internal/session"
)

const (
	reply220 = "220 FTP Server ready\r\n"
	reply331 = "331 Password required\r\n"
	reply530 = "530 Login incorrect\r\n"
	reply200 = "200 Command okay\r\n"
	reply215 = "215 UNIX Type: L8\r\n"
	reply221 = "221 Goodbye\r\n"
	reply250 = "250 Requested file action okay\r\n"
	reply257 = "257 \"/\" is current directory\r\n"
	reply500 = "500 Command not understood\r\n"
	reply502 = "502 Command not implemented\r\n"
	reply550 = "550 File not found\r\n"
)

const (
	StateConnected    = "connected"
	StateAwaitingUser = "awaiting_user"
	StateAwaitingPass = "awaiting_pass"
	StateCommandLoop  = "command_loop"
	StateClosed       = "closed"
)

// fixed replies for verbs without side effects
var replies = map[string]string{
	"USER": reply331,
	"PASS": reply530,
	"SYST": reply215,
	"PWD":  reply257,
	"TYPE": reply200,
	"CWD":  reply250,
	"RETR": reply550,
	"STOR": reply550,
	"LIST": reply502,
	"PORT": reply502,
	"PASV": reply502,
	"QUIT": reply221,
}

type Server struct {
	cfg     config.FTPConfig
	tracker *session.Tracker
}

func New(cfg config.FTPConfig, tracker *session.Tracker) *Server {
	return &Server{cfg: cfg, tracker: tracker}
}

type conn struct {
	srv    *Server
	sess   *session.Session
	rw     io.Writer
	framer *netutil.Framer
	state  string
	user   string
}

// HandleConn runs one FTP session until QUIT, EOF, idle timeout or
// cancellation.
func (s *Server) HandleConn(ctx context.Context, nc net.Conn) {
	sess := s.tracker.Begin(session.ProtocolFTP, nc.RemoteAddr())
	c := &conn{
		srv:    s,
		sess:   sess,
		rw:     nc,
		framer: netutil.NewFramer(nc, netutil.CRLF),
		state:  StateConnected,
	}
	defer func() {
		c.setState(StateClosed)
		s.tracker.End(sess)
	}()

	logging.Info("[FTP] Connection from %s (session %s)", sess.SourceIP(), sess.ID())
	if err := c.send(reply220); err != nil {
		return
	}
	c.setState(StateAwaitingUser)
	c.loop(ctx)
}

func (c *conn) loop(ctx context.Context) {
	timeout := c.srv.cfg.Timeout()
	for ctx.Err() == nil {
		line, err := c.framer.ReadLine(timeout)
		if err != nil {
			if errors.Is(err, netutil.ErrNoLine) {
				logging.Debug("[FTP] Idle timeout for %s", c.sess.SourceIP())
			} else if !errors.Is(err, io.EOF) {
				logging.Debug("[FTP] Read error from %s: %v", c.sess.SourceIP(), err)
			}
			return
		}

		verb, arg := parseCommand(line)
		if verb == "" {
			continue
		}

		reply, ok := replies[verb]
		if !ok {
			reply = reply500
		}

		c.srv.tracker.Command(c.sess, session.CommandEvent{
			RawText:  strings.TrimSpace(line),
			Command:  verb,
			Argument: arg,
			Response: strings.TrimRight(reply, "\r\n"),
		}, commandType(verb))

		c.apply(verb, arg)

		if err := c.send(reply); err != nil {
			return
		}
		if verb == "QUIT" {
			return
		}
	}
}

// apply runs the side effects of a verb after it has been recorded.
func (c *conn) apply(verb, arg string) {
	switch verb {
	case "USER":
		c.user = arg
		c.sess.SetUsername(arg)
		c.setState(StateAwaitingPass)
	case "PASS":
		user := c.user
		if user == "" {
			user = "anonymous"
		}
		password := arg
		c.srv.tracker.Auth(c.sess, session.AuthAttempt{
			Username: user,
			Password: &password,
			Method:   session.AuthPassword,
		})
		logging.Info("[FTP] Login attempt from %s: %s", c.sess.SourceIP(), user)
		c.setState(StateCommandLoop)
	case "CWD":
		logging.Debug("[FTP] CWD %q from %s", arg, c.sess.SourceIP())
	case "RETR":
		c.srv.tracker.Metrics.FTPOperation("download")
		logging.Info("[FTP] Download attempt from %s: %s", c.sess.SourceIP(), arg)
	case "STOR":
		c.srv.tracker.Metrics.FTPOperation("upload")
		logging.Info("[FTP] Upload attempt from %s: %s", c.sess.SourceIP(), arg)
	}
}

func (c *conn) setState(state string) {
	if c.state == state {
		return
	}
	c.state = state
	c.srv.tracker.State(c.sess, state)
}

func (c *conn) send(reply string) error {
	_, err := io.WriteString(c.rw, reply)
	if err != nil {
		logging.Debug("[FTP] Write error to %s: %v", c.sess.SourceIP(), err)
	}
	return err
}

// parseCommand splits a line into an upper-cased verb and the rest of the
// line after the first whitespace run.
func parseCommand(line string) (string, string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", ""
	}
	idx := strings.IndexAny(line, " \t")
	if idx < 0 {
		return strings.ToUpper(line), ""
	}
	return strings.ToUpper(line[:idx]), strings.TrimSpace(line[idx:])
}

func commandType(verb string) string {
	switch verb {
	case "RETR":
		return "download"
	case "STOR":
		return "upload"
	}
	return "ftp"
}
