// Package sshd is the SSH honeypot. Every authentication attempt is recorded
// and rejected; the fake shell is only reachable when the transport is told
// to let a channel open anyway (ssh.shell_after_failures).
package sshd

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

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

var errAuthFailed = errors.New("authentication failed")

type Server struct {
	cfg     config.SSHConfig
	tracker *session.Tracker
	signer  ssh.Signer
	table   *shell.Table
}

func New(cfg config.SSHConfig, tracker *session.Tracker) (*Server, error) {
	signer, err := LoadOrGenerateHostKey(cfg.HostKeyPath)
	if err != nil {
		return nil, err
	}
	return &Server{cfg: cfg, tracker: tracker, signer: signer, table: shell.Linux()}, nil
}

// HostKey is the public half of the server key.
func (s *Server) HostKey() ssh.PublicKey { return s.signer.PublicKey() }

func (s *Server) serverVersion() string {
	banner := strings.TrimSpace(s.cfg.Banner)
	if !strings.HasPrefix(banner, "SSH-2.0-") {
		banner = "SSH-2.0-" + banner
	}
	return banner
}

// serverConfig is built per connection so the callbacks capture the session.
func (s *Server) serverConfig(sess *session.Session) *ssh.ServerConfig {
	grant := func() (*ssh.Permissions, error) {
		n := s.cfg.ShellAfterFailures
		if n > 0 && sess.AuthAttemptCount() >= n {
			return &ssh.Permissions{}, nil
		}
		return nil, errAuthFailed
	}

	conf := &ssh.ServerConfig{
		ServerVersion: s.serverVersion(),
		MaxAuthTries:  -1,
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			pw := string(password)
			s.tracker.Auth(sess, session.AuthAttempt{
				Username: meta.User(),
				Password: &pw,
				Method:   session.AuthPassword,
			})
			logging.Info("[SSH] Password attempt from %s: %s", sess.SourceIP(), meta.User())
			return grant()
		},
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			fp := ssh.FingerprintSHA256(key)
			s.tracker.Auth(sess, session.AuthAttempt{
				Username:       meta.User(),
				Method:         session.AuthPublicKey,
				KeyType:        key.Type(),
				KeyFingerprint: &fp,
			})
			logging.Info("[SSH] Public key attempt from %s: %s (%s)", sess.SourceIP(), meta.User(), fp)
			return grant()
		},
		// Interactive prompts are answered like a password.
		KeyboardInteractiveCallback: func(meta ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			answers, err := challenge("", "", []string{"Password: "}, []bool{false})
			if err != nil {
				return nil, err
			}
			if len(answers) == 0 {
				return nil, errAuthFailed
			}
			pw := answers[0]
			s.tracker.Auth(sess, session.AuthAttempt{
				Username: meta.User(),
				Password: &pw,
				Method:   session.AuthPassword,
			})
			return grant()
		},
	}
	conf.AddHostKey(s.signer)
	return conf
}

func (s *Server) HandleConn(ctx context.Context, nc net.Conn) {
	sess := s.tracker.Begin(session.ProtocolSSH, nc.RemoteAddr())
	defer func() {
		s.tracker.State(sess, StateClosed)
		s.tracker.End(sess)
	}()

	logging.Info("[SSH] Connection from %s (session %s)", sess.SourceIP(), sess.ID())
	s.touch(nc)
	s.tracker.State(sess, StateAuthenticating)

	sconn, chans, reqs, err := ssh.NewServerConn(nc, s.serverConfig(sess))
	if err != nil {
		logging.Debug("[SSH] Handshake with %s ended: %v", sess.SourceIP(), err)
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	var wg sync.WaitGroup
	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			logging.Debug("[SSH] Channel accept failed for %s: %v", sess.SourceIP(), err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.serveChannel(ctx, nc, sess, ch, requests) {
				sconn.Close()
			}
		}()
	}
	wg.Wait()
}

// touch pushes the idle deadline forward.
func (s *Server) touch(nc net.Conn) {
	if t := s.cfg.Timeout(); t > 0 {
		nc.SetDeadline(time.Now().Add(t))
	}
}

type exitStatus struct {
	Status uint32
}

type execPayload struct {
	Command string
}

// serveChannel handles one session channel. It returns true when the whole
// connection should be closed.
func (s *Server) serveChannel(ctx context.Context, nc net.Conn, sess *session.Session, ch ssh.Channel, requests <-chan *ssh.Request) bool {
	defer ch.Close()
	term := &terminal{ch: ch}

	for req := range requests {
		switch req.Type {
		case "pty-req":
			term.pty = true
			req.Reply(true, nil)
		case "env", "window-change":
			req.Reply(true, nil)
		case "shell":
			req.Reply(true, nil)
			s.tracker.State(sess, StateShellActive)
			s.runShell(ctx, nc, sess, term)
			ch.SendRequest("exit-status", false, ssh.Marshal(exitStatus{0}))
			return true
		case "exec":
			var payload execPayload
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			s.tracker.State(sess, StateShellActive)
			s.runExec(sess, term, payload.Command)
			ch.SendRequest("exit-status", false, ssh.Marshal(exitStatus{0}))
			return true
		default:
			// subsystem (sftp) and anything else
			logging.Debug("[SSH] Refused %s request from %s", req.Type, sess.SourceIP())
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
	return false
}

func (s *Server) runExec(sess *session.Session, term *terminal, command string) {
	command = strings.TrimSpace(command)
	response := s.table.Lookup(command)
	s.tracker.Command(sess, session.CommandEvent{RawText: command, Response: response}, "shell")
	logging.Info("[SSH] Exec from %s: %s", sess.SourceIP(), command)
	term.write(response)
}

func (s *Server) runShell(ctx context.Context, nc net.Conn, sess *session.Session, term *terminal) {
	var opts []netutil.Option
	if term.pty {
		opts = append(opts, netutil.WithEcho(term.ch))
	}
	framer := netutil.NewFramer(term.ch, netutil.AnyNewline, opts...)

	if term.write(shell.LinuxPrompt) != nil {
		return
	}
	for ctx.Err() == nil {
		line, err := framer.ReadLine(0)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logging.Debug("[SSH] Read error from %s: %v", sess.SourceIP(), err)
			}
			return
		}
		s.touch(nc)

		command := strings.TrimSpace(line)
		if command == "" {
			if term.write(shell.LinuxPrompt) != nil {
				return
			}
			continue
		}

		if shell.IsLogout(command) {
			s.tracker.Command(sess, session.CommandEvent{RawText: command, Response: "logout"}, "shell")
			term.write("logout\n")
			return
		}

		response := s.table.Lookup(command)
		s.tracker.Command(sess, session.CommandEvent{RawText: command, Response: response}, "shell")
		logging.Debug("[SSH] Command from %s: %s", sess.SourceIP(), command)

		if term.write(response+shell.LinuxPrompt) != nil {
			return
		}
	}
}

// terminal writes to a channel, translating newlines when a pty was
// requested.
type terminal struct {
	ch  ssh.Channel
	pty bool
}

func (t *terminal) write(text string) error {
	if text == "" {
		return nil
	}
	if t.pty {
		text = strings.ReplaceAll(text, "\n", "\r\n")
	}
	_, err := io.WriteString(t.ch, text)
	return err
}
