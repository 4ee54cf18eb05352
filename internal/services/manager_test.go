package services

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0tSystemsPublicRepos/hpti/internal/config"
	"github.com/0tSystemsPublicRepos/hpti/internal/session"
)

type fakeService struct {
	name     string
	startErr error
	running  bool
	stops    int
}

func (f *fakeService) Name() string { return f.name }
func (f *fakeService) Start() error {
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}
func (f *fakeService) Stop(context.Context) error {
	f.running = false
	f.stops++
	return nil
}
func (f *fakeService) Running() bool    { return f.running }
func (f *fakeService) ActiveConns() int { return 0 }

func TestManager_FailingServiceDoesNotStopOthers(t *testing.T) {
	m := NewManager(session.NewRegistry())
	ssh := &fakeService{name: "ssh"}
	ftp := &fakeService{name: "ftp", startErr: errors.New("address already in use")}
	m.Add(session.ProtocolSSH, ":2222", ssh)
	m.Add(session.ProtocolFTP, ":2121", ftp)

	require.NoError(t, m.StartAll())
	assert.True(t, ssh.running)

	statuses := m.Status()
	require.Len(t, statuses, 2)
	assert.Equal(t, "ftp", statuses[0].Name)
	assert.False(t, statuses[0].Running)
	assert.Equal(t, "address already in use", statuses[0].Error)
	assert.True(t, statuses[1].Running)
	assert.NotNil(t, statuses[1].StartTime)

	health := m.Health()
	assert.Equal(t, HealthDegraded, health.OverallStatus)
	assert.Equal(t, "unhealthy", health.Services["ftp"].Status)

	require.NoError(t, m.StopAll(context.Background()))
	assert.Equal(t, 1, ssh.stops)
	assert.Equal(t, 0, ftp.stops)
}

func TestManager_AllFailing(t *testing.T) {
	m := NewManager(nil)
	m.Add(session.ProtocolSSH, ":22", &fakeService{name: "ssh", startErr: errors.New("denied")})

	assert.Error(t, m.StartAll())
	assert.Equal(t, HealthCritical, m.Health().OverallStatus)
}

func TestManager_Restart(t *testing.T) {
	m := NewManager(nil)
	svc := &fakeService{name: "telnet"}
	m.Add(session.ProtocolTelnet, ":2323", svc)
	require.NoError(t, m.StartAll())

	require.NoError(t, m.Restart(context.Background(), "telnet"))
	assert.Equal(t, 1, svc.stops)
	assert.True(t, svc.running)
	assert.Error(t, m.Restart(context.Background(), "gopher"))
	assert.Equal(t, HealthHealthy, m.Health().OverallStatus)
}

func TestBuild_StartsEnabledListeners(t *testing.T) {
	cfg := config.Defaults()
	for _, svc := range []*config.ServiceConfig{&cfg.SSH.ServiceConfig, &cfg.Telnet.ServiceConfig, &cfg.FTP.ServiceConfig, &cfg.HTTP.ServiceConfig} {
		svc.Host = "127.0.0.1"
		svc.Port = 0
	}
	cfg.SSH.HostKeyPath = filepath.Join(t.TempDir(), "host_key")
	cfg.FTP.Enabled = false

	tracker := session.NewTracker(nil, nil, nil, nil)
	m, err := Build(cfg, tracker, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ssh", "telnet", "http"}, m.Names())

	require.NoError(t, m.StartAll())
	assert.Equal(t, HealthHealthy, m.Health().OverallStatus)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.StopAll(ctx))
	for _, st := range m.Status() {
		assert.False(t, st.Running, st.Name)
	}
}
