package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/metal-toolbox/provisioner/internal/fixtures"
	"github.com/metal-toolbox/provisioner/internal/model"
	"github.com/metal-toolbox/provisioner/internal/pinger"
	"github.com/metal-toolbox/provisioner/internal/queue"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "provisioner.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func newTestApp(t *testing.T, cfgFile string) (*App, error) {
	t.Helper()

	a := &App{
		v:      viper.New(),
		Config: &Configuration{AppKind: model.AppKindWorker},
		Logger: logrus.New(),
	}

	return a, a.LoadConfiguration(cfgFile)
}

func TestLoadConfiguration(t *testing.T) {
	cfgFile := writeConfig(t, `
log_level: debug
concurrency: 4
task_timeout: 30m
store_kind: memory
queue_kind: jetstream
session_kind: nats-kv
events_kind: nats
listen_address: 127.0.0.1:9000
nats:
  url: nats://localhost:4222
  connect:
    timeout: 5s
adapters:
  default:
    tftp_root: /srv/tftp
  proxmox:
    endpoint: https://pve:8006/api2/json
    node: pve1
    vmid_lower: 9000
    vmid_upper: 9100
`)

	t.Setenv("PROVISIONER_CONCURRENCY", "8")
	t.Setenv("PROVISIONER_ADAPTERS_PROXMOX_SECRET", "s3cret")
	t.Setenv("PROVISIONER_NATS_CREDS_FILE", "/etc/nats.creds")

	a, err := newTestApp(t, cfgFile)
	require.NoError(t, err)

	cfg := a.Config
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, 30*time.Minute, cfg.TaskTimeout)
	assert.Equal(t, model.StoreKindMemory, cfg.StoreKind)
	assert.Equal(t, model.QueueKindJetStream, cfg.QueueKind)
	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddress)
	assert.Equal(t, defaultEndpoint, cfg.Endpoint)
	assert.True(t, cfg.UsesNats())

	assert.Equal(t, "/srv/tftp", cfg.Adapters.Default.TFTPRoot)
	assert.Equal(t, "pve1", cfg.Adapters.Proxmox.Node)
	assert.Equal(t, 9100, cfg.Adapters.Proxmox.VMIDUpper)
	assert.Equal(t, "s3cret", cfg.Adapters.Proxmox.Secret)

	params, err := a.NatsParams()
	require.NoError(t, err)
	assert.Equal(t, "nats://localhost:4222", params.URL)
	assert.Equal(t, "/etc/nats.creds", params.CredsFile)
	assert.Equal(t, 5*time.Second, params.ConnectTimeout)
}

func TestLoadConfigurationDefaults(t *testing.T) {
	a, err := newTestApp(t, "")
	require.NoError(t, err)

	cfg := a.Config
	assert.Equal(t, WorkerConcurrency, cfg.Concurrency)
	assert.Equal(t, defaultTaskTimeout, cfg.TaskTimeout)
	assert.Equal(t, model.StoreKindBadger, cfg.StoreKind)
	assert.Equal(t, defaultStorePath, cfg.StorePath)
	assert.Equal(t, model.QueueKindChannel, cfg.QueueKind)
	assert.Equal(t, model.SessionKindMemory, cfg.SessionKind)
	assert.Equal(t, model.EventsKindMemory, cfg.EventsKind)
	assert.Equal(t, pinger.DefaultInterval, cfg.PingerInterval)
	assert.False(t, cfg.UsesNats())

	_, err = a.NatsParams()
	assert.ErrorIs(t, err, ErrConfig)
}

func TestLoadConfigurationErrors(t *testing.T) {
	tests := []struct {
		name   string
		config string
	}{
		{"store kind", "store_kind: postgres\n"},
		{"queue kind", "queue_kind: kafka\n"},
		{"session kind", "session_kind: redis\n"},
		{"events kind", "events_kind: sns\n"},
		{"log level", "log_level: loud\n"},
		{"yaml", "concurrency: [\n"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := newTestApp(t, writeConfig(t, tc.config))
			assert.ErrorIs(t, err, ErrConfig)
		})
	}

	_, err := newTestApp(t, filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrConfig)
}

func TestServicesMemory(t *testing.T) {
	a, err := newTestApp(t, writeConfig(t, "store_kind: memory\nconcurrency: 2\n"))
	require.NoError(t, err)

	s, err := a.Services(nil)
	require.NoError(t, err)

	defer s.Close()

	assert.IsType(t, &queue.ChanQueue{}, s.Queue)
	assert.ElementsMatch(t, []string{"default", "generic", "hcloud", "proxmox"}, s.Registry.Names())

	_, err = s.Requests.NodeRequests(context.Background(), "")
	require.NoError(t, err)

	assert.Nil(t, s.Pinger)
}

func TestServicesPinger(t *testing.T) {
	a, err := newTestApp(t, writeConfig(t, `store_kind: memory
pinger_command: mco ping
pinger_interval: 1m
`))
	require.NoError(t, err)

	assert.Equal(t, time.Minute, a.Config.PingerInterval)

	s, err := a.Services(nil)
	require.NoError(t, err)

	defer s.Close()

	assert.NotNil(t, s.Pinger)
}

func TestServicesNats(t *testing.T) {
	srv := fixtures.StartJetStreamServer(t)
	defer fixtures.ShutdownJetStream(t, srv)

	a, err := newTestApp(t, writeConfig(t, `
store_kind: memory
queue_kind: jetstream
session_kind: nats-kv
events_kind: nats
nats:
  url: `+srv.ClientURL()+`
`))
	require.NoError(t, err)

	s, err := a.Services(nil)
	require.NoError(t, err)

	defer s.Close()

	assert.IsType(t, &queue.JetStreamQueue{}, s.Queue)
	require.NotNil(t, s.nc)

	require.NoError(t, s.Tracker.CreateSession(context.Background(), "s1"))

	status, err := s.Tracker.Status(context.Background(), "s1", 0)
	require.NoError(t, err)
	assert.Equal(t, "s1", status.Session)
}

func TestInitOtelLogger(t *testing.T) {
	a, err := newTestApp(t, writeConfig(t, "store_kind: memory\n"))
	require.NoError(t, err)

	a.Logger.SetLevel(logrus.DebugLevel)

	assert.NotPanics(t, a.InitOtelLogger)
}
