package app

import (
	"os"
	"strings"
	"time"

	"github.com/jeremywohl/flatten"
	"github.com/metal-toolbox/provisioner/internal/adapter"
	"github.com/metal-toolbox/provisioner/internal/model"
	"github.com/metal-toolbox/provisioner/internal/pinger"
	"github.com/metal-toolbox/provisioner/internal/session"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	WorkerConcurrency         = 1
	defaultTaskTimeout        = 180 * time.Minute
	defaultNatsConnectTimeout = 60 * time.Second
	defaultStorePath          = "/var/lib/provisioner"
	defaultEndpoint           = "http://localhost:8080"
)

var (
	ErrConfig = errors.New("configuration error")
)

// Configuration holds application configuration read from a YAML or set by env variables.
//
// nolint:govet // prefer readability over field alignment optimization for this case.
type Configuration struct {
	// LogLevel is the app verbose logging level.
	// one of - info, debug, trace
	LogLevel string `mapstructure:"log_level"`

	// AppKind is the application kind - worker / client
	AppKind model.AppKind `mapstructure:"app_kind"`

	// Worker configuration
	Concurrency int           `mapstructure:"concurrency"`
	TaskTimeout time.Duration `mapstructure:"task_timeout"`

	// WorkerID identifies this process in session status, defaults to the hostname.
	WorkerID string `mapstructure:"worker_id"`

	// StaleAfter is the age after which a running session marker is ignored.
	StaleAfter time.Duration `mapstructure:"stale_after"`

	// StoreKind is the node request store - memory or badger.
	StoreKind model.StoreKind `mapstructure:"store_kind"`
	StorePath string          `mapstructure:"store_path"`

	// QueueKind is the job queue - channel or jetstream.
	QueueKind model.QueueKind `mapstructure:"queue_kind"`
	QueueSize int             `mapstructure:"queue_size"`

	// SessionKind is the session tracker backend - memory or nats-kv.
	SessionKind model.SessionKind `mapstructure:"session_kind"`

	// EventsKind is the event pub/sub backend - memory or nats.
	EventsKind   model.EventsKind `mapstructure:"events_kind"`
	EventLogSize int              `mapstructure:"event_log_size"`

	// API server configuration
	ListenAddress string  `mapstructure:"listen_address"`
	RateLimit     float64 `mapstructure:"rate_limit"`
	RateBurst     int     `mapstructure:"rate_burst"`

	// Endpoint is the API endpoint client commands connect to.
	Endpoint string `mapstructure:"endpoint"`

	// PingerCommand is the command pinging the nodes, the node pinger is disabled when unset.
	PingerCommand  string        `mapstructure:"pinger_command"`
	PingerInterval time.Duration `mapstructure:"pinger_interval"`

	// Adapters holds the resource adapter settings.
	Adapters *adapter.Config `mapstructure:"adapters"`
}

// NatsOptions are the NATS connection parameters.
type NatsOptions struct {
	URL            string
	CredsFile      string
	ConnectTimeout time.Duration
	Replicas       int
}

// LoadConfiguration loads application configuration
//
// Reads in the cfgFile when available and overrides from environment variables.
func (a *App) LoadConfiguration(cfgFile string) error {
	a.v.SetConfigType("yaml")
	a.v.SetEnvPrefix(model.AppName)
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.AutomaticEnv()

	// these are initialized here so viper can read in configuration from env vars
	// once https://github.com/spf13/viper/pull/1429 is merged, this can go.
	a.Config.Adapters = &adapter.Config{}

	if cfgFile != "" {
		fh, err := os.Open(cfgFile)
		if err != nil {
			return errors.Wrap(ErrConfig, err.Error())
		}

		defer fh.Close()

		if err = a.v.ReadConfig(fh); err != nil {
			return errors.Wrap(ErrConfig, "ReadConfig error:"+err.Error())
		}
	}

	a.v.SetDefault("log.level", "info")

	if err := a.envBindVars(); err != nil {
		return errors.Wrap(ErrConfig, "env var bind error:"+err.Error())
	}

	if err := a.v.Unmarshal(a.Config); err != nil {
		return errors.Wrap(ErrConfig, "Unmarshal error: "+err.Error())
	}

	a.envVarAppOverrides()
	a.envVarAdapterOverrides()

	return a.Config.validate()
}

func (a *App) envVarAppOverrides() {
	if a.v.GetString("log.level") != "" && a.Config.LogLevel == "" {
		a.Config.LogLevel = a.v.GetString("log.level")
	}
}

// envVarAdapterOverrides sets the adapter secrets from env variables,
// nested keys are not bound by envBindVars.
func (a *App) envVarAdapterOverrides() {
	if a.v.GetString("adapters.proxmox.token_id") != "" {
		a.Config.Adapters.Proxmox.TokenID = a.v.GetString("adapters.proxmox.token_id")
	}

	if a.v.GetString("adapters.proxmox.secret") != "" {
		a.Config.Adapters.Proxmox.Secret = a.v.GetString("adapters.proxmox.secret")
	}

	if a.v.GetString("adapters.hcloud.token") != "" {
		a.Config.Adapters.Hcloud.Token = a.v.GetString("adapters.hcloud.token")
	}
}

// envBindVars binds environment variables to the struct
// without a configuration file being unmarshalled,
// this is a workaround for a viper bug,
//
// This can be replaced by the solution in https://github.com/spf13/viper/pull/1429
// once that PR is merged.
func (a *App) envBindVars() error {
	envKeysMap := map[string]interface{}{}
	if err := mapstructure.Decode(a.Config, &envKeysMap); err != nil {
		return err
	}

	// Flatten nested conf map
	flat, err := flatten.Flatten(envKeysMap, "", flatten.DotStyle)
	if err != nil {
		return errors.Wrap(err, "Unable to flatten config")
	}

	for k := range flat {
		if err := a.v.BindEnv(k); err != nil {
			return errors.Wrap(ErrConfig, "env var bind error: "+err.Error())
		}
	}

	return nil
}

// validate checks the backend kinds and sets defaults for the unset parameters.
//
// nolint:gocyclo // parameter validation is cyclomatic
func (c *Configuration) validate() error {
	if c.LogLevel != "" {
		if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
			return errors.Wrap(ErrConfig, "invalid log_level: "+c.LogLevel)
		}
	}

	if c.Concurrency <= 0 {
		c.Concurrency = WorkerConcurrency
	}

	if c.TaskTimeout <= 0 {
		c.TaskTimeout = defaultTaskTimeout
	}

	if c.StaleAfter <= 0 {
		c.StaleAfter = session.DefaultStaleAfter
	}

	if c.PingerInterval <= 0 {
		c.PingerInterval = pinger.DefaultInterval
	}

	if c.Endpoint == "" {
		c.Endpoint = defaultEndpoint
	}

	switch c.StoreKind {
	case "":
		c.StoreKind = model.StoreKindBadger
	case model.StoreKindMemory, model.StoreKindBadger:
	default:
		return errors.Wrap(ErrConfig, "unknown store_kind: "+string(c.StoreKind))
	}

	if c.StoreKind == model.StoreKindBadger && c.StorePath == "" {
		c.StorePath = defaultStorePath
	}

	switch c.QueueKind {
	case "":
		c.QueueKind = model.QueueKindChannel
	case model.QueueKindChannel, model.QueueKindJetStream:
	default:
		return errors.Wrap(ErrConfig, "unknown queue_kind: "+string(c.QueueKind))
	}

	switch c.SessionKind {
	case "":
		c.SessionKind = model.SessionKindMemory
	case model.SessionKindMemory, model.SessionKindNatsKV:
	default:
		return errors.Wrap(ErrConfig, "unknown session_kind: "+string(c.SessionKind))
	}

	switch c.EventsKind {
	case "":
		c.EventsKind = model.EventsKindMemory
	case model.EventsKindMemory, model.EventsKindNats:
	default:
		return errors.Wrap(ErrConfig, "unknown events_kind: "+string(c.EventsKind))
	}

	return nil
}

// UsesNats returns true when a configured backend needs a NATS connection.
func (c *Configuration) UsesNats() bool {
	return c.QueueKind == model.QueueKindJetStream ||
		c.SessionKind == model.SessionKindNatsKV ||
		c.EventsKind == model.EventsKindNats
}

// NatsParams returns the NATS connection parameters.
func (a *App) NatsParams() (NatsOptions, error) {
	opts := NatsOptions{
		URL:            a.v.GetString("nats.url"),
		CredsFile:      a.v.GetString("nats.creds.file"),
		ConnectTimeout: defaultNatsConnectTimeout,
		Replicas:       1,
	}

	if opts.URL == "" {
		return opts, errors.Wrap(ErrConfig, "missing parameter: nats.url")
	}

	if a.v.GetDuration("nats.connect.timeout") != 0 {
		opts.ConnectTimeout = a.v.GetDuration("nats.connect.timeout")
	}

	if a.v.GetInt("nats.replicas") > 0 {
		opts.Replicas = a.v.GetInt("nats.replicas")
	}

	return opts, nil
}
