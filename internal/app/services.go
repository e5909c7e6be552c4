package app

import (
	"os"

	"github.com/metal-toolbox/provisioner/internal/adapter"
	"github.com/metal-toolbox/provisioner/internal/adapter/builtin"
	"github.com/metal-toolbox/provisioner/internal/api"
	"github.com/metal-toolbox/provisioner/internal/events"
	"github.com/metal-toolbox/provisioner/internal/model"
	"github.com/metal-toolbox/provisioner/internal/nodeapi"
	"github.com/metal-toolbox/provisioner/internal/pinger"
	"github.com/metal-toolbox/provisioner/internal/queue"
	"github.com/metal-toolbox/provisioner/internal/requests"
	"github.com/metal-toolbox/provisioner/internal/session"
	"github.com/metal-toolbox/provisioner/internal/store"
	"github.com/metal-toolbox/provisioner/internal/worker"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	ErrNatsConnect = errors.New("nats connection error")
)

// Services are the components of a running provisioner.
//
// nolint:govet // fieldalignment - struct is better readable in its current form.
type Services struct {
	Store    *store.BadgerStore
	Queue    queue.Queue
	Tracker  *session.Tracker
	PubSub   events.PubSub
	EventLog *events.Log
	Emitter  *events.Emitter
	Registry *adapter.Registry
	NodeAPI  *nodeapi.NodeAPI
	Requests *requests.Service
	Worker   *worker.Worker
	API      *api.Server

	// Pinger is nil when no pinger command is configured.
	Pinger *pinger.Runner

	nc     *nats.Conn
	logger *logrus.Logger
}

// Services initializes the configured backends and the components using them.
//
// nc is used for the NATS backends when set, otherwise a connection is made
// with the nats.* parameters.
func (a *App) Services(nc *nats.Conn) (*Services, error) {
	cfg := a.Config
	s := &Services{logger: a.Logger}

	var err error

	if cfg.UsesNats() && nc == nil {
		if nc, err = a.connectNats(); err != nil {
			return nil, err
		}

		s.nc = nc
	}

	if err := s.init(cfg, nc, a.natsReplicas()); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

func (s *Services) init(cfg *Configuration, nc *nats.Conn, replicas int) error {
	var (
		js  nats.JetStreamContext
		err error
	)

	if nc != nil {
		if js, err = nc.JetStream(); err != nil {
			return errors.Wrap(ErrNatsConnect, "JetStream: "+err.Error())
		}
	}

	if s.Store, err = initStore(cfg, s.logger); err != nil {
		return err
	}

	if s.Tracker, err = initTracker(cfg, js, replicas, s.logger); err != nil {
		return err
	}

	if s.Queue, err = initQueue(cfg, js, replicas, s.logger); err != nil {
		return err
	}

	switch cfg.EventsKind {
	case model.EventsKindNats:
		s.PubSub = events.NewNatsPubSub(nc, s.logger)
	default:
		s.PubSub = events.NewMemoryPubSub()
	}

	s.EventLog = events.NewLog(cfg.EventLogSize)
	s.Emitter = events.NewEmitter(s.PubSub, s.EventLog, s.logger)

	s.Registry = builtin.Registry(&adapter.Options{
		Config:   cfg.Adapters,
		Logger:   s.logger,
		Reporter: s.Tracker,
	})

	s.NodeAPI = nodeapi.New(
		s.Registry,
		s.logger,
		nodeapi.WithSessionCleaner(s.Tracker),
		nodeapi.WithEmitter(s.Emitter),
	)

	s.Requests = requests.New(s.Store, s.Queue, s.Tracker, s.NodeAPI, s.Emitter, s.logger)

	s.Worker = worker.New(
		s.Store,
		s.Queue,
		s.Tracker,
		s.NodeAPI,
		s.logger,
		worker.WithConcurrency(cfg.Concurrency),
		worker.WithTaskTimeout(cfg.TaskTimeout),
		worker.WithEmitter(s.Emitter),
	)

	if cfg.PingerCommand != "" {
		p, err := pinger.NewCommandPinger(cfg.PingerCommand)
		if err != nil {
			return errors.Wrap(ErrConfig, err.Error())
		}

		s.Pinger = pinger.New(p, s.Requests, s.logger, pinger.WithInterval(cfg.PingerInterval))
	}

	s.API = api.New(
		s.Requests,
		s.PubSub,
		s.logger,
		api.WithEventLog(s.EventLog),
		api.WithRateLimit(cfg.RateLimit, cfg.RateBurst),
	)

	return nil
}

func initStore(cfg *Configuration, logger *logrus.Logger) (*store.BadgerStore, error) {
	if cfg.StoreKind == model.StoreKindMemory {
		return store.NewMemoryStore(logger)
	}

	return store.NewBadgerStore(store.BadgerConfig{Path: cfg.StorePath, SyncWrites: true}, logger)
}

func initTracker(cfg *Configuration, js nats.JetStreamContext, replicas int, logger *logrus.Logger) (*session.Tracker, error) {
	var kv session.KV = session.NewMemoryKV()

	if cfg.SessionKind == model.SessionKindNatsKV {
		opts := session.DefaultNatsKVOptions()
		opts.Replicas = replicas

		natsKV, err := session.NewNatsKV(js, opts)
		if err != nil {
			return nil, err
		}

		kv = natsKV
	}

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID, _ = os.Hostname()
	}

	return session.NewTracker(
		kv,
		logger,
		session.WithWorkerID(workerID),
		session.WithStaleAfter(cfg.StaleAfter),
	), nil
}

func initQueue(cfg *Configuration, js nats.JetStreamContext, replicas int, logger *logrus.Logger) (queue.Queue, error) {
	if cfg.QueueKind != model.QueueKindJetStream {
		return queue.NewChanQueue(cfg.QueueSize), nil
	}

	opts := queue.DefaultJetStreamOptions()
	opts.Replicas = replicas

	// deliveries in progress are kept alive well within the ack wait
	if cfg.TaskTimeout > 0 && cfg.TaskTimeout < opts.AckWait {
		opts.AckWait = cfg.TaskTimeout
	}

	q, err := queue.NewJetStreamQueue(js, opts, logger)
	if err != nil {
		return nil, err
	}

	return q, nil
}

func (a *App) connectNats() (*nats.Conn, error) {
	params, err := a.NatsParams()
	if err != nil {
		return nil, err
	}

	opts := []nats.Option{
		nats.Name(model.AppName),
		nats.Timeout(params.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			a.Logger.WithError(err).Warn("nats async error")
		}),
	}

	if params.CredsFile != "" {
		opts = append(opts, nats.UserCredentials(params.CredsFile))
	}

	nc, err := nats.Connect(params.URL, opts...)
	if err != nil {
		return nil, errors.Wrap(ErrNatsConnect, err.Error())
	}

	return nc, nil
}

func (a *App) natsReplicas() int {
	if a.v.GetInt("nats.replicas") > 0 {
		return a.v.GetInt("nats.replicas")
	}

	return 1
}

// Close releases the backends, the NATS connection is closed when it was made by Services.
func (s *Services) Close() {
	type closer struct {
		name string
		fn   func() error
	}

	closers := []closer{}

	if s.Queue != nil {
		closers = append(closers, closer{"queue", s.Queue.Close})
	}

	if s.PubSub != nil {
		closers = append(closers, closer{"pubsub", s.PubSub.Close})
	}

	if s.Store != nil {
		closers = append(closers, closer{"store", s.Store.Close})
	}

	for _, c := range closers {
		if err := c.fn(); err != nil {
			s.logger.WithError(err).WithField("component", c.name).Warn("close failed")
		}
	}

	if s.nc != nil {
		s.nc.Close()
	}
}
