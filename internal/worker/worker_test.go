package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/metal-toolbox/provisioner/internal/adapter"
	"github.com/metal-toolbox/provisioner/internal/events"
	"github.com/metal-toolbox/provisioner/internal/fixtures"
	"github.com/metal-toolbox/provisioner/internal/model"
	"github.com/metal-toolbox/provisioner/internal/nodeapi"
	"github.com/metal-toolbox/provisioner/internal/queue"
	"github.com/metal-toolbox/provisioner/internal/session"
	"github.com/metal-toolbox/provisioner/internal/store"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"
)

// nolint:govet // fieldalignment - struct is better readable in its current form.
type testEnv struct {
	repo    *store.BadgerStore
	queue   *queue.ChanQueue
	kv      *session.MemoryKV
	tracker *session.Tracker
	log     *events.Log
	adapter *fixtures.MockAdapter
	nodes   *nodeapi.NodeAPI
	emitter *events.Emitter
	logger  *logrus.Logger
	worker  *Worker
}

func newTestEnv(t *testing.T, nodes ...*model.Node) *testEnv {
	t.Helper()

	logger := logrus.New()
	logger.Level = logrus.DebugLevel

	ctrl := gomock.NewController(t)
	mock := fixtures.NewMockAdapter(ctrl)

	registry := adapter.NewRegistry(&adapter.Options{Logger: logger})
	require.NoError(t, registry.Register(fixtures.AdapterName, func(*adapter.Options) (adapter.Adapter, error) {
		return mock, nil
	}))

	kv := session.NewMemoryKV()
	tracker := session.NewTracker(kv, logger, session.WithWorkerID("worker-test"))
	log := events.NewLog(0)
	emitter := events.NewEmitter(events.NewMemoryPubSub(), log, logger)

	api := nodeapi.New(registry, logger, nodeapi.WithSessionCleaner(tracker), nodeapi.WithEmitter(emitter))

	repo := fixtures.NewStore(t, nodes...)
	q := queue.NewChanQueue(10)

	return &testEnv{
		repo:    repo,
		queue:   q,
		kv:      kv,
		tracker: tracker,
		log:     log,
		adapter: mock,
		nodes:   api,
		emitter: emitter,
		logger:  logger,
		worker:  New(repo, q, tracker, api, logger, WithEmitter(emitter), WithConcurrency(2)),
	}
}

// submit persists a queued node request and returns its job.
func (e *testEnv) submit(t *testing.T, id string, action model.RequestAction, payload interface{}) queue.Job {
	t.Helper()

	ctx := context.Background()

	req, err := model.NewNodeRequest(id, action, payload)
	require.NoError(t, err)

	sess, err := e.repo.Open(ctx)
	require.NoError(t, err)

	defer sess.Close()

	require.NoError(t, sess.AddNodeRequest(ctx, req))
	require.NoError(t, sess.Commit())
	require.NoError(t, e.tracker.CreateSession(ctx, id))

	job, err := queue.JobForRequest(req)
	require.NoError(t, err)

	return job
}

func (e *testEnv) request(t *testing.T, id string) (*model.NodeRequest, error) {
	t.Helper()

	sess, err := e.repo.Open(context.Background())
	require.NoError(t, err)

	defer sess.Close()

	return sess.NodeRequestBySession(context.Background(), id)
}

func (e *testEnv) node(t *testing.T, name string) (*model.Node, error) {
	t.Helper()

	sess, err := e.repo.Open(context.Background())
	require.NoError(t, err)

	defer sess.Close()

	return sess.Node(context.Background(), name)
}

func (e *testEnv) eventNames() []events.Name {
	names := []events.Name{}

	// oldest first
	all := e.log.List("", 0)
	for i := len(all) - 1; i >= 0; i-- {
		names = append(names, all[i].EventBase().Name)
	}

	return names
}

func addRequest(count int) *model.AddHostRequest {
	return &model.AddHostRequest{HardwareProfile: "compute", SoftwareProfile: "base", Count: count}
}

func TestProcessAddHostRequest(t *testing.T) {
	ctx := context.Background()

	t.Run("complete", func(t *testing.T) {
		env := newTestEnv(t)
		job := env.submit(t, "s1", model.ActionAdd, addRequest(1))

		env.adapter.EXPECT().Start(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, req *model.AddHostRequest, _ store.Session, hwp *model.HardwareProfile, swp *model.SoftwareProfile) (model.Nodes, error) {
				assert.Equal(t, "s1", req.AddHostSession)

				return model.Nodes{adapter.NewNode("compute-05", req, hwp, swp)}, nil
			})

		require.NoError(t, env.worker.processAddHostRequest(ctx, job))

		_, err := env.request(t, "s1")
		assert.ErrorIs(t, err, model.ErrNodeRequestNotFound)

		node, err := env.node(t, "compute-05")
		require.NoError(t, err)
		assert.Equal(t, "s1", node.AddHostSession)

		_, err = env.tracker.Status(ctx, "s1", 0)
		assert.ErrorIs(t, err, model.ErrSessionNotFound)

		assert.Equal(t, []events.Name{events.NodeStateChangedEventName, events.AddNodeRequestComplete}, env.eventNames())

		complete, ok := env.log.List(events.AddNodeRequestComplete, 1)[0].(*events.NodeRequestComplete)
		require.True(t, ok)
		assert.Equal(t, []string{"compute-05"}, complete.Nodes)
	})

	t.Run("adapter error", func(t *testing.T) {
		env := newTestEnv(t)
		job := env.submit(t, "s1", model.ActionAdd, addRequest(1))

		env.adapter.EXPECT().Start(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, errors.New("quota exceeded"))

		err := env.worker.processAddHostRequest(ctx, job)
		assert.EqualError(t, err, "quota exceeded")

		req, err := env.request(t, "s1")
		require.NoError(t, err)
		assert.Equal(t, model.StateError, req.RequestState)
		assert.Equal(t, "quota exceeded", req.Message)

		status, err := env.tracker.Status(ctx, "s1", 0)
		require.NoError(t, err)
		assert.False(t, status.Running)

		assert.Equal(t, []events.Name{events.NodeRequestFailedEventName, events.TaskFailedEventName}, env.eventNames())

		failed, ok := env.log.List(events.TaskFailedEventName, 1)[0].(*events.TaskFailed)
		require.True(t, ok)
		assert.Equal(t, req.ID.String(), failed.TaskID)
		assert.Equal(t, string(queue.KindAddHosts), failed.TaskName)
		assert.Equal(t, "quota exceeded", failed.TaskError)
		assert.Equal(t, []string{"s1"}, failed.TaskArgs)
		assert.Equal(t, "compute", failed.TaskKwargs["hardwareProfile"])
		assert.Equal(t, "1", failed.TaskKwargs["count"])
	})

	t.Run("partial", func(t *testing.T) {
		env := newTestEnv(t)
		job := env.submit(t, "s1", model.ActionAdd, addRequest(2))

		env.adapter.EXPECT().Start(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, req *model.AddHostRequest, _ store.Session, hwp *model.HardwareProfile, swp *model.SoftwareProfile) (model.Nodes, error) {
				created := model.Nodes{adapter.NewNode("compute-05", req, hwp, swp)}
				merr := adapter.NodeError(nil, "compute-06", errors.New("no capacity"))

				return created, adapter.Partial(created, merr)
			})

		err := env.worker.processAddHostRequest(ctx, job)

		_, partial := adapter.AsPartial(err)
		assert.True(t, partial)

		_, err = env.node(t, "compute-05")
		require.NoError(t, err)

		_, err = env.node(t, "compute-06")
		assert.ErrorIs(t, err, model.ErrNodeNotFound)

		req, err := env.request(t, "s1")
		require.NoError(t, err)
		assert.Equal(t, model.StateError, req.RequestState)
		assert.Contains(t, req.Message, "no capacity")
	})

	t.Run("unregistered adapter", func(t *testing.T) {
		env := newTestEnv(t)

		sess, err := env.repo.Open(ctx)
		require.NoError(t, err)
		require.NoError(t, sess.PutHardwareProfile(ctx, &model.HardwareProfile{
			Name:                   "vms",
			ResourceAdapter:        "vmware",
			NameFormat:             "vm-#",
			MappedSoftwareProfiles: []string{"base"},
		}))
		require.NoError(t, sess.Commit())

		job := env.submit(t, "s1", model.ActionAdd, &model.AddHostRequest{HardwareProfile: "vms", SoftwareProfile: "base", Count: 1})

		err = env.worker.processAddHostRequest(ctx, job)
		assert.ErrorIs(t, err, model.ErrResourceNotFound)

		req, err := env.request(t, "s1")
		require.NoError(t, err)
		assert.Equal(t, model.StateError, req.RequestState)
	})

	t.Run("adapter panic", func(t *testing.T) {
		env := newTestEnv(t)
		job := env.submit(t, "s1", model.ActionAdd, addRequest(1))

		env.adapter.EXPECT().Start(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(context.Context, *model.AddHostRequest, store.Session, *model.HardwareProfile, *model.SoftwareProfile) (model.Nodes, error) {
				panic("nil map")
			})

		err := env.worker.processAddHostRequest(ctx, job)
		assert.ErrorIs(t, err, ErrPanic)

		req, err := env.request(t, "s1")
		require.NoError(t, err)
		assert.Equal(t, model.StateError, req.RequestState)
		assert.Contains(t, req.Message, "nil map")

		failed, ok := env.log.List(events.TaskFailedEventName, 1)[0].(*events.TaskFailed)
		require.True(t, ok)
		assert.Contains(t, failed.TaskTrace, "runOp")
	})

	t.Run("missing request is a no-op", func(t *testing.T) {
		env := newTestEnv(t)

		require.NoError(t, env.worker.processAddHostRequest(ctx, queue.AddHostsJob("s9")))
		assert.Empty(t, env.eventNames())
	})

	t.Run("failed request is not run again", func(t *testing.T) {
		env := newTestEnv(t)
		job := env.submit(t, "s1", model.ActionAdd, addRequest(1))

		env.adapter.EXPECT().Start(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, errors.New("quota exceeded")).
			Times(1)

		assert.Error(t, env.worker.processAddHostRequest(ctx, job))
		assert.NoError(t, env.worker.processAddHostRequest(ctx, job))
	})

	t.Run("session running", func(t *testing.T) {
		env := newTestEnv(t)
		job := env.submit(t, "s1", model.ActionAdd, addRequest(1))

		require.NoError(t, env.tracker.UpdateSession(ctx, "s1", true))

		err := env.worker.processAddHostRequest(ctx, job)
		assert.ErrorIs(t, err, errRequeue)

		req, err := env.request(t, "s1")
		require.NoError(t, err)
		assert.Equal(t, model.StateQueued, req.RequestState)

		// the holder keeps the session
		status, err := env.tracker.Status(ctx, "s1", 0)
		require.NoError(t, err)
		assert.True(t, status.Running)
	})

	t.Run("job kind mismatch", func(t *testing.T) {
		env := newTestEnv(t)
		env.submit(t, "s1", model.ActionAdd, addRequest(1))

		require.NoError(t, env.worker.processDeleteHostRequest(ctx, queue.DeleteHostsJob("s1", "compute-01", false)))

		req, err := env.request(t, "s1")
		require.NoError(t, err)
		assert.Equal(t, model.StateQueued, req.RequestState)
	})
}

func TestProcessDeleteHostRequest(t *testing.T) {
	ctx := context.Background()

	t.Run("complete", func(t *testing.T) {
		node := fixtures.Node("compute-05")
		node.AddHostSession = "add-1"

		env := newTestEnv(t, node, fixtures.Node("compute-06"))
		require.NoError(t, env.tracker.CreateSession(ctx, "add-1"))

		job := env.submit(t, "d1", model.ActionDelete, &model.DeleteHostRequest{Nodespec: "compute-05"})

		env.adapter.EXPECT().Stop(gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, _ store.Session, nodes model.Nodes) error {
				assert.Equal(t, []string{"compute-05"}, nodes.Names())
				assert.Equal(t, model.NodeStateDeleted, nodes[0].State)

				return nil
			})

		require.NoError(t, env.worker.processDeleteHostRequest(ctx, job))

		_, err := env.node(t, "compute-05")
		assert.ErrorIs(t, err, model.ErrNodeNotFound)

		_, err = env.node(t, "compute-06")
		assert.NoError(t, err)

		_, err = env.request(t, "d1")
		assert.ErrorIs(t, err, model.ErrNodeRequestNotFound)

		// the add host session of the deleted node is removed
		_, err = env.tracker.Status(ctx, "add-1", 0)
		assert.ErrorIs(t, err, model.ErrSessionNotFound)

		assert.Equal(t, []events.Name{events.NodeStateChangedEventName, events.DeleteNodeRequestComplete}, env.eventNames())
	})

	t.Run("node not found completes the request", func(t *testing.T) {
		env := newTestEnv(t, fixtures.Node("compute-06"))
		job := env.submit(t, "d1", model.ActionDelete, &model.DeleteHostRequest{Nodespec: "compute-05"})

		require.NoError(t, env.worker.processDeleteHostRequest(ctx, job))

		_, err := env.request(t, "d1")
		assert.ErrorIs(t, err, model.ErrNodeRequestNotFound)

		assert.Equal(t, []events.Name{events.TaskFailedEventName, events.DeleteNodeRequestComplete}, env.eventNames())
	})

	t.Run("adapter stop failure fails the request", func(t *testing.T) {
		env := newTestEnv(t, fixtures.Node("compute-06"))
		job := env.submit(t, "d1", model.ActionDelete, &model.DeleteHostRequest{Nodespec: "compute-06"})

		env.adapter.EXPECT().Stop(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(adapter.NodeError(nil, "compute-06", errors.Wrap(adapter.ErrResource, "get server: hcloud: server error (503)")).ErrorOrNil())

		err := env.worker.processDeleteHostRequest(ctx, job)
		assert.ErrorIs(t, err, adapter.ErrResource)

		req, err := env.request(t, "d1")
		require.NoError(t, err)
		assert.Equal(t, model.StateError, req.RequestState)
		assert.Contains(t, req.Message, "server error (503)")

		// kept for a retry once the adapter is back
		node, err := env.node(t, "compute-06")
		require.NoError(t, err)
		assert.Equal(t, model.NodeStateDeleted, node.State)

		assert.Equal(t, []events.Name{events.NodeRequestFailedEventName, events.TaskFailedEventName}, env.eventNames())
	})

	t.Run("locked profile completes the request", func(t *testing.T) {
		node := fixtures.Node("imported-1")
		node.HardwareProfile = "imported"
		node.SoftwareProfile = "locked"

		env := newTestEnv(t, node)
		job := env.submit(t, "d1", model.ActionDelete, &model.DeleteHostRequest{Nodespec: "imported-1", Force: true})

		require.NoError(t, env.worker.processDeleteHostRequest(ctx, job))

		got, err := env.node(t, "imported-1")
		require.NoError(t, err)
		assert.Equal(t, model.NodeStateInstalled, got.State)

		_, err = env.request(t, "d1")
		assert.ErrorIs(t, err, model.ErrNodeRequestNotFound)
	})

	t.Run("other errors fail the request", func(t *testing.T) {
		env := newTestEnv(t, fixtures.Node("compute-06"))
		job := env.submit(t, "d1", model.ActionDelete, &model.DeleteHostRequest{Nodespec: "compute-06"})

		env.adapter.EXPECT().Stop(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(errors.New("connection refused"))

		assert.Error(t, env.worker.processDeleteHostRequest(ctx, job))

		req, err := env.request(t, "d1")
		require.NoError(t, err)
		assert.Equal(t, model.StateError, req.RequestState)
		assert.Equal(t, "connection refused", req.Message)

		failed, ok := env.log.List(events.TaskFailedEventName, 1)[0].(*events.TaskFailed)
		require.True(t, ok)
		assert.Equal(t, "compute-06", failed.TaskKwargs["nodespec"])
		assert.Equal(t, "false", failed.TaskKwargs["force"])
	})
}

func TestProcessResumesStaleRequest(t *testing.T) {
	ctx := context.Background()

	env := newTestEnv(t, fixtures.Node("compute-06"))
	job := env.submit(t, "d1", model.ActionDelete, &model.DeleteHostRequest{Nodespec: "compute-06"})

	// left running by a worker that went away, its session marker is gone
	sess, err := env.repo.Open(ctx)
	require.NoError(t, err)

	req, err := sess.NodeRequestBySession(ctx, "d1")
	require.NoError(t, err)

	req.RequestState = model.StateRunning
	require.NoError(t, sess.UpdateNodeRequest(ctx, req))
	require.NoError(t, sess.Commit())
	require.NoError(t, env.tracker.DeleteSession(ctx, "d1"))

	env.adapter.EXPECT().Stop(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)

	require.NoError(t, env.worker.processDeleteHostRequest(ctx, job))

	_, err = env.request(t, "d1")
	assert.ErrorIs(t, err, model.ErrNodeRequestNotFound)
}

func TestProcessReclaimsSessionAfterRestart(t *testing.T) {
	ctx := context.Background()

	env := newTestEnv(t, fixtures.Node("compute-06"))
	job := env.submit(t, "d1", model.ActionDelete, &model.DeleteHostRequest{Nodespec: "compute-06"})

	// a previous run of this worker claimed the session and exited without a release
	previous := session.NewTracker(env.kv, logrus.New(), session.WithWorkerID("worker-test"))
	require.NoError(t, previous.UpdateSession(ctx, "d1", true))

	sess, err := env.repo.Open(ctx)
	require.NoError(t, err)

	req, err := sess.NodeRequestBySession(ctx, "d1")
	require.NoError(t, err)

	req.RequestState = model.StateRunning
	require.NoError(t, sess.UpdateNodeRequest(ctx, req))
	require.NoError(t, sess.Commit())

	env.adapter.EXPECT().Stop(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)

	d := &fakeDelivery{job: job}
	env.worker.handle(ctx, d)

	assert.Equal(t, int32(1), d.acked.Load())
	assert.Equal(t, int32(0), d.naked.Load())

	_, err = env.request(t, "d1")
	assert.ErrorIs(t, err, model.ErrNodeRequestNotFound)

	_, err = env.node(t, "compute-06")
	assert.ErrorIs(t, err, model.ErrNodeNotFound)
}

func TestProcessSessionHeldByOtherWorker(t *testing.T) {
	ctx := context.Background()

	env := newTestEnv(t)
	job := env.submit(t, "s1", model.ActionAdd, addRequest(1))

	other := session.NewTracker(env.kv, logrus.New(), session.WithWorkerID("worker-other"))
	require.NoError(t, other.UpdateSession(ctx, "s1", true))

	d := &fakeDelivery{job: job}
	env.worker.handle(ctx, d)

	assert.Equal(t, int32(0), d.acked.Load())
	assert.Equal(t, int32(1), d.naked.Load())
}

// commitFailRepo fails the failAt'th commit of the sessions it opens.
type commitFailRepo struct {
	store.Repository
	commits atomic.Int32
	failAt  int32
}

func (r *commitFailRepo) Open(ctx context.Context) (store.Session, error) {
	sess, err := r.Repository.Open(ctx)
	if err != nil {
		return nil, err
	}

	return &commitFailSession{Session: sess, repo: r}, nil
}

type commitFailSession struct {
	store.Session
	repo *commitFailRepo
}

func (s *commitFailSession) Commit() error {
	if s.repo.commits.Add(1) == s.repo.failAt {
		s.Session.Close()
		return errors.Wrap(store.ErrTransactionConflict, "commit")
	}

	return s.Session.Commit()
}

func TestProcessFailureCommitError(t *testing.T) {
	ctx := context.Background()

	env := newTestEnv(t)
	job := env.submit(t, "s1", model.ActionAdd, addRequest(2))

	// commits: claim, failed request, recorded failure
	repo := &commitFailRepo{Repository: env.repo, failAt: 2}
	w := New(repo, env.queue, env.tracker, env.nodes, env.logger, WithEmitter(env.emitter))

	env.adapter.EXPECT().Start(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req *model.AddHostRequest, _ store.Session, hwp *model.HardwareProfile, swp *model.SoftwareProfile) (model.Nodes, error) {
			created := model.Nodes{adapter.NewNode("compute-05", req, hwp, swp)}
			return created, adapter.Partial(created, adapter.NodeError(nil, "compute-06", errors.New("no capacity")))
		})

	err := w.processAddHostRequest(ctx, job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no capacity")

	req, err := env.request(t, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.StateError, req.RequestState)
	assert.Contains(t, req.Message, "no capacity")

	status, err := env.tracker.Status(ctx, "s1", 0)
	require.NoError(t, err)
	assert.False(t, status.Running)

	assert.Equal(t, []events.Name{
		events.NodeStateChangedEventName,
		events.NodeRequestFailedEventName,
		events.TaskFailedEventName,
	}, env.eventNames())
}

type fakeDelivery struct {
	job   queue.Job
	acked atomic.Int32
	naked atomic.Int32
}

func (f *fakeDelivery) Job() queue.Job { return f.job }

func (f *fakeDelivery) Ack() error {
	f.acked.Add(1)
	return nil
}

func (f *fakeDelivery) Nak() error {
	f.naked.Add(1)
	return nil
}

func (f *fakeDelivery) InProgress() error { return nil }

func TestHandle(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown kind is acked", func(t *testing.T) {
		env := newTestEnv(t)
		d := &fakeDelivery{job: queue.Job{Kind: "reboot", Session: "s1"}}

		env.worker.handle(ctx, d)

		assert.Equal(t, int32(1), d.acked.Load())
		assert.Equal(t, int32(0), d.naked.Load())
	})

	t.Run("session running is naked", func(t *testing.T) {
		env := newTestEnv(t)
		job := env.submit(t, "s1", model.ActionAdd, addRequest(1))
		require.NoError(t, env.tracker.UpdateSession(ctx, "s1", true))

		d := &fakeDelivery{job: job}
		env.worker.handle(ctx, d)

		assert.Equal(t, int32(0), d.acked.Load())
		assert.Equal(t, int32(1), d.naked.Load())
	})

	t.Run("failed request is acked", func(t *testing.T) {
		env := newTestEnv(t)
		job := env.submit(t, "s1", model.ActionAdd, addRequest(1))

		env.adapter.EXPECT().Start(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, errors.New("quota exceeded"))

		d := &fakeDelivery{job: job}
		env.worker.handle(ctx, d)

		assert.Equal(t, int32(1), d.acked.Load())
	})

	t.Run("handler panic is acked", func(t *testing.T) {
		env := newTestEnv(t)
		env.worker.handlers[queue.KindAddHosts] = func(context.Context, queue.Job) error {
			panic("boom")
		}

		d := &fakeDelivery{job: queue.AddHostsJob("s1")}
		env.worker.handle(ctx, d)

		assert.Equal(t, int32(1), d.acked.Load())
	})
}

func TestRun(t *testing.T) {
	env := newTestEnv(t, fixtures.Node("compute-06"))
	ignore := goleak.IgnoreCurrent()

	var started atomic.Int32

	env.adapter.EXPECT().Start(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req *model.AddHostRequest, _ store.Session, hwp *model.HardwareProfile, swp *model.SoftwareProfile) (model.Nodes, error) {
			started.Add(1)
			return model.Nodes{adapter.NewNode("compute-05", req, hwp, swp)}, nil
		}).
		Times(1)

	env.adapter.EXPECT().Stop(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).Times(1)

	add := env.submit(t, "s1", model.ActionAdd, addRequest(1))
	del := env.submit(t, "d1", model.ActionDelete, &model.DeleteHostRequest{Nodespec: "compute-06"})

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()
		assert.NoError(t, env.worker.Run(ctx))
	}()

	// the duplicate delivery of s1 runs the adapter once
	require.NoError(t, env.queue.Enqueue(ctx, add))
	require.NoError(t, env.queue.Enqueue(ctx, add))
	require.NoError(t, env.queue.Enqueue(ctx, del))

	// a job of an unknown kind does not stop the pool
	d := &fakeDelivery{job: queue.Job{Kind: "reboot", Session: "r1"}}
	env.worker.handle(ctx, d)
	assert.Equal(t, int32(1), d.acked.Load())

	assert.Eventually(t, func() bool {
		_, errAdd := env.request(t, "s1")
		_, errDel := env.request(t, "d1")

		return errors.Is(errAdd, model.ErrNodeRequestNotFound) && errors.Is(errDel, model.ErrNodeRequestNotFound)
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	wg.Wait()

	require.NoError(t, env.queue.Close())

	assert.Equal(t, int32(1), started.Load())

	goleak.VerifyNone(t, ignore)
}
