package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/metal-toolbox/provisioner/internal/fixtures"
	"github.com/metal-toolbox/provisioner/internal/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()

	select {
	case e := <-ch:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	return nil
}

func TestDecode(t *testing.T) {
	failed := NewTaskFailed("id-1", "delete-hosts", errors.New("boom"), []string{"compute-06"}, map[string]string{"force": "false"}, "")
	failed.ID = "evt-1"

	b, err := json.Marshal(failed)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)

	tf, ok := got.(*TaskFailed)
	require.True(t, ok, "expected a *TaskFailed")
	assert.Equal(t, "boom", tf.TaskError)
	assert.Equal(t, []string{"compute-06"}, tf.TaskArgs)
	assert.Equal(t, TaskFailedEventName, tf.Name)

	_, err = Decode([]byte(`{"name":"bogus"}`))
	assert.ErrorIs(t, err, ErrEventNotFound)

	_, err = Decode([]byte(`{`))
	assert.ErrorIs(t, err, ErrEventDecode)
}

func TestNodeRequestQueued(t *testing.T) {
	add := &model.NodeRequest{ID: uuid.New(), AddHostSession: "s1", Action: model.ActionAdd}
	e := NewNodeRequestQueued(add)
	assert.Equal(t, AddNodeRequestQueued, e.Name)
	assert.Equal(t, add.ID.String(), e.RequestID)

	del := &model.NodeRequest{ID: uuid.New(), AddHostSession: "s2", Action: model.ActionDelete}
	e = NewNodeRequestQueued(del)
	assert.Equal(t, DeleteNodeRequestQueued, e.Name)
	assert.Equal(t, "s2", e.TransactionID)
}

func TestMemoryPubSub(t *testing.T) {
	ctx := context.Background()
	ps := NewMemoryPubSub()

	all, cancelAll, err := ps.Subscribe(ctx, "")
	require.NoError(t, err)

	failedOnly, cancelFailed, err := ps.Subscribe(ctx, TaskFailedEventName)
	require.NoError(t, err)

	require.NoError(t, ps.Publish(ctx, NewNodeStateChanged("n1", model.NodeStateInstalled, model.NodeStateDeleted)))
	require.NoError(t, ps.Publish(ctx, NewTaskFailed("t1", "add-hosts", errors.New("boom"), nil, nil, "")))

	assert.Equal(t, NodeStateChangedEventName, receive(t, all).EventBase().Name)
	assert.Equal(t, TaskFailedEventName, receive(t, all).EventBase().Name)
	assert.Equal(t, TaskFailedEventName, receive(t, failedOnly).EventBase().Name)

	cancelAll()
	cancelAll()

	_, open := <-all
	assert.False(t, open)

	cancelFailed()
	require.NoError(t, ps.Close())

	assert.ErrorIs(t, ps.Publish(ctx, NewTaskFailed("t1", "add-hosts", errors.New("boom"), nil, nil, "")), ErrPubSubClosed)
}

func TestMemoryPubSubContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ps := NewMemoryPubSub()

	ch, _, err := ps.Subscribe(ctx, "")
	require.NoError(t, err)

	cancel()

	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription not released on context cancel")
	}
}

type failingPubSub struct {
	MemoryPubSub
}

func (f *failingPubSub) Publish(context.Context, Event) error {
	return errors.New("broker down")
}

func TestEmitterFire(t *testing.T) {
	ctx := context.Background()
	ps := NewMemoryPubSub()
	log := NewLog(10)

	ch, cancel, err := ps.Subscribe(ctx, "")
	require.NoError(t, err)
	defer cancel()

	emitter := NewEmitter(ps, log, logrus.New())
	emitter.Fire(ctx, NewNodeStateChanged("n1", model.NodeStateInstalled, model.NodeStateDeleted))

	e := receive(t, ch)
	assert.NotEmpty(t, e.EventBase().ID)
	assert.False(t, e.EventBase().Timestamp.IsZero())

	logged, err := log.Get(e.EventBase().ID)
	require.NoError(t, err)
	assert.Equal(t, e, logged)

	// publish errors are not surfaced
	failing := NewEmitter(&failingPubSub{}, nil, logrus.New())
	assert.NotPanics(t, func() {
		failing.Fire(ctx, NewNodeStateChanged("n1", model.NodeStateInstalled, model.NodeStateDeleted))
	})

	var nilEmitter *Emitter
	assert.NotPanics(t, func() {
		nilEmitter.Fire(ctx, NewNodeStateChanged("n1", model.NodeStateInstalled, model.NodeStateDeleted))
	})
}

func TestLog(t *testing.T) {
	log := NewLog(2)

	for _, id := range []string{"a", "b", "c"} {
		e := NewNodeStateChanged(id, model.NodeStateInstalled, model.NodeStateDeleted)
		e.ID = id
		log.Save(e)
	}

	_, err := log.Get("a")
	assert.ErrorIs(t, err, ErrEventNotInLog)

	got := log.List("", 0)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].EventBase().ID)

	assert.Len(t, log.List(NodeStateChangedEventName, 1), 1)
	assert.Empty(t, log.List(TaskFailedEventName, 0))
}

func TestNatsPubSub(t *testing.T) {
	srv := fixtures.StartJetStreamServer(t)
	defer fixtures.ShutdownJetStream(t, srv)

	nc, _ := fixtures.JetStreamContext(t, srv)
	defer nc.Close()

	ctx := context.Background()
	ps := NewNatsPubSub(nc, logrus.New())

	ch, cancel, err := ps.Subscribe(ctx, "")
	require.NoError(t, err)
	defer cancel()

	// the subscription is registered with the server before publishing
	require.NoError(t, nc.Flush())

	e := NewNodeStateChanged("compute-01", model.NodeStateInstalled, model.NodeStateDeleted)
	e.ID = "evt-1"

	require.NoError(t, ps.Publish(ctx, e))
	require.NoError(t, ps.Close())

	got := receive(t, ch)

	changed, ok := got.(*NodeStateChanged)
	require.True(t, ok, "expected a *NodeStateChanged")
	assert.Equal(t, "compute-01", changed.Node)
	assert.Equal(t, "evt-1", changed.ID)
	assert.Equal(t, "events.node-state-changed", Subject(NodeStateChangedEventName))
}
