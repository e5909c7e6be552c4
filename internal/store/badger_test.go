package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/metal-toolbox/provisioner/internal/model"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()

	s, err := NewMemoryStore(logrus.New())
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	return s
}

func addRequest(t *testing.T, repo Repository, session string, state model.RequestState) *model.NodeRequest {
	t.Helper()

	ctx := context.Background()

	req, err := model.NewNodeRequest(session, model.ActionDelete, &model.DeleteHostRequest{Nodespec: "n1"})
	require.NoError(t, err)

	req.RequestState = state

	sess, err := repo.Open(ctx)
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, sess.AddNodeRequest(ctx, req))
	require.NoError(t, sess.Commit())

	return req
}

func TestNodeRequests(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first := addRequest(t, s, "session-1", model.StateQueued)
	time.Sleep(time.Millisecond)
	addRequest(t, s, "session-2", model.StateError)
	time.Sleep(time.Millisecond)
	addRequest(t, s, "session-3", model.StateQueued)

	sess, err := s.Open(ctx)
	require.NoError(t, err)
	defer sess.Close()

	t.Run("by session", func(t *testing.T) {
		got, err := sess.NodeRequestBySession(ctx, "session-1")
		require.NoError(t, err)
		assert.Equal(t, first.ID, got.ID)
	})

	t.Run("by id", func(t *testing.T) {
		got, err := sess.NodeRequestByID(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, "session-1", got.AddHostSession)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := sess.NodeRequestBySession(ctx, "bogus")
		assert.ErrorIs(t, err, model.ErrNodeRequestNotFound)
	})

	t.Run("duplicate session", func(t *testing.T) {
		dup, err := model.NewNodeRequest("session-1", model.ActionAdd, &model.AddHostRequest{})
		require.NoError(t, err)
		assert.ErrorIs(t, sess.AddNodeRequest(ctx, dup), model.ErrNodeRequestExists)
	})

	t.Run("all oldest first", func(t *testing.T) {
		all, err := sess.NodeRequests(ctx)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "session-1", all[0].AddHostSession)
		assert.Equal(t, "session-3", all[2].AddHostSession)
	})

	t.Run("first by state", func(t *testing.T) {
		got, err := sess.FirstNodeRequestByState(ctx, model.StateQueued)
		require.NoError(t, err)
		assert.Equal(t, "session-1", got.AddHostSession)

		_, err = sess.FirstNodeRequestByState(ctx, model.StateRunning)
		assert.ErrorIs(t, err, model.ErrNodeRequestNotFound)
	})

	t.Run("by state", func(t *testing.T) {
		got, err := sess.NodeRequestsByState(ctx, model.StateError)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "session-2", got[0].AddHostSession)
	})
}

func TestSessionScope(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	req := addRequest(t, s, "session-1", model.StateQueued)

	// changes are discarded when the session is closed without a commit
	sess, err := s.Open(ctx)
	require.NoError(t, err)
	require.NoError(t, sess.DeleteNodeRequest(ctx, req))

	_, err = sess.NodeRequestBySession(ctx, "session-1")
	assert.ErrorIs(t, err, model.ErrNodeRequestNotFound, "session reads its own writes")

	sess.Close()

	sess, err = s.Open(ctx)
	require.NoError(t, err)

	_, err = sess.NodeRequestBySession(ctx, "session-1")
	require.NoError(t, err)

	// committed changes are visible to new sessions
	require.NoError(t, sess.DeleteNodeRequest(ctx, req))
	require.NoError(t, sess.Commit())
	sess.Close()

	_, err = sess.NodeRequestBySession(ctx, "session-1")
	assert.ErrorIs(t, err, ErrSessionClosed)

	sess, err = s.Open(ctx)
	require.NoError(t, err)
	defer sess.Close()

	_, err = sess.NodeRequestBySession(ctx, "session-1")
	assert.ErrorIs(t, err, model.ErrNodeRequestNotFound)

	_, err = sess.NodeRequestByID(ctx, req.ID)
	assert.ErrorIs(t, err, model.ErrNodeRequestNotFound)
}

func TestSessionConflict(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	addRequest(t, s, "session-1", model.StateQueued)

	a, err := s.Open(ctx)
	require.NoError(t, err)
	defer a.Close()

	b, err := s.Open(ctx)
	require.NoError(t, err)
	defer b.Close()

	reqA, err := a.NodeRequestBySession(ctx, "session-1")
	require.NoError(t, err)

	reqB, err := b.NodeRequestBySession(ctx, "session-1")
	require.NoError(t, err)

	require.NoError(t, a.DeleteNodeRequest(ctx, reqA))
	require.NoError(t, a.Commit())

	reqB.Message = "late"
	require.NoError(t, b.UpdateNodeRequest(ctx, reqB))
	assert.ErrorIs(t, b.Commit(), ErrTransactionConflict)
}

func TestNodes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sess, err := s.Open(ctx)
	require.NoError(t, err)
	defer sess.Close()

	nodes := model.Nodes{
		{Name: "compute-01", HardwareProfile: "hw", AddHostSession: "s1"},
		{Name: "compute-02", HardwareProfile: "hw", AddHostSession: "s1"},
		{Name: "gpu-01", HardwareProfile: "gpu", AddHostSession: "s2"},
	}

	require.NoError(t, sess.AddNodes(ctx, nodes))
	assert.ErrorIs(t, sess.AddNodes(ctx, model.Nodes{{Name: "gpu-01"}}), model.ErrNodeAlreadyExists)

	got, err := sess.NodesByAddHostSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"compute-01", "compute-02"}, got.Names())

	node, err := sess.Node(ctx, "gpu-01")
	require.NoError(t, err)
	node.State = model.NodeStateInstalled
	require.NoError(t, sess.UpdateNode(ctx, node))

	require.NoError(t, sess.DeleteNode(ctx, "gpu-01"))

	_, err = sess.Node(ctx, "gpu-01")
	assert.ErrorIs(t, err, model.ErrNodeNotFound)
	assert.ErrorIs(t, sess.UpdateNode(ctx, node), model.ErrNodeNotFound)
}

func TestLoadProfiles(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	doc := `
hardwareProfiles:
  - name: compute
    resourceAdapter: generic
    nameFormat: compute-##
    mappedSoftwareProfiles: [centos]
softwareProfiles:
  - name: centos
    kernel: vmlinuz-centos
    minNodes: 1
    lockedState: SoftLocked
    mappedHardwareProfiles: [compute]
`
	f := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(f, []byte(doc), 0o600))

	_, err := LoadProfiles(ctx, s, f)
	require.NoError(t, err)

	sess, err := s.Open(ctx)
	require.NoError(t, err)
	defer sess.Close()

	hwp, err := sess.HardwareProfile(ctx, "compute")
	require.NoError(t, err)
	assert.Equal(t, "generic", hwp.ResourceAdapter)
	assert.True(t, hwp.MapsSoftwareProfile("centos"))

	swp, err := sess.SoftwareProfile(ctx, "centos")
	require.NoError(t, err)
	assert.Equal(t, model.SoftLocked, swp.LockedState)
	assert.Equal(t, 1, swp.MinNodes)

	_, err = sess.HardwareProfile(ctx, "bogus")
	assert.ErrorIs(t, err, model.ErrHardwareProfileNotFound)

	_, err = LoadProfiles(ctx, s, filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrProfilesFile)
}
