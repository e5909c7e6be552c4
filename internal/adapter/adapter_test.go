package adapter

import (
	"context"
	"errors"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/metal-toolbox/provisioner/internal/model"
	"github.com/metal-toolbox/provisioner/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct {
	name string
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) Start(context.Context, *model.AddHostRequest, store.Session, *model.HardwareProfile, *model.SoftwareProfile) (model.Nodes, error) {
	return model.Nodes{{Name: "n1"}}, nil
}

func (s *stubAdapter) Stop(context.Context, store.Session, model.Nodes) error { return nil }

type recorder struct {
	messages map[string][]string
}

func (r *recorder) AppendMessage(_ context.Context, session, msg string) error {
	r.messages[session] = append(r.messages[session], msg)
	return nil
}

func newTestSession(t *testing.T, nodes model.Nodes) store.Session {
	t.Helper()

	ctx := context.Background()

	repo, err := store.NewMemoryStore(logrus.New())
	require.NoError(t, err)

	t.Cleanup(func() { _ = repo.Close() })

	if len(nodes) > 0 {
		s, err := repo.Open(ctx)
		require.NoError(t, err)
		require.NoError(t, s.AddNodes(ctx, nodes))
		require.NoError(t, s.Commit())
		s.Close()
	}

	sess, err := repo.Open(ctx)
	require.NoError(t, err)

	t.Cleanup(sess.Close)

	return sess
}

func TestRegistry(t *testing.T) {
	invoked := 0

	r := NewRegistry(&Options{Logger: logrus.New()})
	require.NoError(t, r.Register("stub", func(*Options) (Adapter, error) {
		invoked++
		return &stubAdapter{name: "stub"}, nil
	}))

	assert.ErrorIs(t, r.Register("stub", nil), ErrAdapterRegistered)

	t.Run("unknown name", func(t *testing.T) {
		a, err := r.Get("stub-not-registered")
		assert.Nil(t, a)
		assert.ErrorIs(t, err, model.ErrResourceNotFound)
		assert.Equal(t, 0, invoked)
	})

	t.Run("names are exact", func(t *testing.T) {
		_, err := r.Get("STUB")
		assert.ErrorIs(t, err, model.ErrResourceNotFound)
		assert.Equal(t, 0, invoked)
	})

	t.Run("registered", func(t *testing.T) {
		a, err := r.Get("stub")
		require.NoError(t, err)
		assert.Equal(t, "stub", a.Name())
		assert.Equal(t, 1, invoked)

		nodes, err := a.Start(context.Background(), &model.AddHostRequest{}, nil, &model.HardwareProfile{}, nil)
		require.NoError(t, err)
		assert.Len(t, nodes, 1)
	})

	t.Run("factory error", func(t *testing.T) {
		factoryErr := errors.New("bad config")
		require.NoError(t, r.Register("broken", func(*Options) (Adapter, error) { return nil, factoryErr }))

		_, err := r.Get("broken")
		assert.ErrorIs(t, err, factoryErr)
	})

	assert.Equal(t, []string{"broken", "stub"}, r.Names())
}

func TestNodeNames(t *testing.T) {
	ctx := context.Background()
	hwp := &model.HardwareProfile{Name: "compute", NameFormat: "compute-##"}

	tests := []struct {
		name     string
		existing model.Nodes
		req      *model.AddHostRequest
		hwp      *model.HardwareProfile
		zone     string
		expected []string
		err      error
	}{
		{
			name:     "generated skipping existing",
			existing: model.Nodes{{Name: "compute-01"}, {Name: "compute-03"}},
			req:      &model.AddHostRequest{Count: 3},
			hwp:      hwp,
			expected: []string{"compute-02", "compute-04", "compute-05"},
		},
		{
			name:     "detail names kept in order",
			req:      &model.AddHostRequest{Count: 3, NodeDetails: []model.NodeDetail{{}, {Name: "compute-01"}}},
			hwp:      hwp,
			expected: []string{"compute-02", "compute-01", "compute-03"},
		},
		{
			name:     "dns zone",
			req:      &model.AddHostRequest{Count: 1},
			hwp:      hwp,
			zone:     "cluster.local",
			expected: []string{"compute-01.cluster.local"},
		},
		{
			name:     "all names supplied",
			req:      &model.AddHostRequest{NodeDetails: []model.NodeDetail{{Name: " n1 "}, {Name: "n2"}}},
			hwp:      &model.HardwareProfile{Name: "any", NameFormat: "*"},
			expected: []string{"n1", "n2"},
		},
		{
			name: "names required",
			req:  &model.AddHostRequest{Count: 1},
			hwp:  &model.HardwareProfile{Name: "any", NameFormat: "*"},
			err:  model.ErrInvalidArgument,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			names, err := NodeNames(ctx, newTestSession(t, tc.existing), tc.req, tc.hwp, tc.zone)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.expected, names)
		})
	}
}

func TestNodeNics(t *testing.T) {
	req := &model.AddHostRequest{NodeDetails: []model.NodeDetail{
		{Nics: []model.NicDetail{{MAC: "AA:BB:CC:DD:EE:FF", IP: "10.0.0.5"}, {MAC: "aa:bb:cc:dd:ee:00"}}},
		{Nics: []model.NicDetail{{IP: "not-an-ip"}}},
	}}

	nics, err := NodeNics(req, 0)
	require.NoError(t, err)
	require.Len(t, nics, 2)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", nics[0].MAC)
	assert.Equal(t, "10.0.0.5", nics[0].IP.String())
	assert.True(t, nics[0].Boot)
	assert.False(t, nics[1].Boot)

	_, err = NodeNics(req, 1)
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	nics, err = NodeNics(req, 5)
	require.NoError(t, err)
	assert.Empty(t, nics)
}

func TestNewNode(t *testing.T) {
	req := &model.AddHostRequest{Tags: map[string]string{"rack": "r1"}, IsIdle: true, AddHostSession: "s1"}

	node := NewNode("n1", req, &model.HardwareProfile{Name: "hw"}, &model.SoftwareProfile{Name: "sw"})
	assert.Equal(t, "hw", node.HardwareProfile)
	assert.Equal(t, "sw", node.SoftwareProfile)
	assert.Equal(t, "s1", node.AddHostSession)
	assert.Equal(t, model.NodeStateAllocated, node.State)
	assert.True(t, node.IsIdle)

	req.Tags["rack"] = "r2"
	assert.Equal(t, "r1", node.Tags["rack"])
}

func TestPartial(t *testing.T) {
	assert.Nil(t, Partial(model.Nodes{{Name: "n1"}}, nil))

	var merr *multierror.Error
	merr = NodeError(merr, "n2", ErrResource)

	err := Partial(model.Nodes{{Name: "n1"}}, merr)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrResource)
	assert.Contains(t, err.Error(), "1 node(s) created, 1 failed")

	perr, ok := AsPartial(err)
	require.True(t, ok)
	assert.Equal(t, []string{"n1"}, perr.Created.Names())

	_, ok = AsPartial(ErrResource)
	assert.False(t, ok)
}

func TestReport(t *testing.T) {
	rec := &recorder{messages: map[string][]string{}}
	opts := &Options{Logger: logrus.New(), Reporter: rec}

	opts.Report(context.Background(), "s1", "hello")
	opts.Report(context.Background(), "", "dropped")

	assert.Equal(t, map[string][]string{"s1": {"hello"}}, rec.messages)

	// a nil reporter only logs
	(&Options{Logger: logrus.New()}).Report(context.Background(), "s1", "hello")
}
