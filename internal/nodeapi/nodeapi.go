// Package nodeapi implements the node add and delete operations the
// request pipeline invokes, on top of a store session and the resource
// adapter registry.
package nodeapi

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/metal-toolbox/provisioner/internal/adapter"
	"github.com/metal-toolbox/provisioner/internal/events"
	"github.com/metal-toolbox/provisioner/internal/model"
	"github.com/metal-toolbox/provisioner/internal/store"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// SessionCleaner removes add host sessions of deleted nodes.
type SessionCleaner interface {
	DeleteSessions(ctx context.Context, ids []string) error
}

// NodeAPI adds and deletes nodes.
//
// Methods take the store session of the caller and never commit it.
type NodeAPI struct {
	registry *adapter.Registry
	sessions SessionCleaner
	emitter  *events.Emitter
	logger   *logrus.Logger
	locks    *profileLocks
}

// Option sets optional NodeAPI parameters.
type Option func(*NodeAPI)

// WithSessionCleaner sets the tracker the add host sessions of deleted nodes are removed from.
func WithSessionCleaner(c SessionCleaner) Option {
	return func(n *NodeAPI) {
		n.sessions = c
	}
}

// WithEmitter sets the emitter node state change events are fired on.
func WithEmitter(e *events.Emitter) Option {
	return func(n *NodeAPI) {
		n.emitter = e
	}
}

func New(registry *adapter.Registry, logger *logrus.Logger, opts ...Option) *NodeAPI {
	n := &NodeAPI{
		registry: registry,
		logger:   logger,
		locks:    &profileLocks{locks: map[string]*sync.Mutex{}},
	}

	for _, opt := range opts {
		opt(n)
	}

	return n
}

// AddHosts starts the resource adapter of the hardware profile and adds the
// returned nodes to the session.
//
// When the adapter created only some of the nodes, the created nodes are
// added and the *adapter.PartialError is returned along with them.
func (n *NodeAPI) AddHosts(ctx context.Context, sess store.Session, req *model.AddHostRequest) (model.Nodes, error) {
	for _, detail := range req.NodeDetails {
		name := strings.TrimSpace(detail.Name)
		if name == "" {
			continue
		}

		_, err := sess.Node(ctx, name)
		if err == nil {
			return nil, errors.Wrap(model.ErrNodeAlreadyExists, name)
		}

		if !errors.Is(err, model.ErrNodeNotFound) {
			return nil, err
		}
	}

	hwp, err := sess.HardwareProfile(ctx, req.HardwareProfile)
	if err != nil {
		return nil, err
	}

	if hwp.ResourceAdapter == "" {
		return nil, errors.Wrap(model.ErrResourceAdapterNotFound, hwp.Name)
	}

	var swp *model.SoftwareProfile
	if req.SoftwareProfile != "" {
		swp, err = sess.SoftwareProfile(ctx, req.SoftwareProfile)
		if err != nil {
			return nil, err
		}
	}

	resourceAdapter, err := n.registry.Get(hwp.ResourceAdapter)
	if err != nil {
		return nil, err
	}

	le := n.logger.WithFields(logrus.Fields{
		"session":         req.AddHostSession,
		"hardwareProfile": hwp.Name,
		"adapter":         hwp.ResourceAdapter,
	})

	nodes, startErr := resourceAdapter.Start(ctx, req, sess, hwp, swp)
	if startErr != nil {
		perr, ok := adapter.AsPartial(startErr)
		if !ok {
			return nil, startErr
		}

		nodes = perr.Created
		le.WithError(startErr).Warn("resource adapter created some of the requested nodes")
	}

	if len(nodes) == 0 {
		return nodes, startErr
	}

	if err := sess.AddNodes(ctx, nodes); err != nil {
		return nil, err
	}

	for _, node := range nodes {
		n.emitter.Fire(ctx, events.NewNodeStateChanged(node.Name, "", node.State))
	}

	le.WithField("nodes", nodes.Names()).Info("nodes added")

	return nodes, startErr
}

// DeleteNode removes the nodes matching the nodespec.
//
// The installer node is never matched, ErrNodeNotFound is returned when
// nothing matches and ErrOperationFailed when the software profile locks or
// minimum node counts forbid the delete.
func (n *NodeAPI) DeleteNode(ctx context.Context, sess store.Session, nodespec string, force bool) (model.Nodes, error) {
	all, err := sess.Nodes(ctx)
	if err != nil {
		return nil, err
	}

	nodes := model.ExpandNodespec(nodespec, all, false)
	if len(nodes) == 0 {
		return nil, errors.Wrap(model.ErrNodeNotFound, "no nodes matching nodespec "+nodespec)
	}

	unlock := n.locks.lock(softwareProfiles(nodes))
	defer unlock()

	if err := n.validateDelete(ctx, sess, nodes, all, force); err != nil {
		return nil, err
	}

	previous := make(map[string]model.NodeState, len(nodes))

	for _, node := range nodes {
		previous[node.Name] = node.State
		node.State = model.NodeStateDeleted

		if err := sess.UpdateNode(ctx, node); err != nil {
			return nil, err
		}
	}

	groups := nodes.ByHardwareProfile()

	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}

	sort.Strings(names)

	sessions := map[string]bool{}

	for _, hwpName := range names {
		group := groups[hwpName]

		if err := n.stop(ctx, sess, hwpName, group); err != nil {
			return nil, err
		}

		for _, node := range group {
			if err := sess.DeleteNode(ctx, node.Name); err != nil {
				return nil, err
			}

			n.emitter.Fire(ctx, events.NewNodeStateChanged(node.Name, previous[node.Name], node.State))

			if node.AddHostSession != "" {
				sessions[node.AddHostSession] = true
			}

			n.logger.WithFields(logrus.Fields{
				"node":            node.Name,
				"hardwareProfile": hwpName,
			}).Info("node deleted")
		}
	}

	n.deleteSessions(ctx, sessions)

	return nodes, nil
}

func (n *NodeAPI) stop(ctx context.Context, sess store.Session, hwpName string, nodes model.Nodes) error {
	hwp, err := sess.HardwareProfile(ctx, hwpName)
	if err != nil {
		return err
	}

	if hwp.ResourceAdapter == "" {
		return errors.Wrap(model.ErrResourceAdapterNotFound, hwp.Name)
	}

	resourceAdapter, err := n.registry.Get(hwp.ResourceAdapter)
	if err != nil {
		return err
	}

	return resourceAdapter.Stop(ctx, sess, nodes)
}

func (n *NodeAPI) deleteSessions(ctx context.Context, sessions map[string]bool) {
	if n.sessions == nil || len(sessions) == 0 {
		return
	}

	ids := make([]string, 0, len(sessions))
	for id := range sessions {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	if err := n.sessions.DeleteSessions(ctx, ids); err != nil {
		n.logger.WithError(err).Warn("unable to remove add host sessions of deleted nodes")
	}
}

// Nodes returns the nodes matching the nodespec, all nodes when the nodespec is empty.
func (n *NodeAPI) Nodes(ctx context.Context, sess store.Session, nodespec string) (model.Nodes, error) {
	all, err := sess.Nodes(ctx)
	if err != nil {
		return nil, err
	}

	if nodespec == "" {
		return all, nil
	}

	return model.ExpandNodespec(nodespec, all, true), nil
}

func (n *NodeAPI) Node(ctx context.Context, sess store.Session, name string) (*model.Node, error) {
	return sess.Node(ctx, name)
}

func (n *NodeAPI) NodesByAddHostSession(ctx context.Context, sess store.Session, session string) (model.Nodes, error) {
	return sess.NodesByAddHostSession(ctx, session)
}

func softwareProfiles(nodes model.Nodes) []string {
	names := []string{}
	seen := map[string]bool{}

	for _, node := range nodes {
		if node.SoftwareProfile == "" || seen[node.SoftwareProfile] {
			continue
		}

		seen[node.SoftwareProfile] = true
		names = append(names, node.SoftwareProfile)
	}

	return names
}

// profileLocks serializes count validations per software profile.
type profileLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// lock acquires the locks of the named profiles in sorted order and returns the release func.
func (p *profileLocks) lock(names []string) func() {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	held := make([]*sync.Mutex, 0, len(sorted))

	for _, name := range sorted {
		p.mu.Lock()
		lck, exists := p.locks[name]
		if !exists {
			lck = &sync.Mutex{}
			p.locks[name] = lck
		}
		p.mu.Unlock()

		lck.Lock()
		held = append(held, lck)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}
