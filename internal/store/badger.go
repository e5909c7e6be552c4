package store

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/metal-toolbox/provisioner/internal/metrics"
	"github.com/metal-toolbox/provisioner/internal/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	prefixNodeRequest   = "noderequest/"
	prefixNodeRequestID = "noderequest-id/"
	prefixNode          = "node/"
	prefixHwProfile     = "hwprofile/"
	prefixSwProfile     = "swprofile/"
)

var (
	ErrStore               = errors.New("store error")
	ErrTransactionConflict = errors.New("store transaction conflict")
	ErrSessionClosed       = errors.New("store session closed")
)

// BadgerConfig configures the badger backed Repository.
type BadgerConfig struct {
	// Path is the database directory, required unless InMemory is set.
	Path string

	InMemory bool

	SyncWrites bool
}

// BadgerStore is a Repository backed by a badger key value database.
type BadgerStore struct {
	db     *badger.DB
	kind   string
	logger *logrus.Logger
}

// NewBadgerStore opens the badger database described by the config.
func NewBadgerStore(cfg BadgerConfig, logger *logrus.Logger) (*BadgerStore, error) {
	var opts badger.Options

	kind := string(model.StoreKindBadger)

	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
		kind = string(model.StoreKindMemory)
	} else {
		if cfg.Path == "" {
			return nil, errors.Wrap(ErrStore, "path is required for a persistent store")
		}

		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, errors.Wrap(ErrStore, err.Error())
		}

		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger.WithField("component", "badger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(ErrStore, "open: "+err.Error())
	}

	return &BadgerStore{db: db, kind: kind, logger: logger}, nil
}

// NewMemoryStore returns an in-memory badger store.
func NewMemoryStore(logger *logrus.Logger) (*BadgerStore, error) {
	return NewBadgerStore(BadgerConfig{InMemory: true}, logger)
}

// Open implements the Repository interface.
func (b *BadgerStore) Open(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &badgerSession{txn: b.db.NewTransaction(true), kind: b.kind}, nil
}

// Close implements the Repository interface.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

// badger logs its internals at info, those are demoted to debug.
type badgerLogger struct {
	entry *logrus.Entry
}

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.entry.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.entry.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.entry.Debugf(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.entry.Tracef(format, args...) }

type badgerSession struct {
	txn  *badger.Txn
	kind string
	done bool
}

func (s *badgerSession) Commit() error {
	if s.done {
		return ErrSessionClosed
	}

	s.done = true

	if err := s.txn.Commit(); err != nil {
		if errors.Is(err, badger.ErrConflict) {
			return errors.Wrap(ErrTransactionConflict, err.Error())
		}

		return s.storeErr(err)
	}

	return nil
}

func (s *badgerSession) Close() {
	// Discard after Commit is a no-op
	s.txn.Discard()
	s.done = true
}

func (s *badgerSession) storeErr(err error) error {
	metrics.StoreQueryErrorCount.WithLabelValues(s.kind).Inc()
	return errors.Wrap(ErrStore, err.Error())
}

func (s *badgerSession) get(key string, v interface{}) (bool, error) {
	if s.done {
		return false, ErrSessionClosed
	}

	item, err := s.txn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return false, nil
		}

		return false, s.storeErr(err)
	}

	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	}); err != nil {
		return false, s.storeErr(err)
	}

	return true, nil
}

func (s *badgerSession) set(key string, v interface{}) error {
	if s.done {
		return ErrSessionClosed
	}

	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(ErrStore, "marshal: "+err.Error())
	}

	if err := s.txn.Set([]byte(key), b); err != nil {
		return s.storeErr(err)
	}

	return nil
}

func (s *badgerSession) exists(key string) (bool, error) {
	if s.done {
		return false, ErrSessionClosed
	}

	_, err := s.txn.Get([]byte(key))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	default:
		return false, s.storeErr(err)
	}
}

func (s *badgerSession) delete(key string) error {
	if s.done {
		return ErrSessionClosed
	}

	if err := s.txn.Delete([]byte(key)); err != nil {
		return s.storeErr(err)
	}

	return nil
}

// each invokes fn with the raw value of every key under prefix.
func (s *badgerSession) each(prefix string, fn func(val []byte) error) error {
	if s.done {
		return ErrSessionClosed
	}

	it := s.txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	p := []byte(prefix)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return s.storeErr(err)
		}
	}

	return nil
}

// Node requests

func (s *badgerSession) AddNodeRequest(_ context.Context, req *model.NodeRequest) error {
	key := prefixNodeRequest + req.AddHostSession

	exists, err := s.exists(key)
	if err != nil {
		return err
	}

	if exists {
		return errors.Wrap(model.ErrNodeRequestExists, req.AddHostSession)
	}

	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	if err := s.set(key, req); err != nil {
		return err
	}

	return s.set(prefixNodeRequestID+req.ID.String(), req.AddHostSession)
}

// NodeRequestBySession returns the request or ErrNodeRequestNotFound.
func (s *badgerSession) NodeRequestBySession(_ context.Context, session string) (*model.NodeRequest, error) {
	req := &model.NodeRequest{}

	found, err := s.get(prefixNodeRequest+session, req)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, errors.Wrap(model.ErrNodeRequestNotFound, session)
	}

	return req, nil
}

func (s *badgerSession) NodeRequestByID(ctx context.Context, id uuid.UUID) (*model.NodeRequest, error) {
	var session string

	found, err := s.get(prefixNodeRequestID+id.String(), &session)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, errors.Wrap(model.ErrNodeRequestNotFound, id.String())
	}

	return s.NodeRequestBySession(ctx, session)
}

// NodeRequests returns all node requests, oldest first.
func (s *badgerSession) NodeRequests(_ context.Context) ([]*model.NodeRequest, error) {
	reqs := []*model.NodeRequest{}

	err := s.each(prefixNodeRequest, func(val []byte) error {
		req := &model.NodeRequest{}
		if err := json.Unmarshal(val, req); err != nil {
			return err
		}

		reqs = append(reqs, req)

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(reqs, func(i, j int) bool {
		return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
	})

	return reqs, nil
}

func (s *badgerSession) NodeRequestsByState(ctx context.Context, state model.RequestState) ([]*model.NodeRequest, error) {
	all, err := s.NodeRequests(ctx)
	if err != nil {
		return nil, err
	}

	reqs := []*model.NodeRequest{}
	for _, req := range all {
		if req.RequestState == state {
			reqs = append(reqs, req)
		}
	}

	return reqs, nil
}

// FirstNodeRequestByState returns the oldest request in the state, or ErrNodeRequestNotFound.
func (s *badgerSession) FirstNodeRequestByState(ctx context.Context, state model.RequestState) (*model.NodeRequest, error) {
	reqs, err := s.NodeRequestsByState(ctx, state)
	if err != nil {
		return nil, err
	}

	if len(reqs) == 0 {
		return nil, errors.Wrap(model.ErrNodeRequestNotFound, "with state "+string(state))
	}

	return reqs[0], nil
}

func (s *badgerSession) UpdateNodeRequest(_ context.Context, req *model.NodeRequest) error {
	key := prefixNodeRequest + req.AddHostSession

	exists, err := s.exists(key)
	if err != nil {
		return err
	}

	if !exists {
		return errors.Wrap(model.ErrNodeRequestNotFound, req.AddHostSession)
	}

	return s.set(key, req)
}

func (s *badgerSession) DeleteNodeRequest(_ context.Context, req *model.NodeRequest) error {
	if err := s.delete(prefixNodeRequestID + req.ID.String()); err != nil {
		return err
	}

	return s.delete(prefixNodeRequest + req.AddHostSession)
}

// Nodes

// Node returns the node or ErrNodeNotFound.
func (s *badgerSession) Node(_ context.Context, name string) (*model.Node, error) {
	node := &model.Node{}

	found, err := s.get(prefixNode+name, node)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, errors.Wrap(model.ErrNodeNotFound, name)
	}

	return node, nil
}

func (s *badgerSession) Nodes(_ context.Context) (model.Nodes, error) {
	nodes := model.Nodes{}

	err := s.each(prefixNode, func(val []byte) error {
		node := &model.Node{}
		if err := json.Unmarshal(val, node); err != nil {
			return err
		}

		nodes = append(nodes, node)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return nodes, nil
}

func (s *badgerSession) NodesByAddHostSession(ctx context.Context, session string) (model.Nodes, error) {
	all, err := s.Nodes(ctx)
	if err != nil {
		return nil, err
	}

	nodes := model.Nodes{}
	for _, node := range all {
		if node.AddHostSession == session {
			nodes = append(nodes, node)
		}
	}

	return nodes, nil
}

// AddNodes adds the nodes, failing with ErrNodeAlreadyExists if any node name is taken.
func (s *badgerSession) AddNodes(_ context.Context, nodes model.Nodes) error {
	now := time.Now().UTC()

	for _, node := range nodes {
		exists, err := s.exists(prefixNode + node.Name)
		if err != nil {
			return err
		}

		if exists {
			return errors.Wrap(model.ErrNodeAlreadyExists, node.Name)
		}

		node.CreatedAt = now
		node.UpdatedAt = now

		if err := s.set(prefixNode+node.Name, node); err != nil {
			return err
		}
	}

	return nil
}

func (s *badgerSession) UpdateNode(_ context.Context, node *model.Node) error {
	exists, err := s.exists(prefixNode + node.Name)
	if err != nil {
		return err
	}

	if !exists {
		return errors.Wrap(model.ErrNodeNotFound, node.Name)
	}

	node.UpdatedAt = time.Now().UTC()

	return s.set(prefixNode+node.Name, node)
}

func (s *badgerSession) DeleteNode(_ context.Context, name string) error {
	return s.delete(prefixNode + name)
}

// Profiles

func (s *badgerSession) HardwareProfile(_ context.Context, name string) (*model.HardwareProfile, error) {
	profile := &model.HardwareProfile{}

	found, err := s.get(prefixHwProfile+name, profile)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, errors.Wrap(model.ErrHardwareProfileNotFound, name)
	}

	return profile, nil
}

func (s *badgerSession) SoftwareProfile(_ context.Context, name string) (*model.SoftwareProfile, error) {
	profile := &model.SoftwareProfile{}

	found, err := s.get(prefixSwProfile+name, profile)
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, errors.Wrap(model.ErrSoftwareProfileNotFound, name)
	}

	return profile, nil
}

func (s *badgerSession) HardwareProfiles(_ context.Context) ([]*model.HardwareProfile, error) {
	profiles := []*model.HardwareProfile{}

	err := s.each(prefixHwProfile, func(val []byte) error {
		p := &model.HardwareProfile{}
		if err := json.Unmarshal(val, p); err != nil {
			return err
		}

		profiles = append(profiles, p)

		return nil
	})

	return profiles, err
}

func (s *badgerSession) SoftwareProfiles(_ context.Context) ([]*model.SoftwareProfile, error) {
	profiles := []*model.SoftwareProfile{}

	err := s.each(prefixSwProfile, func(val []byte) error {
		p := &model.SoftwareProfile{}
		if err := json.Unmarshal(val, p); err != nil {
			return err
		}

		profiles = append(profiles, p)

		return nil
	})

	return profiles, err
}

func (s *badgerSession) PutHardwareProfile(_ context.Context, profile *model.HardwareProfile) error {
	if profile.Name == "" {
		return errors.Wrap(model.ErrInvalidArgument, "hardware profile name required")
	}

	return s.set(prefixHwProfile+profile.Name, profile)
}

func (s *badgerSession) PutSoftwareProfile(_ context.Context, profile *model.SoftwareProfile) error {
	if profile.Name == "" {
		return errors.Wrap(model.ErrInvalidArgument, "software profile name required")
	}

	return s.set(prefixSwProfile+profile.Name, profile)
}
