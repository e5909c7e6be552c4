package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/metal-toolbox/provisioner/internal/model"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultStaleAfter is the age after which a running marker is considered
	// left behind by a worker that went away.
	DefaultStaleAfter = 3 * time.Hour
)

var (
	ErrKeyNotFound = errors.New("session key not found")
	ErrKV          = errors.New("session kv error")
)

// KV is the storage backend for session status values.
type KV interface {
	// Get returns ErrKeyNotFound when the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Status is the processing status of an add/delete host session.
//
// nolint:govet // fieldalignment - struct is better readable in its current form.
type Status struct {
	Session   string    `json:"session"`
	Running   bool      `json:"running"`
	WorkerID  string    `json:"worker_id,omitempty"`
	Messages  []string  `json:"messages,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Tracker correlates a session id with in-flight worker execution.
//
// All state transitions are made under the tracker lock, the lock is
// what guards against two workers in this process picking up the same
// session, the KV backend extends that to workers in other processes
// on a best effort basis.
//
// A running marker recorded under this tracker's worker id that this
// tracker did not set was left behind by an earlier run of the worker
// and is reclaimed.
type Tracker struct {
	mu         sync.Mutex
	kv         KV
	workerID   string
	staleAfter time.Duration
	claims     map[string]bool
	logger     *logrus.Logger
}

// Option sets optional Tracker parameters.
type Option func(*Tracker)

// WithStaleAfter sets the age after which a running marker is ignored.
func WithStaleAfter(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.staleAfter = d
		}
	}
}

// WithWorkerID sets the identifier recorded on sessions marked running.
func WithWorkerID(id string) Option {
	return func(t *Tracker) {
		t.workerID = id
	}
}

// NewTracker returns a session tracker on the given KV backend.
func NewTracker(kv KV, logger *logrus.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		kv:         kv,
		logger:     logger,
		staleAfter: DefaultStaleAfter,
		claims:     map[string]bool{},
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// CreateSession records a new, not running session.
func (t *Tracker) CreateSession(ctx context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now().UTC()

	return t.put(ctx, &Status{Session: id, CreatedAt: now, UpdatedAt: now})
}

// UpdateSession sets the running flag on the session.
//
// Marking a session running fails with ErrSessionRunning when the session
// is held by a live worker, see Held. Sessions unknown to the tracker are
// created.
func (t *Tracker) UpdateSession(ctx context.Context, id string, running bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"session": id,
		"running": running,
	}).Debug("update session")

	status, err := t.get(ctx, id)
	if err != nil {
		if !errors.Is(err, model.ErrSessionNotFound) {
			return err
		}

		status = &Status{Session: id, CreatedAt: time.Now().UTC()}
	}

	if running && status.Running {
		if t.held(status) {
			return errors.Wrap(model.ErrSessionRunning, "session "+id+" held by worker "+status.WorkerID)
		}

		t.logger.WithFields(logrus.Fields{
			"session":  id,
			"workerID": status.WorkerID,
			"updated":  status.UpdatedAt,
		}).Warn("taking over stale session")
	}

	status.Running = running
	status.UpdatedAt = time.Now().UTC()

	if running {
		status.WorkerID = t.workerID
	} else {
		status.WorkerID = ""
	}

	if err := t.put(ctx, status); err != nil {
		return err
	}

	if running {
		t.claims[id] = true
	} else {
		delete(t.claims, id)
	}

	return nil
}

// Held returns true when the session is marked running by a live worker.
//
// A marker is not live when it is older than the stale period, or when it
// carries this tracker's worker id and this tracker did not set it. Unknown
// sessions are not held.
func (t *Tracker) Held(ctx context.Context, id string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	status, err := t.get(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			return false, nil
		}

		return false, err
	}

	return t.held(status), nil
}

// held returns true when the running marker on status is neither stale nor orphaned.
func (t *Tracker) held(status *Status) bool {
	if !status.Running || t.stale(status) {
		return false
	}

	// left behind by a previous run of this worker
	return t.workerID == "" || status.WorkerID != t.workerID || t.claims[status.Session]
}

func (t *Tracker) stale(status *Status) bool {
	return time.Since(status.UpdatedAt) > t.staleAfter
}

// AppendMessage adds a progress message to the session, unknown sessions are ignored.
func (t *Tracker) AppendMessage(ctx context.Context, id, msg string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	status, err := t.get(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			t.logger.WithField("session", id).Warn("append message to unknown session")
			return nil
		}

		return err
	}

	status.Messages = append(status.Messages, msg)
	status.UpdatedAt = time.Now().UTC()

	return t.put(ctx, status)
}

// Status returns a copy of the session status with the messages starting at startMessage.
func (t *Tracker) Status(ctx context.Context, id string, startMessage int) (*Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	status, err := t.get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch {
	case startMessage < 0:
		return nil, errors.Wrap(model.ErrInvalidArgument, "startMessage must not be negative")
	case startMessage >= len(status.Messages):
		status.Messages = []string{}
	default:
		status.Messages = status.Messages[startMessage:]
	}

	return status, nil
}

// DeleteSession removes the session, a missing session is not an error.
func (t *Tracker) DeleteSession(ctx context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.claims, id)

	return t.delete(ctx, id)
}

// DeleteSessions removes the given sessions, errors are collected and returned together.
func (t *Tracker) DeleteSessions(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var merr *multierror.Error

	for _, id := range ids {
		delete(t.claims, id)

		if err := t.delete(ctx, id); err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	return merr.ErrorOrNil()
}

func (t *Tracker) delete(ctx context.Context, id string) error {
	if err := t.kv.Delete(ctx, id); err != nil && !errors.Is(err, ErrKeyNotFound) {
		return errors.Wrap(ErrKV, err.Error())
	}

	return nil
}

func (t *Tracker) get(ctx context.Context, id string) (*Status, error) {
	b, err := t.kv.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, errors.Wrap(model.ErrSessionNotFound, id)
		}

		return nil, errors.Wrap(ErrKV, err.Error())
	}

	status := &Status{}
	if err := json.Unmarshal(b, status); err != nil {
		return nil, errors.Wrap(ErrKV, "session "+id+": "+err.Error())
	}

	return status, nil
}

func (t *Tracker) put(ctx context.Context, status *Status) error {
	b, err := json.Marshal(status)
	if err != nil {
		return errors.Wrap(ErrKV, err.Error())
	}

	if err := t.kv.Put(ctx, status.Session, b); err != nil {
		return errors.Wrap(ErrKV, err.Error())
	}

	return nil
}
