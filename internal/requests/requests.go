// Package requests accepts add and delete host requests, persists them as
// queued node requests and hands them to the worker queue.
package requests

import (
	"context"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jinzhu/copier"
	"github.com/metal-toolbox/provisioner/internal/events"
	"github.com/metal-toolbox/provisioner/internal/model"
	"github.com/metal-toolbox/provisioner/internal/nodeapi"
	"github.com/metal-toolbox/provisioner/internal/queue"
	"github.com/metal-toolbox/provisioner/internal/session"
	sm "github.com/metal-toolbox/provisioner/internal/statemachine"
	"github.com/metal-toolbox/provisioner/internal/store"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const (
	pkgName = "internal/requests"
)

var (
	ErrEnqueue             = errors.New("unable to queue node request")
	ErrNodeRequestRunning  = errors.New("node request is being processed")
	ErrNodeRequestNotRetry = errors.New("only failed node requests can be retried")

	// ErrNodeRequestAbandoned is recorded on running requests no live worker holds.
	ErrNodeRequestAbandoned = errors.New("node request abandoned by its worker")
)

// Service is the entry point for node requests.
//
// nolint:govet // fieldalignment - struct is better readable in its current form.
type Service struct {
	repository store.Repository
	queue      queue.Queue
	tracker    *session.Tracker
	nodes      *nodeapi.NodeAPI
	emitter    *events.Emitter
	validate   *validator.Validate
	logger     *logrus.Logger

	// submissions are serialized so node count validations see every queued request.
	submitMu sync.Mutex
}

func New(
	repository store.Repository,
	q queue.Queue,
	tracker *session.Tracker,
	nodes *nodeapi.NodeAPI,
	emitter *events.Emitter,
	logger *logrus.Logger,
) *Service {
	return &Service{
		repository: repository,
		queue:      q,
		tracker:    tracker,
		nodes:      nodes,
		emitter:    emitter,
		validate:   validator.New(),
		logger:     logger,
	}
}

// SubmitAddHosts validates the request and queues it, the returned session
// identifies the request and the nodes it creates.
func (s *Service) SubmitAddHosts(ctx context.Context, admin string, req *model.AddHostRequest) (string, error) {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "SubmitAddHosts")
	defer span.End()

	if req == nil {
		return "", errors.Wrap(model.ErrInvalidArgument, "add host request required")
	}

	addReq := &model.AddHostRequest{}
	if err := copier.CopyWithOption(addReq, req, copier.Option{DeepCopy: true}); err != nil {
		return "", errors.Wrap(model.ErrInvalidArgument, err.Error())
	}

	if err := s.validate.Struct(addReq); err != nil {
		return "", errors.Wrap(model.ErrInvalidArgument, err.Error())
	}

	id := uuid.NewString()
	addReq.AddHostSession = id

	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	sess, err := s.repository.Open(ctx)
	if err != nil {
		return "", err
	}

	defer sess.Close()

	if err := s.nodes.ValidateAddNodesRequest(ctx, sess, addReq); err != nil {
		return "", err
	}

	nr, err := model.NewNodeRequest(id, model.ActionAdd, addReq)
	if err != nil {
		return "", err
	}

	nr.Admin = admin

	if err := s.submit(ctx, sess, nr); err != nil {
		return "", err
	}

	s.logger.WithFields(logrus.Fields{
		"session":         id,
		"hardwareProfile": addReq.HardwareProfile,
		"softwareProfile": addReq.SoftwareProfile,
		"count":           addReq.NodeCount(),
		"admin":           admin,
	}).Info("add host request queued")

	return id, nil
}

// SubmitDeleteHosts queues the removal of the nodes matching the nodespec.
func (s *Service) SubmitDeleteHosts(ctx context.Context, admin, nodespec string, force bool) (string, error) {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "SubmitDeleteHosts")
	defer span.End()

	delReq := &model.DeleteHostRequest{Nodespec: strings.TrimSpace(nodespec), Force: force}
	if err := s.validate.Struct(delReq); err != nil {
		return "", errors.Wrap(model.ErrInvalidArgument, err.Error())
	}

	id := uuid.NewString()

	nr, err := model.NewNodeRequest(id, model.ActionDelete, delReq)
	if err != nil {
		return "", err
	}

	nr.Admin = admin

	sess, err := s.repository.Open(ctx)
	if err != nil {
		return "", err
	}

	defer sess.Close()

	if err := s.submit(ctx, sess, nr); err != nil {
		return "", err
	}

	s.logger.WithFields(logrus.Fields{
		"session":  id,
		"nodespec": delReq.Nodespec,
		"force":    force,
		"admin":    admin,
	}).Info("delete host request queued")

	return id, nil
}

// submit persists the queued request and enqueues its job, the request is
// removed when the job can not be queued.
func (s *Service) submit(ctx context.Context, sess store.Session, nr *model.NodeRequest) error {
	job, err := queue.JobForRequest(nr)
	if err != nil {
		return err
	}

	if err := s.tracker.CreateSession(ctx, nr.AddHostSession); err != nil {
		return err
	}

	if err := sess.AddNodeRequest(ctx, nr); err != nil {
		s.dropSession(ctx, nr.AddHostSession)
		return err
	}

	if err := sess.Commit(); err != nil {
		s.dropSession(ctx, nr.AddHostSession)
		return err
	}

	if err := s.queue.Enqueue(ctx, job); err != nil {
		s.rollback(nr)
		return errors.Wrap(ErrEnqueue, err.Error())
	}

	s.emitter.Fire(ctx, events.NewNodeRequestQueued(nr))

	return nil
}

func (s *Service) dropSession(ctx context.Context, id string) {
	if err := s.tracker.DeleteSession(ctx, id); err != nil {
		s.logger.WithError(err).WithField("session", id).Warn("unable to remove session")
	}
}

// rollback removes a request that was persisted but never queued.
func (s *Service) rollback(nr *model.NodeRequest) {
	ctx := context.Background()
	le := s.logger.WithField("session", nr.AddHostSession)

	s.dropSession(ctx, nr.AddHostSession)

	sess, err := s.repository.Open(ctx)
	if err != nil {
		le.WithError(err).Error("unable to remove unqueued node request")
		return
	}

	defer sess.Close()

	if err := sess.DeleteNodeRequest(ctx, nr); err != nil {
		le.WithError(err).Error("unable to remove unqueued node request")
		return
	}

	if err := sess.Commit(); err != nil {
		le.WithError(err).Error("unable to remove unqueued node request")
	}
}

// NodeRequests returns the node requests in the state, all requests when state is empty.
func (s *Service) NodeRequests(ctx context.Context, state string) ([]*model.NodeRequest, error) {
	sess, err := s.repository.Open(ctx)
	if err != nil {
		return nil, err
	}

	defer sess.Close()

	if state == "" {
		return sess.NodeRequests(ctx)
	}

	for _, valid := range model.RequestStates() {
		if string(valid) == state {
			return sess.NodeRequestsByState(ctx, valid)
		}
	}

	return nil, errors.Wrap(model.ErrInvalidArgument, "unknown node request state: "+state)
}

func (s *Service) NodeRequest(ctx context.Context, id string) (*model.NodeRequest, error) {
	sess, err := s.repository.Open(ctx)
	if err != nil {
		return nil, err
	}

	defer sess.Close()

	return sess.NodeRequestBySession(ctx, id)
}

// CancelNodeRequest removes a queued or failed request, requests being
// processed can not be canceled.
func (s *Service) CancelNodeRequest(ctx context.Context, id string) error {
	sess, err := s.repository.Open(ctx)
	if err != nil {
		return err
	}

	defer sess.Close()

	nr, err := sess.NodeRequestBySession(ctx, id)
	if err != nil {
		return err
	}

	if nr.RequestState == model.StateComplete {
		return errors.Wrap(ErrNodeRequestRunning, id)
	}

	held, err := s.tracker.Held(ctx, id)
	if err != nil {
		return err
	}

	if held {
		return errors.Wrap(ErrNodeRequestRunning, id)
	}

	if nr.RequestState == model.StateRunning {
		s.logger.WithField("session", id).Warn("canceling node request abandoned by its worker")
	}

	if err := sess.DeleteNodeRequest(ctx, nr); err != nil {
		return err
	}

	if err := sess.Commit(); err != nil {
		if errors.Is(err, store.ErrTransactionConflict) {
			return errors.Wrap(ErrNodeRequestRunning, id)
		}

		return err
	}

	s.dropSession(ctx, id)

	s.logger.WithFields(logrus.Fields{
		"session": id,
		"state":   nr.RequestState,
	}).Info("node request canceled")

	return nil
}

// RetryNodeRequest queues a failed request again.
func (s *Service) RetryNodeRequest(ctx context.Context, id string) error {
	sess, err := s.repository.Open(ctx)
	if err != nil {
		return err
	}

	defer sess.Close()

	nr, err := sess.NodeRequestBySession(ctx, id)
	if err != nil {
		return err
	}

	le := s.logger.WithFields(logrus.Fields{"session": id, "retry": nr.Retries + 1})
	machine := sm.NewRequestStateMachine(&sm.StoreTransitioner{Session: sess})

	switch nr.RequestState {
	case model.StateError:
	case model.StateRunning:
		held, err := s.tracker.Held(ctx, id)
		if err != nil {
			return err
		}

		if held {
			return errors.Wrap(ErrNodeRequestRunning, id)
		}

		le.Warn("retrying node request abandoned by its worker")

		if err := machine.Transition(nr, sm.Fail, &sm.HandlerContext{Ctx: ctx, Err: ErrNodeRequestAbandoned, Logger: le}); err != nil {
			return err
		}
	default:
		return errors.Wrap(ErrNodeRequestNotRetry, "node request "+id+" is "+string(nr.RequestState))
	}

	nr.Retries++

	hctx := &sm.HandlerContext{Ctx: ctx, Logger: le}
	if err := machine.Transition(nr, sm.Retry, hctx); err != nil {
		return err
	}

	if err := sess.Commit(); err != nil {
		return err
	}

	job, err := queue.JobForRequest(nr)
	if err != nil {
		return err
	}

	if err := s.queue.Enqueue(ctx, job); err != nil {
		// left queued, RequeuePending picks it up on the next start
		return errors.Wrap(ErrEnqueue, err.Error())
	}

	le.Info("node request queued for retry")

	return nil
}

// RequeuePending queues the jobs of the requests left queued or running,
// it is run at startup to recover requests an in-process queue lost.
func (s *Service) RequeuePending(ctx context.Context) (int, error) {
	sess, err := s.repository.Open(ctx)
	if err != nil {
		return 0, err
	}

	defer sess.Close()

	all, err := sess.NodeRequests(ctx)
	if err != nil {
		return 0, err
	}

	var queued int

	for _, nr := range all {
		if nr.RequestState != model.StateQueued && nr.RequestState != model.StateRunning {
			continue
		}

		job, err := queue.JobForRequest(nr)
		if err != nil {
			s.logger.WithError(err).WithField("session", nr.AddHostSession).Warn("skipped pending node request")
			continue
		}

		if err := s.queue.Enqueue(ctx, job); err != nil {
			return queued, errors.Wrap(ErrEnqueue, err.Error())
		}

		queued++
	}

	return queued, nil
}

// SessionStatus returns the session status with the messages starting at startMessage.
func (s *Service) SessionStatus(ctx context.Context, id string, startMessage int) (*session.Status, error) {
	return s.tracker.Status(ctx, id, startMessage)
}

// Nodes returns the nodes matching the nodespec, all nodes when it is empty.
func (s *Service) Nodes(ctx context.Context, nodespec string) (model.Nodes, error) {
	sess, err := s.repository.Open(ctx)
	if err != nil {
		return nil, err
	}

	defer sess.Close()

	return s.nodes.Nodes(ctx, sess, nodespec)
}

// UpdateNodeStatus records a status report of the node, it returns true when
// the node state or boot device changed.
func (s *Service) UpdateNodeStatus(ctx context.Context, name string, status *model.NodeStatus) (bool, error) {
	if err := s.validate.Struct(status); err != nil {
		return false, errors.Wrap(model.ErrInvalidArgument, err.Error())
	}

	sess, err := s.repository.Open(ctx)
	if err != nil {
		return false, err
	}

	defer sess.Close()

	changed, err := s.nodes.UpdateNodeStatus(ctx, sess, name, status)
	if err != nil {
		return false, err
	}

	if err := sess.Commit(); err != nil {
		return false, err
	}

	return changed, nil
}

// TouchNodes sets the last update time of the named nodes.
func (s *Service) TouchNodes(ctx context.Context, names []string) (int, error) {
	if len(names) == 0 {
		return 0, nil
	}

	sess, err := s.repository.Open(ctx)
	if err != nil {
		return 0, err
	}

	defer sess.Close()

	touched, err := s.nodes.TouchNodes(ctx, sess, names)
	if err != nil {
		return 0, err
	}

	if err := sess.Commit(); err != nil {
		return 0, err
	}

	return touched, nil
}
