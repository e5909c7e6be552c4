package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/metal-toolbox/provisioner/internal/events"
	"github.com/metal-toolbox/provisioner/internal/metrics"
	"github.com/metal-toolbox/provisioner/internal/model"
	"github.com/metal-toolbox/provisioner/internal/queue"
	sm "github.com/metal-toolbox/provisioner/internal/statemachine"
	"github.com/metal-toolbox/provisioner/internal/store"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// outcome is the result of executing a claimed node request.
type outcome int

const (
	outcomeFailed outcome = iota
	outcomeCompleted
	// removed since it was claimed
	outcomeRemoved
	// moved out of the running state since it was claimed
	outcomeChanged
)

// nodeOp runs the node operation of a request in the given store session.
type nodeOp func(ctx context.Context, sess store.Session, req *model.NodeRequest) (model.Nodes, error)

func (w *Worker) processAddHostRequest(ctx context.Context, job queue.Job) error {
	op := func(ctx context.Context, sess store.Session, req *model.NodeRequest) (model.Nodes, error) {
		addReq, err := req.AddHostRequest()
		if err != nil {
			return nil, err
		}

		return w.nodes.AddHosts(ctx, sess, addReq)
	}

	return w.process(ctx, job, model.ActionAdd, op, nil)
}

func (w *Worker) processDeleteHostRequest(ctx context.Context, job queue.Job) error {
	op := func(ctx context.Context, sess store.Session, req *model.NodeRequest) (model.Nodes, error) {
		delReq, err := req.DeleteHostRequest()
		if err != nil {
			return nil, err
		}

		return w.nodes.DeleteNode(ctx, sess, delReq.Nodespec, delReq.Force)
	}

	return w.process(ctx, job, model.ActionDelete, op, deleteCompleted)
}

// deleteCompleted returns true for delete errors that complete the request,
// the nodes are gone or can not be removed and a retry would not change that.
func deleteCompleted(err error) bool {
	return errors.Is(err, model.ErrNodeNotFound) || errors.Is(err, model.ErrOperationFailed)
}

// process runs the node request for the job session.
//
// A missing or already processed request is a no-op, a session held by
// another worker returns errRequeue.
func (w *Worker) process(ctx context.Context, job queue.Job, action model.RequestAction, op nodeOp, completes func(error) bool) error {
	ctx, span := otel.Tracer(pkgName).Start(
		ctx,
		"process."+string(job.Kind),
		trace.WithAttributes(attribute.String("session", job.Session)),
	)
	defer span.End()

	le := w.logger.WithFields(logrus.Fields{
		"session": job.Session,
		"kind":    job.Kind,
	})

	started := time.Now()

	req, err := w.claim(ctx, job.Session, action, le)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if req == nil {
		return nil
	}

	le = le.WithField("requestID", req.ID.String())
	le.Info("processing node request")

	result, err := w.execute(ctx, job, req, op, completes, le)

	w.release(job.Session, result == outcomeCompleted || result == outcomeRemoved, le)

	switch result {
	case outcomeCompleted:
		metrics.ObserveNodeRequest(string(action), string(model.StateComplete), started)
		return nil
	case outcomeFailed:
		metrics.ObserveNodeRequest(string(action), string(model.StateError), started)

		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}

		return err
	default:
		le.Info("node request changed since it was claimed, nothing to do")
		return nil
	}
}

// claim marks the session running and moves the request to running.
func (w *Worker) claim(ctx context.Context, id string, action model.RequestAction, le *logrus.Entry) (*model.NodeRequest, error) {
	sess, err := w.repository.Open(ctx)
	if err != nil {
		return nil, errors.Wrap(errRequeue, err.Error())
	}

	defer sess.Close()

	req, err := sess.NodeRequestBySession(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrNodeRequestNotFound) {
			le.Debug("node request not found, nothing to do")
			return nil, nil
		}

		return nil, err
	}

	if req.Action != action {
		le.WithField("action", req.Action).Warn("job kind does not match the node request action, dropped")
		return nil, nil
	}

	switch req.RequestState {
	case model.StateQueued, model.StateRunning:
	default:
		le.WithField("state", req.RequestState).Debug("node request not queued, nothing to do")
		return nil, nil
	}

	if err := w.tracker.UpdateSession(ctx, id, true); err != nil {
		return nil, errors.Wrap(errRequeue, err.Error())
	}

	if req.RequestState == model.StateRunning {
		// the session marker of the worker that was running it is gone, stale
		// or left by a previous run of this worker
		le.Warn("resuming node request left in running state")
		return req, nil
	}

	hctx := &sm.HandlerContext{Ctx: ctx, Logger: le}
	if err := sm.NewRequestStateMachine(&sm.StoreTransitioner{Session: sess}).Transition(req, sm.Run, hctx); err != nil {
		w.release(id, false, le)
		return nil, err
	}

	if err := sess.Commit(); err != nil {
		if errors.Is(err, store.ErrTransactionConflict) {
			// canceled or processed since the lookup
			le.WithError(err).Info("node request changed while claiming, nothing to do")
			w.release(id, true, le)

			return nil, nil
		}

		w.release(id, false, le)

		return nil, err
	}

	return req, nil
}

// execute runs the node operation and completes or fails the request.
func (w *Worker) execute(ctx context.Context, job queue.Job, req *model.NodeRequest, op nodeOp, completes func(error) bool, le *logrus.Entry) (outcome, error) {
	sess, err := w.repository.Open(ctx)
	if err != nil {
		w.recordFailure(ctx, job, req, err, le)
		return outcomeFailed, err
	}

	defer sess.Close()

	// the request as of this session, another worker may have run it since the claim
	req, err = sess.NodeRequestBySession(ctx, req.AddHostSession)
	if err != nil {
		if errors.Is(err, model.ErrNodeRequestNotFound) {
			return outcomeRemoved, nil
		}

		return outcomeFailed, err
	}

	if req.RequestState != model.StateRunning {
		return outcomeChanged, nil
	}

	nodes, opErr := runOp(ctx, sess, req, op)

	machine := sm.NewRequestStateMachine(&sm.StoreTransitioner{Session: sess})
	hctx := &sm.HandlerContext{Ctx: ctx, Logger: le}

	if opErr != nil && (completes == nil || !completes(opErr)) {
		// nodes created before the failure are committed along with the error
		hctx.Err = opErr
		if err := machine.Transition(req, sm.Fail, hctx); err != nil {
			le.WithError(err).Error("node request fail transition error")
			sess.Close()
			w.recordFailure(ctx, job, req, opErr, le)

			return outcomeFailed, opErr
		}

		if err := sess.Commit(); err != nil {
			// nodes created before the failure are lost with the session
			le.WithError(err).Error("unable to commit node request failure")
			w.recordFailure(ctx, job, req, opErr, le)

			return outcomeFailed, opErr
		}

		le.WithError(opErr).Warn("node request failed")
		w.fireFailed(ctx, job, req, opErr)

		return outcomeFailed, opErr
	}

	if err := machine.Transition(req, sm.Complete, hctx); err != nil {
		sess.Close()
		w.recordFailure(ctx, job, req, err, le)

		return outcomeFailed, err
	}

	if err := sess.DeleteNodeRequest(ctx, req); err != nil {
		sess.Close()
		w.recordFailure(ctx, job, req, err, le)

		return outcomeFailed, err
	}

	if err := sess.Commit(); err != nil {
		w.recordFailure(ctx, job, req, err, le)
		return outcomeFailed, err
	}

	if opErr != nil {
		le.WithError(opErr).Info("delete request completed without removing nodes")
		w.emitter.Fire(ctx, events.NewTaskFailed(
			req.ID.String(),
			string(job.Kind),
			opErr,
			[]string{req.AddHostSession},
			taskKwargs(req),
			errorTrace(opErr),
		))
	}

	w.emitter.Fire(ctx, events.NewNodeRequestComplete(req, nodes.Names()))
	le.WithField("nodes", nodes.Names()).Info("node request complete")

	return outcomeCompleted, nil
}

// runOp recovers a panic in the node operation into an error.
func runOp(ctx context.Context, sess store.Session, req *model.NodeRequest, op nodeOp) (nodes model.Nodes, err error) {
	defer func() {
		if r := recover(); r != nil {
			nodes = nil
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()

	return op(ctx, sess, req)
}

// recordFailure moves the request to the error state in a new store session.
func (w *Worker) recordFailure(ctx context.Context, job queue.Job, req *model.NodeRequest, cause error, le *logrus.Entry) {
	le.WithError(cause).Warn("node request failed")

	// the request context may be done, the failure is recorded regardless
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	sess, err := w.repository.Open(ctx)
	if err != nil {
		le.WithError(err).Error("unable to record node request failure")
		return
	}

	defer sess.Close()

	current, err := sess.NodeRequestBySession(ctx, req.AddHostSession)
	if err != nil {
		le.WithError(err).Error("unable to record node request failure")
		return
	}

	hctx := &sm.HandlerContext{Ctx: ctx, Err: cause, Logger: le}
	if err := sm.NewRequestStateMachine(&sm.StoreTransitioner{Session: sess}).Transition(current, sm.Fail, hctx); err != nil {
		le.WithError(err).Error("unable to record node request failure")
		return
	}

	if err := sess.Commit(); err != nil {
		le.WithError(err).Error("unable to record node request failure")
		return
	}

	w.fireFailed(ctx, job, current, cause)
}

func (w *Worker) fireFailed(ctx context.Context, job queue.Job, req *model.NodeRequest, err error) {
	w.emitter.Fire(ctx, events.NewNodeRequestFailed(req, err))
	w.emitter.Fire(ctx, events.NewTaskFailed(
		req.ID.String(),
		string(job.Kind),
		err,
		[]string{req.AddHostSession},
		taskKwargs(req),
		errorTrace(err),
	))
}

// release clears the session running flag, remove deletes the session.
func (w *Worker) release(id string, remove bool, le *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	if err := w.tracker.UpdateSession(ctx, id, false); err != nil {
		le.WithError(err).Warn("unable to release session")
	}

	if !remove {
		return
	}

	if err := w.tracker.DeleteSession(ctx, id); err != nil {
		le.WithError(err).Warn("unable to delete session")
	}
}

func taskKwargs(req *model.NodeRequest) map[string]string {
	kwargs := map[string]string{
		"action": string(req.Action),
	}

	if req.Admin != "" {
		kwargs["admin"] = req.Admin
	}

	switch req.Action {
	case model.ActionAdd:
		if add, err := req.AddHostRequest(); err == nil {
			kwargs["hardwareProfile"] = add.HardwareProfile
			kwargs["softwareProfile"] = add.SoftwareProfile
			kwargs["count"] = strconv.Itoa(add.NodeCount())
		}
	case model.ActionDelete:
		if del, err := req.DeleteHostRequest(); err == nil {
			kwargs["nodespec"] = del.Nodespec
			kwargs["force"] = strconv.FormatBool(del.Force)
		}
	}

	return kwargs
}

// errorTrace returns the panic stack or the error stack trace recorded by pkg/errors.
func errorTrace(err error) string {
	var perr *panicError
	if errors.As(err, &perr) {
		return string(perr.stack)
	}

	return fmt.Sprintf("%+v", err)
}
