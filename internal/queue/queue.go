// Package queue carries node request jobs from submission to the worker pool.
package queue

import (
	"context"
	"strconv"

	"github.com/metal-toolbox/provisioner/internal/model"
	"github.com/pkg/errors"
)

// Kind identifies the handler a job is dispatched to.
type Kind string

const (
	KindAddHosts    Kind = "add-hosts"
	KindDeleteHosts Kind = "delete-hosts"
)

var (
	ErrQueueClosed = errors.New("queue closed")
	ErrQueueFull   = errors.New("queue full")
	ErrInvalidJob  = errors.New("invalid job")

	// ErrRedelivered is returned by Nak when the job was redelivered before and is dropped.
	ErrRedelivered = errors.New("job dropped, it was redelivered before")
)

// Kinds returns the job kinds handled by the worker.
func Kinds() []Kind {
	return []Kind{KindAddHosts, KindDeleteHosts}
}

// KindForAction returns the job kind for a node request action.
func KindForAction(action model.RequestAction) (Kind, error) {
	switch action {
	case model.ActionAdd:
		return KindAddHosts, nil
	case model.ActionDelete:
		return KindDeleteHosts, nil
	default:
		return "", errors.Wrap(ErrInvalidJob, "unknown action: "+string(action))
	}
}

// Job is a unit of work on the queue, the Session is the node request
// correlation id.
type Job struct {
	Kind    Kind   `json:"kind"`
	Session string `json:"session"`

	// delete-hosts parameters
	Nodespec string `json:"nodespec,omitempty"`
	Force    bool   `json:"force,omitempty"`

	// Retry is the number of operator retries of the node request.
	Retry int `json:"retry,omitempty"`
}

// MsgID returns the queue deduplication id of the job.
func (j Job) MsgID() string {
	if j.Retry == 0 {
		return j.Session
	}

	return j.Session + "-retry-" + strconv.Itoa(j.Retry)
}

func AddHostsJob(session string) Job {
	return Job{Kind: KindAddHosts, Session: session}
}

func DeleteHostsJob(session, nodespec string, force bool) Job {
	return Job{Kind: KindDeleteHosts, Session: session, Nodespec: nodespec, Force: force}
}

// JobForRequest returns the job that processes the node request.
func JobForRequest(req *model.NodeRequest) (Job, error) {
	kind, err := KindForAction(req.Action)
	if err != nil {
		return Job{}, err
	}

	if kind == KindAddHosts {
		job := AddHostsJob(req.AddHostSession)
		job.Retry = req.Retries

		return job, nil
	}

	dreq, err := req.DeleteHostRequest()
	if err != nil {
		return Job{}, err
	}

	job := DeleteHostsJob(req.AddHostSession, dreq.Nodespec, dreq.Force)
	job.Retry = req.Retries

	return job, nil
}

// Validate returns ErrInvalidJob when the job can not be dispatched.
func (j Job) Validate() error {
	if j.Session == "" {
		return errors.Wrap(ErrInvalidJob, "session required")
	}

	switch j.Kind {
	case KindAddHosts:
	case KindDeleteHosts:
		if j.Nodespec == "" {
			return errors.Wrap(ErrInvalidJob, "nodespec required")
		}
	default:
		return errors.Wrap(ErrInvalidJob, "unknown kind: "+string(j.Kind))
	}

	return nil
}

// Delivery is a job received from the queue, the consumer must Ack or Nak it.
type Delivery interface {
	Job() Job

	// Ack marks the job done, it is not delivered again.
	Ack() error

	// Nak returns the job to the queue for redelivery.
	Nak() error

	// InProgress extends the redelivery deadline of a job being processed.
	InProgress() error
}

// Queue is the job transport between request submission and the worker pool.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error

	// Deliveries returns the channel jobs are delivered on, it is closed when
	// ctx is canceled or the queue is closed.
	Deliveries(ctx context.Context) (<-chan Delivery, error)

	Close() error
}
