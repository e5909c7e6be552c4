// Package worker runs the pool processing queued add and delete host requests.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/metal-toolbox/provisioner/internal/events"
	"github.com/metal-toolbox/provisioner/internal/metrics"
	"github.com/metal-toolbox/provisioner/internal/nodeapi"
	"github.com/metal-toolbox/provisioner/internal/queue"
	"github.com/metal-toolbox/provisioner/internal/session"
	"github.com/metal-toolbox/provisioner/internal/store"
	"github.com/metal-toolbox/provisioner/internal/version"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

const (
	pkgName = "internal/worker"

	DefaultConcurrency = 1
)

var (
	// DefaultTaskTimeout is the time after which a node request is canceled.
	DefaultTaskTimeout = 180 * time.Minute

	// inProgressTick is the interval at which requests being processed
	// mark their delivery in progress on the queue.
	//
	// This value should be set to less than the queue ack wait value.
	inProgressTick = 30 * time.Second

	// releaseTimeout bounds the tracker updates made after the request context is done.
	releaseTimeout = 10 * time.Second

	ErrPanic   = errors.New("node request handler panic")
	errRequeue = errors.New("node request requeued")
)

type handlerFunc func(ctx context.Context, job queue.Job) error

// Worker processes node request jobs received from the queue.
//
// nolint:govet // fieldalignment - struct is better readable in its current form.
type Worker struct {
	repository  store.Repository
	queue       queue.Queue
	tracker     *session.Tracker
	nodes       *nodeapi.NodeAPI
	emitter     *events.Emitter
	logger      *logrus.Logger
	concurrency int
	taskTimeout time.Duration
	handlers    map[queue.Kind]handlerFunc
}

// Option sets optional Worker parameters.
type Option func(*Worker)

// WithConcurrency sets the number of requests processed in parallel.
func WithConcurrency(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithTaskTimeout sets the time after which a request is canceled.
func WithTaskTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.taskTimeout = d
		}
	}
}

// WithEmitter sets the emitter for request lifecycle events.
func WithEmitter(e *events.Emitter) Option {
	return func(w *Worker) {
		w.emitter = e
	}
}

// New returns a worker consuming jobs from q.
func New(
	repository store.Repository,
	q queue.Queue,
	tracker *session.Tracker,
	nodes *nodeapi.NodeAPI,
	logger *logrus.Logger,
	opts ...Option,
) *Worker {
	w := &Worker{
		repository:  repository,
		queue:       q,
		tracker:     tracker,
		nodes:       nodes,
		logger:      logger,
		concurrency: DefaultConcurrency,
		taskTimeout: DefaultTaskTimeout,
	}

	for _, opt := range opts {
		opt(w)
	}

	w.handlers = map[queue.Kind]handlerFunc{
		queue.KindAddHosts:    w.processAddHostRequest,
		queue.KindDeleteHosts: w.processDeleteHostRequest,
	}

	return w
}

// Run processes deliveries until ctx is canceled or the delivery channel is
// closed, it returns once all the requests being processed have returned.
func (w *Worker) Run(ctx context.Context) error {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "Run")
	defer span.End()

	deliveries, err := w.queue.Deliveries(ctx)
	if err != nil {
		return err
	}

	v := version.Current()
	w.logger.WithFields(
		logrus.Fields{
			"version":     v.AppVersion,
			"commit":      v.GitCommit,
			"branch":      v.GitBranch,
			"concurrency": w.concurrency,
		},
	).Info("provisioner worker running")

	g := &errgroup.Group{}
	g.SetLimit(w.concurrency)

Loop:
	for {
		select {
		case <-ctx.Done():
			break Loop
		case delivery, ok := <-deliveries:
			if !ok {
				break Loop
			}

			// blocks while the pool is at its limit
			g.Go(func() error {
				w.handle(ctx, delivery)
				return nil
			})
		}
	}

	w.logger.Info("waiting for node requests in progress")

	return g.Wait()
}

// handle dispatches the delivery to the handler for its kind.
//
// The delivery is acked unless the request session is held by another
// worker, errors are recorded on the node request by the handlers.
func (w *Worker) handle(ctx context.Context, delivery queue.Delivery) {
	job := delivery.Job()

	le := w.logger.WithFields(logrus.Fields{
		"session": job.Session,
		"kind":    job.Kind,
	})

	handler, exists := w.handlers[job.Kind]
	if !exists {
		le.Error("no handler for job kind, dropped")
		w.ack(delivery, le)

		return
	}

	ctx, cancel := context.WithTimeout(ctx, w.taskTimeout)
	defer cancel()

	done := make(chan struct{})
	defer close(done)

	go w.inProgress(delivery, done, le)

	err := safeRun(ctx, handler, job)

	var perr *panicError
	if errors.As(err, &perr) {
		le.WithField("trace", string(perr.stack)).Error("node request handler panic")
	}

	if errors.Is(err, errRequeue) {
		le.WithError(err).Info("node request requeued")
		w.nak(delivery, le)

		return
	}

	if err != nil {
		le.WithError(err).Error("node request handler error")
	}

	w.ack(delivery, le)
}

type panicError struct {
	value interface{}
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("%s: %v", ErrPanic, e.value)
}

func (e *panicError) Unwrap() error {
	return ErrPanic
}

// safeRun recovers a handler panic into an error.
func safeRun(ctx context.Context, handler handlerFunc, job queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()

	return handler(ctx, job)
}

func (w *Worker) inProgress(delivery queue.Delivery, done <-chan struct{}, le *logrus.Entry) {
	ticker := time.NewTicker(inProgressTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := delivery.InProgress(); err != nil {
				le.WithError(err).Warn("unable to mark delivery in progress")
			}
		case <-done:
			return
		}
	}
}

func (w *Worker) ack(delivery queue.Delivery, le *logrus.Entry) {
	metrics.JobsReceivedCounter.WithLabelValues(string(delivery.Job().Kind), "ack").Inc()

	if err := delivery.Ack(); err != nil {
		le.WithError(err).Warn("delivery ack error")
	}
}

func (w *Worker) nak(delivery queue.Delivery, le *logrus.Entry) {
	metrics.JobsReceivedCounter.WithLabelValues(string(delivery.Job().Kind), "nak").Inc()

	if err := delivery.Nak(); err != nil {
		le.WithError(err).Warn("delivery nak error")
	}
}
