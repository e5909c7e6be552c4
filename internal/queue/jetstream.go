package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	StreamName    = "PROVISIONER_REQUESTS"
	SubjectPrefix = "provisioner.requests"
	ConsumerName  = "provisioner-worker"
)

var (
	ErrJetStream = errors.New("jetstream queue error")
)

// JetStreamOptions configures the JetStream work queue.
//
// nolint:govet // fieldalignment - struct is better readable in its current form.
type JetStreamOptions struct {
	Stream   string
	Consumer string
	Replicas int

	// DuplicateWindow is the period in which jobs with the same session are deduplicated.
	DuplicateWindow time.Duration

	// AckWait is the time after which an unacknowledged job is redelivered.
	AckWait    time.Duration
	MaxDeliver int

	// NakDelay is the redelivery delay of a job handed back by a worker, it
	// grows with each delivery. Zero redelivers immediately.
	NakDelay time.Duration

	FetchBatch   int
	FetchTimeout time.Duration
}

func DefaultJetStreamOptions() JetStreamOptions {
	// nolint:gomnd // values are clear as is
	return JetStreamOptions{
		Stream:          StreamName,
		Consumer:        ConsumerName,
		Replicas:        1,
		DuplicateWindow: 10 * time.Minute,
		AckWait:         5 * time.Minute,
		MaxDeliver:      5,
		NakDelay:        30 * time.Second,
		FetchBatch:      1,
		FetchTimeout:    5 * time.Second,
	}
}

// Subject returns the subject jobs of kind are published on.
func Subject(kind Kind) string {
	return SubjectPrefix + "." + string(kind)
}

// JetStreamQueue is a Queue on a JetStream work queue stream.
//
// Jobs are published with the session and retry count as the message id, a
// resubmission within the duplicate window is dropped by the server.
type JetStreamQueue struct {
	js     nats.JetStreamContext
	opts   JetStreamOptions
	logger *logrus.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewJetStreamQueue returns a queue on the stream, the stream is created when it does not exist.
func NewJetStreamQueue(js nats.JetStreamContext, opts JetStreamOptions, logger *logrus.Logger) (*JetStreamQueue, error) {
	if opts.Stream == "" {
		opts.Stream = StreamName
	}

	if opts.Consumer == "" {
		opts.Consumer = ConsumerName
	}

	if opts.FetchBatch <= 0 {
		opts.FetchBatch = 1
	}

	if opts.FetchTimeout == 0 {
		opts.FetchTimeout = DefaultJetStreamOptions().FetchTimeout
	}

	_, err := js.StreamInfo(opts.Stream)
	if err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return nil, errors.Wrap(ErrJetStream, err.Error())
		}

		_, err = js.AddStream(&nats.StreamConfig{
			Name:       opts.Stream,
			Subjects:   []string{SubjectPrefix + ".>"},
			Retention:  nats.WorkQueuePolicy,
			Storage:    nats.FileStorage,
			Replicas:   opts.Replicas,
			Duplicates: opts.DuplicateWindow,
		})
		if err != nil {
			return nil, errors.Wrap(ErrJetStream, "add stream: "+err.Error())
		}
	}

	return &JetStreamQueue{js: js, opts: opts, logger: logger}, nil
}

func (q *JetStreamQueue) Enqueue(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(ErrInvalidJob, err.Error())
	}

	ack, err := q.js.Publish(Subject(job.Kind), data, nats.MsgId(job.MsgID()), nats.Context(ctx))
	if err != nil {
		return errors.Wrap(ErrJetStream, "publish: "+err.Error())
	}

	if ack.Duplicate {
		q.logger.WithFields(logrus.Fields{
			"session": job.Session,
			"kind":    job.Kind,
		}).Debug("duplicate job dropped by stream")
	}

	return nil
}

// Deliveries starts a pull consumer, fetch errors are retried with a backoff until ctx is canceled.
func (q *JetStreamQueue) Deliveries(ctx context.Context) (<-chan Delivery, error) {
	sub, err := q.js.PullSubscribe(
		SubjectPrefix+".>",
		q.opts.Consumer,
		nats.BindStream(q.opts.Stream),
		nats.AckExplicit(),
		nats.AckWait(q.opts.AckWait),
		nats.MaxDeliver(q.opts.MaxDeliver),
	)
	if err != nil {
		return nil, errors.Wrap(ErrJetStream, "pull subscribe: "+err.Error())
	}

	q.mu.Lock()
	q.subs = append(q.subs, sub)
	q.mu.Unlock()

	out := make(chan Delivery)

	go q.fetch(ctx, sub, out)

	return out, nil
}

func (q *JetStreamQueue) fetch(ctx context.Context, sub *nats.Subscription, out chan<- Delivery) {
	defer close(out)

	// nolint:gomnd // time duration definitions are clear as is.
	delay := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    10 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	for {
		if ctx.Err() != nil || !sub.IsValid() {
			return
		}

		fetchCtx, cancel := context.WithTimeout(ctx, q.opts.FetchTimeout)
		msgs, err := sub.Fetch(q.opts.FetchBatch, nats.Context(fetchCtx))
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}

			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
				continue
			}

			wait := delay.Duration()
			q.logger.WithError(err).WithField("retry", wait.String()).Warn("job fetch error")

			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}

			continue
		}

		delay.Reset()

		for _, msg := range msgs {
			job := Job{}
			if err := json.Unmarshal(msg.Data, &job); err != nil {
				q.logger.WithError(err).WithField("subject", msg.Subject).Error("dropped undecodable job")

				_ = msg.Term()

				continue
			}

			select {
			case out <- &jsDelivery{msg: msg, job: job, nakDelay: q.opts.NakDelay}:
			case <-ctx.Done():
				// unacked, redelivered after AckWait
				return
			}
		}
	}
}

// Close unsubscribes the pull consumers.
func (q *JetStreamQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, sub := range q.subs {
		if sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}

	q.subs = nil

	return nil
}

type jsDelivery struct {
	msg      *nats.Msg
	job      Job
	nakDelay time.Duration
}

func (d *jsDelivery) Job() Job {
	return d.job
}

func (d *jsDelivery) Ack() error {
	return d.msg.Ack()
}

// Nak hands the job back for redelivery after the delay for its delivery count.
func (d *jsDelivery) Nak() error {
	delay := nakDelay(d.msg, d.nakDelay)
	if delay == 0 {
		return d.msg.Nak()
	}

	return d.msg.NakWithDelay(delay)
}

func nakDelay(msg *nats.Msg, base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}

	delivered := uint64(1)
	if meta, err := msg.Metadata(); err == nil && meta.NumDelivered > 0 {
		delivered = meta.NumDelivered
	}

	return base * time.Duration(delivered)
}

func (d *jsDelivery) InProgress() error {
	return d.msg.InProgress()
}
