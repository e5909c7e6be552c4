package queue

import (
	"context"
	"sync"

	"github.com/metal-toolbox/provisioner/internal/metrics"
)

const (
	DefaultChanQueueSize = 128
)

// ChanQueue is a bounded in-process Queue.
type ChanQueue struct {
	mu     sync.RWMutex
	ch     chan Delivery
	done   chan struct{}
	once   sync.Once
	closed bool
}

func NewChanQueue(size int) *ChanQueue {
	if size <= 0 {
		size = DefaultChanQueueSize
	}

	return &ChanQueue{
		ch:   make(chan Delivery, size),
		done: make(chan struct{}),
	}
}

// Enqueue blocks until the job is queued, ctx is canceled or the queue is closed.
func (q *ChanQueue) Enqueue(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.ch <- &chanDelivery{job: job, queue: q}:
		metrics.QueueDepth.Set(float64(len(q.ch)))
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliveries returns the queue channel, every consumer receives from the same channel.
func (q *ChanQueue) Deliveries(_ context.Context) (<-chan Delivery, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	return q.ch, nil
}

// Close stops accepting jobs and closes the delivery channel.
func (q *ChanQueue) Close() error {
	q.once.Do(func() {
		close(q.done)

		q.mu.Lock()
		q.closed = true
		close(q.ch)
		q.mu.Unlock()
	})

	return nil
}

// requeue makes a best effort attempt to put the job back without blocking.
func (q *ChanQueue) requeue(job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.ch <- &chanDelivery{job: job, queue: q, redelivered: true}:
		metrics.QueueDepth.Set(float64(len(q.ch)))
		return nil
	default:
		return ErrQueueFull
	}
}

type chanDelivery struct {
	job         Job
	queue       *ChanQueue
	redelivered bool
}

func (d *chanDelivery) Job() Job {
	return d.job
}

func (d *chanDelivery) Ack() error {
	metrics.QueueDepth.Set(float64(len(d.queue.ch)))
	return nil
}

// Nak re-enqueues the job once, a redelivered job is dropped with ErrRedelivered.
func (d *chanDelivery) Nak() error {
	if d.redelivered {
		return ErrRedelivered
	}

	return d.queue.requeue(d.job)
}

func (d *chanDelivery) InProgress() error {
	return nil
}
