package events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	subjectPrefix = "events"
)

var (
	ErrNatsPubSub = errors.New("nats pubsub error")
)

// NatsPubSub publishes events on NATS core subjects events.<name>.
type NatsPubSub struct {
	conn   *nats.Conn
	logger *logrus.Logger
}

func NewNatsPubSub(conn *nats.Conn, logger *logrus.Logger) *NatsPubSub {
	return &NatsPubSub{conn: conn, logger: logger}
}

// Subject returns the subject events with the given name are published on,
// the empty name returns the wildcard subject for all events.
func Subject(name Name) string {
	if name == "" {
		return subjectPrefix + ".*"
	}

	return subjectPrefix + "." + string(name)
}

func (n *NatsPubSub) Publish(_ context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(ErrNatsPubSub, err.Error())
	}

	if err := n.conn.Publish(Subject(e.EventBase().Name), b); err != nil {
		return errors.Wrap(ErrNatsPubSub, err.Error())
	}

	return nil
}

func (n *NatsPubSub) Subscribe(ctx context.Context, name Name) (<-chan Event, func(), error) {
	var (
		mu     sync.Mutex
		closed bool
	)

	ch := make(chan Event, subscriberBuffer)
	done := make(chan struct{})

	sub, err := n.conn.Subscribe(Subject(name), func(msg *nats.Msg) {
		e, err := Decode(msg.Data)
		if err != nil {
			n.logger.WithError(err).WithField("subject", msg.Subject).Warn("dropped undecodable event")
			return
		}

		mu.Lock()
		defer mu.Unlock()

		if closed {
			return
		}

		select {
		case ch <- e:
		default:
		}
	})
	if err != nil {
		return nil, nil, errors.Wrap(ErrNatsPubSub, err.Error())
	}

	var once sync.Once

	cancel := func() {
		once.Do(func() {
			if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				n.logger.WithError(err).Debug("event unsubscribe")
			}

			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()

			close(done)
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()

	return ch, cancel, nil
}

// Close flushes pending publishes, the connection is owned by the caller.
func (n *NatsPubSub) Close() error {
	if n.conn.IsClosed() {
		return nil
	}

	return n.conn.Flush()
}
