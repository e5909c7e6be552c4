package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/metal-toolbox/provisioner/internal/metrics"
	"github.com/sirupsen/logrus"
)

// Emitter fires events, it never fails the caller.
type Emitter struct {
	pubsub PubSub
	log    *Log
	logger *logrus.Logger
}

// NewEmitter returns an Emitter publishing on pubsub, log may be nil.
func NewEmitter(pubsub PubSub, log *Log, logger *logrus.Logger) *Emitter {
	return &Emitter{pubsub: pubsub, log: log, logger: logger}
}

// Fire assigns the event an id and timestamp, records and publishes it.
//
// Publish errors are logged and counted, a nil Emitter discards events.
func (e *Emitter) Fire(ctx context.Context, event Event) {
	if e == nil {
		return
	}

	base := event.EventBase()
	base.ID = uuid.NewString()
	base.Timestamp = time.Now().UTC()

	if e.log != nil {
		e.log.Save(event)
	}

	if err := e.pubsub.Publish(ctx, event); err != nil {
		metrics.EventsPublishedCounter.WithLabelValues(string(base.Name), "dropped").Inc()

		e.logger.WithError(err).WithFields(logrus.Fields{
			"event": base.Name,
			"id":    base.ID,
		}).Warn("event publish failed")

		return
	}

	metrics.EventsPublishedCounter.WithLabelValues(string(base.Name), "published").Inc()

	e.logger.WithFields(logrus.Fields{
		"event": base.Name,
		"id":    base.ID,
	}).Trace("event published")
}
