package adapter

import (
	"context"
	"time"

	"github.com/metal-toolbox/provisioner/internal/metrics"
	"github.com/metal-toolbox/provisioner/internal/model"
	"github.com/metal-toolbox/provisioner/internal/store"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrResource is returned by adapters when a call to the infrastructure they manage fails.
var ErrResource = errors.New("resource adapter operation failed")

//go:generate mockgen -source adapter.go -destination=../fixtures/mock.go -package=fixtures

// Adapter provisions and deprovisions compute resources for nodes of a hardware profile.
type Adapter interface {
	// Name is the name hardware profiles refer to the adapter by.
	Name() string

	// Start creates the resources for the requested nodes and returns the
	// nodes for the caller to persist, it does not commit the session.
	//
	// When some nodes were created and others failed, the created nodes are
	// returned along with a *PartialError.
	Start(ctx context.Context, req *model.AddHostRequest, sess store.Session, hwp *model.HardwareProfile, swp *model.SoftwareProfile) (model.Nodes, error)

	// Stop releases the resources of the given nodes.
	Stop(ctx context.Context, sess store.Session, nodes model.Nodes) error
}

// BootConfigurer is implemented by adapters that manage the boot configuration of their nodes.
type BootConfigurer interface {
	UpdateBootConfig(ctx context.Context, node *model.Node, hwp *model.HardwareProfile, swp *model.SoftwareProfile) error
}

// AsBootConfigurer returns the adapter as a BootConfigurer when it implements one.
func AsBootConfigurer(a Adapter) (BootConfigurer, bool) {
	if o, ok := a.(*observed); ok {
		a = o.Adapter
	}

	bc, ok := a.(BootConfigurer)

	return bc, ok
}

// Reporter receives progress messages for an add host session.
type Reporter interface {
	AppendMessage(ctx context.Context, session, msg string) error
}

// Options are passed to adapter factories.
type Options struct {
	Config   *Config
	Logger   *logrus.Logger
	Reporter Reporter
}

// Report appends a progress message to the session, errors are logged.
func (o *Options) Report(ctx context.Context, session, msg string) {
	o.Logger.WithField("session", session).Debug(msg)

	if o.Reporter == nil || session == "" {
		return
	}

	if err := o.Reporter.AppendMessage(ctx, session, msg); err != nil {
		o.Logger.WithError(err).WithField("session", session).Warn("unable to record progress message")
	}
}

// observed wraps an Adapter to record call metrics.
type observed struct {
	Adapter
	name string
}

func (o *observed) Start(ctx context.Context, req *model.AddHostRequest, sess store.Session, hwp *model.HardwareProfile, swp *model.SoftwareProfile) (model.Nodes, error) {
	started := time.Now()
	nodes, err := o.Adapter.Start(ctx, req, sess, hwp, swp)
	metrics.ObserveAdapterCall(o.name, "start", err, started)

	return nodes, err
}

func (o *observed) Stop(ctx context.Context, sess store.Session, nodes model.Nodes) error {
	started := time.Now()
	err := o.Adapter.Stop(ctx, sess, nodes)
	metrics.ObserveAdapterCall(o.name, "stop", err, started)

	return err
}
