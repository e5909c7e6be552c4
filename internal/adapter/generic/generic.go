// Package generic implements a resource adapter for nodes that are managed
// outside the provisioner, the nodes are registered from the client supplied
// names and addresses without calling out to any infrastructure API.
package generic

import (
	"context"
	"fmt"

	"github.com/metal-toolbox/provisioner/internal/adapter"
	"github.com/metal-toolbox/provisioner/internal/model"
	"github.com/metal-toolbox/provisioner/internal/store"
	"github.com/sirupsen/logrus"
)

const (
	Name = "generic"
)

type Generic struct {
	opts   *adapter.Options
	logger *logrus.Entry
}

// New is the adapter.Factory for the generic adapter.
func New(opts *adapter.Options) (adapter.Adapter, error) {
	return &Generic{
		opts:   opts,
		logger: opts.Logger.WithField("adapter", Name),
	}, nil
}

func (g *Generic) Name() string {
	return Name
}

func (g *Generic) Start(ctx context.Context, req *model.AddHostRequest, sess store.Session, hwp *model.HardwareProfile, swp *model.SoftwareProfile) (model.Nodes, error) {
	names, err := adapter.NodeNames(ctx, sess, req, hwp, "")
	if err != nil {
		return nil, err
	}

	nodes := make(model.Nodes, 0, len(names))

	for idx, name := range names {
		nics, err := adapter.NodeNics(req, idx)
		if err != nil {
			return nil, err
		}

		node := adapter.NewNode(name, req, hwp, swp)
		node.Nics = nics
		node.State = model.NodeStateInstalled

		nodes = append(nodes, node)
	}

	g.opts.Report(ctx, req.AddHostSession, fmt.Sprintf("registered %d node(s)", len(nodes)))

	return nodes, nil
}

// Stop is a no-op, the nodes resources are not managed by the provisioner.
func (g *Generic) Stop(_ context.Context, _ store.Session, nodes model.Nodes) error {
	g.logger.WithField("nodes", nodes.Names()).Debug("stop")

	return nil
}
