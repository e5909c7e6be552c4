package nodeapi

import (
	"context"
	"time"

	"github.com/metal-toolbox/provisioner/internal/adapter"
	"github.com/metal-toolbox/provisioner/internal/events"
	"github.com/metal-toolbox/provisioner/internal/model"
	"github.com/metal-toolbox/provisioner/internal/store"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// UpdateNodeStatus applies a status report of the node and returns true when
// the state or boot device changed, the last update time is always set.
//
// The boot configuration is rewritten by adapters that manage it when the
// report carries a boot device.
func (n *NodeAPI) UpdateNodeStatus(ctx context.Context, sess store.Session, name string, status *model.NodeStatus) (bool, error) {
	node, err := sess.Node(ctx, name)
	if err != nil {
		return false, err
	}

	if node.State == model.NodeStateDeleted {
		return false, errors.Wrap(model.ErrInvalidArgument, "node "+name+" is being deleted")
	}

	le := n.logger.WithField("node", node.Name)
	previous := node.State

	var stateChanged, bootChanged bool

	if status.State != "" && status.State != node.State {
		stateChanged = true
		node.State = status.State
	}

	if status.BootFrom != nil && *status.BootFrom != node.BootFrom {
		bootChanged = true
		node.BootFrom = *status.BootFrom
	}

	node.LastUpdate = time.Now().UTC()

	if err := sess.UpdateNode(ctx, node); err != nil {
		return false, err
	}

	if status.BootFrom != nil {
		if err := n.updateBootConfig(ctx, sess, node); err != nil {
			return false, err
		}
	}

	switch {
	case stateChanged || bootChanged:
		le.WithFields(logrus.Fields{
			"previous": previous,
			"state":    node.State,
			"bootFrom": node.BootFrom.String(),
		}).Info("node status changed")
	default:
		le.Debug("node status timestamp updated")
	}

	if stateChanged {
		n.emitter.Fire(ctx, events.NewNodeStateChanged(node.Name, previous, node.State))
	}

	return stateChanged || bootChanged, nil
}

func (n *NodeAPI) updateBootConfig(ctx context.Context, sess store.Session, node *model.Node) error {
	if node.SoftwareProfile == "" || node.ShortName() == model.InstallerNodeName {
		return nil
	}

	hwp, err := sess.HardwareProfile(ctx, node.HardwareProfile)
	if err != nil {
		return err
	}

	if hwp.ResourceAdapter == "" {
		return nil
	}

	resourceAdapter, err := n.registry.Get(hwp.ResourceAdapter)
	if err != nil {
		if errors.Is(err, model.ErrResourceNotFound) {
			n.logger.WithField("node", node.Name).WithError(err).Warn("boot configuration not updated")
			return nil
		}

		return err
	}

	bc, ok := adapter.AsBootConfigurer(resourceAdapter)
	if !ok {
		return nil
	}

	swp, err := sess.SoftwareProfile(ctx, node.SoftwareProfile)
	if err != nil {
		return err
	}

	return bc.UpdateBootConfig(ctx, node, hwp, swp)
}

// TouchNodes sets the last update time of the nodes that answered a ping and
// returns the number of nodes updated.
//
// A name that is not a node name is matched as a prefix, pingers may report
// the short node name.
func (n *NodeAPI) TouchNodes(ctx context.Context, sess store.Session, names []string) (int, error) {
	all, err := sess.Nodes(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	touched := map[string]bool{}

	for _, name := range names {
		nodes := model.ExpandNodespec(name, all, true)
		if len(nodes) == 0 {
			nodes = model.ExpandNodespec(name+"*", all, true)
		}

		if len(nodes) == 0 {
			n.logger.WithField("node", name).Warn("node pinger could not find node, skipped")
			continue
		}

		for _, node := range nodes {
			if touched[node.Name] {
				continue
			}

			node.LastUpdate = now

			if err := sess.UpdateNode(ctx, node); err != nil {
				return len(touched), err
			}

			touched[node.Name] = true
		}
	}

	return len(touched), nil
}
