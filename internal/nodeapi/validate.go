package nodeapi

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/metal-toolbox/provisioner/internal/adapter/pxe"
	"github.com/metal-toolbox/provisioner/internal/model"
	"github.com/metal-toolbox/provisioner/internal/store"
	"github.com/pkg/errors"
)

// ValidateAddNodesRequest checks an add nodes request against the stored
// profiles and nodes.
//
// The request is updated with the hardware or software profile implied by
// the profile mappings when only one of them was given.
func (n *NodeAPI) ValidateAddNodesRequest(ctx context.Context, sess store.Session, req *model.AddHostRequest) error {
	if req.HardwareProfile == "" && req.SoftwareProfile == "" {
		return errors.Wrap(model.ErrInvalidArgument, "hardware and/or software profile must be specified")
	}

	hwp, swp, err := n.resolveProfiles(ctx, sess, req)
	if err != nil {
		return err
	}

	if hwp.ResourceAdapter == pxe.Name && len(req.NodeDetails) == 0 {
		return errors.Wrap(model.ErrInvalidArgument, "DHCP discovery is not available, node details are required")
	}

	if swp != nil && req.SoftwareProfile == "" {
		req.SoftwareProfile = swp.Name
	}

	if req.HardwareProfile == "" {
		req.HardwareProfile = hwp.Name
	}

	if err := validateNodeDetails(ctx, sess, req, hwp); err != nil {
		return err
	}

	if err := validateNotInstallerProfile(ctx, sess, hwp); err != nil {
		return err
	}

	if swp != nil {
		unlock := n.locks.lock([]string{swp.Name})
		defer unlock()

		return validateAddCount(ctx, sess, swp, req.NodeCount())
	}

	return nil
}

func (n *NodeAPI) resolveProfiles(ctx context.Context, sess store.Session, req *model.AddHostRequest) (*model.HardwareProfile, *model.SoftwareProfile, error) {
	var (
		hwp *model.HardwareProfile
		swp *model.SoftwareProfile
		err error
	)

	if req.HardwareProfile != "" {
		if hwp, err = sess.HardwareProfile(ctx, req.HardwareProfile); err != nil {
			return nil, nil, err
		}
	}

	if req.SoftwareProfile != "" {
		if swp, err = sess.SoftwareProfile(ctx, req.SoftwareProfile); err != nil {
			return nil, nil, err
		}
	}

	if swp != nil && !swp.IsIdle && req.IsIdle {
		return nil, nil, errors.Wrap(
			model.ErrInvalidArgument,
			"software profile "+swp.Name+" is not an idle software profile",
		)
	}

	switch {
	case swp != nil && hwp != nil:
		if !swp.MapsHardwareProfile(hwp.Name) && !hwp.MapsSoftwareProfile(swp.Name) {
			return nil, nil, errors.Wrap(
				model.ErrProfileMappingNotAllowed,
				fmt.Sprintf("software profile %s not mapped to hardware profile %s", swp.Name, hwp.Name),
			)
		}

	case swp != nil:
		name, err := onlyMapped("software", swp.Name, "hardware", swp.MappedHardwareProfiles)
		if err != nil {
			return nil, nil, err
		}

		if hwp, err = sess.HardwareProfile(ctx, name); err != nil {
			return nil, nil, err
		}

	case !req.IsIdle:
		name, err := onlyMapped("hardware", hwp.Name, "software", hwp.MappedSoftwareProfiles)
		if err != nil {
			return nil, nil, err
		}

		if swp, err = sess.SoftwareProfile(ctx, name); err != nil {
			return nil, nil, err
		}
	}

	return hwp, swp, nil
}

func onlyMapped(kind, name, mappedKind string, mapped []string) (string, error) {
	switch len(mapped) {
	case 0:
		return "", errors.Wrap(
			model.ErrInvalidArgument,
			fmt.Sprintf("%s profile %s is not mapped to any %s profiles", kind, name, mappedKind),
		)
	case 1:
		return mapped[0], nil
	default:
		return "", errors.Wrap(
			model.ErrInvalidArgument,
			fmt.Sprintf("ambiguous request: multiple %s profiles are mapped to %s profile %s", mappedKind, kind, name),
		)
	}
}

func validateNodeDetails(ctx context.Context, sess store.Session, req *model.AddHostRequest, hwp *model.HardwareProfile) error {
	if len(req.NodeDetails) == 0 {
		if req.Count <= 0 {
			return errors.Wrap(model.ErrInvalidArgument, "node count or node details are required")
		}

		return nil
	}

	if req.Count > 0 && req.Count != len(req.NodeDetails) {
		return errors.Wrap(model.ErrInvalidArgument, "node count must be equal to the number of node details provided")
	}

	wildcard := hwp.NameFormat == "" || hwp.NameFormat == "*"
	names := map[string]bool{}

	for _, detail := range req.NodeDetails {
		name := strings.TrimSpace(detail.Name)

		switch {
		case name != "" && !wildcard:
			return errors.Wrap(
				model.ErrInvalidArgument,
				"hardware profile "+hwp.Name+" does not allow setting the host names of added nodes",
			)
		case name == "" && wildcard:
			return errors.Wrap(
				model.ErrInvalidArgument,
				"hardware profile "+hwp.Name+" requires node names to be set",
			)
		case name == "":
			continue
		}

		if names[name] {
			return errors.Wrap(model.ErrInvalidArgument, "duplicate node name "+name)
		}

		names[name] = true

		_, err := sess.Node(ctx, name)
		if err == nil {
			return errors.Wrap(model.ErrNodeAlreadyExists, name)
		}

		if !errors.Is(err, model.ErrNodeNotFound) {
			return err
		}
	}

	return nil
}

func validateNotInstallerProfile(ctx context.Context, sess store.Session, hwp *model.HardwareProfile) error {
	nodes, err := sess.Nodes(ctx)
	if err != nil {
		return err
	}

	for _, node := range nodes {
		if node.HardwareProfile == hwp.Name && node.ShortName() == model.InstallerNodeName {
			return errors.Wrap(
				model.ErrInvalidArgument,
				"nodes cannot be added to the installer hardware profile "+hwp.Name,
			)
		}
	}

	return nil
}

// validateAddCount fails when the nodes in the software profile, the nodes
// in pending add requests and count exceed the profile MaxNodes.
func validateAddCount(ctx context.Context, sess store.Session, swp *model.SoftwareProfile, count int) error {
	if swp.MaxNodes <= 0 {
		return nil
	}

	nodes, err := sess.Nodes(ctx)
	if err != nil {
		return err
	}

	current := 0

	for _, node := range nodes {
		if node.SoftwareProfile == swp.Name {
			current++
		}
	}

	requests, err := sess.NodeRequests(ctx)
	if err != nil {
		return err
	}

	pending := 0

	for _, nr := range requests {
		if nr.Action != model.ActionAdd {
			continue
		}

		if nr.RequestState != model.StateQueued && nr.RequestState != model.StateRunning {
			continue
		}

		req, err := nr.AddHostRequest()
		if err != nil || req.SoftwareProfile != swp.Name {
			continue
		}

		pending += req.NodeCount()
	}

	if current+pending+count > swp.MaxNodes {
		return errors.Wrap(
			model.ErrOperationFailed,
			fmt.Sprintf("request to add %d node(s) exceeds software profile limit of %d nodes", count, swp.MaxNodes),
		)
	}

	return nil
}

// validateDelete checks the software profile locks and minimum node counts of the nodes to delete.
func (n *NodeAPI) validateDelete(ctx context.Context, sess store.Session, nodes, all model.Nodes, force bool) error {
	deleted := map[string]int{}
	for _, node := range nodes {
		if node.SoftwareProfile != "" {
			deleted[node.SoftwareProfile]++
		}
	}

	current := map[string]int{}
	for _, node := range all {
		current[node.SoftwareProfile]++
	}

	var merr *multierror.Error

	for _, name := range softwareProfiles(nodes) {
		swp, err := sess.SoftwareProfile(ctx, name)
		if err != nil {
			if errors.Is(err, model.ErrSoftwareProfileNotFound) {
				continue
			}

			return err
		}

		switch {
		case swp.LockedState == model.HardLocked:
			merr = multierror.Append(merr, fmt.Errorf("nodes cannot be deleted from hard locked software profile %s", name))

		case swp.MinNodes > 0 && current[name]-deleted[name] < swp.MinNodes:
			if force && swp.LockedState == model.SoftLocked {
				continue
			}

			merr = multierror.Append(merr, fmt.Errorf(
				"software profile %s requires minimum of %d nodes, denied request to delete %d node(s)",
				name, swp.MinNodes, deleted[name],
			))

		case swp.LockedState == model.SoftLocked && !force:
			merr = multierror.Append(merr, fmt.Errorf("nodes cannot be deleted from soft locked software profile %s", name))
		}
	}

	if merr.ErrorOrNil() != nil {
		return errors.Wrap(model.ErrOperationFailed, merr.Error())
	}

	return nil
}
