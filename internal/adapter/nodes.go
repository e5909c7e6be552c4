package adapter

import (
	"context"
	"net"
	"strings"

	"github.com/metal-toolbox/provisioner/internal/model"
	"github.com/metal-toolbox/provisioner/internal/store"
	"github.com/pkg/errors"
)

const (
	maxNameIndex = 100000
)

// NodeNames returns a name for each node in the request.
//
// Names supplied in the node details are used as is, the rest are generated
// from the hardware profile NameFormat skipping names already taken.
func NodeNames(ctx context.Context, sess store.Session, req *model.AddHostRequest, hwp *model.HardwareProfile, dnsZone string) ([]string, error) {
	count := req.NodeCount()
	names := make([]string, 0, count)
	taken := map[string]bool{}

	for idx := 0; idx < count; idx++ {
		if idx < len(req.NodeDetails) && req.NodeDetails[idx].Name != "" {
			name := strings.TrimSpace(req.NodeDetails[idx].Name)
			names = append(names, name)
			taken[name] = true
		}
	}

	if len(names) == count {
		return names, nil
	}

	if hwp.NameFormat == "" || hwp.NameFormat == "*" {
		return nil, errors.Wrap(
			model.ErrInvalidArgument,
			"node names are required for nodes in hardware profile "+hwp.Name,
		)
	}

	existing, err := sess.Nodes(ctx)
	if err != nil {
		return nil, err
	}

	for _, node := range existing {
		taken[node.Name] = true
	}

	next := 1
	generated := make([]string, 0, count-len(names))

	for len(names)+len(generated) < count {
		if next > maxNameIndex {
			return nil, errors.Wrap(ErrResource, "unable to generate node name for format "+hwp.NameFormat)
		}

		name := model.FormatNodeName(hwp.NameFormat, next)
		if dnsZone != "" {
			name += "." + dnsZone
		}

		next++

		if taken[name] {
			continue
		}

		taken[name] = true
		generated = append(generated, name)
	}

	// keep the request order, details without names take generated names
	all := make([]string, 0, count)

	for idx := 0; idx < count; idx++ {
		if idx < len(req.NodeDetails) && req.NodeDetails[idx].Name != "" {
			all = append(all, strings.TrimSpace(req.NodeDetails[idx].Name))
			continue
		}

		all = append(all, generated[0])
		generated = generated[1:]
	}

	return all, nil
}

// NodeNics returns the nics for the node detail at idx, the first nic is the boot nic.
func NodeNics(req *model.AddHostRequest, idx int) ([]model.Nic, error) {
	if idx >= len(req.NodeDetails) {
		return nil, nil
	}

	nics := make([]model.Nic, 0, len(req.NodeDetails[idx].Nics))

	for i, detail := range req.NodeDetails[idx].Nics {
		nic := model.Nic{MAC: strings.ToLower(detail.MAC), Boot: i == 0}

		if detail.IP != "" {
			nic.IP = net.ParseIP(detail.IP)
			if nic.IP == nil {
				return nil, errors.Wrap(model.ErrInvalidArgument, "invalid ip address: "+detail.IP)
			}
		}

		nics = append(nics, nic)
	}

	return nics, nil
}

// NewNode returns a node for the request with the common attributes set.
func NewNode(name string, req *model.AddHostRequest, hwp *model.HardwareProfile, swp *model.SoftwareProfile) *model.Node {
	node := &model.Node{
		Name:            name,
		HardwareProfile: hwp.Name,
		State:           model.NodeStateAllocated,
		IsIdle:          req.IsIdle,
		AddHostSession:  req.AddHostSession,
		Tags:            map[string]string{},
	}

	if swp != nil {
		node.SoftwareProfile = swp.Name
	}

	for k, v := range req.Tags {
		node.Tags[k] = v
	}

	return node
}
