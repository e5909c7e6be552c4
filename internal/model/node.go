package model

import (
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// NodeState is the provisioning state of a node.
type NodeState string

const (
	NodeStateAllocated   NodeState = "Allocated"
	NodeStateProvisioned NodeState = "Provisioned"
	NodeStateInstalled   NodeState = "Installed"
	NodeStateDeleted     NodeState = "Deleted"
)

// BootFrom is the device a node boots from.
type BootFrom int

const (
	BootFromNetwork BootFrom = 0
	BootFromDisk    BootFrom = 1
)

func (b BootFrom) String() string {
	if b == BootFromDisk {
		return "disk"
	}

	return "network"
}

// ParseBootFrom returns the boot device named disk or network.
func ParseBootFrom(s string) (BootFrom, error) {
	switch strings.ToLower(s) {
	case "disk":
		return BootFromDisk, nil
	case "network", "net":
		return BootFromNetwork, nil
	default:
		return BootFromNetwork, errors.Wrap(ErrInvalidArgument, "boot device must be disk or network: "+s)
	}
}

// NodeStatus is a status report for a node, unset fields are left unchanged.
type NodeStatus struct {
	State    NodeState `json:"state,omitempty" yaml:"state,omitempty" validate:"omitempty,max=64,ne=Deleted"`
	BootFrom *BootFrom `json:"boot_from,omitempty" yaml:"bootFrom,omitempty" validate:"omitempty,oneof=0 1"`
}

// Nic is a network interface attached to a node.
type Nic struct {
	MAC     string `json:"mac,omitempty" yaml:"mac,omitempty"`
	IP      net.IP `json:"ip,omitempty" yaml:"ip,omitempty"`
	Network string `json:"network,omitempty" yaml:"network,omitempty"`
	// Boot marks the provisioning interface.
	Boot bool `json:"boot,omitempty" yaml:"boot,omitempty"`
}

// Node is a managed physical or virtual host.
//
// nolint:govet // fieldalignment - struct is better readable in its current form.
type Node struct {
	Name            string    `json:"name" yaml:"name"`
	HardwareProfile string    `json:"hardware_profile" yaml:"hardwareProfile"`
	SoftwareProfile string    `json:"software_profile,omitempty" yaml:"softwareProfile,omitempty"`
	Nics            []Nic     `json:"nics,omitempty" yaml:"nics,omitempty"`
	State           NodeState `json:"state" yaml:"state"`
	IsIdle          bool      `json:"is_idle" yaml:"isIdle"`
	BootFrom        BootFrom  `json:"boot_from" yaml:"bootFrom"`

	// AddHostSession is the session of the add host request that created this node.
	AddHostSession string `json:"add_host_session,omitempty" yaml:"addHostSession,omitempty"`

	// InstanceID is the resource adapter specific identifier for the node,
	// the proxmox VMID or the hcloud server ID.
	InstanceID string `json:"instance_id,omitempty" yaml:"instanceID,omitempty"`

	Tags map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`

	CreatedAt  time.Time `json:"created_at,omitempty" yaml:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty" yaml:"updatedAt,omitempty"`

	// LastUpdate is the time the node last reported its status or answered a ping.
	LastUpdate time.Time `json:"last_update,omitempty" yaml:"lastUpdate,omitempty"`
}

// ShortName returns the host part of the node name.
func (n *Node) ShortName() string {
	short, _, _ := strings.Cut(n.Name, ".")
	return short
}

// BootNic returns the provisioning interface, falling back to the first interface.
func (n *Node) BootNic() *Nic {
	for idx := range n.Nics {
		if n.Nics[idx].Boot {
			return &n.Nics[idx]
		}
	}

	if len(n.Nics) > 0 {
		return &n.Nics[0]
	}

	return nil
}

// Nodes is a list of nodes
type Nodes []*Node

// Names returns the node names.
func (n Nodes) Names() []string {
	names := make([]string, 0, len(n))
	for _, node := range n {
		names = append(names, node.Name)
	}

	return names
}

// ByHardwareProfile groups nodes by their hardware profile name.
func (n Nodes) ByHardwareProfile() map[string]Nodes {
	grouped := map[string]Nodes{}
	for _, node := range n {
		grouped[node.HardwareProfile] = append(grouped[node.HardwareProfile], node)
	}

	return grouped
}
