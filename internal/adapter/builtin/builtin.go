// Package builtin registers the resource adapters shipped with the provisioner.
package builtin

import (
	"github.com/metal-toolbox/provisioner/internal/adapter"
	"github.com/metal-toolbox/provisioner/internal/adapter/generic"
	"github.com/metal-toolbox/provisioner/internal/adapter/hcloud"
	"github.com/metal-toolbox/provisioner/internal/adapter/proxmox"
	"github.com/metal-toolbox/provisioner/internal/adapter/pxe"
)

// Registry returns a registry holding the builtin adapters.
func Registry(opts *adapter.Options) *adapter.Registry {
	r := adapter.NewRegistry(opts)

	for name, factory := range map[string]adapter.Factory{
		generic.Name: generic.New,
		pxe.Name:     pxe.New,
		proxmox.Name: proxmox.New,
		hcloud.Name:  hcloud.New,
	} {
		// names are distinct, Register can not fail here
		_ = r.Register(name, factory)
	}

	return r
}
