package model

import "golang.org/x/exp/slices"

// LockedState controls whether nodes can be removed from a software profile.
type LockedState string

const (
	Unlocked   LockedState = "Unlocked"
	SoftLocked LockedState = "SoftLocked"
	HardLocked LockedState = "HardLocked"
)

// HardwareProfile is a configuration template that selects the resource adapter
// and the boot parameters for the nodes provisioned with it.
//
// nolint:govet // fieldalignment - struct is better readable in its current form.
type HardwareProfile struct {
	Name string `json:"name" yaml:"name"`

	// ResourceAdapter is the name of the adapter that provisions nodes for this profile.
	ResourceAdapter string `json:"resource_adapter" yaml:"resourceAdapter"`

	Kernel       string `json:"kernel,omitempty" yaml:"kernel,omitempty"`
	KernelParams string `json:"kernel_params,omitempty" yaml:"kernelParams,omitempty"`
	Initrd       string `json:"initrd,omitempty" yaml:"initrd,omitempty"`

	// SoftwareOverrideAllowed permits the kernel settings of this profile
	// to override the ones supplied by the software profile.
	SoftwareOverrideAllowed bool `json:"software_override_allowed" yaml:"softwareOverrideAllowed"`

	// MappedSoftwareProfiles lists the software profiles nodes in this profile may be added with.
	MappedSoftwareProfiles []string `json:"mapped_software_profiles,omitempty" yaml:"mappedSoftwareProfiles,omitempty"`

	// NameFormat generates node names, each run of '#' is replaced by a zero padded index.
	NameFormat string `json:"name_format,omitempty" yaml:"nameFormat,omitempty"`

	// Cloud adapter parameters.
	Location   string `json:"location,omitempty" yaml:"location,omitempty"`
	ServerType string `json:"server_type,omitempty" yaml:"serverType,omitempty"`
	Image      string `json:"image,omitempty" yaml:"image,omitempty"`
	CPUCores   int64  `json:"cpu_cores,omitempty" yaml:"cpuCores,omitempty"`
	MemoryMiB  int64  `json:"memory_mib,omitempty" yaml:"memoryMiB,omitempty"`
}

// MapsSoftwareProfile returns true when the software profile is mapped to this hardware profile.
func (h *HardwareProfile) MapsSoftwareProfile(name string) bool {
	return slices.Contains(h.MappedSoftwareProfiles, name)
}

// SoftwareProfile is a configuration template for the software installed on nodes.
//
// nolint:govet // fieldalignment - struct is better readable in its current form.
type SoftwareProfile struct {
	Name         string `json:"name" yaml:"name"`
	Kernel       string `json:"kernel,omitempty" yaml:"kernel,omitempty"`
	KernelParams string `json:"kernel_params,omitempty" yaml:"kernelParams,omitempty"`
	Initrd       string `json:"initrd,omitempty" yaml:"initrd,omitempty"`
	IsIdle       bool   `json:"is_idle" yaml:"isIdle"`

	// MinNodes is the number of nodes below which deletes are refused.
	MinNodes int `json:"min_nodes,omitempty" yaml:"minNodes,omitempty"`

	// MaxNodes caps the nodes in the profile, including nodes in queued add requests, zero is unlimited.
	MaxNodes int `json:"max_nodes,omitempty" yaml:"maxNodes,omitempty"`

	LockedState LockedState `json:"locked_state,omitempty" yaml:"lockedState,omitempty"`

	MappedHardwareProfiles []string `json:"mapped_hardware_profiles,omitempty" yaml:"mappedHardwareProfiles,omitempty"`
}

// MapsHardwareProfile returns true when the hardware profile is mapped to this software profile.
func (s *SoftwareProfile) MapsHardwareProfile(name string) bool {
	return slices.Contains(s.MappedHardwareProfiles, name)
}

// BootParameters are the kernel settings used to network boot a node.
type BootParameters struct {
	Kernel       string
	KernelParams string
	Initrd       string
}

// BootParams resolves the boot parameters for a node.
//
// The software profile supplies the kernel settings, a hardware profile
// value replaces the software profile value only when the hardware profile
// has SoftwareOverrideAllowed set.
func BootParams(hwp *HardwareProfile, swp *SoftwareProfile) BootParameters {
	params := BootParameters{}

	if swp != nil {
		params.Kernel = swp.Kernel
		params.KernelParams = swp.KernelParams
		params.Initrd = swp.Initrd
	}

	if hwp == nil {
		return params
	}

	override := func(current, hw string) string {
		if hw == "" {
			return current
		}

		if current == "" || hwp.SoftwareOverrideAllowed {
			return hw
		}

		return current
	}

	params.Kernel = override(params.Kernel, hwp.Kernel)
	params.KernelParams = override(params.KernelParams, hwp.KernelParams)
	params.Initrd = override(params.Initrd, hwp.Initrd)

	return params
}
