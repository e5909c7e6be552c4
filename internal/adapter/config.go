package adapter

import "time"

// Config holds the resource adapter settings, read from the adapters section of the configuration.
//
// nolint:govet // fieldalignment - struct is better readable in its current form.
type Config struct {
	Default DefaultConfig `mapstructure:"default"`
	Proxmox ProxmoxConfig `mapstructure:"proxmox"`
	Hcloud  HcloudConfig  `mapstructure:"hcloud"`
}

// DefaultConfig configures the installer managed bare metal adapter.
type DefaultConfig struct {
	// TFTPRoot is the directory the pxelinux.cfg boot files are written under.
	TFTPRoot string `mapstructure:"tftp_root"`

	// HookScript is invoked as `<script> <action> <node,node...>` after nodes are added or deleted.
	HookScript string `mapstructure:"hook_script"`

	// DNSZone is appended to generated node names.
	DNSZone string `mapstructure:"dns_zone"`
}

// ProxmoxConfig configures the proxmox VM adapter.
//
// nolint:govet // fieldalignment - struct is better readable in its current form.
type ProxmoxConfig struct {
	Endpoint              string        `mapstructure:"endpoint"`
	TokenID               string        `mapstructure:"token_id"`
	Secret                string        `mapstructure:"secret"`
	InsecureSkipTLSVerify bool          `mapstructure:"insecure_skip_tls_verify"`
	Node                  string        `mapstructure:"node"`
	Bridge                string        `mapstructure:"bridge"`
	MACPrefix             string        `mapstructure:"mac_prefix"`
	VMIDLower             int           `mapstructure:"vmid_lower"`
	VMIDUpper             int           `mapstructure:"vmid_upper"`
	TaskTimeout           time.Duration `mapstructure:"task_timeout"`
}

// HcloudConfig configures the Hetzner cloud adapter.
type HcloudConfig struct {
	Token    string `mapstructure:"token"`
	Endpoint string `mapstructure:"endpoint"`
	SSHKey   string `mapstructure:"ssh_key"`
}
