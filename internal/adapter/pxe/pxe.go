package pxe

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/metal-toolbox/provisioner/internal/adapter"
	"github.com/metal-toolbox/provisioner/internal/model"
	"github.com/metal-toolbox/provisioner/internal/store"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// Name is the adapter name, bare metal nodes managed by the installer.
	Name = "default"

	pxeConfigDir = "pxelinux.cfg"
	hookTimeout  = 2 * time.Minute
)

var (
	ErrDHCPDiscovery = errors.New("invalid operation (DHCP discovery), node details are required")
	ErrBootConfig    = errors.New("boot configuration error")
)

var bootTemplate = template.Must(template.New("pxelinux").Parse(`# managed by provisioner, session {{ .Session }}
{{- if .LocalBoot }}
DEFAULT local
PROMPT 0
TIMEOUT 0

LABEL local
  LOCALBOOT 0
{{- else }}
DEFAULT {{ .Name }}
PROMPT 0
TIMEOUT 0

LABEL {{ .Name }}
  KERNEL {{ .Kernel }}
  APPEND {{ if .Initrd }}initrd={{ .Initrd }} {{ end }}{{ .KernelParams }}
{{- end }}
`))

type bootConfig struct {
	model.BootParameters
	Name      string
	Session   string
	LocalBoot bool
}

// PXE writes network boot configuration for installer managed bare metal nodes.
type PXE struct {
	cfg    adapter.DefaultConfig
	opts   *adapter.Options
	logger *logrus.Entry
}

// New is the adapter.Factory for the default adapter.
func New(opts *adapter.Options) (adapter.Adapter, error) {
	cfg := opts.Config.Default
	if cfg.TFTPRoot == "" {
		return nil, errors.Wrap(model.ErrInvalidArgument, "adapters.default.tftp_root is required")
	}

	return &PXE{
		cfg:    cfg,
		opts:   opts,
		logger: opts.Logger.WithField("adapter", Name),
	}, nil
}

func (p *PXE) Name() string {
	return Name
}

// Start registers the nodes in the request and writes their boot configuration.
//
// Nodes must be predefined with a name or a nic MAC/IP, DHCP discovery is not supported.
func (p *PXE) Start(ctx context.Context, req *model.AddHostRequest, sess store.Session, hwp *model.HardwareProfile, swp *model.SoftwareProfile) (model.Nodes, error) {
	if !predefined(req) {
		return nil, errors.Wrap(model.ErrInvalidArgument, ErrDHCPDiscovery.Error())
	}

	if swp == nil {
		return nil, errors.Wrap(
			model.ErrInvalidArgument,
			"software profile must be provided when adding nodes to hardware profile "+hwp.Name,
		)
	}

	names, err := adapter.NodeNames(ctx, sess, req, hwp, p.cfg.DNSZone)
	if err != nil {
		return nil, err
	}

	params := model.BootParams(hwp, swp)

	var merr *multierror.Error

	nodes := make(model.Nodes, 0, len(names))

	for idx, name := range names {
		nics, err := adapter.NodeNics(req, idx)
		if err != nil {
			merr = adapter.NodeError(merr, name, err)
			continue
		}

		node := adapter.NewNode(name, req, hwp, swp)
		node.Nics = nics

		if err := p.writeBootConfig(node, params, false); err != nil {
			merr = adapter.NodeError(merr, name, err)
			continue
		}

		node.State = model.NodeStateProvisioned
		nodes = append(nodes, node)

		p.opts.Report(ctx, req.AddHostSession, "wrote boot configuration for "+name)
	}

	if len(nodes) > 0 {
		p.hook(ctx, "add", nodes)
	}

	return nodes, adapter.Partial(nodes, merr)
}

// Stop removes the boot configuration of the nodes.
func (p *PXE) Stop(ctx context.Context, _ store.Session, nodes model.Nodes) error {
	var merr *multierror.Error

	for _, node := range nodes {
		if err := p.removeBootConfig(node); err != nil {
			merr = adapter.NodeError(merr, node.Name, err)
		}
	}

	p.hook(ctx, "delete", nodes)

	return merr.ErrorOrNil()
}

func predefined(req *model.AddHostRequest) bool {
	if len(req.NodeDetails) == 0 {
		return false
	}

	detail := req.NodeDetails[0]
	if detail.Name != "" {
		return true
	}

	for _, nic := range detail.Nics {
		if nic.MAC != "" || nic.IP != "" {
			return true
		}
	}

	return false
}

// BootConfigPath returns the pxelinux configuration file for the nic MAC address.
func BootConfigPath(tftpRoot, mac string) string {
	name := "01-" + strings.ReplaceAll(strings.ToLower(mac), ":", "-")
	return filepath.Join(tftpRoot, pxeConfigDir, name)
}

// UpdateBootConfig rewrites the boot configuration of the node for the device it boots from.
func (p *PXE) UpdateBootConfig(_ context.Context, node *model.Node, hwp *model.HardwareProfile, swp *model.SoftwareProfile) error {
	return p.writeBootConfig(node, model.BootParams(hwp, swp), node.BootFrom == model.BootFromDisk)
}

func (p *PXE) writeBootConfig(node *model.Node, params model.BootParameters, localBoot bool) error {
	nic := node.BootNic()
	if nic == nil || nic.MAC == "" {
		// nodes without a known MAC boot from the installer default configuration
		p.logger.WithField("node", node.Name).Debug("no boot nic MAC, skipped boot configuration")
		return nil
	}

	var buf bytes.Buffer
	if err := bootTemplate.Execute(&buf, bootConfig{
		BootParameters: params,
		Name:           node.ShortName(),
		Session:        node.AddHostSession,
		LocalBoot:      localBoot,
	}); err != nil {
		return errors.Wrap(ErrBootConfig, err.Error())
	}

	dir := filepath.Join(p.cfg.TFTPRoot, pxeConfigDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(ErrBootConfig, err.Error())
	}

	// nolint:gosec // boot files are read by the tftp server
	if err := os.WriteFile(BootConfigPath(p.cfg.TFTPRoot, nic.MAC), buf.Bytes(), 0o644); err != nil {
		return errors.Wrap(ErrBootConfig, err.Error())
	}

	return nil
}

func (p *PXE) removeBootConfig(node *model.Node) error {
	nic := node.BootNic()
	if nic == nil || nic.MAC == "" {
		return nil
	}

	err := os.Remove(BootConfigPath(p.cfg.TFTPRoot, nic.MAC))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(ErrBootConfig, err.Error())
	}

	return nil
}

// hook runs the configured hook script, failures are logged and ignored.
func (p *PXE) hook(ctx context.Context, action string, nodes model.Nodes) {
	if p.cfg.HookScript == "" || len(nodes) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, hookTimeout)
	defer cancel()

	// nolint:gosec // hook script path is operator configuration
	cmd := exec.CommandContext(ctx, p.cfg.HookScript, action, strings.Join(nodes.Names(), ","))

	out, err := cmd.CombinedOutput()
	if err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"action": action,
			"output": string(out),
		}).Warn("hook script failed")
	}
}
