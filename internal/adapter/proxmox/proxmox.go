package proxmox

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	proxmoxapi "github.com/luthermonson/go-proxmox"
	"github.com/metal-toolbox/provisioner/internal/adapter"
	"github.com/metal-toolbox/provisioner/internal/model"
	"github.com/metal-toolbox/provisioner/internal/store"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	Name = "proxmox"

	defaultTaskTimeout = 10 * time.Minute
	defaultBridge      = "vmbr0"
	defaultCores       = 2
	defaultMemoryMiB   = 2048
	managedTag         = "provisioner"
)

var (
	ErrConfig       = errors.New("proxmox adapter configuration error")
	ErrVMIDRange    = errors.New("no VMIDs available in range")
	ErrInstanceID   = errors.New("node has no proxmox vmid")
	ErrVMNotManaged = errors.New("refusing to remove VM without the provisioner tag")
)

// Proxmox creates a virtual machine per node on a proxmox cluster node.
type Proxmox struct {
	client *proxmoxapi.Client
	cfg    adapter.ProxmoxConfig
	opts   *adapter.Options
	logger *logrus.Entry
}

// New is the adapter.Factory for the proxmox adapter.
func New(opts *adapter.Options) (adapter.Adapter, error) {
	cfg, err := validate(opts.Config.Proxmox)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{}
	if cfg.InsecureSkipTLSVerify {
		httpClient.Transport = &http.Transport{
			// nolint:gosec // operator opt-in for self signed proxmox certificates
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	client := proxmoxapi.NewClient(
		cfg.Endpoint,
		proxmoxapi.WithHTTPClient(httpClient),
		proxmoxapi.WithAPIToken(cfg.TokenID, cfg.Secret),
	)

	return &Proxmox{
		client: client,
		cfg:    cfg,
		opts:   opts,
		logger: opts.Logger.WithField("adapter", Name),
	}, nil
}

func validate(cfg adapter.ProxmoxConfig) (adapter.ProxmoxConfig, error) {
	switch {
	case cfg.Endpoint == "":
		return cfg, errors.Wrap(ErrConfig, "adapters.proxmox.endpoint is required")
	case cfg.TokenID == "" || cfg.Secret == "":
		return cfg, errors.Wrap(ErrConfig, "adapters.proxmox.token_id and secret are required")
	case cfg.Node == "":
		return cfg, errors.Wrap(ErrConfig, "adapters.proxmox.node is required")
	case cfg.VMIDUpper <= cfg.VMIDLower:
		return cfg, errors.Wrap(ErrConfig, fmt.Sprintf("invalid VMID range: lower=%d upper=%d", cfg.VMIDLower, cfg.VMIDUpper))
	}

	if cfg.TaskTimeout == 0 {
		cfg.TaskTimeout = defaultTaskTimeout
	}

	if cfg.Bridge == "" {
		cfg.Bridge = defaultBridge
	}

	return cfg, nil
}

func (p *Proxmox) Name() string {
	return Name
}

func (p *Proxmox) Start(ctx context.Context, req *model.AddHostRequest, sess store.Session, hwp *model.HardwareProfile, swp *model.SoftwareProfile) (model.Nodes, error) {
	names, err := adapter.NodeNames(ctx, sess, req, hwp, "")
	if err != nil {
		return nil, err
	}

	cluster, err := p.client.Cluster(ctx)
	if err != nil {
		return nil, errors.Wrap(adapter.ErrResource, "proxmox cluster: "+err.Error())
	}

	resources, err := cluster.Resources(ctx, "vm")
	if err != nil {
		return nil, errors.Wrap(adapter.ErrResource, "proxmox cluster resources: "+err.Error())
	}

	used := map[int]bool{}
	for _, r := range resources {
		used[int(r.VMID)] = true
	}

	pveNode, err := p.client.Node(ctx, p.cfg.Node)
	if err != nil {
		return nil, errors.Wrap(adapter.ErrResource, "proxmox node "+p.cfg.Node+": "+err.Error())
	}

	var merr *multierror.Error

	nodes := make(model.Nodes, 0, len(names))

	for _, name := range names {
		vmid, err := nextVMID(used, p.cfg.VMIDLower, p.cfg.VMIDUpper)
		if err != nil {
			merr = adapter.NodeError(merr, name, err)
			continue
		}

		used[vmid] = true

		mac, err := randomMAC(p.cfg.MACPrefix)
		if err != nil {
			merr = adapter.NodeError(merr, name, err)
			continue
		}

		if err := p.createVM(ctx, pveNode, vmid, name, mac, hwp); err != nil {
			merr = adapter.NodeError(merr, name, err)
			continue
		}

		node := adapter.NewNode(name, req, hwp, swp)
		node.InstanceID = strconv.Itoa(vmid)
		node.Nics = []model.Nic{{MAC: mac, Boot: true, Network: p.cfg.Bridge}}
		node.State = model.NodeStateProvisioned

		nodes = append(nodes, node)

		p.opts.Report(ctx, req.AddHostSession, fmt.Sprintf("created VM %d for %s", vmid, name))
	}

	return nodes, adapter.Partial(nodes, merr)
}

func (p *Proxmox) createVM(ctx context.Context, pveNode *proxmoxapi.Node, vmid int, name, mac string, hwp *model.HardwareProfile) error {
	task, err := pveNode.NewVirtualMachine(ctx, vmid, vmOptions(name, mac, p.cfg.Bridge, hwp)...)
	if err != nil {
		return errors.Wrap(adapter.ErrResource, "create VM: "+err.Error())
	}

	if err := task.WaitFor(ctx, p.taskTimeout()); err != nil {
		return errors.Wrap(adapter.ErrResource, "create VM: "+err.Error())
	}

	vm, err := pveNode.VirtualMachine(ctx, vmid)
	if err != nil {
		return errors.Wrap(adapter.ErrResource, "get VM: "+err.Error())
	}

	task, err = vm.Start(ctx)
	if err != nil {
		return errors.Wrap(adapter.ErrResource, "start VM: "+err.Error())
	}

	if err := task.WaitFor(ctx, p.taskTimeout()); err != nil {
		return errors.Wrap(adapter.ErrResource, "start VM: "+err.Error())
	}

	return nil
}

// Stop stops and removes the VMs of the nodes.
func (p *Proxmox) Stop(ctx context.Context, _ store.Session, nodes model.Nodes) error {
	pveNode, err := p.client.Node(ctx, p.cfg.Node)
	if err != nil {
		return errors.Wrap(adapter.ErrResource, "proxmox node "+p.cfg.Node+": "+err.Error())
	}

	var merr *multierror.Error

	for _, node := range nodes {
		if err := p.removeVM(ctx, pveNode, node); err != nil {
			merr = adapter.NodeError(merr, node.Name, err)
		}
	}

	return merr.ErrorOrNil()
}

func (p *Proxmox) removeVM(ctx context.Context, pveNode *proxmoxapi.Node, node *model.Node) error {
	vmid, err := strconv.Atoi(node.InstanceID)
	if err != nil {
		return errors.Wrap(ErrInstanceID, node.InstanceID)
	}

	vm, err := pveNode.VirtualMachine(ctx, vmid)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			p.logger.WithField("vmid", vmid).Info("VM already removed")
			return nil
		}

		return errors.Wrap(adapter.ErrResource, "get VM: "+err.Error())
	}

	if !strings.Contains(vm.Tags, managedTag) {
		return errors.Wrap(ErrVMNotManaged, vm.Name)
	}

	if vm.IsRunning() {
		task, err := vm.Stop(ctx)
		if err != nil {
			return errors.Wrap(adapter.ErrResource, "stop VM: "+err.Error())
		}

		if err := task.WaitFor(ctx, p.taskTimeout()); err != nil {
			return errors.Wrap(adapter.ErrResource, "stop VM: "+err.Error())
		}
	}

	task, err := vm.Delete(ctx)
	if err != nil {
		return errors.Wrap(adapter.ErrResource, "delete VM: "+err.Error())
	}

	return task.WaitFor(ctx, p.taskTimeout())
}

func (p *Proxmox) taskTimeout() int {
	return int(p.cfg.TaskTimeout.Seconds())
}

func vmOptions(name, mac, bridge string, hwp *model.HardwareProfile) []proxmoxapi.VirtualMachineOption {
	cores := hwp.CPUCores
	if cores == 0 {
		cores = defaultCores
	}

	memory := hwp.MemoryMiB
	if memory == 0 {
		memory = defaultMemoryMiB
	}

	return []proxmoxapi.VirtualMachineOption{
		{Name: "name", Value: strings.SplitN(name, ".", 2)[0]},
		{Name: "cores", Value: cores},
		{Name: "memory", Value: memory},
		{Name: "net0", Value: fmt.Sprintf("virtio=%s,bridge=%s", mac, bridge)},
		{Name: "boot", Value: "order=net0"},
		{Name: "tags", Value: managedTag + ";" + hwp.Name},
	}
}

// nextVMID returns the lowest VMID in the inclusive range that is not used.
func nextVMID(used map[int]bool, lower, upper int) (int, error) {
	for id := lower; id <= upper; id++ {
		if !used[id] {
			return id, nil
		}
	}

	return 0, errors.Wrap(ErrVMIDRange, fmt.Sprintf("[%d,%d]", lower, upper))
}

// randomMAC returns a locally administered unicast MAC, leading octets are taken from prefix.
func randomMAC(prefix string) (string, error) {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	if prefix != "" {
		parts := strings.Split(prefix, ":")
		for i := 0; i < len(parts) && i < len(b); i++ {
			if parts[i] == "" {
				continue
			}

			if val, err := strconv.ParseUint(parts[i], 16, 8); err == nil {
				b[i] = byte(val)
			}
		}
	}

	b[0] &^= 0x01
	b[0] |= 0x02

	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", b[0], b[1], b[2], b[3], b[4], b[5]), nil
}
