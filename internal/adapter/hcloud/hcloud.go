// Package hcloud implements a resource adapter that provisions nodes as
// Hetzner Cloud servers.
package hcloud

import (
	"context"
	"fmt"
	"strconv"

	"github.com/hashicorp/go-multierror"
	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"github.com/metal-toolbox/provisioner/internal/adapter"
	"github.com/metal-toolbox/provisioner/internal/model"
	"github.com/metal-toolbox/provisioner/internal/store"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	Name = "hcloud"

	labelManagedBy = "managed-by"
	labelSession   = "provisioner-session"
	labelProfile   = "provisioner-hardware-profile"
)

var (
	ErrConfig     = errors.New("hcloud adapter configuration error")
	ErrInstanceID = errors.New("node has no hcloud server id")
)

type Hcloud struct {
	client *hcloud.Client
	cfg    adapter.HcloudConfig
	opts   *adapter.Options
	logger *logrus.Entry
}

// New is the adapter.Factory for the hcloud adapter.
func New(opts *adapter.Options) (adapter.Adapter, error) {
	cfg := opts.Config.Hcloud
	if cfg.Token == "" {
		return nil, errors.Wrap(ErrConfig, "adapters.hcloud.token is required")
	}

	clientOpts := []hcloud.ClientOption{
		hcloud.WithToken(cfg.Token),
		hcloud.WithApplication(model.AppName, ""),
	}

	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, hcloud.WithEndpoint(cfg.Endpoint))
	}

	return &Hcloud{
		client: hcloud.NewClient(clientOpts...),
		cfg:    cfg,
		opts:   opts,
		logger: opts.Logger.WithField("adapter", Name),
	}, nil
}

func (h *Hcloud) Name() string {
	return Name
}

// Start creates a server for each node in the request.
func (h *Hcloud) Start(ctx context.Context, req *model.AddHostRequest, sess store.Session, hwp *model.HardwareProfile, swp *model.SoftwareProfile) (model.Nodes, error) {
	if hwp.ServerType == "" || hwp.Image == "" {
		return nil, errors.Wrap(
			model.ErrInvalidArgument,
			"hardware profile "+hwp.Name+" requires serverType and image for the hcloud adapter",
		)
	}

	names, err := adapter.NodeNames(ctx, sess, req, hwp, "")
	if err != nil {
		return nil, err
	}

	var merr *multierror.Error

	nodes := make(model.Nodes, 0, len(names))

	for _, name := range names {
		server, err := h.createServer(ctx, name, req, hwp)
		if err != nil {
			merr = adapter.NodeError(merr, name, err)
			continue
		}

		node := adapter.NewNode(name, req, hwp, swp)
		node.InstanceID = strconv.FormatInt(server.ID, 10)
		node.State = model.NodeStateProvisioned

		if ip := server.PublicNet.IPv4.IP; ip != nil {
			node.Nics = []model.Nic{{IP: ip, Boot: true, Network: "public"}}
		}

		nodes = append(nodes, node)

		h.opts.Report(ctx, req.AddHostSession, fmt.Sprintf("created server %d for %s", server.ID, name))
	}

	return nodes, adapter.Partial(nodes, merr)
}

func (h *Hcloud) createServer(ctx context.Context, name string, req *model.AddHostRequest, hwp *model.HardwareProfile) (*hcloud.Server, error) {
	opts := hcloud.ServerCreateOpts{
		Name:       name,
		ServerType: &hcloud.ServerType{Name: hwp.ServerType},
		Image:      &hcloud.Image{Name: hwp.Image},
		Labels:     serverLabels(req, hwp),
	}

	if hwp.Location != "" {
		opts.Location = &hcloud.Location{Name: hwp.Location}
	}

	if h.cfg.SSHKey != "" {
		opts.SSHKeys = []*hcloud.SSHKey{{Name: h.cfg.SSHKey}}
	}

	result, _, err := h.client.Server.Create(ctx, opts)
	if err != nil {
		return nil, errors.Wrap(adapter.ErrResource, "create server: "+err.Error())
	}

	if err := h.client.Action.WaitFor(ctx, result.Action); err != nil {
		return nil, errors.Wrap(adapter.ErrResource, "create server: "+err.Error())
	}

	return result.Server, nil
}

// Stop deletes the servers of the nodes, servers that no longer exist are skipped.
func (h *Hcloud) Stop(ctx context.Context, _ store.Session, nodes model.Nodes) error {
	var merr *multierror.Error

	for _, node := range nodes {
		if err := h.deleteServer(ctx, node); err != nil {
			merr = adapter.NodeError(merr, node.Name, err)
		}
	}

	return merr.ErrorOrNil()
}

func (h *Hcloud) deleteServer(ctx context.Context, node *model.Node) error {
	id, err := strconv.ParseInt(node.InstanceID, 10, 64)
	if err != nil {
		return errors.Wrap(ErrInstanceID, node.InstanceID)
	}

	server, _, err := h.client.Server.GetByID(ctx, id)
	if err != nil {
		return errors.Wrap(adapter.ErrResource, "get server: "+err.Error())
	}

	if server == nil {
		h.logger.WithField("server", id).Info("server already removed")
		return nil
	}

	result, _, err := h.client.Server.DeleteWithResult(ctx, server)
	if err != nil {
		return errors.Wrap(adapter.ErrResource, "delete server: "+err.Error())
	}

	if err := h.client.Action.WaitFor(ctx, result.Action); err != nil {
		return errors.Wrap(adapter.ErrResource, "delete server: "+err.Error())
	}

	return nil
}

func serverLabels(req *model.AddHostRequest, hwp *model.HardwareProfile) map[string]string {
	labels := make(map[string]string, len(req.Tags)+3)
	for k, v := range req.Tags {
		labels[k] = v
	}

	labels[labelManagedBy] = model.AppName
	labels[labelSession] = req.AddHostSession
	labels[labelProfile] = hwp.Name

	return labels
}
