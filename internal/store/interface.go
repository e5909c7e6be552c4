package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/metal-toolbox/provisioner/internal/model"
)

// Repository opens transaction scoped sessions on the provisioner data store.
type Repository interface {
	// Open returns a new Session, the caller must Close() it on all exit paths.
	Open(ctx context.Context) (Session, error)

	// Close releases the underlying store.
	Close() error
}

// Session is a unit of work on the data store.
//
// A Session must not be shared between goroutines, changes become visible
// to other sessions once Commit() returns, a Close() without a Commit()
// discards all changes.
type Session interface {
	NodeRequests
	Nodes
	Profiles

	// Commit persists the changes made in the session.
	Commit() error

	// Close releases the session, it is a no-op after Commit().
	Close()
}

type NodeRequests interface {
	AddNodeRequest(ctx context.Context, req *model.NodeRequest) error
	NodeRequestBySession(ctx context.Context, session string) (*model.NodeRequest, error)
	NodeRequestByID(ctx context.Context, id uuid.UUID) (*model.NodeRequest, error)
	NodeRequests(ctx context.Context) ([]*model.NodeRequest, error)
	NodeRequestsByState(ctx context.Context, state model.RequestState) ([]*model.NodeRequest, error)
	FirstNodeRequestByState(ctx context.Context, state model.RequestState) (*model.NodeRequest, error)
	UpdateNodeRequest(ctx context.Context, req *model.NodeRequest) error
	DeleteNodeRequest(ctx context.Context, req *model.NodeRequest) error
}

type Nodes interface {
	Node(ctx context.Context, name string) (*model.Node, error)
	Nodes(ctx context.Context) (model.Nodes, error)
	NodesByAddHostSession(ctx context.Context, session string) (model.Nodes, error)
	AddNodes(ctx context.Context, nodes model.Nodes) error
	UpdateNode(ctx context.Context, node *model.Node) error
	DeleteNode(ctx context.Context, name string) error
}

type Profiles interface {
	HardwareProfile(ctx context.Context, name string) (*model.HardwareProfile, error)
	SoftwareProfile(ctx context.Context, name string) (*model.SoftwareProfile, error)
	HardwareProfiles(ctx context.Context) ([]*model.HardwareProfile, error)
	SoftwareProfiles(ctx context.Context) ([]*model.SoftwareProfile, error)
	PutHardwareProfile(ctx context.Context, profile *model.HardwareProfile) error
	PutSoftwareProfile(ctx context.Context, profile *model.SoftwareProfile) error
}
