package fixtures

import (
	"context"
	"testing"

	"github.com/metal-toolbox/provisioner/internal/model"
	"github.com/metal-toolbox/provisioner/internal/store"
	"github.com/sirupsen/logrus"
)

const (
	// AdapterName is the resource adapter name the fixture hardware profiles refer to.
	AdapterName = "mock"
)

// HardwareProfiles returns the hardware profiles the fixture store is seeded with.
func HardwareProfiles() []*model.HardwareProfile {
	return []*model.HardwareProfile{
		{
			Name:                   "compute",
			ResourceAdapter:        AdapterName,
			NameFormat:             "compute-##",
			MappedSoftwareProfiles: []string{"base"},
		},
		{
			Name:                   "imported",
			ResourceAdapter:        AdapterName,
			NameFormat:             "*",
			MappedSoftwareProfiles: []string{"base", "locked"},
		},
		{
			Name:            "installer",
			ResourceAdapter: "default",
			NameFormat:      "*",
		},
		{
			Name:       "unbound",
			NameFormat: "unbound-#",
		},
	}
}

// SoftwareProfiles returns the software profiles the fixture store is seeded with.
func SoftwareProfiles() []*model.SoftwareProfile {
	return []*model.SoftwareProfile{
		{
			Name:                   "base",
			Kernel:                 "vmlinuz",
			Initrd:                 "initrd.img",
			MappedHardwareProfiles: []string{"compute", "imported"},
		},
		{
			Name:                   "locked",
			LockedState:            model.HardLocked,
			MappedHardwareProfiles: []string{"imported"},
		},
		{
			Name:   "idle",
			IsIdle: true,
		},
	}
}

// NewStore returns an in-memory store seeded with the fixture profiles and the given nodes.
func NewStore(t *testing.T, nodes ...*model.Node) *store.BadgerStore {
	t.Helper()

	repo, err := store.NewMemoryStore(logrus.New())
	if err != nil {
		t.Fatalf("store => %v", err)
	}

	t.Cleanup(func() { _ = repo.Close() })

	profiles := &store.ProfilesFile{
		HardwareProfiles: HardwareProfiles(),
		SoftwareProfiles: SoftwareProfiles(),
	}

	if err := store.PutProfiles(context.Background(), repo, profiles); err != nil {
		t.Fatalf("profiles => %v", err)
	}

	if len(nodes) > 0 {
		AddNodes(t, repo, nodes...)
	}

	return repo
}

// AddNodes adds the nodes in a committed session.
func AddNodes(t *testing.T, repo store.Repository, nodes ...*model.Node) {
	t.Helper()

	ctx := context.Background()

	sess, err := repo.Open(ctx)
	if err != nil {
		t.Fatalf("open => %v", err)
	}

	defer sess.Close()

	if err := sess.AddNodes(ctx, nodes); err != nil {
		t.Fatalf("add nodes => %v", err)
	}

	if err := sess.Commit(); err != nil {
		t.Fatalf("commit => %v", err)
	}
}

// Node returns a node in the compute hardware profile.
func Node(name string) *model.Node {
	return &model.Node{
		Name:            name,
		HardwareProfile: "compute",
		SoftwareProfile: "base",
		State:           model.NodeStateInstalled,
	}
}
