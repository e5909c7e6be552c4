package adapter

import (
	"sort"
	"sync"

	"github.com/metal-toolbox/provisioner/internal/model"
	"github.com/pkg/errors"
)

var (
	ErrAdapterRegistered = errors.New("resource adapter already registered")
)

// Factory returns a new Adapter instance.
type Factory func(opts *Options) (Adapter, error)

// Registry maps resource adapter names to their factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	opts      *Options
}

// NewRegistry returns an empty registry, opts are passed to the factories.
func NewRegistry(opts *Options) *Registry {
	if opts.Config == nil {
		opts.Config = &Config{}
	}

	return &Registry{factories: map[string]Factory{}, opts: opts}
}

// Register adds the adapter factory under name.
func (r *Registry) Register(name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return errors.Wrap(ErrAdapterRegistered, name)
	}

	r.factories[name] = factory

	return nil
}

// Get returns a new instance of the adapter registered under the exact name.
//
// An unregistered name returns ErrResourceNotFound, no factory is invoked.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	factory, exists := r.factories[name]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.Wrap(model.ErrResourceNotFound, "resource adapter "+name)
	}

	a, err := factory(r.opts)
	if err != nil {
		return nil, errors.Wrap(err, "resource adapter "+name)
	}

	return &observed{Adapter: a, name: name}, nil
}

// Names returns the registered adapter names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
