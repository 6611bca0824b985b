package provider

import (
	"errors"
	"fmt"
	"sort"
)

var ErrUnknownProvider = errors.New("unknown provider")

// Registry resolves providers by name. It is built once at startup.
type Registry struct {
	providers   map[string]Provider
	defaultName string
}

// NewRegistry registers ps under their names. defaultName must be one of them.
func NewRegistry(defaultName string, ps ...Provider) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider, len(ps)), defaultName: defaultName}
	for _, p := range ps {
		if _, dup := r.providers[p.Name()]; dup {
			return nil, fmt.Errorf("provider %q registered twice", p.Name())
		}
		r.providers[p.Name()] = p
	}
	if _, ok := r.providers[defaultName]; !ok {
		return nil, fmt.Errorf("%w: default %q is not configured", ErrUnknownProvider, defaultName)
	}
	return r, nil
}

// Get returns the named provider, or the default when name is empty.
func (r *Registry) Get(name string) (Provider, error) {
	if name == "" {
		name = r.defaultName
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

func (r *Registry) Default() string { return r.defaultName }

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
