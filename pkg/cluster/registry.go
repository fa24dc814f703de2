package cluster

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cuemby/cloudscheduler/pkg/config"
	"github.com/rs/zerolog"
)

// Env is what a driver factory receives besides its own configuration
type Env struct {
	Logger              zerolog.Logger
	Runner              *Runner
	DefaultImage        map[string]string
	DefaultInstanceType map[string]string
}

// Factory builds a driver for one configured cluster
type Factory func(cfg config.Cluster, env Env) (Cluster, error)

// Registry maps cloud_type strings to driver factories. Lookups ignore case.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	env       Env
}

// NewRegistry creates an empty registry whose factories receive env
func NewRegistry(env Env) *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		env:       env,
	}
}

// Register adds a factory for one or more cloud type names
func (r *Registry) Register(f Factory, cloudTypes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ct := range cloudTypes {
		r.factories[strings.ToLower(ct)] = f
	}
}

// New builds the driver for cfg
func (r *Registry) New(cfg config.Cluster) (Cluster, error) {
	r.mu.RLock()
	f, ok := r.factories[strings.ToLower(cfg.CloudType)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("cluster %s: unsupported cloud_type %q", cfg.Name, cfg.CloudType)
	}

	env := r.env
	env.Logger = r.env.Logger.With().Str("cluster", cfg.Name).Str("cloud_type", cfg.CloudType).Logger()
	cl, err := f(cfg, env)
	if err != nil {
		return nil, fmt.Errorf("cluster %s: %w", cfg.Name, err)
	}
	return cl, nil
}

// CloudTypes lists the registered cloud type names
func (r *Registry) CloudTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
