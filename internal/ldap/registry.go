package ldap

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry lists the configured servers.
type Registry interface {
	// ListEnabledForAuthentication returns enabled servers usable for login,
	// ordered by weight ascending.
	ListEnabledForAuthentication(ctx context.Context) ([]*ServerConfig, error)
	// Load returns one server by id, or ErrServerNotFound.
	Load(ctx context.Context, id string) (*ServerConfig, error)
}

// StaticRegistry is an in-memory registry, filled from a definitions file.
type StaticRegistry struct {
	mu      sync.RWMutex
	servers []*ServerConfig
}

// NewStaticRegistry returns a registry holding servers. Duplicate ids are
// rejected.
func NewStaticRegistry(servers ...*ServerConfig) (*StaticRegistry, error) {
	seen := make(map[string]struct{}, len(servers))
	for _, s := range servers {
		if s.ID == "" {
			return nil, fmt.Errorf("server with address %q has no id", s.Address)
		}
		if _, ok := seen[s.ID]; ok {
			return nil, fmt.Errorf("duplicate server id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return &StaticRegistry{servers: servers}, nil
}

func (r *StaticRegistry) ListEnabledForAuthentication(_ context.Context) ([]*ServerConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*ServerConfig, 0, len(r.servers))
	for _, s := range r.servers {
		if s.Enabled && s.Authentication {
			out = append(out, s)
		}
	}
	SortByWeight(out)
	return out, nil
}

func (r *StaticRegistry) Load(_ context.Context, id string) (*ServerConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.servers {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrServerNotFound, id)
}

// Replace swaps the full server list.
func (r *StaticRegistry) Replace(servers []*ServerConfig) {
	r.mu.Lock()
	r.servers = servers
	r.mu.Unlock()
}

// SortByWeight orders servers by weight, breaking ties by id so the order
// is stable across calls.
func SortByWeight(servers []*ServerConfig) {
	sort.SliceStable(servers, func(i, j int) bool {
		if servers[i].Weight != servers[j].Weight {
			return servers[i].Weight < servers[j].Weight
		}
		return servers[i].ID < servers[j].ID
	})
}
