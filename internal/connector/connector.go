package connector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"listing-sync/internal/models"
)

// PublishOutcome carries the marketplace-assigned identifiers for a posted listing.
type PublishOutcome struct {
	ExternalID  string
	ExternalURL string
}

// Connector adapts one external marketplace. Implementations may be REST clients,
// CSV drops, or browser automation; callers only see this surface.
type Connector interface {
	Name() string
	Publish(ctx context.Context, listing models.Listing) (PublishOutcome, error)
	Cancel(ctx context.Context, externalID string) error
}

// ErrUnknownPlatform is returned when a platform name has no registered connector.
type ErrUnknownPlatform struct {
	Platform string
}

func (e ErrUnknownPlatform) Error() string {
	return fmt.Sprintf("unknown platform %q", e.Platform)
}

// Registry maps platform names to connectors. Registration happens at startup;
// lookups are concurrency-safe afterwards.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

// Register binds a connector under its own name. Empty names are ignored.
func (r *Registry) Register(c Connector) {
	if c == nil || c.Name() == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.Name()] = c
}

// Get resolves a platform name to its connector.
func (r *Registry) Get(platform string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[platform]
	if !ok {
		return nil, ErrUnknownPlatform{Platform: platform}
	}
	return c, nil
}

// Names returns registered platform names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
