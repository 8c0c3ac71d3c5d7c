package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry maps pub/sub system names to their dialers and capabilities.
type Registry struct {
	mu           sync.RWMutex
	dialers      map[string]Dialer
	capabilities map[string]Capabilities
}

// DefaultRegistry is the global registry broker packages register into.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		dialers:      make(map[string]Dialer),
		capabilities: make(map[string]Capabilities),
	}
}

// Register adds a dialer and its capabilities under caps.Name.
func (r *Registry) Register(caps Capabilities, dial Dialer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialers[caps.Name] = dial
	r.capabilities[caps.Name] = caps
}

// Capabilities returns the capabilities of a registered backend. Unknown names
// report no guarantees.
func (r *Registry) Capabilities(name string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if caps, ok := r.capabilities[name]; ok {
		return caps
	}
	return Capabilities{Name: name}
}

// Dialer returns the dialer registered under name.
func (r *Registry) Dialer(name string) (Dialer, error) {
	r.mu.RLock()
	dial, ok := r.dialers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown transport: %q (registered: %v)", name, r.Names())
	}
	return dial, nil
}

// Dial opens a single connection through the dialer registered under name.
func (r *Registry) Dial(ctx context.Context, name, url string) (Connection, error) {
	dial, err := r.Dialer(name)
	if err != nil {
		return nil, err
	}
	return dial(ctx, url)
}

// Names returns the registered names in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.dialers))
	for name := range r.dialers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a dialer is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.dialers[name]
	return ok
}

// Register adds a dialer to the default registry.
func Register(caps Capabilities, dial Dialer) {
	DefaultRegistry.Register(caps, dial)
}

// Lookup returns a dialer from the default registry.
func Lookup(name string) (Dialer, error) {
	return DefaultRegistry.Dialer(name)
}

// GetCapabilities returns capabilities from the default registry.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.Capabilities(name)
}
