package provider

import (
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/interfaces"
)

// Registry holds the configured providers in registration order. Reads are
// lock-free: the set is fixed after construction.
type Registry struct {
	providers []interfaces.SubtitleProvider
	byName    map[string]interfaces.SubtitleProvider
}

// NewRegistry builds one gateway per [[providers]] config block.
func NewRegistry(configs []common.ProviderConfig, downloadRoot string, logger arbor.ILogger) interfaces.ProviderRegistry {
	registry := &Registry{
		byName: make(map[string]interfaces.SubtitleProvider, len(configs)),
	}
	for i := range configs {
		p := NewHTTPProvider(&configs[i], downloadRoot, logger)
		registry.add(p)
	}
	logger.Info().
		Int("providers", len(registry.providers)).
		Msg("Subtitle provider registry initialized")
	return registry
}

// NewRegistryWithProviders wraps pre-built providers; used by tests and by
// callers composing custom gateways.
func NewRegistryWithProviders(providers ...interfaces.SubtitleProvider) interfaces.ProviderRegistry {
	registry := &Registry{
		byName: make(map[string]interfaces.SubtitleProvider, len(providers)),
	}
	for _, p := range providers {
		registry.add(p)
	}
	return registry
}

func (r *Registry) add(p interfaces.SubtitleProvider) {
	if _, exists := r.byName[p.Name()]; exists {
		return
	}
	r.providers = append(r.providers, p)
	r.byName[p.Name()] = p
}

// Get returns the named provider.
func (r *Registry) Get(name string) (interfaces.SubtitleProvider, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// Ordered returns every provider, preferred names first in their given
// order, the rest in registration order. Unknown preferred names are
// ignored.
func (r *Registry) Ordered(preferred []string) []interfaces.SubtitleProvider {
	out := make([]interfaces.SubtitleProvider, 0, len(r.providers))
	seen := make(map[string]bool, len(preferred))
	for _, name := range preferred {
		if p, ok := r.byName[name]; ok && !seen[name] {
			out = append(out, p)
			seen[name] = true
		}
	}
	for _, p := range r.providers {
		if !seen[p.Name()] {
			out = append(out, p)
		}
	}
	return out
}
