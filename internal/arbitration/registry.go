package arbitration

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultArbiterName is used when no arbiter is requested.
const DefaultArbiterName = "manual"

// Registry stores arbiters and resolves a default one.
type Registry struct {
	arbiters       map[string]Arbiter
	defaultArbiter string
}

func NewRegistry(defaultArbiter string) *Registry {
	normalizedDefault := normalizeArbiterName(defaultArbiter)
	if normalizedDefault == "" {
		normalizedDefault = DefaultArbiterName
	}

	r := &Registry{
		arbiters:       make(map[string]Arbiter),
		defaultArbiter: normalizedDefault,
	}
	_ = r.Register(ManualArbiter{})
	return r
}

// Register adds one arbiter.
func (r *Registry) Register(arbiter Arbiter) error {
	if r == nil {
		return fmt.Errorf("registry is nil")
	}
	if arbiter == nil {
		return fmt.Errorf("arbiter is nil")
	}
	name := normalizeArbiterName(arbiter.Name())
	if name == "" {
		return fmt.Errorf("arbiter name is required")
	}
	r.arbiters[name] = arbiter
	return nil
}

// Arbiter resolves an arbiter by name. Empty names use the configured default.
func (r *Registry) Arbiter(name string) (Arbiter, error) {
	if r == nil {
		return nil, fmt.Errorf("registry is nil")
	}

	resolvedName := normalizeArbiterName(name)
	if resolvedName == "" {
		resolvedName = r.defaultArbiter
	}
	if arbiter, ok := r.arbiters[resolvedName]; ok {
		return arbiter, nil
	}

	return nil, fmt.Errorf("arbiter %q is not registered (available: %s)", resolvedName, strings.Join(r.Names(), ", "))
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.arbiters))
	for name := range r.arbiters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeArbiterName(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
