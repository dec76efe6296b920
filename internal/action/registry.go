package action

import (
	"sort"

	apperrors "github.com/CyberFlameGO/envkey/internal/errors"
)

// Registry is the explicit action table, built once at process start. There is
// no load-time self-registration: wiring happens in the composition root so
// registration order carries no hidden meaning.
type Registry struct {
	defs map[Type]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: map[Type]Definition{}}
}

// Register adds a definition. Registering the same type twice is a wiring bug.
func (r *Registry) Register(def Definition) error {
	if def.Type == "" {
		return apperrors.Wrap(apperrors.ErrInvalidInput, "action definition has no type")
	}
	if def.Handle == nil {
		return apperrors.Wrapf(apperrors.ErrInvalidInput, "action %q has no handler", def.Type)
	}
	if _, exists := r.defs[def.Type]; exists {
		return apperrors.Wrapf(apperrors.ErrConflict, "action %q is already registered", def.Type)
	}
	r.defs[def.Type] = def
	return nil
}

// Lookup returns the definition for an action type.
func (r *Registry) Lookup(t Type) (Definition, bool) {
	def, ok := r.defs[t]
	return def, ok
}

// Types returns every registered action type, sorted for deterministic output.
func (r *Registry) Types() []Type {
	out := make([]Type, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
