// Package adapter turns raw agent transcripts into adapted sessions.
// Adapters are pure: no I/O and no persistence.
package adapter

import (
	"strings"

	"github.com/user/agentrail/internal/types"
)

// sniffLimit bounds how much of the input CanAdapt may inspect.
const sniffLimit = 64 << 10

// Auto asks the registry to pick an adapter by sniffing the content.
const Auto = "auto"

// Adapter recognizes and converts one transcript dialect.
type Adapter interface {
	Name() string
	// CanAdapt is a cheap structural sniff; it must not panic.
	CanAdapt(content []byte) bool
	// Adapt parses strictly and returns a *types.ParseError on mismatch.
	Adapt(content []byte) (*types.AdaptedSession, error)
}

// Registry is an ordered adapter list. Detection walks it in registration
// order, so more specific sniffers must be registered first.
type Registry struct {
	adapters []Adapter
}

// NewRegistry creates a registry with the given adapters in order.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Default builds the standard registry: codex, claude, tagged.
func Default(opts Options) *Registry {
	return NewRegistry(
		NewCodex(opts),
		NewClaude(opts),
		NewTagged(opts),
	)
}

// Register appends an adapter. A later adapter with the same name replaces
// the earlier one in place.
func (r *Registry) Register(a Adapter) {
	for i, existing := range r.adapters {
		if existing.Name() == a.Name() {
			r.adapters[i] = a
			return
		}
	}
	r.adapters = append(r.adapters, a)
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, error) {
	for _, a := range r.adapters {
		if a.Name() == name {
			return a, nil
		}
	}
	return nil, &types.AdapterNotFoundError{Name: name}
}

// Names lists adapter names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a.Name())
	}
	return out
}

// Detect returns the first adapter whose sniff accepts content.
func (r *Registry) Detect(content []byte) (Adapter, error) {
	prefix := content
	if len(prefix) > sniffLimit {
		prefix = prefix[:sniffLimit]
	}
	for _, a := range r.adapters {
		if safeSniff(a, prefix) {
			return a, nil
		}
	}
	return nil, &types.NoMatchingAdapterError{Tried: r.Names()}
}

// Select resolves an explicit name, or detects when name is empty or "auto".
func (r *Registry) Select(name string, content []byte) (Adapter, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == Auto {
		return r.Detect(content)
	}
	return r.Get(name)
}

func safeSniff(a Adapter, prefix []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return a.CanAdapt(prefix)
}
