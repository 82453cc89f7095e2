// Package arch holds the named architecture presets and resolves a preset
// name into a complete configuration record.
//
// A preset fills in defaults for fields that are still unset. Resolution walks
// from the requested preset up to the root, so the most specific preset sets
// a field first and ancestors only fill what remains. Values supplied by the
// caller are applied before any preset and are never overwritten.
//
// A Registry is populated once during start-up and is safe for concurrent
// Resolve calls afterwards. Register is not synchronised.
package arch

import (
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/23skdu/longbow-smlp/internal/config"
	"github.com/23skdu/longbow-smlp/internal/metrics"
)

// Rule fills defaults into a record, normally through Record.SetDefault.
type Rule func(config.Record)

// Default is one (option, value) pair of a preset.
type Default struct {
	Key   string
	Value any
}

// Defaults builds a rule that sets each pair in order if it is absent.
func Defaults(pairs ...Default) Rule {
	return func(r config.Record) {
		for _, p := range pairs {
			r.SetDefault(p.Key, p.Value)
		}
	}
}

// Chain composes rules, applied left to right.
func Chain(rules ...Rule) Rule {
	return func(r config.Record) {
		for _, rule := range rules {
			rule(r)
		}
	}
}

type Preset struct {
	Name   string
	Parent string
	Rule   Rule
}

type Registry struct {
	root    string
	presets *orderedmap.OrderedMap[string, Preset]
}

// NewRegistry creates an empty registry whose chains must end at root.
func NewRegistry(root string) *Registry {
	return &Registry{
		root:    root,
		presets: orderedmap.New[string, Preset](),
	}
}

func (r *Registry) Root() string {
	return r.root
}

// Register stores a preset. The parent may be registered later; it is only
// looked up during resolution.
func (r *Registry) Register(name, parent string, rule Rule) error {
	if name == "" {
		return fmt.Errorf("preset name is required")
	}
	if rule == nil {
		return fmt.Errorf("preset %q: rule is required", name)
	}
	if _, ok := r.presets.Get(name); ok {
		return DuplicateNameError{Name: name}
	}
	if name == r.root && parent != "" {
		return fmt.Errorf("root preset %q cannot have a parent", name)
	}
	if name != r.root && parent == "" {
		return fmt.Errorf("%w: %q", ErrOrphanPreset, name)
	}

	r.presets.Set(name, Preset{Name: name, Parent: parent, Rule: rule})
	return nil
}

// Names lists presets in registration order.
func (r *Registry) Names() []string {
	names := make([]string, 0, r.presets.Len())
	for pair := r.presets.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

func (r *Registry) Get(name string) (Preset, bool) {
	return r.presets.Get(name)
}

// Chain returns the preset names from name up to the root, most specific first.
// The walk is bounded by the registry size.
func (r *Registry) Chain(name string) ([]string, error) {
	var chain []string
	visited := make(map[string]bool)

	for cur := name; ; {
		p, ok := r.presets.Get(cur)
		if !ok {
			return nil, UnknownPresetError{Name: cur}
		}
		if visited[cur] || len(chain) >= r.presets.Len() {
			return nil, CyclicInheritanceError{Chain: append(chain, cur)}
		}
		visited[cur] = true
		chain = append(chain, cur)

		if cur == r.root {
			return chain, nil
		}
		cur = p.Parent
	}
}

// Resolve produces a complete record for preset name on top of partial.
// partial is not modified.
func (r *Registry) Resolve(name string, partial config.Record) (config.Record, error) {
	chain, err := r.Chain(name)
	if err != nil {
		metrics.RecordResolution(name, err)
		return nil, err
	}

	out := partial.Clone()
	for _, n := range chain {
		p, _ := r.presets.Get(n)
		p.Rule(out)
	}

	metrics.RecordResolution(name, nil)
	return out, nil
}

// Explicit returns the defaults a preset contributes on its own, without its ancestors.
func (r *Registry) Explicit(name string) (config.Record, error) {
	p, ok := r.presets.Get(name)
	if !ok {
		return nil, UnknownPresetError{Name: name}
	}
	out := make(config.Record)
	p.Rule(out)
	return out, nil
}
