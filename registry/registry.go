// Package registry resolves function names to their serving variants and
// orders fallback candidates. Positive-weight variants are drawn by weighted
// sampling without replacement, so every variant appears exactly once in the
// candidate order and earlier positions are proportionally more likely for
// heavier weights. Zero-weight variants never enter the draw; they trail the
// order as a last resort and remain reachable by pinning.
package registry

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/infermux/infermux/internal/config"
	inferrors "github.com/infermux/infermux/pkg/errors"
	"github.com/infermux/infermux/pkg/provider"
	"github.com/infermux/infermux/pkg/template"
	"github.com/infermux/infermux/pkg/types"
)

// Variant is one compiled serving option of a function.
type Variant struct {
	Name         string
	Function     string
	Weight       float64
	Model        string
	Params       types.GenerationParams
	Provider     provider.Provider
	ProviderName string
	Renderer     *template.Renderer
}

// Function is a compiled logical function.
type Function struct {
	Name string
	Kind types.FunctionKind

	variants []*Variant // sorted by name
	byName   map[string]*Variant
}

// Variant looks up one variant by name.
func (f *Function) Variant(name string) (*Variant, bool) {
	v, ok := f.byName[name]
	return v, ok
}

// Variants returns all variants sorted by name.
func (f *Function) Variants() []*Variant {
	out := make([]*Variant, len(f.variants))
	copy(out, f.variants)
	return out
}

// Registry holds the compiled function table. It is immutable after
// construction; configuration reloads build a fresh registry and swap it in.
type Registry struct {
	functions map[string]*Function

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Option configures a Registry.
type Option func(*Registry)

// WithRand injects the random source used for variant sampling. Tests pass
// a seeded source for deterministic candidate orders.
func WithRand(rng *rand.Rand) Option {
	return func(r *Registry) {
		r.rng = rng
	}
}

// New compiles the function table. Every variant's templates are parsed here
// so a broken prompt fails at load time, and every provider reference is
// bound to a live adapter instance.
func New(functions map[string]config.FunctionConfig, providers map[string]provider.Provider, opts ...Option) (*Registry, error) {
	r := &Registry{
		functions: make(map[string]*Function, len(functions)),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(r)
	}

	for fnName, fnCfg := range functions {
		fn := &Function{
			Name:   fnName,
			Kind:   fnCfg.Kind,
			byName: make(map[string]*Variant, len(fnCfg.Variants)),
		}

		for vName, vCfg := range fnCfg.Variants {
			prov, ok := providers[vCfg.Provider]
			if !ok {
				return nil, fmt.Errorf("function %q variant %q: provider %q is not instantiated", fnName, vName, vCfg.Provider)
			}

			renderer, err := template.Compile(vName, vCfg.Templates)
			if err != nil {
				return nil, fmt.Errorf("function %q: %w", fnName, err)
			}

			v := &Variant{
				Name:         vName,
				Function:     fnName,
				Weight:       vCfg.Weight,
				Model:        vCfg.Model,
				Params:       vCfg.Params,
				Provider:     prov,
				ProviderName: vCfg.Provider,
				Renderer:     renderer,
			}
			fn.variants = append(fn.variants, v)
			fn.byName[vName] = v
		}

		sort.Slice(fn.variants, func(i, j int) bool {
			return fn.variants[i].Name < fn.variants[j].Name
		})

		r.functions[fnName] = fn
	}

	return r, nil
}

// Function looks up a compiled function by name.
func (r *Registry) Function(name string) (*Function, error) {
	fn, ok := r.functions[name]
	if !ok {
		return nil, inferrors.NewUnknownFunction(name)
	}
	return fn, nil
}

// Functions returns the registered function names, sorted.
func (r *Registry) Functions() []string {
	names := make([]string, 0, len(r.functions))
	for name := range r.functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve produces the candidate order for one request. A pinned variant
// bypasses sampling entirely and is the sole candidate, regardless of its
// weight.
func (r *Registry) Resolve(functionName, pinned string) (*Function, []*Variant, error) {
	fn, err := r.Function(functionName)
	if err != nil {
		return nil, nil, err
	}

	if pinned != "" {
		v, ok := fn.byName[pinned]
		if !ok {
			return nil, nil, inferrors.NewUnknownVariant(functionName, pinned)
		}
		return fn, []*Variant{v}, nil
	}

	return fn, r.orderCandidates(fn.variants), nil
}

// orderCandidates draws the positive-weight variants one by one without
// replacement, then appends the zero-weight tail in name order.
func (r *Registry) orderCandidates(variants []*Variant) []*Variant {
	weighted := make([]*Variant, 0, len(variants))
	var zero []*Variant
	for _, v := range variants {
		if v.Weight > 0 {
			weighted = append(weighted, v)
		} else {
			zero = append(zero, v)
		}
	}

	out := make([]*Variant, 0, len(variants))
	for len(weighted) > 0 {
		idx := r.weightedIndex(weighted)
		out = append(out, weighted[idx])
		weighted = append(weighted[:idx], weighted[idx+1:]...)
	}

	return append(out, zero...)
}

// weightedIndex performs one weighted draw over the remaining candidates.
func (r *Registry) weightedIndex(variants []*Variant) int {
	if len(variants) == 1 {
		return 0
	}

	var totalWeight float64
	for _, v := range variants {
		totalWeight += v.Weight
	}

	randVal := r.randFloat64()
	var cumulative float64
	for i, v := range variants {
		cumulative += v.Weight / totalWeight
		if randVal <= cumulative {
			return i
		}
	}

	return len(variants) - 1
}

func (r *Registry) randFloat64() float64 {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return r.rng.Float64()
}
