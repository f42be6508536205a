// Package treatment resolves treatment ids to transforms that turn one
// feature set into another.
package treatment

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/leapstack-labs/geoquery/pkg/core"
)

// Input is the data a treatment consumes.
type Input struct {
	Features []core.Feature
	BBox     *core.BBox
}

// Output is the data a treatment produces.
type Output struct {
	Features []core.Feature
	BBox     *core.BBox
}

// Treatment is a parameterized transform.
type Treatment interface {
	ID() string
	Apply(ctx context.Context, params map[string]any, in Input) (Output, error)
}

// Func adapts a function to Treatment.
type Func struct {
	Name string
	Fn   func(ctx context.Context, params map[string]any, in Input) (Output, error)
}

// ID returns the treatment id.
func (f Func) ID() string { return f.Name }

// Apply runs the function.
func (f Func) Apply(ctx context.Context, params map[string]any, in Input) (Output, error) {
	return f.Fn(ctx, params, in)
}

// Registry maps ids to treatments.
type Registry struct {
	mu         sync.RWMutex
	treatments map[string]Treatment
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{treatments: make(map[string]Treatment)}
}

// Register adds or replaces a treatment.
func (r *Registry) Register(t Treatment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.treatments[t.ID()] = t
}

// Get returns the treatment for id or an UnknownTreatmentError.
func (r *Registry) Get(id string) (Treatment, error) {
	r.mu.RLock()
	t, ok := r.treatments[id]
	r.mu.RUnlock()
	if !ok {
		return nil, &core.UnknownTreatmentError{ID: id, Available: r.IDs()}
	}
	return t, nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.treatments[id]
	return ok
}

// IDs returns the registered ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.treatments))
	for id := range r.treatments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate returns an UnknownTreatmentError for the first id that is not
// registered.
func (r *Registry) Validate(ids ...string) error {
	for _, id := range ids {
		if !r.Has(id) {
			return &core.UnknownTreatmentError{ID: id, Available: r.IDs()}
		}
	}
	return nil
}

// Apply runs treatment id. The output bbox is recomputed from the output
// features when the treatment leaves it unset.
func (r *Registry) Apply(ctx context.Context, id string, params map[string]any, in Input) (Output, error) {
	t, err := r.Get(id)
	if err != nil {
		return Output{}, err
	}
	out, err := t.Apply(ctx, params, in)
	if err != nil {
		return Output{}, fmt.Errorf("treatment %s: %w", id, err)
	}
	if out.Features == nil {
		out.Features = []core.Feature{}
	}
	if out.BBox == nil {
		if b, ok := core.ComputeBBox(out.Features); ok {
			out.BBox = &b
		}
	}
	return out, nil
}
