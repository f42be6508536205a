package orchestrator

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/leapstack-labs/geoquery/pkg/core"
)

// Built-in spatial predicates.
const (
	PredicateIntersects = "intersects"
	PredicateWithin     = "within"
)

// metersPerDegree approximates one degree of latitude.
const metersPerDegree = 111_320.0

// Reference is what a predicate tests target features against.
type Reference struct {
	Features []core.Feature
	// BBoxes holds the bbox of every reference feature that has coordinates.
	BBoxes []core.BBox
	// Union is the bbox of the whole layer, nil when it has no coordinates.
	Union *core.BBox
}

// NewReference precomputes feature bboxes for features.
func NewReference(features []core.Feature) Reference {
	ref := Reference{Features: features}
	for _, f := range features {
		if b, ok := core.FeatureBBox(f); ok {
			ref.BBoxes = append(ref.BBoxes, b)
		}
	}
	if b, ok := core.ComputeBBox(features); ok {
		ref.Union = &b
	}
	return ref
}

// Predicate reports whether a target feature is kept. distance is in
// meters and widens the test when positive.
type Predicate func(f core.Feature, ref Reference, distance float64) bool

// Predicates maps predicate names to implementations. Unknown names are
// not errors: the filter passes features through and records the step as
// not evaluated.
type Predicates struct {
	mu    sync.RWMutex
	funcs map[string]Predicate
}

// NewPredicates returns an empty set.
func NewPredicates() *Predicates {
	return &Predicates{funcs: make(map[string]Predicate)}
}

// DefaultPredicates returns intersects and within.
func DefaultPredicates() *Predicates {
	p := NewPredicates()
	p.Register(PredicateIntersects, intersects)
	p.Register(PredicateWithin, within)
	return p
}

// Register adds or replaces a predicate.
func (p *Predicates) Register(name string, fn Predicate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.funcs[name] = fn
}

// Get returns the predicate for name.
func (p *Predicates) Get(name string) (Predicate, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	fn, ok := p.funcs[name]
	return fn, ok
}

// Names returns the registered names, sorted.
func (p *Predicates) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.funcs))
	for name := range p.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func intersects(f core.Feature, ref Reference, distance float64) bool {
	b, ok := core.FeatureBBox(f)
	if !ok {
		return false
	}
	b = expand(b, distance)
	for _, rb := range ref.BBoxes {
		if b.Intersects(rb) {
			return true
		}
	}
	return false
}

func within(f core.Feature, ref Reference, distance float64) bool {
	b, ok := core.FeatureBBox(f)
	if !ok || ref.Union == nil {
		return false
	}
	return expand(*ref.Union, distance).Contains(b)
}

// expand grows b by meters on every side.
func expand(b core.BBox, meters float64) core.BBox {
	if meters <= 0 {
		return b
	}
	dLat := meters / metersPerDegree
	midLat := (b.MinLat() + b.MaxLat()) / 2
	cos := math.Cos(midLat * math.Pi / 180)
	dLon := dLat
	if cos > 1e-6 {
		dLon = dLat / cos
	}
	return core.BBox{b[0] - dLon, b[1] - dLat, b[2] + dLon, b[3] + dLat}
}

// spatialFilter narrows the target layer to features matching the
// declared predicate against the processed reference layer.
func (o *Orchestrator) spatialFilter(exec *execution, sf *core.SpatialFilter, target, ref *layerData) {
	before := len(target.features)
	data := map[string]any{
		"predicate": sf.Predicate,
		"before":    before,
	}
	if sf.Distance > 0 {
		data["distance"] = sf.Distance
	}

	pred, ok := o.predicates.Get(sf.Predicate)
	if !ok {
		data["evaluated"] = false
		data["after"] = before
		o.logger.Warn("spatial predicate not evaluated", "predicate", sf.Predicate, "known", o.predicates.Names())
		o.addStep(exec, core.StepSpatialFilter,
			fmt.Sprintf("Predicate %q is not evaluated; kept all %d target features", sf.Predicate, before), data)
		return
	}

	reference := NewReference(ref.features)
	kept := make([]core.Feature, 0, len(target.features))
	for _, f := range target.features {
		if pred(f, reference, sf.Distance) {
			kept = append(kept, f)
		}
	}
	target.features = kept
	target.bbox = nil
	if b, ok := core.ComputeBBox(kept); ok {
		target.bbox = &b
	}

	data["evaluated"] = true
	data["after"] = len(kept)
	o.addStep(exec, core.StepSpatialFilter,
		fmt.Sprintf("Kept %d of %d target features %s reference", len(kept), before, sf.Predicate), data)
	exec.filtered = true
}
