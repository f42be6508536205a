// Package orchestrator runs one structured query through the fixed
// pipeline stages: zone, reference, treatments, target, spatial filter and
// compose. Progress is mirrored into the reactive store as it happens.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/leapstack-labs/geoquery/internal/catalog"
	"github.com/leapstack-labs/geoquery/internal/reactive"
	"github.com/leapstack-labs/geoquery/internal/treatment"
	"github.com/leapstack-labs/geoquery/pkg/core"
)

// MaxQueryHistory bounds data.queryHistory.
const MaxQueryHistory = 10

// Fetcher resolves a source id and layer or tag to features.
// *catalog.Catalog implements it.
type Fetcher interface {
	Fetch(ctx context.Context, sourceID, layerOrTag string, opts catalog.FetchOptions) (*core.FetchResult, error)
}

// Options configures an Orchestrator.
type Options struct {
	Sources    Fetcher
	Treatments *treatment.Registry
	Store      *reactive.Store
	// Predicates defaults to DefaultPredicates().
	Predicates *Predicates
	Logger     *slog.Logger
}

// Orchestrator executes structured queries.
type Orchestrator struct {
	sources    Fetcher
	treatments *treatment.Registry
	store      *reactive.Store
	predicates *Predicates
	logger     *slog.Logger

	// runMu serializes Execute. Runs share the current query, step and
	// history paths of the store.
	runMu sync.Mutex

	now   func() time.Time
	newID func() string
}

// New creates an orchestrator. Sources and Store are required.
func New(opts Options) (*Orchestrator, error) {
	if opts.Sources == nil {
		return nil, errors.New("orchestrator: a source catalog is required")
	}
	if opts.Store == nil {
		return nil, errors.New("orchestrator: a state store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	treatments := opts.Treatments
	if treatments == nil {
		treatments = treatment.NewDefaultRegistry()
	}
	predicates := opts.Predicates
	if predicates == nil {
		predicates = DefaultPredicates()
	}

	return &Orchestrator{
		sources:    opts.Sources,
		treatments: treatments,
		store:      opts.Store,
		predicates: predicates,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}, nil
}

// Store returns the state store results are published into.
func (o *Orchestrator) Store() *reactive.Store { return o.store }

// Treatments returns the treatment registry.
func (o *Orchestrator) Treatments() *treatment.Registry { return o.treatments }

// layerData is one fetched and possibly treated layer.
type layerData struct {
	name     string
	spec     *core.SourceSpec
	features []core.Feature
	bbox     *core.BBox
}

// execution is the state of one Execute call.
type execution struct {
	id     string
	query  *core.StructuredQuery
	steps  []core.Step
	layers map[string]*layerData
	start  time.Time

	// filtered is set once a spatial predicate narrowed the target layer.
	filtered bool
}

// Execute runs q through every stage. The returned ExecutionResult is
// also appended to data.queryHistory. On failure the error is returned
// together with a result describing the failed run. Concurrent calls run
// one after the other.
func (o *Orchestrator) Execute(ctx context.Context, q *core.StructuredQuery) (*core.ExecutionResult, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	exec := &execution{
		id:     o.newID(),
		query:  q,
		layers: make(map[string]*layerData),
		start:  o.now(),
	}

	o.store.BatchUpdate(map[string]any{
		reactive.PathCurrentQuery: map[string]any{
			"executionId": exec.id,
			"query":       q,
			"startedAt":   exec.start,
		},
		reactive.PathExecutionSteps: []core.Step{},
	}, "query started")

	o.logger.Info("executing query", "execution_id", exec.id)

	view, err := o.run(ctx, exec)
	if err != nil {
		return o.fail(exec, err), err
	}
	return o.succeed(exec, view), nil
}

func (o *Orchestrator) run(ctx context.Context, exec *execution) (*core.ComposedView, error) {
	q := exec.query
	if q == nil {
		return nil, &core.MalformedQueryError{Reason: "query is nil"}
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(q.Treatments))
	for _, t := range q.Treatments {
		ids = append(ids, t.ID)
	}
	if err := o.treatments.Validate(ids...); err != nil {
		return nil, err
	}

	var zoneBBox *core.BBox
	if q.Zone != nil {
		zone, err := o.fetch(ctx, exec, core.LayerZone, q.Zone, nil)
		if err != nil {
			return nil, err
		}
		if err := o.applyTreatments(ctx, exec, zone); err != nil {
			return nil, err
		}
		zoneBBox = zone.bbox
	}

	if q.Reference != nil {
		ref, err := o.fetch(ctx, exec, core.LayerReference, q.Reference, zoneBBox)
		if err != nil {
			return nil, err
		}
		if err := o.applyTreatments(ctx, exec, ref); err != nil {
			return nil, err
		}
	}

	if q.Target != nil {
		target, err := o.fetch(ctx, exec, core.LayerTarget, q.Target, zoneBBox)
		if err != nil {
			return nil, err
		}
		if err := o.applyTreatments(ctx, exec, target); err != nil {
			return nil, err
		}
	}

	if q.SpatialFilter != nil {
		target, hasTarget := exec.layers[core.LayerTarget]
		ref, hasRef := exec.layers[core.LayerReference]
		if hasTarget && hasRef {
			o.spatialFilter(exec, q.SpatialFilter, target, ref)
		}
	}

	return o.compose(exec), nil
}

func (o *Orchestrator) fetch(ctx context.Context, exec *execution, name string, spec *core.SourceSpec, bbox *core.BBox) (*layerData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res, err := o.sources.Fetch(ctx, spec.Source, spec.LayerOrTag(), catalog.FetchOptions{
		BBox:        bbox,
		Filter:      spec.Filter,
		Value:       spec.Value,
		MaxFeatures: exec.query.MaxFeatures,
	})
	if err != nil {
		return nil, err
	}

	layer := &layerData{name: name, spec: spec, features: res.Features, bbox: res.BBox}
	if layer.features == nil {
		layer.features = []core.Feature{}
	}
	if layer.bbox == nil {
		if b, ok := core.ComputeBBox(layer.features); ok {
			layer.bbox = &b
		}
	}
	exec.layers[name] = layer

	data := map[string]any{
		"source": spec.Source,
		"layer":  spec.LayerOrTag(),
		"count":  len(layer.features),
	}
	if bbox != nil {
		data["constrainedBy"] = core.LayerZone
	}
	if layer.bbox != nil {
		data["bbox"] = *layer.bbox
	}
	o.addStep(exec, fetchStepType(name), fmt.Sprintf("Fetched %d %s features from %s", len(layer.features), name, spec.Source), data)
	return layer, nil
}

func fetchStepType(name string) core.StepType {
	switch name {
	case core.LayerZone:
		return core.StepFetchZone
	case core.LayerReference:
		return core.StepFetchReference
	}
	return core.StepFetchTarget
}

// applyTreatments runs, in declaration order, every treatment aimed at
// layer. Each consumes the previous one's output.
func (o *Orchestrator) applyTreatments(ctx context.Context, exec *execution, layer *layerData) error {
	for _, spec := range exec.query.Treatments {
		if spec.Target() != layer.name {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		before := len(layer.features)
		out, err := o.treatments.Apply(ctx, spec.ID, spec.Params, treatment.Input{
			Features: layer.features,
			BBox:     layer.bbox,
		})
		if err != nil {
			return err
		}
		layer.features = out.Features
		layer.bbox = out.BBox

		o.addStep(exec, core.StepTreatment, fmt.Sprintf("Applied %s to %s", spec.ID, layer.name), map[string]any{
			"id":      spec.ID,
			"applyTo": layer.name,
			"params":  spec.Params,
			"before":  before,
			"after":   len(out.Features),
		})
	}
	return nil
}

// addStep appends a step and publishes the full step list.
func (o *Orchestrator) addStep(exec *execution, typ core.StepType, message string, data map[string]any) {
	step := core.Step{Type: typ, Message: message, Data: data, Timestamp: o.now()}
	exec.steps = append(exec.steps, step)
	o.logger.Debug("execution step", "execution_id", exec.id, "type", typ, "message", message)

	steps := make([]core.Step, len(exec.steps))
	copy(steps, exec.steps)
	o.store.SetState(reactive.PathExecutionSteps, steps, string(typ))
}

func (o *Orchestrator) succeed(exec *execution, view *core.ComposedView) *core.ExecutionResult {
	result := &core.ExecutionResult{
		ExecutionID: exec.id,
		Query:       exec.query,
		Steps:       exec.steps,
		Result:      view,
		Timestamp:   o.now(),
		Success:     true,
	}
	o.store.BatchUpdate(map[string]any{
		reactive.PathQueryHistory: o.appendHistory(result),
		reactive.PathLastResult:   result,
		reactive.PathCurrentQuery: nil,
	}, "query completed")

	o.logger.Info("query completed",
		"execution_id", exec.id,
		"layers", len(view.Layers),
		"duration", o.now().Sub(exec.start))
	return result
}

func (o *Orchestrator) fail(exec *execution, err error) *core.ExecutionResult {
	o.addStep(exec, core.StepError, err.Error(), map[string]any{"error": err.Error()})

	result := &core.ExecutionResult{
		ExecutionID: exec.id,
		Query:       exec.query,
		Steps:       exec.steps,
		Timestamp:   o.now(),
		Success:     false,
		Error:       err.Error(),
	}
	o.store.BatchUpdate(map[string]any{
		reactive.PathQueryHistory: o.appendHistory(result),
		reactive.PathCurrentQuery: nil,
	}, "query failed")

	o.logger.Warn("query failed", "execution_id", exec.id, "error", err)
	return result
}

// appendHistory returns data.queryHistory with result appended, keeping
// the newest MaxQueryHistory entries.
func (o *Orchestrator) appendHistory(result *core.ExecutionResult) []core.ExecutionResult {
	prev, _ := o.store.GetState(reactive.PathQueryHistory).([]core.ExecutionResult)
	if len(prev) >= MaxQueryHistory {
		prev = prev[len(prev)-MaxQueryHistory+1:]
	}
	history := make([]core.ExecutionResult, 0, len(prev)+1)
	history = append(history, prev...)
	return append(history, *result)
}
