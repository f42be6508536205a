package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/leapstack-labs/geoquery/internal/catalog"
	"github.com/leapstack-labs/geoquery/internal/reactive"
	"github.com/leapstack-labs/geoquery/internal/testutil"
	"github.com/leapstack-labs/geoquery/internal/treatment"
	"github.com/leapstack-labs/geoquery/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fetchCall struct {
	source string
	layer  string
	opts   catalog.FetchOptions
}

// fakeSources serves canned features keyed by "source/layer".
type fakeSources struct {
	mu       sync.Mutex
	calls    []fetchCall
	features map[string][]core.Feature
	errs     map[string]error
}

func newFakeSources() *fakeSources {
	return &fakeSources{
		features: make(map[string][]core.Feature),
		errs:     make(map[string]error),
	}
}

func (f *fakeSources) Fetch(_ context.Context, sourceID, layerOrTag string, opts catalog.FetchOptions) (*core.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fetchCall{source: sourceID, layer: layerOrTag, opts: opts})

	key := sourceID + "/" + layerOrTag
	if err := f.errs[key]; err != nil {
		return nil, err
	}
	res := &core.FetchResult{Source: sourceID, Features: f.features[key]}
	if b, ok := core.ComputeBBox(res.Features); ok {
		res.BBox = &b
	}
	return res, nil
}

func (f *fakeSources) Calls() []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fetchCall(nil), f.calls...)
}

func square(minLon, minLat, maxLon, maxLat float64) core.Feature {
	return core.Feature{
		Type: "Feature",
		Geometry: &core.Geometry{Type: "Polygon", Coordinates: []any{[]any{
			[]any{minLon, minLat}, []any{maxLon, minLat}, []any{maxLon, maxLat}, []any{minLon, maxLat}, []any{minLon, minLat},
		}}},
		Properties: map[string]any{},
	}
}

func newTestOrchestrator(t *testing.T, sources Fetcher) (*Orchestrator, *reactive.Store) {
	t.Helper()
	store := reactive.New(reactive.Options{Logger: testutil.NewTestLogger(t)})
	o, err := New(Options{
		Sources:    sources,
		Treatments: treatment.NewDefaultRegistry(),
		Store:      store,
		Logger:     testutil.NewTestLogger(t),
	})
	require.NoError(t, err)
	return o, store
}

func stepTypes(steps []core.Step) []core.StepType {
	types := make([]core.StepType, len(steps))
	for i, s := range steps {
		types[i] = s.Type
	}
	return types
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{Store: reactive.New(reactive.Options{})})
	assert.ErrorContains(t, err, "source catalog")

	_, err = New(Options{Sources: newFakeSources()})
	assert.ErrorContains(t, err, "state store")
}

func TestExecute_OnlyTarget(t *testing.T) {
	sources := newFakeSources()
	sources.features["osm/school"] = []core.Feature{
		core.NewPointFeature(1, 2.2, 48.8, nil),
		core.NewPointFeature(2, 2.4, 48.9, nil),
	}
	o, store := newTestOrchestrator(t, sources)

	result, err := o.Execute(context.Background(), &core.StructuredQuery{
		Target: &core.SourceSpec{Source: "osm", Tag: "school"},
	})
	require.NoError(t, err)

	calls := sources.Calls()
	require.Len(t, calls, 1, "exactly one fetch")
	assert.Equal(t, "osm", calls[0].source)
	assert.Equal(t, "school", calls[0].layer)
	assert.Nil(t, calls[0].opts.BBox)

	assert.True(t, result.Success)
	assert.Equal(t, []core.StepType{core.StepFetchTarget, core.StepCompose}, stepTypes(result.Steps))

	require.Len(t, result.Result.Layers, 1)
	layer := result.Result.Layers[0]
	assert.Equal(t, core.LayerTarget, layer.Name)
	assert.Equal(t, "School (osm)", layer.Title)
	assert.Equal(t, "point", layer.Type)
	assert.Equal(t, 3, layer.ZIndex)
	assert.True(t, layer.Visible)
	assert.Equal(t, "#dc2626", layer.Style["color"])

	assert.Equal(t, result.Result.Layers, store.GetState(reactive.PathLayerItems))
	assert.Nil(t, store.GetState(reactive.PathCurrentQuery))
	assert.Equal(t, result, store.GetState(reactive.PathLastResult))

	history, ok := store.GetState(reactive.PathQueryHistory).([]core.ExecutionResult)
	require.True(t, ok)
	require.Len(t, history, 1)
	assert.Equal(t, result.ExecutionID, history[0].ExecutionID)
}

func TestExecute_BoundsAndZoom(t *testing.T) {
	sources := newFakeSources()
	sources.features["osm/school"] = []core.Feature{
		core.NewPointFeature(1, 2.2, 48.8, nil),
		core.NewPointFeature(2, 2.4, 48.9, nil),
	}
	o, store := newTestOrchestrator(t, sources)

	result, err := o.Execute(context.Background(), &core.StructuredQuery{
		Target: &core.SourceSpec{Source: "osm", Tag: "school"},
	})
	require.NoError(t, err)

	view := result.Result
	require.NotNil(t, view.Bounds)
	assert.Equal(t, core.BBox{2.2, 48.8, 2.4, 48.9}, *view.Bounds)
	require.NotNil(t, view.Center)
	assert.InDelta(t, 2.3, view.Center[0], 1e-9)
	assert.InDelta(t, 48.85, view.Center[1], 1e-9)
	assert.Equal(t, 13, view.Zoom)

	assert.Equal(t, 13, store.GetState(reactive.PathMapZoom))
	center, ok := store.GetState(reactive.PathMapCenter).([]any)
	require.True(t, ok)
	assert.InDelta(t, 2.3, center[0], 1e-9)
	assert.Len(t, store.GetState(reactive.PathMapBounds), 4)
}

func TestExecute_UnknownTreatmentRejectedBeforeFetch(t *testing.T) {
	sources := newFakeSources()
	o, store := newTestOrchestrator(t, sources)

	result, err := o.Execute(context.Background(), &core.StructuredQuery{
		Target:     &core.SourceSpec{Source: "osm", Tag: "school"},
		Treatments: []core.TreatmentSpec{{ID: treatment.Buffer}, {ID: "teleport"}},
	})
	require.Error(t, err)

	var unknown *core.UnknownTreatmentError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "teleport", unknown.ID)
	assert.Empty(t, sources.Calls())

	assert.False(t, result.Success)
	assert.Equal(t, err.Error(), result.Error)
	assert.Equal(t, []core.StepType{core.StepError}, stepTypes(result.Steps))
	assert.Nil(t, store.GetState(reactive.PathCurrentQuery))
	assert.Nil(t, store.GetState(reactive.PathLastResult))

	history := store.GetState(reactive.PathQueryHistory).([]core.ExecutionResult)
	require.Len(t, history, 1)
	assert.False(t, history[0].Success)
}

func TestExecute_StageOrder(t *testing.T) {
	sources := newFakeSources()
	sources.features["admin/arrondissement"] = []core.Feature{square(2.3, 48.8, 2.4, 48.9)}
	sources.features["osm/park"] = []core.Feature{square(2.31, 48.81, 2.32, 48.82)}
	sources.features["osm/school"] = []core.Feature{core.NewPointFeature(1, 2.315, 48.815, nil)}
	o, _ := newTestOrchestrator(t, sources)

	result, err := o.Execute(context.Background(), &core.StructuredQuery{
		Zone:      &core.SourceSpec{Source: "admin", Layer: "arrondissement"},
		Reference: &core.SourceSpec{Source: "osm", Tag: "park"},
		Target:    &core.SourceSpec{Source: "osm", Tag: "school"},
		Treatments: []core.TreatmentSpec{
			{ID: treatment.Buffer, Params: map[string]any{"distance": 50}},
			{ID: treatment.Simplify, ApplyTo: core.LayerTarget},
			{ID: treatment.Clip, ApplyTo: core.LayerZone},
		},
		SpatialFilter: &core.SpatialFilter{Predicate: PredicateIntersects},
	})
	require.NoError(t, err)

	assert.Equal(t, []core.StepType{
		core.StepFetchZone,
		core.StepTreatment,
		core.StepFetchReference,
		core.StepTreatment,
		core.StepFetchTarget,
		core.StepTreatment,
		core.StepSpatialFilter,
		core.StepCompose,
	}, stepTypes(result.Steps))

	calls := sources.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, []string{"arrondissement", "park", "school"}, []string{calls[0].layer, calls[1].layer, calls[2].layer})
	zoneBBox := core.BBox{2.3, 48.8, 2.4, 48.9}
	assert.Nil(t, calls[0].opts.BBox)
	require.NotNil(t, calls[1].opts.BBox)
	assert.Equal(t, zoneBBox, *calls[1].opts.BBox)
	require.NotNil(t, calls[2].opts.BBox)
	assert.Equal(t, zoneBBox, *calls[2].opts.BBox)

	layers := result.Result.Layers
	require.Len(t, layers, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{layers[0].ZIndex, layers[1].ZIndex, layers[2].ZIndex})
	assert.Equal(t, 50.0, layers[1].Features[0].Properties["buffer_distance"])
	assert.True(t, layers[2].Highlight)
}

func TestExecute_TransportErrorAborts(t *testing.T) {
	sources := newFakeSources()
	sources.errs["admin/arrondissement"] = &core.TransportError{Source: "admin", StatusCode: 503, URL: "https://example.test/wfs"}
	o, store := newTestOrchestrator(t, sources)

	result, err := o.Execute(context.Background(), &core.StructuredQuery{
		Zone:   &core.SourceSpec{Source: "admin", Layer: "arrondissement"},
		Target: &core.SourceSpec{Source: "osm", Tag: "school"},
	})
	require.Error(t, err)

	var transport *core.TransportError
	require.ErrorAs(t, err, &transport)
	assert.Len(t, sources.Calls(), 1)
	assert.False(t, result.Success)
	assert.Nil(t, result.Result)
	assert.Equal(t, []any{}, store.GetState(reactive.PathLayerItems), "layers are not published on failure")
}

func TestExecute_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		query *core.StructuredQuery
	}{
		{name: "nil query", query: nil},
		{name: "no layers", query: &core.StructuredQuery{}},
		{name: "missing source", query: &core.StructuredQuery{Target: &core.SourceSpec{Tag: "school"}}},
		{name: "bad apply_to", query: &core.StructuredQuery{
			Target:     &core.SourceSpec{Source: "osm"},
			Treatments: []core.TreatmentSpec{{ID: treatment.Buffer, ApplyTo: "sky"}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sources := newFakeSources()
			o, _ := newTestOrchestrator(t, sources)

			_, err := o.Execute(context.Background(), tt.query)
			var malformed *core.MalformedQueryError
			require.ErrorAs(t, err, &malformed)
			assert.Empty(t, sources.Calls())
		})
	}
}

func TestExecute_SpatialFilter(t *testing.T) {
	inside := core.NewPointFeature("in", 0.5, 0.5, nil)
	near := core.NewPointFeature("near", 1.0005, 0.5, nil)
	far := core.NewPointFeature("far", 5, 5, nil)

	tests := []struct {
		name          string
		filter        core.SpatialFilter
		wantIDs       []any
		wantEvaluated bool
	}{
		{
			name:          "intersects",
			filter:        core.SpatialFilter{Predicate: PredicateIntersects},
			wantIDs:       []any{"in"},
			wantEvaluated: true,
		},
		{
			name:          "intersects with distance",
			filter:        core.SpatialFilter{Predicate: PredicateIntersects, Distance: 200},
			wantIDs:       []any{"in", "near"},
			wantEvaluated: true,
		},
		{
			name:          "within",
			filter:        core.SpatialFilter{Predicate: PredicateWithin},
			wantIDs:       []any{"in"},
			wantEvaluated: true,
		},
		{
			name:          "unknown predicate passes through",
			filter:        core.SpatialFilter{Predicate: "touches"},
			wantIDs:       []any{"in", "near", "far"},
			wantEvaluated: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sources := newFakeSources()
			sources.features["project/zones"] = []core.Feature{square(0, 0, 1, 1)}
			sources.features["osm/school"] = []core.Feature{inside, near, far}
			o, _ := newTestOrchestrator(t, sources)

			filter := tt.filter
			result, err := o.Execute(context.Background(), &core.StructuredQuery{
				Reference:     &core.SourceSpec{Source: "project", Layer: "zones"},
				Target:        &core.SourceSpec{Source: "osm", Tag: "school"},
				SpatialFilter: &filter,
			})
			require.NoError(t, err)

			var target core.Layer
			for _, l := range result.Result.Layers {
				if l.Name == core.LayerTarget {
					target = l
				}
			}
			ids := make([]any, len(target.Features))
			for i, f := range target.Features {
				ids[i] = f.ID
			}
			assert.Equal(t, tt.wantIDs, ids)
			assert.Equal(t, tt.wantEvaluated, target.Highlight)

			step := result.Steps[len(result.Steps)-2]
			require.Equal(t, core.StepSpatialFilter, step.Type)
			assert.Equal(t, tt.wantEvaluated, step.Data["evaluated"])
		})
	}
}

func TestExecute_SpatialFilterNeedsBothLayers(t *testing.T) {
	sources := newFakeSources()
	sources.features["osm/school"] = []core.Feature{core.NewPointFeature(1, 0, 0, nil)}
	o, _ := newTestOrchestrator(t, sources)

	result, err := o.Execute(context.Background(), &core.StructuredQuery{
		Target:        &core.SourceSpec{Source: "osm", Tag: "school"},
		SpatialFilter: &core.SpatialFilter{Predicate: PredicateIntersects},
	})
	require.NoError(t, err)
	assert.Equal(t, []core.StepType{core.StepFetchTarget, core.StepCompose}, stepTypes(result.Steps))
}

func TestExecute_Visualization(t *testing.T) {
	sources := newFakeSources()
	sources.features["admin/arrondissement"] = []core.Feature{square(0, 0, 10, 10)}
	sources.features["osm/school"] = []core.Feature{core.NewPointFeature(1, 1, 1, nil)}
	o, store := newTestOrchestrator(t, sources)

	result, err := o.Execute(context.Background(), &core.StructuredQuery{
		Zone:   &core.SourceSpec{Source: "admin", Layer: "arrondissement"},
		Target: &core.SourceSpec{Source: "osm", Tag: "amenity", Value: "primary_school"},
		Visualization: &core.Visualization{
			Layers:  []string{core.LayerTarget},
			Styles:  map[string]map[string]any{core.LayerTarget: {"color": "#000000"}},
			Basemap: "satellite",
		},
	})
	require.NoError(t, err)

	view := result.Result
	require.Len(t, view.Layers, 1)
	layer := view.Layers[0]
	assert.Equal(t, core.LayerTarget, layer.Name)
	assert.Equal(t, "Primary School (osm)", layer.Title)
	assert.Equal(t, "#000000", layer.Style["color"])
	assert.Equal(t, 6, layer.Style["radius"], "defaults fill styles the query leaves out")

	// Bounds cover only the included layers.
	require.NotNil(t, view.Bounds)
	assert.Equal(t, core.BBox{1, 1, 1, 1}, *view.Bounds)
	assert.Equal(t, core.MaxZoom, view.Zoom)
	assert.Equal(t, "satellite", store.GetState(reactive.PathMapBasemap))
}

func TestExecute_EmptyResultsAreValid(t *testing.T) {
	sources := newFakeSources()
	o, store := newTestOrchestrator(t, sources)
	before := store.GetState(reactive.PathMapCenter)

	result, err := o.Execute(context.Background(), &core.StructuredQuery{
		Target: &core.SourceSpec{Source: "osm", Tag: "school"},
	})
	require.NoError(t, err)
	require.Len(t, result.Result.Layers, 1)
	assert.Equal(t, "empty", result.Result.Layers[0].Type)
	assert.Nil(t, result.Result.Bounds)
	assert.Equal(t, before, store.GetState(reactive.PathMapCenter), "viewport kept when there is nothing to show")
}

func TestExecute_StepsMirroredAsTheyHappen(t *testing.T) {
	sources := newFakeSources()
	sources.features["osm/school"] = []core.Feature{core.NewPointFeature(1, 0, 0, nil)}
	o, store := newTestOrchestrator(t, sources)

	var seen []int
	unsubscribe := store.Subscribe(reactive.PathExecutionSteps, func(c reactive.Change) {
		steps, _ := c.Value.([]core.Step)
		seen = append(seen, len(steps))
	})
	defer unsubscribe()

	_, err := o.Execute(context.Background(), &core.StructuredQuery{
		Target: &core.SourceSpec{Source: "osm", Tag: "school"},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, seen)
}

func TestExecute_HistoryBounded(t *testing.T) {
	sources := newFakeSources()
	o, store := newTestOrchestrator(t, sources)

	var ids []string
	for i := range MaxQueryHistory + 3 {
		result, err := o.Execute(context.Background(), &core.StructuredQuery{
			Target: &core.SourceSpec{Source: "osm", Tag: fmt.Sprintf("t%d", i)},
		})
		require.NoError(t, err)
		ids = append(ids, result.ExecutionID)
	}

	history := store.GetState(reactive.PathQueryHistory).([]core.ExecutionResult)
	require.Len(t, history, MaxQueryHistory)
	assert.Equal(t, ids[3], history[0].ExecutionID)
	assert.Equal(t, ids[len(ids)-1], history[len(history)-1].ExecutionID)
}

func TestExecute_ConcurrentCallsKeepEveryHistoryEntry(t *testing.T) {
	sources := newFakeSources()
	o, store := newTestOrchestrator(t, sources)

	const runs = MaxQueryHistory
	ids := make(chan string, runs)
	var wg sync.WaitGroup
	for i := range runs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := o.Execute(context.Background(), &core.StructuredQuery{
				Target: &core.SourceSpec{Source: "osm", Tag: fmt.Sprintf("t%d", i)},
			})
			assert.NoError(t, err)
			ids <- result.ExecutionID
		}()
	}
	wg.Wait()
	close(ids)

	want := make([]string, 0, runs)
	for id := range ids {
		want = append(want, id)
	}
	history := store.GetState(reactive.PathQueryHistory).([]core.ExecutionResult)
	got := make([]string, 0, len(history))
	for _, h := range history {
		got = append(got, h.ExecutionID)
	}
	assert.ElementsMatch(t, want, got)
	assert.Nil(t, store.GetState(reactive.PathCurrentQuery))
}

func TestExecute_TreatmentFailure(t *testing.T) {
	sources := newFakeSources()
	sources.features["osm/park"] = []core.Feature{square(0, 0, 1, 1)}
	o, _ := newTestOrchestrator(t, sources)
	o.Treatments().Register(treatment.Func{Name: "explode", Fn: func(context.Context, map[string]any, treatment.Input) (treatment.Output, error) {
		return treatment.Output{}, errors.New("boom")
	}})

	result, err := o.Execute(context.Background(), &core.StructuredQuery{
		Reference:  &core.SourceSpec{Source: "osm", Tag: "park"},
		Target:     &core.SourceSpec{Source: "osm", Tag: "school"},
		Treatments: []core.TreatmentSpec{{ID: "explode"}},
	})
	assert.EqualError(t, err, "treatment explode: boom")
	assert.Len(t, sources.Calls(), 1, "target is never fetched")
	assert.Equal(t, core.StepError, result.Steps[len(result.Steps)-1].Type)
}

func TestExecute_CancelledContext(t *testing.T) {
	sources := newFakeSources()
	o, _ := newTestOrchestrator(t, sources)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.Execute(ctx, &core.StructuredQuery{Target: &core.SourceSpec{Source: "osm"}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sources.Calls())
}
