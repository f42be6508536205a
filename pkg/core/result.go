package core

import "time"

// StepType identifies a pipeline stage in the execution log.
type StepType string

// Step types, in stage order.
const (
	StepFetchZone      StepType = "fetch_zone"
	StepFetchReference StepType = "fetch_reference"
	StepTreatment      StepType = "treatment"
	StepFetchTarget    StepType = "fetch_target"
	StepSpatialFilter  StepType = "spatial_filter"
	StepCompose        StepType = "compose"
	StepError          StepType = "error"
)

// Step is one entry of the execution log.
type Step struct {
	Type      StepType       `json:"type"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// FetchResult is what a source returns for one fetch.
type FetchResult struct {
	Source   string    `json:"source"`
	Features []Feature `json:"features"`
	BBox     *BBox     `json:"bbox,omitempty"`
}

// Layer is a named, styled feature collection destined for display.
type Layer struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Title     string         `json:"title,omitempty"`
	Type      string         `json:"type"`
	Features  []Feature      `json:"features"`
	Style     map[string]any `json:"style"`
	Visible   bool           `json:"visible"`
	ZIndex    int            `json:"zIndex"`
	Highlight bool           `json:"highlight,omitempty"`
}

// ComposedView is the final output of a query.
type ComposedView struct {
	Layers  []Layer     `json:"layers"`
	Bounds  *BBox       `json:"bounds,omitempty"`
	Center  *[2]float64 `json:"center,omitempty"`
	Zoom    int         `json:"zoom,omitempty"`
	Basemap string      `json:"basemap,omitempty"`
}

// ExecutionResult records one orchestrator run, successful or not.
type ExecutionResult struct {
	ExecutionID string           `json:"executionId"`
	Query       *StructuredQuery `json:"query"`
	Steps       []Step           `json:"steps"`
	Result      *ComposedView    `json:"result,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
	Success     bool             `json:"success"`
	Error       string           `json:"error,omitempty"`
}
