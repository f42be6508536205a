package core

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Layer names produced by the fetch stages.
const (
	LayerZone      = "zone"
	LayerReference = "reference"
	LayerTarget    = "target"
)

// SourceSpec names one fetch: a catalog source, a layer or tag within it,
// an optional tag value and a property filter.
type SourceSpec struct {
	Source string         `json:"source" yaml:"source"`
	Layer  string         `json:"layer,omitempty" yaml:"layer,omitempty"`
	Tag    string         `json:"tag,omitempty" yaml:"tag,omitempty"`
	Value  any            `json:"value,omitempty" yaml:"value,omitempty"`
	Filter map[string]any `json:"filter,omitempty" yaml:"filter,omitempty"`
}

// LayerOrTag returns the layer name, falling back to the tag.
func (s *SourceSpec) LayerOrTag() string {
	if s.Layer != "" {
		return s.Layer
	}
	return s.Tag
}

// TreatmentSpec is one parameterized transform.
type TreatmentSpec struct {
	ID      string         `json:"id" yaml:"id"`
	Params  map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	ApplyTo string         `json:"apply_to,omitempty" yaml:"apply_to,omitempty"`
}

// Target returns the layer the treatment applies to; empty means reference.
func (t *TreatmentSpec) Target() string {
	if t.ApplyTo == "" {
		return LayerReference
	}
	return t.ApplyTo
}

// SpatialFilter filters target features against the reference layer.
type SpatialFilter struct {
	Predicate string  `json:"predicate" yaml:"predicate"`
	Distance  float64 `json:"distance,omitempty" yaml:"distance,omitempty"`
}

// Visualization selects and styles the composed layers.
type Visualization struct {
	Layers  []string                  `json:"layers,omitempty" yaml:"layers,omitempty"`
	Styles  map[string]map[string]any `json:"styles,omitempty" yaml:"styles,omitempty"`
	Basemap string                    `json:"basemap,omitempty" yaml:"basemap,omitempty"`
}

// StructuredQuery is the request an agent writes into the queue.
type StructuredQuery struct {
	Target        *SourceSpec     `json:"target,omitempty" yaml:"target,omitempty"`
	Reference     *SourceSpec     `json:"reference,omitempty" yaml:"reference,omitempty"`
	Zone          *SourceSpec     `json:"zone,omitempty" yaml:"zone,omitempty"`
	Treatments    []TreatmentSpec `json:"treatments,omitempty" yaml:"treatments,omitempty"`
	SpatialFilter *SpatialFilter  `json:"spatialFilter,omitempty" yaml:"spatialFilter,omitempty"`
	Visualization *Visualization  `json:"visualization,omitempty" yaml:"visualization,omitempty"`
	MaxFeatures   int             `json:"maxFeatures,omitempty" yaml:"maxFeatures,omitempty"`
}

// Validate checks the structural rules that do not depend on any registry.
func (q *StructuredQuery) Validate() error {
	if q.Target == nil && q.Reference == nil && q.Zone == nil {
		return &MalformedQueryError{Reason: "query has no target, reference or zone"}
	}

	for name, spec := range map[string]*SourceSpec{
		LayerZone:      q.Zone,
		LayerReference: q.Reference,
		LayerTarget:    q.Target,
	} {
		if spec == nil {
			continue
		}
		if spec.Source == "" {
			return &MalformedQueryError{Reason: fmt.Sprintf("%s.source is required", name)}
		}
	}

	for i, t := range q.Treatments {
		if t.ID == "" {
			return &MalformedQueryError{Reason: fmt.Sprintf("treatments[%d].id is required", i)}
		}
		switch t.Target() {
		case LayerZone, LayerReference, LayerTarget:
		default:
			return &MalformedQueryError{Reason: fmt.Sprintf("treatments[%d].apply_to %q is not a layer", i, t.ApplyTo)}
		}
	}

	if q.Visualization != nil {
		for _, name := range q.Visualization.Layers {
			switch name {
			case LayerZone, LayerReference, LayerTarget:
			default:
				return &MalformedQueryError{Reason: fmt.Sprintf("visualization layer %q is not a layer", name)}
			}
		}
	}

	if q.MaxFeatures < 0 {
		return &MalformedQueryError{Reason: "maxFeatures must not be negative"}
	}
	return nil
}

// ParseQuery decodes a query payload. The payload may be the JSON object
// itself or a JSON string that holds the encoded object.
func ParseQuery(raw []byte) (*StructuredQuery, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, &MalformedQueryError{Reason: "empty query payload"}
	}

	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, &MalformedQueryError{Reason: "invalid JSON string payload", Err: err}
		}
		return ParseQuery([]byte(inner))
	}

	var q StructuredQuery
	if err := json.Unmarshal(raw, &q); err != nil {
		return nil, &MalformedQueryError{Reason: "invalid query JSON", Err: err}
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return &q, nil
}
