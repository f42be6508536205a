// Package core defines the types shared by every geoquery component:
// structured queries, queued jobs, GeoJSON features, execution results and
// the typed errors that flow between them.
//
// Packages under internal/ depend on core; core depends on nothing but the
// standard library so it can be imported by host integrations directly.
package core
