// Package testutil provides test utilities for CLI testing.
package testutil

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/leapstack-labs/geoquery/internal/state"
	"github.com/leapstack-labs/geoquery/internal/testutil"
)

const projectConfig = `state_path: state.db
scripts_dir: treatments
queue:
  watch: false
sources:
  places:
    kind: project
    table: places
`

const tagScript = `
def transform(features, bbox, params):
    for f in features:
        f["properties"]["tag"] = params.get("tag", "none")
    return features
`

// SchoolsQuery targets the schools of the seeded places table and tags them.
const SchoolsQuery = `target:
  source: places
  filter:
    kind: school
treatments:
  - id: tag
    apply_to: target
    params:
      tag: edu
`

// Project is a temporary geoquery project.
type Project struct {
	Dir        string
	ConfigPath string
	StatePath  string
}

// SetupTestProject creates a temporary project: a geoquery.yaml with a
// project source named "places", a tag treatment script and a
// queries/schools.yaml query.
func SetupTestProject(t *testing.T) *Project {
	t.Helper()

	dir := t.TempDir()
	p := &Project{
		Dir:        dir,
		ConfigPath: testutil.WriteFile(t, dir, "geoquery.yaml", projectConfig),
		StatePath:  filepath.Join(dir, "state.db"),
	}
	testutil.WriteFile(t, dir, "treatments/tag.star", tagScript)
	testutil.WriteFile(t, dir, "queries/schools.yaml", SchoolsQuery)
	return p
}

// Query returns the path of a query file in the project.
func (p *Project) Query(name string) string {
	return filepath.Join(p.Dir, "queries", name)
}

// WriteQuery adds a query file to the project and returns its path.
func (p *Project) WriteQuery(t *testing.T, name, content string) string {
	t.Helper()
	return testutil.WriteFile(t, p.Dir, filepath.Join("queries", name), content)
}

// OpenStore opens the project's state database. It is closed when the
// test ends; close it earlier to hand the file to a command.
func (p *Project) OpenStore(t *testing.T) *state.SQLiteStore {
	t.Helper()
	store := state.NewSQLiteStore(testutil.NewTestLogger(t))
	if err := store.OpenAndMigrate(p.StatePath); err != nil {
		t.Fatalf("open state database: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// SeedPlaces writes two schools and a park into the places table.
func (p *Project) SeedPlaces(t *testing.T) {
	t.Helper()
	store := p.OpenStore(t)
	defer func() { _ = store.Close() }()

	records := map[string]map[string]any{
		"s1": {"name": "Lycée A", "kind": "school", "lon": 2.30, "lat": 48.85},
		"s2": {"name": "Collège B", "kind": "school", "lon": 2.35, "lat": 48.87},
		"p1": {"name": "Parc", "kind": "park", "lon": 2.32, "lat": 48.86},
	}
	for id, rec := range records {
		if err := store.PutRecord(context.Background(), "places", id, rec); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
}

// ansiPattern matches ANSI escape codes.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// AssertNoANSI checks that a string contains no ANSI escape codes.
func AssertNoANSI(t *testing.T, s string) {
	t.Helper()
	if ansiPattern.MatchString(s) {
		t.Errorf("string contains ANSI escape codes: %q", s)
	}
}

// AssertContains checks that the string contains the expected substring.
func AssertContains(t *testing.T, s, expected string) {
	t.Helper()
	if !strings.Contains(s, expected) {
		t.Errorf("string %q does not contain expected %q", s, expected)
	}
}
