package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/leapstack-labs/geoquery/internal/cli/testutil"
	"github.com/leapstack-labs/geoquery/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run executes the root command against the project's config file.
func run(t *testing.T, p *testutil.Project, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", p.ConfigPath}, args...))

	err := cmd.ExecuteContext(context.Background())
	if stderr.Len() > 0 {
		t.Log(stderr.String())
	}
	return stdout.String(), err
}

func TestRootCmd_Metadata(t *testing.T) {
	cmd := NewRootCmd()
	assert.Equal(t, "geoquery", cmd.Use)

	for _, name := range []string{"serve", "submit", "exec", "jobs", "version", "completion"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, sub.Name())
	}
	for _, flag := range []string{"config", "state", "scripts-dir", "verbose", "output"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(flag), "flag %q should exist", flag)
	}
}

func TestSubmitAndList(t *testing.T) {
	p := testutil.SetupTestProject(t)

	out, err := run(t, p, "submit", "--id", "schools-1", p.Query("schools.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "schools-1\n", out)

	jsonPath := p.WriteQuery(t, "zone.json", `{"zone": {"source": "places", "filter": {"kind": "park"}}}`)
	out, err = run(t, p, "submit", jsonPath)
	require.NoError(t, err)
	assert.NotEmpty(t, out)

	out, err = run(t, p, "jobs", "list", "-o", "json")
	require.NoError(t, err)
	var jobs []core.QueryJob
	require.NoError(t, json.Unmarshal([]byte(out), &jobs))
	require.Len(t, jobs, 2)
	for _, job := range jobs {
		assert.Equal(t, core.JobStatusPending, job.Status)
	}

	out, err = run(t, p, "jobs", "list", "-o", "table", "--limit", "5")
	require.NoError(t, err)
	testutil.AssertContains(t, out, "schools-1")
	testutil.AssertContains(t, out, "pending")
	testutil.AssertNoANSI(t, out)

	out, err = run(t, p, "jobs", "show", "schools-1")
	require.NoError(t, err)
	var job core.QueryJob
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	q, err := core.ParseQuery(job.QueryJSON)
	require.NoError(t, err)
	assert.Equal(t, "tag", q.Treatments[0].ID)
}

func TestSubmit_Rejects(t *testing.T) {
	p := testutil.SetupTestProject(t)

	tests := []struct {
		name    string
		args    func() []string
		wantErr string
	}{
		{
			name:    "empty query",
			args:    func() []string { return []string{"submit", p.WriteQuery(t, "empty.json", `{}`)} },
			wantErr: "malformed query",
		},
		{
			name:    "invalid yaml",
			args:    func() []string { return []string{"submit", p.WriteQuery(t, "bad.yaml", "target: [\n")} },
			wantErr: "invalid YAML",
		},
		{
			name:    "missing file",
			args:    func() []string { return []string{"submit", p.Query("nope.json")} },
			wantErr: "failed to read query file",
		},
		{
			name: "id with several files",
			args: func() []string {
				return []string{"submit", "--id", "x", p.Query("schools.yaml"), p.Query("schools.yaml")}
			},
			wantErr: "single query file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, p, tt.args()...)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}

	out, err := run(t, p, "jobs", "list", "-o", "json")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, out)
}

func TestJobsList_UnknownStatus(t *testing.T) {
	p := testutil.SetupTestProject(t)
	_, err := run(t, p, "jobs", "list", "--status", "done")
	assert.ErrorContains(t, err, `unknown status "done"`)
}

func TestJobsShow_NotFound(t *testing.T) {
	p := testutil.SetupTestProject(t)
	_, err := run(t, p, "jobs", "show", "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestExec(t *testing.T) {
	p := testutil.SetupTestProject(t)
	p.SeedPlaces(t)

	out, err := run(t, p, "exec", "-o", "json", p.Query("schools.yaml"))
	require.NoError(t, err)

	var result core.ExecutionResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.True(t, result.Success)
	require.NotNil(t, result.Result)
	require.Len(t, result.Result.Layers, 1)

	layer := result.Result.Layers[0]
	assert.Equal(t, "target", layer.Name)
	require.Len(t, layer.Features, 2)
	for _, f := range layer.Features {
		assert.Equal(t, "edu", f.Properties["tag"])
	}

	// exec never touches the queue
	out, err = run(t, p, "jobs", "list", "-o", "json")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, out)
}

func TestExec_TableOutput(t *testing.T) {
	p := testutil.SetupTestProject(t)
	p.SeedPlaces(t)

	out, err := run(t, p, "exec", "-o", "table", p.Query("schools.yaml"))
	require.NoError(t, err)
	testutil.AssertContains(t, out, string(core.StepFetchTarget))
	testutil.AssertContains(t, out, string(core.StepCompose))
	testutil.AssertNoANSI(t, out)
}

func TestExec_UnknownTreatment(t *testing.T) {
	p := testutil.SetupTestProject(t)
	path := p.WriteQuery(t, "teleport.json", `{"target": {"source": "places"}, "treatments": [{"id": "teleport"}]}`)

	out, err := run(t, p, "exec", "-o", "json", path)
	var unknown *core.UnknownTreatmentError
	require.ErrorAs(t, err, &unknown)
	assert.Contains(t, unknown.Available, "tag")

	var result core.ExecutionResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.False(t, result.Success)
}

func TestJobsCleanup(t *testing.T) {
	p := testutil.SetupTestProject(t)
	ctx := context.Background()

	store := p.OpenStore(t)
	for _, id := range []string{"old", "recent", "waiting"} {
		_, err := store.CreateJob(ctx, id, json.RawMessage(`{"target": {"source": "places"}}`))
		require.NoError(t, err)
	}
	finish := func(id string, at time.Time) {
		require.NoError(t, store.UpdateFields(ctx, id, map[string]any{core.FieldStatus: core.JobStatusProcessing}))
		require.NoError(t, store.UpdateFields(ctx, id, map[string]any{
			core.FieldStatus:     core.JobStatusSuccess,
			core.FieldExecutedAt: at,
		}))
	}
	finish("old", time.Now().Add(-48*time.Hour))
	finish("recent", time.Now())
	require.NoError(t, store.Close())

	out, err := run(t, p, "jobs", "cleanup", "--max-age", "24h")
	require.NoError(t, err)
	assert.Equal(t, "Deleted 1 jobs older than 24h0m0s\n", out)

	out, err = run(t, p, "jobs", "list", "-o", "json")
	require.NoError(t, err)
	var jobs []core.QueryJob
	require.NoError(t, json.Unmarshal([]byte(out), &jobs))
	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		ids = append(ids, job.ID)
	}
	assert.ElementsMatch(t, []string{"recent", "waiting"}, ids)
}

func TestCompletion(t *testing.T) {
	p := testutil.SetupTestProject(t)
	out, err := run(t, p, "completion", "bash")
	require.NoError(t, err)
	assert.Contains(t, out, "geoquery")
}

func TestOutputFlag_Invalid(t *testing.T) {
	p := testutil.SetupTestProject(t)
	_, err := run(t, p, "jobs", "list", "-o", "yaml")
	assert.ErrorContains(t, err, `unknown output format "yaml"`)
}
