package commands

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewVersionCommand(t *testing.T) {
	tests := []struct {
		name    string
		version string
		args    []string
		want    []string
		exact   string
	}{
		{
			name:    "full",
			version: "0.1.0",
			want:    []string{"geoquery v0.1.0 (go", "overpass, wfs, geojson, project", "buffer"},
		},
		{
			name:    "dev build",
			version: "dev",
			want:    []string{"geoquery vdev"},
		},
		{
			name:    "short",
			version: "1.2.3",
			args:    []string{"--short"},
			exact:   "1.2.3\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := NewVersionCommand(tt.version)
			var buf bytes.Buffer
			cmd.SetOut(&buf)
			cmd.SetErr(&buf)
			cmd.SetArgs(append([]string{}, tt.args...))

			require.NoError(t, cmd.Execute())
			if tt.exact != "" {
				assert.Equal(t, tt.exact, buf.String())
				return
			}
			for _, want := range tt.want {
				assert.Contains(t, buf.String(), want)
			}
		})
	}
}
