package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRunCommand(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		wantErr     bool
		wantContain []string
	}{
		{
			name:        "heap provider",
			args:        []string{"run", "--provider", "heap", "--ops", "10000", "--live", "100", "--chunks-per-pool", "64"},
			wantContain: []string{"Provider:        heap", "Operations:", "x 64 chunks"},
		},
		{
			name:        "debug mode",
			args:        []string{"run", "--provider", "heap", "--ops", "2000", "--live", "50", "--size", "5", "--debug"},
			wantContain: []string{"Chunk size:      8 bytes (requested 5)"},
		},
		{
			name:    "invalid size",
			args:    []string{"run", "--size", "0"},
			wantErr: true,
		},
		{
			name:    "unknown provider",
			args:    []string{"run", "--provider", "tape"},
			wantErr: true,
		},
		{
			name:    "missing profile",
			args:    []string{"run", "--profile", "does-not-exist.toml"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := executeCommand(t, tt.args...)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			for _, want := range tt.wantContain {
				assert.Contains(t, out, want)
			}
		})
	}
}

func TestRunCommandJSON(t *testing.T) {
	out, err := executeCommand(t, "run", "--provider", "heap", "--ops", "1000", "--live", "10", "--chunks-per-pool", "16", "--json")
	require.NoError(t, err)

	var got struct {
		Profile struct {
			ChunksPerPool int    `json:"chunksPerPool"`
			Provider      string `json:"provider"`
		} `json:"profile"`
		Result struct {
			Allocs int `json:"allocs"`
			Frees  int `json:"frees"`
			Stats  struct {
				Pools         int `json:"pools"`
				ChunksPerPool int `json:"chunksPerPool"`
			} `json:"stats"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Contains(t, out, `"chunksPerPool": 16`)
	assert.NotContains(t, out, `"Pools"`)
	assert.Equal(t, 16, got.Profile.ChunksPerPool)
	assert.Equal(t, "heap", got.Profile.Provider)
	assert.Equal(t, 1, got.Result.Stats.Pools)
	assert.Equal(t, 16, got.Result.Stats.ChunksPerPool)
	assert.GreaterOrEqual(t, got.Result.Allocs+got.Result.Frees, 1000)
}

func TestRunCommandProfileWithOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scene.toml")
	profile := `
chunks_per_pool = 32
chunk_size = 48
ops = 500
max_live = 20
provider = "heap"
`
	require.NoError(t, os.WriteFile(path, []byte(profile), 0o644))

	out, err := executeCommand(t, "run", "--profile", path, "--size", "128")
	require.NoError(t, err)
	assert.Contains(t, out, "x 32 chunks")
	assert.Contains(t, out, "Chunk size:      128 bytes (requested 128)")
}

func TestVersionCommand(t *testing.T) {
	out, err := executeCommand(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "poolctl "+version+"\n", out)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KiB", formatBytes(1536))
	assert.Equal(t, "2.0 MiB", formatBytes(2*1024*1024))
}
