package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/zenith/internal/wasmtest"
)

func writeModule(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCommand(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := writeModule(t, dir, "good.wasm", wasmtest.Constant(1))
	noEntry := writeModule(t, dir, "bare.wasm", wasmtest.NoEntrypoint())
	bad := writeModule(t, dir, "bad.wasm", wasmtest.DisallowedImport())
	junk := writeModule(t, dir, "junk.wasm", []byte("not a module"))

	tests := []struct {
		name     string
		files    []string
		wantErr  bool
		contains []string
	}{
		{
			name:     "valid module",
			files:    []string{good},
			contains: []string{"ok      " + good},
		},
		{
			name:     "missing entrypoint is a warning",
			files:    []string{noEntry},
			contains: []string{"warning: no on_event export"},
		},
		{
			name:     "disallowed import",
			files:    []string{good, bad},
			wantErr:  true,
			contains: []string{"ok      " + good, "invalid " + bad},
		},
		{
			name:     "malformed bytes",
			files:    []string{junk},
			wantErr:  true,
			contains: []string{"invalid " + junk},
		},
		{
			name:     "missing file",
			files:    []string{filepath.Join(dir, "absent.wasm")},
			wantErr:  true,
			contains: []string{"invalid "},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, append([]string{"validate"}, tt.files...)...)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			for _, s := range tt.contains {
				assert.Contains(t, out, s)
			}
		})
	}
}

func TestValidateCommand_RequiresFile(t *testing.T) {
	_, err := execute(t, "validate")
	assert.Error(t, err)
}

func TestInspectCommand(t *testing.T) {
	dir := t.TempDir()
	path := writeModule(t, dir, "edge.wasm", wasmtest.Named("filter", 1))

	out, err := execute(t, "inspect", path)
	require.NoError(t, err)
	assert.Contains(t, out, "edge")
	assert.Contains(t, out, "Embedded name:")
	assert.Contains(t, out, "filter")
	assert.Contains(t, out, "Export:")
	assert.Contains(t, out, "on_event")
	assert.Contains(t, out, "Hash:")

	_, err = execute(t, "inspect", writeModule(t, dir, "bad.wasm", wasmtest.DisallowedImport()))
	assert.Error(t, err)
}
