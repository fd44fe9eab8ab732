package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryfs/cryfs-sub000/pkg/app"
	"github.com/cryfs/cryfs-sub000/pkg/app/blob"
)

// writeTestConfig writes a config file pointing at a fresh LevelDB directory
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "blobtree-config.yaml")
	content := fmt.Sprintf(`block_size_bytes: 64
storage_path: %s
cache_enabled: true
cache_size: 8
log_level: NOOP
`, filepath.Join(dir, "blocks"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func runCommand(t *testing.T, configFile string, stdin []byte, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(bytes.NewReader(stdin))
	root.SetArgs(append([]string{"--config", configFile}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestCLI_BlobLifecycle(t *testing.T) {
	configFile := writeTestConfig(t)

	out, err := runCommand(t, configFile, nil, "create", "-o", "json")
	require.NoError(t, err)
	var created blob.CreateResponse
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	require.NotEmpty(t, created.ID)

	content := bytes.Repeat([]byte("0123456789"), 50)
	out, err = runCommand(t, configFile, content, "write", created.ID, "0", "-", "-o", "json")
	require.NoError(t, err)
	var written blob.WriteResponse
	require.NoError(t, json.Unmarshal([]byte(out), &written))
	assert.Equal(t, int64(500), written.BytesWritten)
	assert.Equal(t, uint64(500), written.NumBytes)

	out, err = runCommand(t, configFile, nil, "read", created.ID)
	require.NoError(t, err)
	assert.Equal(t, string(content), out)

	out, err = runCommand(t, configFile, nil, "read", created.ID, "490", "5")
	require.NoError(t, err)
	assert.Equal(t, "01234", out)

	out, err = runCommand(t, configFile, nil, "stat", created.ID, "-o", "json")
	require.NoError(t, err)
	var stat blob.StatResponse
	require.NoError(t, json.Unmarshal([]byte(out), &stat))
	assert.Equal(t, uint64(500), stat.NumBytes)
	assert.Equal(t, uint32(64), stat.BlockSize)

	out, err = runCommand(t, configFile, nil, "blocks", created.ID, "-o", "json")
	require.NoError(t, err)
	var blocks blob.BlocksResponse
	require.NoError(t, json.Unmarshal([]byte(out), &blocks))
	assert.Len(t, blocks.Blocks, int(stat.NumNodes))

	out, err = runCommand(t, configFile, nil, "inspect", created.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "inner "+created.ID))
	assert.Contains(t, out, "leaf ")

	out, err = runCommand(t, configFile, nil, "resize", created.ID, "1KB", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "num_bytes: 1024")

	out, err = runCommand(t, configFile, nil, "roots")
	require.NoError(t, err)
	assert.Contains(t, out, created.ID)

	out, err = runCommand(t, configFile, nil, "rm", created.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Removed "+created.ID)

	out, err = runCommand(t, configFile, nil, "roots")
	require.NoError(t, err)
	assert.Contains(t, out, "No blobs found.")
}

func TestCLI_WriteFromFile(t *testing.T) {
	configFile := writeTestConfig(t)

	out, err := runCommand(t, configFile, nil, "create", "-o", "json")
	require.NoError(t, err)
	var created blob.CreateResponse
	require.NoError(t, json.Unmarshal([]byte(out), &created))

	input := filepath.Join(t.TempDir(), "input.bin")
	require.NoError(t, os.WriteFile(input, []byte("hello"), 0o600))

	_, err = runCommand(t, configFile, nil, "write", created.ID, "3", input)
	require.NoError(t, err)

	out, err = runCommand(t, configFile, nil, "read", created.ID)
	require.NoError(t, err)
	assert.Equal(t, "\x00\x00\x00hello", out)
}

func TestCLI_Errors(t *testing.T) {
	configFile := writeTestConfig(t)
	missing := "00112233445566778899AABBCCDDEEFF"

	tests := []struct {
		name     string
		args     []string
		wantCode string
	}{
		{name: "stat missing blob", args: []string{"stat", missing}, wantCode: app.ErrCodeBlobNotFound},
		{name: "invalid blob id", args: []string{"stat", "xyz"}, wantCode: app.ErrCodeInvalidInput},
		{name: "invalid offset", args: []string{"read", missing, "abc"}, wantCode: app.ErrCodeInvalidInput},
		{name: "missing input file", args: []string{"write", missing, "0", "/does/not/exist"}, wantCode: app.ErrCodeInvalidInput},
		{name: "unsupported output", args: []string{"roots", "-o", "xml"}, wantCode: app.ErrCodeInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCommand(t, configFile, nil, tt.args...)
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, app.ErrorCode(err))
		})
	}
}

func TestCLI_ReadOutOfRange(t *testing.T) {
	configFile := writeTestConfig(t)

	out, err := runCommand(t, configFile, nil, "create", "-o", "json")
	require.NoError(t, err)
	var created blob.CreateResponse
	require.NoError(t, json.Unmarshal([]byte(out), &created))

	_, err = runCommand(t, configFile, []byte("abc"), "write", created.ID, "0", "-")
	require.NoError(t, err)

	_, err = runCommand(t, configFile, nil, "read", created.ID, "2", "5")
	require.Error(t, err)
	assert.Equal(t, app.ErrCodeOutOfRange, app.ErrorCode(err))
}

func TestCLI_VerboseAndQuietAreExclusive(t *testing.T) {
	configFile := writeTestConfig(t)
	_, err := runCommand(t, configFile, nil, "roots", "-v", "-q")
	assert.Error(t, err)
}
