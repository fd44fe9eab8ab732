package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	config, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, uint32(32768), config.BlockSizeBytes)
	assert.Equal(t, "./blobtree-data", config.StoragePath)
	assert.True(t, config.CacheEnabled)
	assert.Equal(t, 1024, config.CacheSize)
	assert.Equal(t, 0, config.MaxConcurrentRemovals)
	assert.Equal(t, "info", config.LogLevel)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blobtree-config.yaml")
	content := `block_size_bytes: 4096
storage_path: /var/lib/blobtree
cache_enabled: false
max_concurrent_removals: 16
log_level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	config, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(4096), config.BlockSizeBytes)
	assert.Equal(t, "/var/lib/blobtree", config.StoragePath)
	assert.False(t, config.CacheEnabled)
	assert.Equal(t, 16, config.MaxConcurrentRemovals)
	assert.Equal(t, "debug", config.LogLevel)
}

func TestLoadFindsFileInSearchPath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "config"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "blobtree-config.yaml"), []byte("cache_size: 7\n"), 0o600))
	chdir(t, dir)

	config, err := load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, 7, config.CacheSize)
}

func TestLoadFromEnvironment(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("BLOBTREE_BLOCK_SIZE_BYTES", "1024")
	t.Setenv("BLOBTREE_STORAGE_PATH", "")

	config, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, uint32(1024), config.BlockSizeBytes)
	assert.Equal(t, "", config.StoragePath)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := Config{BlockSizeBytes: 40, CacheEnabled: true, CacheSize: 1}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"Valid", func(*Config) {}, false},
		{"BlockSizeTooSmall", func(c *Config) { c.BlockSizeBytes = 39 }, true},
		{"CacheWithoutSize", func(c *Config) { c.CacheSize = 0 }, true},
		{"NoCacheWithoutSize", func(c *Config) { c.CacheEnabled = false; c.CacheSize = 0 }, false},
		{"NegativeConcurrency", func(c *Config) { c.MaxConcurrentRemovals = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := valid
			tt.modify(&config)
			err := config.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
