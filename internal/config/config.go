// Package config loads blobtree settings from a yaml file, BLOBTREE_* environment
// variables and defaults
package config

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"

	"github.com/cryfs/cryfs-sub000/internal/datanode"
)

const (
	configName = "blobtree-config"
	envPrefix  = "BLOBTREE"
)

// ErrInvalidConfig is returned by Validate
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds configuration for the blob tree stack
type Config struct {
	BlockSizeBytes        uint32 `mapstructure:"block_size_bytes"`
	StoragePath           string `mapstructure:"storage_path"`
	CacheEnabled          bool   `mapstructure:"cache_enabled"`
	CacheSize             int    `mapstructure:"cache_size"`
	MaxConcurrentRemovals int    `mapstructure:"max_concurrent_removals"`
	LogLevel              string `mapstructure:"log_level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("block_size_bytes", 32768)
	v.SetDefault("storage_path", "./blobtree-data")
	v.SetDefault("cache_enabled", true)
	v.SetDefault("cache_size", 1024)
	v.SetDefault("max_concurrent_removals", 0)
	v.SetDefault("log_level", "info")
}

// Load reads the configuration. If configFile is empty, blobtree-config.yaml is
// searched in the usual places and a missing file is not an error.
func Load(configFile string) (*Config, error) {
	return load(viper.New(), configFile)
}

func load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.blobtree")
		v.AddConfigPath("/etc/blobtree")
	}

	setDefaults(v)

	// Allow environment variables
	v.SetEnvPrefix(envPrefix)
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks that the values can be used to open a tree store
func (c *Config) Validate() error {
	if c.BlockSizeBytes < datanode.MinBlockSizeBytes {
		return fmt.Errorf("%w: block_size_bytes is %d but must be at least %d", ErrInvalidConfig, c.BlockSizeBytes, datanode.MinBlockSizeBytes)
	}
	if c.CacheEnabled && c.CacheSize <= 0 {
		return fmt.Errorf("%w: cache_size must be positive when the cache is enabled", ErrInvalidConfig)
	}
	if c.MaxConcurrentRemovals < 0 {
		return fmt.Errorf("%w: max_concurrent_removals can't be negative", ErrInvalidConfig)
	}
	return nil
}
