// Package config holds the engine's tunables, loadable from a YAML file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// DBFile is the path of the page file.
	DBFile string `yaml:"db_file"`
	// PoolSize is the frame count of each buffer pool instance.
	PoolSize int `yaml:"pool_size"`
	// NumInstances is the shard count of the parallel buffer pool.
	NumInstances int `yaml:"num_instances"`
	// MetricsAddr exposes /metrics when non-empty, e.g. ":9187".
	MetricsAddr string `yaml:"metrics_addr"`
}

func Default() Config {
	return Config{
		DBFile:       "derin.db",
		PoolSize:     64,
		NumInstances: 4,
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("could not parse config file %v: %w", path, err)
	}

	if cfg.PoolSize <= 0 {
		return cfg, fmt.Errorf("pool_size must be positive, got %v", cfg.PoolSize)
	}
	if cfg.NumInstances <= 0 {
		return cfg, fmt.Errorf("num_instances must be positive, got %v", cfg.NumInstances)
	}
	return cfg, nil
}
