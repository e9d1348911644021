package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Load_Overrides_The_Defaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	content := []byte("db_file: /tmp/test.db\npool_size: 16\nmetrics_addr: \":9187\"\n")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/test.db", cfg.DBFile)
	assert.Equal(t, 16, cfg.PoolSize)
	assert.Equal(t, ":9187", cfg.MetricsAddr)
	// untouched keys keep their defaults
	assert.Equal(t, Default().NumInstances, cfg.NumInstances)
}

func TestConfig_Load_Rejects_Broken_Values(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pool_size: -1\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestConfig_Load_Fails_On_A_Missing_File(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
