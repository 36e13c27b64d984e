package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 50, c.Swarm.MaxPeers)
	assert.Equal(t, 10*time.Second, c.Swarm.ChokeInterval)
	assert.Equal(t, 16, c.Download.RequestQueueLength)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	// yaml.v2 decodes durations as int64 nanoseconds
	body := "port: 6881\nswarm:\n  max_peers: 10\ndownload:\n  request_timeout: 5000000000\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 6881, c.Port)
	assert.Equal(t, 10, c.Swarm.MaxPeers)
	assert.Equal(t, 5*time.Second, c.Download.RequestTimeout)
	// untouched keys keep their defaults
	assert.Equal(t, 30, c.Swarm.TargetPeers)
}

func TestLoadExpandsHome(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.NotContains(t, c.Database, "~")
}
