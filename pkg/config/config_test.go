package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netflixpp/meshnode/pkg/chunk"
	"github.com/netflixpp/meshnode/pkg/core"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "0.0.0.0:8088", cfg.Listen.Addr)
	assert.Equal(t, chunk.DefaultSize, cfg.Chunk.Size)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.Handshake)
	assert.Equal(t, 15*time.Second, cfg.Timeouts.ChunkRequest)
	assert.Equal(t, 30*time.Second, cfg.Registry.StaleAfter)
	assert.Equal(t, 5, cfg.Protocol.MaxParseFailures)
	assert.Equal(t, 5, cfg.Peers.Max)
	assert.Equal(t, DefaultService, cfg.Discovery.Service)
	assert.NotEmpty(t, cfg.Node.ID)
	assert.NotEmpty(t, cfg.Node.Name)
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node:
  name: living-room
  device_class: tv
listen:
  addr: 127.0.0.1:9000
chunk:
  size: 1024
timeouts:
  handshake: 3s
peers:
  seeds: ["10.0.0.2:8088"]
`), 0o644))
	t.Setenv("MESH_PEERS_MAX", "9")
	t.Setenv("MESH_TIMEOUTS_CHUNK_REQUEST", "2s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "living-room", cfg.Node.Name)
	assert.Equal(t, "tv", cfg.Node.DeviceClass)
	assert.Equal(t, "127.0.0.1:9000", cfg.Listen.Addr)
	assert.Equal(t, 1024, cfg.Chunk.Size)
	assert.Equal(t, 3*time.Second, cfg.Timeouts.Handshake)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.ChunkRequest)
	assert.Equal(t, 9, cfg.Peers.Max)
	assert.Equal(t, []string{"10.0.0.2:8088"}, cfg.Peers.Seeds)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, core.ErrConfiguration)
}

func TestValidateFailsFast(t *testing.T) {
	tests := map[string]func(*Config){
		"zero chunk size":      func(c *Config) { c.Chunk.Size = 0 },
		"negative chunk size":  func(c *Config) { c.Chunk.Size = -1 },
		"port out of range":    func(c *Config) { c.Listen.Addr = "0.0.0.0:70000" },
		"missing port":         func(c *Config) { c.Listen.Addr = "localhost" },
		"zero handshake":       func(c *Config) { c.Timeouts.Handshake = 0 },
		"no parse tolerance":   func(c *Config) { c.Protocol.MaxParseFailures = 0 },
		"no peers":             func(c *Config) { c.Peers.Max = 0 },
		"bad seed":             func(c *Config) { c.Peers.Seeds = []string{"nohost"} },
		"pipe in name":         func(c *Config) { c.Node.Name = "a|b" },
		"no fetch parallelism": func(c *Config) { c.Fetch.Parallelism = 0 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), core.ErrConfiguration)
		})
	}
}

func TestListenPort(t *testing.T) {
	port, err := ListenPort("127.0.0.1:0")
	require.NoError(t, err)
	assert.Equal(t, 0, port)

	port, err = ListenPort("[::]:8088")
	require.NoError(t, err)
	assert.Equal(t, 8088, port)
}
