// Package config loads node configuration from an optional file and MESH_*
// environment variables.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/netflixpp/meshnode/pkg/chunk"
	"github.com/netflixpp/meshnode/pkg/core"
)

const (
	EnvPrefix      = "MESH"
	DefaultPort    = 8088
	DefaultService = "_meshshare._tcp"
)

type Config struct {
	Node      NodeConfig      `mapstructure:"node" yaml:"node"`
	Listen    ListenConfig    `mapstructure:"listen" yaml:"listen"`
	Chunk     ChunkConfig     `mapstructure:"chunk" yaml:"chunk"`
	Timeouts  TimeoutConfig   `mapstructure:"timeouts" yaml:"timeouts"`
	Registry  RegistryConfig  `mapstructure:"registry" yaml:"registry"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat" yaml:"heartbeat"`
	Protocol  ProtocolConfig  `mapstructure:"protocol" yaml:"protocol"`
	Peers     PeersConfig     `mapstructure:"peers" yaml:"peers"`
	Discovery DiscoveryConfig `mapstructure:"discovery" yaml:"discovery"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Fetch     FetchConfig     `mapstructure:"fetch" yaml:"fetch"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

type NodeConfig struct {
	Name        string `mapstructure:"name" yaml:"name"`
	ID          string `mapstructure:"id" yaml:"id"`
	DeviceClass string `mapstructure:"device_class" yaml:"device_class"`
}

type ListenConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

type ChunkConfig struct {
	Size int `mapstructure:"size" yaml:"size"`
}

type TimeoutConfig struct {
	Handshake    time.Duration `mapstructure:"handshake" yaml:"handshake"`
	ChunkRequest time.Duration `mapstructure:"chunk_request" yaml:"chunk_request"`
	Dial         time.Duration `mapstructure:"dial" yaml:"dial"`
}

type RegistryConfig struct {
	StaleAfter    time.Duration `mapstructure:"stale_after" yaml:"stale_after"`
	InactiveAfter time.Duration `mapstructure:"inactive_after" yaml:"inactive_after"`
}

type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

type ProtocolConfig struct {
	MaxParseFailures int `mapstructure:"max_parse_failures" yaml:"max_parse_failures"`
	MaxLineBytes     int `mapstructure:"max_line_bytes" yaml:"max_line_bytes"`
}

type PeersConfig struct {
	Max   int      `mapstructure:"max" yaml:"max"`
	Seeds []string `mapstructure:"seeds" yaml:"seeds"`
}

type DiscoveryConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Service string `mapstructure:"service" yaml:"service"`
}

// StorageConfig selects the chunk store. An empty Dir keeps content in memory.
type StorageConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

type FetchConfig struct {
	Parallelism int `mapstructure:"parallelism" yaml:"parallelism"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	File  string `mapstructure:"file" yaml:"file"`
}

// MetricsConfig enables the /metrics listener when Addr is set and a periodic
// runtime log when LogInterval is positive.
type MetricsConfig struct {
	Addr        string        `mapstructure:"addr" yaml:"addr"`
	LogInterval time.Duration `mapstructure:"log_interval" yaml:"log_interval"`
}

func defaults() map[string]any {
	return map[string]any{
		"node.name":                   hostname(),
		"node.id":                     "",
		"node.device_class":           "desktop",
		"listen.addr":                 "0.0.0.0:" + strconv.Itoa(DefaultPort),
		"chunk.size":                  chunk.DefaultSize,
		"timeouts.handshake":          10 * time.Second,
		"timeouts.chunk_request":      15 * time.Second,
		"timeouts.dial":               5 * time.Second,
		"registry.stale_after":        30 * time.Second,
		"registry.inactive_after":     60 * time.Second,
		"heartbeat.interval":          10 * time.Second,
		"protocol.max_parse_failures": 5,
		"protocol.max_line_bytes":     32 << 20,
		"peers.max":                   5,
		"peers.seeds":                 []string{},
		"discovery.enabled":           true,
		"discovery.service":           DefaultService,
		"storage.dir":                 "",
		"fetch.parallelism":           4,
		"log.level":                   "info",
		"log.file":                    "",
		"metrics.addr":                "",
		"metrics.log_interval":        time.Duration(0),
	}
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "meshnode"
	}
	return name
}

func newViper(env bool) *viper.Viper {
	v := viper.New()
	for k, val := range defaults() {
		v.SetDefault(k, val)
	}
	if env {
		v.SetEnvPrefix(EnvPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
	}
	return v
}

// Default returns the built-in configuration, ignoring the environment.
func Default() Config {
	cfg, err := decode(newViper(false))
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads path (yaml, json or toml by extension) when it is not empty,
// applies MESH_* overrides and validates the result.
func Load(path string) (Config, error) {
	v := newViper(true)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("%w: read %s: %v", core.ErrConfiguration, path, err)
		}
	}
	cfg, err := decode(v)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: decode: %v", core.ErrConfiguration, err)
	}
	if cfg.Node.ID == "" {
		cfg.Node.ID = uuid.NewString()
	}
	return cfg, nil
}

// Validate fails with core.ErrConfiguration on the first unusable value.
func (c Config) Validate() error {
	if c.Chunk.Size <= 0 {
		return invalid("chunk.size must be positive, got %d", c.Chunk.Size)
	}
	if _, err := ListenPort(c.Listen.Addr); err != nil {
		return err
	}
	if strings.ContainsAny(c.Node.Name, "|\r\n") {
		return invalid("node.name %q contains a reserved character", c.Node.Name)
	}
	if strings.ContainsAny(c.Node.ID, "|\r\n") {
		return invalid("node.id %q contains a reserved character", c.Node.ID)
	}
	for key, d := range map[string]time.Duration{
		"timeouts.handshake":      c.Timeouts.Handshake,
		"timeouts.chunk_request":  c.Timeouts.ChunkRequest,
		"timeouts.dial":           c.Timeouts.Dial,
		"registry.stale_after":    c.Registry.StaleAfter,
		"registry.inactive_after": c.Registry.InactiveAfter,
		"heartbeat.interval":      c.Heartbeat.Interval,
	} {
		if d <= 0 {
			return invalid("%s must be positive, got %s", key, d)
		}
	}
	if c.Protocol.MaxParseFailures < 1 {
		return invalid("protocol.max_parse_failures must be at least 1, got %d", c.Protocol.MaxParseFailures)
	}
	if c.Protocol.MaxLineBytes < 1024 {
		return invalid("protocol.max_line_bytes must be at least 1024, got %d", c.Protocol.MaxLineBytes)
	}
	if c.Peers.Max < 1 {
		return invalid("peers.max must be at least 1, got %d", c.Peers.Max)
	}
	for _, seed := range c.Peers.Seeds {
		if _, _, err := net.SplitHostPort(seed); err != nil {
			return invalid("peers.seeds entry %q: %v", seed, err)
		}
	}
	if c.Fetch.Parallelism < 1 {
		return invalid("fetch.parallelism must be at least 1, got %d", c.Fetch.Parallelism)
	}
	if c.Metrics.LogInterval < 0 {
		return invalid("metrics.log_interval must not be negative")
	}
	return nil
}

// ListenPort extracts the port from a host:port address. Port 0 asks the
// kernel for an ephemeral port.
func ListenPort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, invalid("listen.addr %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return 0, invalid("listen.addr %q has an invalid port", addr)
	}
	return port, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{core.ErrConfiguration}, args...)...)
}
