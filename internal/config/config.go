// Package config provides configuration management for the dissonance node.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// AppDirName is the directory created under the platform user config dir.
	AppDirName = "dsn-chat"

	// ConfigFileName is the configuration file name inside Dir().
	ConfigFileName = "config.yaml"

	// IdentityFileName is the persisted node identity file name inside Dir().
	IdentityFileName = "node-identity.json"
)

// Config represents the node configuration.
type Config struct {
	Network   NetworkConfig   `yaml:"network"`
	DHT       DHTConfig       `yaml:"dht"`
	Identify  IdentifyConfig  `yaml:"identify"`
	MDNS      MDNSConfig      `yaml:"mdns"`
	Peers     PeersConfig     `yaml:"peers"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Metrics   MetricsConfig   `yaml:"metrics"`

	// IdentityPath overrides the well-known identity file location.
	IdentityPath string `yaml:"identity_path,omitempty"`
}

// NetworkConfig contains transport and listener settings.
type NetworkConfig struct {
	Listen     []string `yaml:"listen"`
	Bootstrap  []string `yaml:"bootstrap"`
	MaxStreams int      `yaml:"max_streams"`
}

// DHTConfig contains the routing engine settings.
type DHTConfig struct {
	Mode               string   `yaml:"mode"` // "server", "client" or "auto"
	ProtocolPrefix     string   `yaml:"protocol_prefix"`
	QueryTimeout       Duration `yaml:"query_timeout"`
	ReplicationFactor  int      `yaml:"replication_factor"`
	MaxMessageSize     int      `yaml:"max_message_size"`
	MaxInflightQueries int      `yaml:"max_inflight_queries"`
	DiscoveryNamespace string   `yaml:"discovery_namespace"`
}

// IdentifyConfig contains the identity-exchange settings.
type IdentifyConfig struct {
	ProtocolVersion       string   `yaml:"protocol_version"`
	AgentVersion          string   `yaml:"agent_version"`
	Interval              Duration `yaml:"interval"`
	PushListenAddrUpdates bool     `yaml:"push_listen_addr_updates"`
}

// MDNSConfig contains local discovery settings.
type MDNSConfig struct {
	Enabled     bool     `yaml:"enabled"`
	ServiceName string   `yaml:"service_name"`
	TTL         Duration `yaml:"ttl"`
}

// PeersConfig contains peer directory eviction settings.
type PeersConfig struct {
	MaxAge        Duration `yaml:"max_age"`
	PruneInterval Duration `yaml:"prune_interval"`

	// Trusted lists peer IDs the directory marks as trusted.
	Trusted []string `yaml:"trusted,omitempty"`
}

// RateLimitConfig contains the inbound DHT request observation limits.
type RateLimitConfig struct {
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
}

// MetricsConfig contains the Prometheus endpoint settings.
type MetricsConfig struct {
	// Listen is the HTTP address for /metrics. Empty disables the endpoint.
	Listen string `yaml:"listen"`
}

// Duration is a time.Duration that reads and writes as a Go duration string.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Defaults mirror the collaborator construction parameters the node must supply.
const (
	DefaultListenAddr         = "/ip4/0.0.0.0/tcp/0"
	DefaultMaxStreams         = 256
	DefaultDHTMode            = "server"
	DefaultProtocolPrefix     = "/dissonance"
	DefaultQueryTimeout       = 20 * time.Second
	DefaultReplicationFactor  = 20
	DefaultMaxMessageSize     = 16 * 1024
	DefaultMaxInflightQueries = 64
	DefaultDiscoveryNamespace = "dissonance/1.0.0"
	DefaultProtocolVersion    = "/basic-p2p/1.0.0"
	DefaultAgentVersion       = "basic-p2p-node/0.1.0"
	DefaultIdentifyInterval   = 30 * time.Second
	DefaultMDNSServiceName    = "dissonance-mdns"
	DefaultMDNSTTL            = 6 * time.Minute
	DefaultPeerMaxAge         = time.Hour
	DefaultPruneInterval      = 5 * time.Minute
	DefaultMessagesPerSecond  = 50
	DefaultBurst              = 100
)

// ErrInvalidConfig is returned by Validate for values that cannot be defaulted.
var ErrInvalidConfig = errors.New("invalid configuration")

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Network: NetworkConfig{
			Listen:     []string{DefaultListenAddr},
			Bootstrap:  []string{},
			MaxStreams: DefaultMaxStreams,
		},
		DHT: DHTConfig{
			Mode:               DefaultDHTMode,
			ProtocolPrefix:     DefaultProtocolPrefix,
			QueryTimeout:       Duration(DefaultQueryTimeout),
			ReplicationFactor:  DefaultReplicationFactor,
			MaxMessageSize:     DefaultMaxMessageSize,
			MaxInflightQueries: DefaultMaxInflightQueries,
			DiscoveryNamespace: DefaultDiscoveryNamespace,
		},
		Identify: IdentifyConfig{
			ProtocolVersion:       DefaultProtocolVersion,
			AgentVersion:          DefaultAgentVersion,
			Interval:              Duration(DefaultIdentifyInterval),
			PushListenAddrUpdates: true,
		},
		MDNS: MDNSConfig{
			Enabled:     true,
			ServiceName: DefaultMDNSServiceName,
			TTL:         Duration(DefaultMDNSTTL),
		},
		Peers: PeersConfig{
			MaxAge:        Duration(DefaultPeerMaxAge),
			PruneInterval: Duration(DefaultPruneInterval),
		},
		RateLimit: RateLimitConfig{
			MessagesPerSecond: DefaultMessagesPerSecond,
			Burst:             DefaultBurst,
		},
	}
}

// Validate fills zero values with defaults and rejects values that make no sense.
func (c *Config) Validate() error {
	if len(c.Network.Listen) == 0 {
		c.Network.Listen = []string{DefaultListenAddr}
	}
	if c.Network.MaxStreams < 0 {
		return fmt.Errorf("%w: network.max_streams must not be negative", ErrInvalidConfig)
	}
	if c.Network.MaxStreams == 0 {
		c.Network.MaxStreams = DefaultMaxStreams
	}

	switch c.DHT.Mode {
	case "":
		c.DHT.Mode = DefaultDHTMode
	case "server", "client", "auto":
	default:
		return fmt.Errorf("%w: dht.mode %q (want server, client or auto)", ErrInvalidConfig, c.DHT.Mode)
	}
	if c.DHT.ProtocolPrefix == "" {
		c.DHT.ProtocolPrefix = DefaultProtocolPrefix
	}
	if c.DHT.QueryTimeout < 0 || c.DHT.ReplicationFactor < 0 || c.DHT.MaxMessageSize < 0 || c.DHT.MaxInflightQueries < 0 {
		return fmt.Errorf("%w: dht values must not be negative", ErrInvalidConfig)
	}
	if c.DHT.QueryTimeout == 0 {
		c.DHT.QueryTimeout = Duration(DefaultQueryTimeout)
	}
	if c.DHT.ReplicationFactor == 0 {
		c.DHT.ReplicationFactor = DefaultReplicationFactor
	}
	if c.DHT.MaxMessageSize == 0 {
		c.DHT.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.DHT.MaxInflightQueries == 0 {
		c.DHT.MaxInflightQueries = DefaultMaxInflightQueries
	}
	if c.DHT.DiscoveryNamespace == "" {
		c.DHT.DiscoveryNamespace = DefaultDiscoveryNamespace
	}

	if c.Identify.ProtocolVersion == "" {
		c.Identify.ProtocolVersion = DefaultProtocolVersion
	}
	if c.Identify.AgentVersion == "" {
		c.Identify.AgentVersion = DefaultAgentVersion
	}
	if c.Identify.Interval < 0 {
		return fmt.Errorf("%w: identify.interval must not be negative", ErrInvalidConfig)
	}
	if c.Identify.Interval == 0 {
		c.Identify.Interval = Duration(DefaultIdentifyInterval)
	}

	if c.MDNS.ServiceName == "" {
		c.MDNS.ServiceName = DefaultMDNSServiceName
	}
	if c.MDNS.TTL <= 0 {
		c.MDNS.TTL = Duration(DefaultMDNSTTL)
	}

	if c.Peers.MaxAge < 0 || c.Peers.PruneInterval < 0 {
		return fmt.Errorf("%w: peers durations must not be negative", ErrInvalidConfig)
	}
	if c.Peers.MaxAge == 0 {
		c.Peers.MaxAge = Duration(DefaultPeerMaxAge)
	}
	if c.Peers.PruneInterval == 0 {
		c.Peers.PruneInterval = Duration(DefaultPruneInterval)
	}

	if c.RateLimit.MessagesPerSecond <= 0 {
		c.RateLimit.MessagesPerSecond = DefaultMessagesPerSecond
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = DefaultBurst
	}
	return nil
}

// Dir returns the platform user config directory for the node.
func Dir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("could not determine config directory: %w", err)
	}
	return filepath.Join(base, AppDirName), nil
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	dir, err := Dir()
	if err != nil {
		return ConfigFileName
	}
	return filepath.Join(dir, ConfigFileName)
}

// Load loads the configuration from a file.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return default config if file doesn't exist
			return Default(), nil
		}
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves the configuration to a file.
func Save(path string, cfg *Config) error {
	if path == "" {
		path = DefaultPath()
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
