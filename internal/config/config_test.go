package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if len(cfg.Network.Listen) != 1 || cfg.Network.Listen[0] != "/ip4/0.0.0.0/tcp/0" {
		t.Errorf("Listen = %v, want [/ip4/0.0.0.0/tcp/0]", cfg.Network.Listen)
	}
	if cfg.Network.MaxStreams != 256 {
		t.Errorf("MaxStreams = %d, want 256", cfg.Network.MaxStreams)
	}
	if cfg.DHT.QueryTimeout.Std() != 20*time.Second {
		t.Errorf("QueryTimeout = %v, want 20s", cfg.DHT.QueryTimeout.Std())
	}
	if cfg.DHT.ReplicationFactor != 20 {
		t.Errorf("ReplicationFactor = %d, want 20", cfg.DHT.ReplicationFactor)
	}
	if cfg.DHT.MaxMessageSize != 16*1024 {
		t.Errorf("MaxMessageSize = %d, want 16384", cfg.DHT.MaxMessageSize)
	}
	if cfg.Identify.Interval.Std() != 30*time.Second {
		t.Errorf("Identify interval = %v, want 30s", cfg.Identify.Interval.Std())
	}
	if !cfg.Identify.PushListenAddrUpdates {
		t.Error("PushListenAddrUpdates should default to true")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should validate: %v", err)
	}
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DHT.Mode != DefaultDHTMode {
		t.Errorf("Mode = %q, want %q", cfg.DHT.Mode, DefaultDHTMode)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", ConfigFileName)

	cfg := Default()
	cfg.DHT.Mode = "auto"
	cfg.DHT.QueryTimeout = Duration(45 * time.Second)
	cfg.Network.Bootstrap = []string{"/ip4/10.0.0.1/tcp/4001/p2p/12D3KooWDpJ7As7BWAwRMfu1VU2WCqNjvq387JEYKDBj4kx6nXTN"}
	cfg.MDNS.Enabled = false

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.DHT.Mode != "auto" {
		t.Errorf("Mode = %q, want auto", loaded.DHT.Mode)
	}
	if loaded.DHT.QueryTimeout.Std() != 45*time.Second {
		t.Errorf("QueryTimeout = %v, want 45s", loaded.DHT.QueryTimeout.Std())
	}
	if len(loaded.Network.Bootstrap) != 1 {
		t.Errorf("Bootstrap = %v, want one entry", loaded.Network.Bootstrap)
	}
	if loaded.MDNS.Enabled {
		t.Error("MDNS.Enabled should round trip as false")
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	if err := os.WriteFile(path, []byte("dht:\n  mode: client\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DHT.Mode != "client" {
		t.Errorf("Mode = %q, want client", cfg.DHT.Mode)
	}
	if cfg.DHT.ReplicationFactor != DefaultReplicationFactor {
		t.Errorf("ReplicationFactor = %d, want default", cfg.DHT.ReplicationFactor)
	}
	if cfg.Identify.AgentVersion != DefaultAgentVersion {
		t.Errorf("AgentVersion = %q, want default", cfg.Identify.AgentVersion)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad mode", "dht:\n  mode: relay\n"},
		{"bad duration", "dht:\n  query_timeout: soon\n"},
		{"negative streams", "network:\n  max_streams: -1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), ConfigFileName)
			if err := os.WriteFile(path, []byte(tt.body), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Errorf("Load(%q) should fail", tt.body)
			}
		})
	}
}

func TestValidateFillsZeroValues(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if cfg.Network.MaxStreams != DefaultMaxStreams {
		t.Errorf("MaxStreams = %d, want %d", cfg.Network.MaxStreams, DefaultMaxStreams)
	}
	if cfg.Peers.MaxAge.Std() != DefaultPeerMaxAge {
		t.Errorf("MaxAge = %v, want %v", cfg.Peers.MaxAge.Std(), DefaultPeerMaxAge)
	}

	cfg.Peers.MaxAge = Duration(-time.Second)
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Validate with negative max age = %v, want ErrInvalidConfig", err)
	}
}
