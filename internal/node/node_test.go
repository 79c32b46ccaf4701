package node

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/dissonance-chat/dissonance/internal/behaviour"
	"github.com/dissonance-chat/dissonance/internal/config"
	"github.com/dissonance-chat/dissonance/internal/identity"
)

func TestEndToEndIdentityAndDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.AppDirName, config.IdentityFileName)

	// First start generates and persists.
	mgr, err := identity.NewManager(path)
	if err != nil {
		t.Fatal(err)
	}
	first, err := mgr.GetIdentity()
	if err != nil {
		t.Fatalf("GetIdentity failed: %v", err)
	}

	// Restart loads the same identity.
	mgr, err = identity.NewManager(path)
	if err != nil {
		t.Fatal(err)
	}
	second, err := mgr.GetIdentity()
	if err != nil {
		t.Fatalf("GetIdentity after restart failed: %v", err)
	}
	if first.PeerID() != second.PeerID() {
		t.Fatalf("peer ID changed across restart: %s -> %s", first.PeerID(), second.PeerID())
	}

	remote, err := identity.GenerateEphemeral()
	if err != nil {
		t.Fatal(err)
	}
	d := NewDispatcher(DispatcherConfig{Local: second.PeerID()})
	d.Handle(behaviour.BehaviourEvent{Event: behaviour.FromIdentify(behaviour.IdentifyReceived{
		Peer: remote.PeerID(),
		Info: behaviour.Info{
			AgentVersion: "test/1.0",
			Protocols:    []protocol.ID{"/test/1.0.0"},
		},
	})})

	entries := d.Directory().ListPeers()
	if len(entries) != 1 {
		t.Fatalf("ListPeers returned %d entries, want 1", len(entries))
	}
	if entries[0].ID != remote.PeerID() {
		t.Errorf("entry ID = %s, want %s", entries[0].ID, remote.PeerID())
	}
	if entries[0].Record.AgentVersion != "test/1.0" {
		t.Errorf("agent version = %q, want test/1.0", entries[0].Record.AgentVersion)
	}
}

func testNodeConfig() *config.Config {
	cfg := config.Default()
	cfg.Network.Listen = []string{"/ip4/127.0.0.1/tcp/0"}
	cfg.MDNS.Enabled = false
	cfg.DHT.QueryTimeout = config.Duration(5 * time.Second)
	return cfg
}

func TestNodeStartsAndReportsListenAddress(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	id, err := identity.GenerateEphemeral()
	if err != nil {
		t.Fatal(err)
	}
	n, err := New(ctx, testNodeConfig(), id)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer n.Close()

	if n.PeerID() != id.PeerID() {
		t.Errorf("PeerID = %s, want %s", n.PeerID(), id.PeerID())
	}

	runErr := make(chan error, 1)
	go func() { runErr <- n.Run(ctx) }()

	if err := n.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for len(n.ListenAddrs()) == 0 {
		select {
		case <-ctx.Done():
			t.Fatal("no listen address reported")
		case <-time.After(20 * time.Millisecond):
		}
	}

	addr := n.ListenAddrs()[0].String()
	if !strings.HasPrefix(addr, "/ip4/127.0.0.1/tcp/") || !strings.HasSuffix(addr, "/p2p/"+id.PeerID().String()) {
		t.Errorf("dialable address = %s", addr)
	}

	if err := n.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestNodesDiscoverEachOther(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := func(cfg *config.Config) *Node {
		t.Helper()
		id, err := identity.GenerateEphemeral()
		if err != nil {
			t.Fatal(err)
		}
		n, err := New(ctx, cfg, id)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		t.Cleanup(func() { n.Close() })
		go n.Run(ctx)
		if err := n.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		return n
	}

	seed := start(testNodeConfig())
	for len(seed.ListenAddrs()) == 0 {
		select {
		case <-ctx.Done():
			t.Fatal("seed node never listened")
		case <-time.After(20 * time.Millisecond):
		}
	}

	cfg := testNodeConfig()
	cfg.Network.Bootstrap = []string{seed.ListenAddrs()[0].String()}
	joiner := start(cfg)

	for {
		r, ok := joiner.Directory().Get(seed.PeerID())
		if ok && r.AgentVersion == config.DefaultAgentVersion {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatal("joiner never identified the seed node")
		case <-time.After(20 * time.Millisecond):
		}
	}

	res, err := joiner.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	if res.Kind() != "bootstrap" {
		t.Errorf("result kind = %q, want bootstrap", res.Kind())
	}
}

func TestNewRequiresIdentity(t *testing.T) {
	if _, err := New(context.Background(), testNodeConfig(), nil); err == nil {
		t.Error("expected error for nil identity")
	}
}
