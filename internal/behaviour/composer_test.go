package behaviour

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/dissonance-chat/dissonance/internal/config"
	"github.com/dissonance-chat/dissonance/internal/identity"
	"github.com/dissonance-chat/dissonance/internal/transport"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.MDNS.Enabled = false
	cfg.DHT.QueryTimeout = config.Duration(10 * time.Second)
	return cfg
}

func newTestHost(t *testing.T, cfg *config.Config, g *Gater) host.Host {
	t.Helper()

	id, err := identity.GenerateEphemeral()
	if err != nil {
		t.Fatal(err)
	}
	key, err := id.TransportKey()
	if err != nil {
		t.Fatal(err)
	}
	opts, err := transport.Options(key, cfg.Network, cfg.Identify)
	if err != nil {
		t.Fatal(err)
	}
	if g != nil {
		opts = append(opts, libp2p.ConnectionGater(g))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		t.Fatalf("failed to create host: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func newTestSwarm(t *testing.T, ctx context.Context, cfg *config.Config) *Swarm {
	t.Helper()

	g := NewGater()
	h := newTestHost(t, cfg, g)
	b, err := New(ctx, h, cfg)
	if err != nil {
		t.Fatalf("failed to create behaviour: %v", err)
	}
	s := NewSwarm(h, b, g)
	t.Cleanup(func() { s.Close() })

	if err := s.Listen(multiaddr.StringCast("/ip4/127.0.0.1/tcp/0")); err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	return s
}

func TestNewRejectsInvalidMode(t *testing.T) {
	cfg := testConfig()
	cfg.DHT.Mode = "relay"
	h := newTestHost(t, cfg, nil)

	_, err := New(context.Background(), h, cfg)
	if !errors.Is(err, ErrBehaviourConstruction) {
		t.Errorf("New with invalid mode = %v, want ErrBehaviourConstruction", err)
	}
}

func TestComposedReportsInitialMode(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := testConfig()
	cfg.DHT.Mode = "client"
	h := newTestHost(t, cfg, nil)
	b, err := New(ctx, h, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	select {
	case ev := <-b.Events():
		kad, ok := ev.(KademliaEvent)
		if !ok {
			t.Fatalf("first event = %T, want KademliaEvent", ev)
		}
		mc, ok := kad.Event.(ModeChanged)
		if !ok || mc.Mode != ModeClient {
			t.Errorf("first kad event = %#v, want ModeChanged{client}", kad.Event)
		}
	case <-ctx.Done():
		t.Fatal("no initial mode event")
	}
}

func TestComposedCloseClosesEvents(t *testing.T) {
	cfg := testConfig()
	h := newTestHost(t, cfg, nil)
	b, err := New(context.Background(), h, cfg)
	if err != nil {
		t.Fatal(err)
	}

	if err := b.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	b.Close()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-b.Events():
			if !ok {
				if _, err := b.Bootstrap(); !errors.Is(err, ErrClosed) {
					t.Errorf("Bootstrap after close = %v, want ErrClosed", err)
				}
				return
			}
		case <-deadline:
			t.Fatal("events not closed")
		}
	}
}

func TestSwarmLoopback(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := testConfig()
	a := newTestSwarm(t, ctx, cfg)
	b := newTestSwarm(t, ctx, cfg)

	// b's events are drained so its engines never back up.
	go func() {
		for {
			if _, err := b.Next(ctx); err != nil {
				return
			}
		}
	}()

	var (
		sawListen      bool
		sawIncoming    bool
		sawEstablished bool
		sawIdentify    bool
		sawRouting     bool
		bootstrapID    QueryID
		bootstrapDone  bool
	)

	dialed := false
	for !(sawListen && sawIncoming && sawEstablished && sawIdentify && sawRouting && bootstrapDone) {
		ev, err := a.Next(ctx)
		if err != nil {
			t.Fatalf("Next failed: listen=%v incoming=%v established=%v identify=%v routing=%v bootstrap=%v: %v",
				sawListen, sawIncoming, sawEstablished, sawIdentify, sawRouting, bootstrapDone, err)
		}

		switch e := ev.(type) {
		case NewListenAddr:
			sawListen = true
			if !dialed {
				dialed = true
				target := peer.AddrInfo{ID: a.Host().ID(), Addrs: []multiaddr.Multiaddr{e.Address}}
				go func() {
					if err := b.Host().Connect(ctx, target); err != nil {
						t.Errorf("connect failed: %v", err)
					}
				}()
			}
		case IncomingConnection:
			sawIncoming = true
		case ConnectionEstablished:
			if e.Peer == b.Host().ID() {
				sawEstablished = true
				if e.NumEstablished < 1 {
					t.Errorf("NumEstablished = %d, want at least 1", e.NumEstablished)
				}
			}
		case BehaviourEvent:
			switch inner := e.Event.(type) {
			case IdentifyEvent:
				if r, ok := inner.Event.(IdentifyReceived); ok && r.Peer == b.Host().ID() {
					sawIdentify = true
					if r.Info.AgentVersion != config.DefaultAgentVersion {
						t.Errorf("agent version = %q, want %q", r.Info.AgentVersion, config.DefaultAgentVersion)
					}
				}
			case KademliaEvent:
				switch k := inner.Event.(type) {
				case RoutingUpdated:
					if k.Peer == b.Host().ID() && k.IsNewPeer && !sawRouting {
						sawRouting = true
						id, err := a.Behaviour().Bootstrap()
						if err != nil {
							t.Fatalf("Bootstrap failed: %v", err)
						}
						bootstrapID = id
					}
				case OutboundQueryProgressed:
					if _, ok := k.Result.(BootstrapResult); ok && k.ID == bootstrapID && k.Step.Last {
						bootstrapDone = true
					}
				}
			}
		}
	}
}
