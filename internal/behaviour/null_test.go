package behaviour

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/multiformats/go-multiaddr"
)

func TestNullBehaviour(t *testing.T) {
	n := NewNull()
	n.AddKnownAddress(testPeerID, multiaddr.StringCast("/ip4/127.0.0.1/tcp/4001"))

	if _, err := n.Bootstrap(); !errors.Is(err, ErrNoEngine) {
		t.Errorf("Bootstrap = %v, want ErrNoEngine", err)
	}

	select {
	case ev := <-n.Events():
		t.Fatalf("Null emitted %T", ev)
	case <-time.After(50 * time.Millisecond):
	}

	if err := n.Close(); err != nil {
		t.Fatal(err)
	}
	n.Close()
	if _, ok := <-n.Events(); ok {
		t.Error("events should be closed")
	}
}

func TestSwarmWithNullBehaviour(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := testConfig()
	g := NewGater()
	h := newTestHost(t, cfg, g)
	s := NewSwarm(h, NewNull(), g)

	if err := s.Listen(multiaddr.StringCast("/ip4/127.0.0.1/tcp/0")); err != nil {
		t.Fatal(err)
	}

	ev, err := s.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	listen, ok := ev.(NewListenAddr)
	if !ok {
		t.Fatalf("first event = %T, want NewListenAddr", ev)
	}
	if listen.Address == nil {
		t.Error("listen address missing")
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Next(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Next after close = %v, want ErrClosed", err)
	}
}
