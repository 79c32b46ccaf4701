package bootstrap

import (
	"context"
	"errors"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

const (
	pinnedA = "/ip4/127.0.0.1/tcp/4001/p2p/12D3KooWLr1gYejUTeriAsSu6roR2aQ423G3Q4fFTqzqSwTsMz9n"
	pinnedB = "/ip4/127.0.0.3/tcp/4001/p2p/12D3KooWQYhTNQdmr3ArTeUHRYzFg94BKyTkoWBDWez9kSCVe2Xo"
	// same peer as pinnedA on a second address
	pinnedA2 = "/ip4/10.1.1.1/tcp/4001/p2p/12D3KooWLr1gYejUTeriAsSu6roR2aQ423G3Q4fFTqzqSwTsMz9n"
	unpinned = "/ip4/127.0.0.2/tcp/4001"
)

type recordingSeeder struct {
	added map[peer.ID][]multiaddr.Multiaddr
}

func (s *recordingSeeder) AddKnownAddress(id peer.ID, addr multiaddr.Multiaddr) {
	if s.added == nil {
		s.added = make(map[peer.ID][]multiaddr.Multiaddr)
	}
	s.added[id] = append(s.added[id], addr)
}

type fakeDialer struct {
	fail  map[peer.ID]error
	calls []peer.ID
}

func (d *fakeDialer) Connect(_ context.Context, pi peer.AddrInfo) error {
	d.calls = append(d.calls, pi.ID)
	return d.fail[pi.ID]
}

func TestParseBootstrapAddress_WithPeerID(t *testing.T) {
	info, err := ParseBootstrapAddress(pinnedA)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !info.HasPinnedID {
		t.Error("expected HasPinnedID to be true")
	}
	if info.AddrInfo.ID.String() != "12D3KooWLr1gYejUTeriAsSu6roR2aQ423G3Q4fFTqzqSwTsMz9n" {
		t.Errorf("unexpected peer ID: %s", info.AddrInfo.ID)
	}
	if len(info.AddrInfo.Addrs) != 1 || info.AddrInfo.Addrs[0].String() != "/ip4/127.0.0.1/tcp/4001" {
		t.Errorf("transport address not split from peer ID: %v", info.AddrInfo.Addrs)
	}
	if info.RawAddress != pinnedA {
		t.Errorf("expected RawAddress to be %s, got %s", pinnedA, info.RawAddress)
	}
}

func TestParseBootstrapAddress_WithoutPeerID(t *testing.T) {
	info, err := ParseBootstrapAddress(unpinned)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if info.HasPinnedID {
		t.Error("expected HasPinnedID to be false")
	}
	if len(info.AddrInfo.Addrs) != 1 {
		t.Errorf("expected 1 address, got %d", len(info.AddrInfo.Addrs))
	}
}

func TestParseBootstrapAddress_InvalidAddress(t *testing.T) {
	if _, err := ParseBootstrapAddress("not-a-valid-multiaddr"); err == nil {
		t.Error("expected error for invalid address")
	}
}

func TestParseBootstrapAddresses_MixedAddresses(t *testing.T) {
	peers := ParseBootstrapAddresses([]string{pinnedA, unpinned, pinnedB, "invalid-address"})

	if len(peers) != 3 {
		t.Fatalf("expected 3 peers, got %d", len(peers))
	}

	pinned := 0
	for _, p := range peers {
		if p.HasPinnedID {
			pinned++
		}
	}
	if pinned != 2 {
		t.Errorf("expected 2 pinned peers, got %d", pinned)
	}
}

func TestValidateBootstrapConfig(t *testing.T) {
	warnings := ValidateBootstrapConfig([]string{
		pinnedA,
		unpinned,
		"/dnsaddr/bootstrap.example.com/p2p/12D3KooWQYhTNQdmr3ArTeUHRYzFg94BKyTkoWBDWez9kSCVe2Xo",
		"garbage",
	})

	if len(warnings) != 2 {
		t.Errorf("expected 2 warnings, got %d: %v", len(warnings), warnings)
	}
}

func TestRequirePinnedPeerIDsMergesSamePeer(t *testing.T) {
	peers := ParseBootstrapAddresses([]string{pinnedA, unpinned, pinnedB, pinnedA2})

	pinned := RequirePinnedPeerIDs(peers)
	if len(pinned) != 2 {
		t.Fatalf("expected 2 pinned peers, got %d", len(pinned))
	}
	if len(pinned[0].AddrInfo.Addrs) != 2 {
		t.Errorf("expected addresses of the same peer to be merged, got %v", pinned[0].AddrInfo.Addrs)
	}
	if len(peers[0].AddrInfo.Addrs) != 1 {
		t.Error("RequirePinnedPeerIDs modified its input")
	}
}

func TestSeed(t *testing.T) {
	peers := ParseBootstrapAddresses([]string{pinnedA, unpinned, pinnedB})
	idB := peers[2].AddrInfo.ID

	seeder := &recordingSeeder{}
	dialer := &fakeDialer{fail: map[peer.ID]error{idB: errors.New("connection refused")}}

	results := Seed(context.Background(), seeder, dialer, peers)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	if !results[0].Connected || results[0].Error != nil {
		t.Errorf("pinned peer A should connect: %+v", results[0])
	}
	if !errors.Is(results[1].Error, ErrUnpinned) {
		t.Errorf("unpinned peer error = %v, want ErrUnpinned", results[1].Error)
	}
	if results[2].Connected || results[2].Error == nil {
		t.Errorf("peer B dial failure should be reported: %+v", results[2])
	}

	if len(seeder.added) != 2 {
		t.Errorf("expected 2 seeded peers, got %d", len(seeder.added))
	}
	if _, ok := seeder.added[idB]; !ok {
		t.Error("peer B should be seeded even though its dial failed")
	}
	if len(dialer.calls) != 2 {
		t.Errorf("expected 2 dials, got %d", len(dialer.calls))
	}
}

func TestSeedWithoutDialer(t *testing.T) {
	peers := ParseBootstrapAddresses([]string{pinnedA})
	seeder := &recordingSeeder{}

	results := Seed(context.Background(), seeder, nil, peers)
	if len(results) != 1 || results[0].Connected || results[0].Error != nil {
		t.Errorf("unexpected result: %+v", results)
	}
	if len(seeder.added) != 1 {
		t.Errorf("expected 1 seeded peer, got %d", len(seeder.added))
	}
}

func TestSeedCancelledContext(t *testing.T) {
	peers := ParseBootstrapAddresses([]string{pinnedA})
	seeder := &recordingSeeder{}
	dialer := &fakeDialer{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := Seed(ctx, seeder, dialer, peers)
	if !errors.Is(results[0].Error, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", results[0].Error)
	}
	if len(dialer.calls) != 0 {
		t.Error("cancelled seeding should not dial")
	}
	if len(seeder.added) != 1 {
		t.Error("addresses should still be seeded when the dial is skipped")
	}
}
