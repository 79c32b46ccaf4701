// Package bootstrap parses the configured bootstrap peers and seeds them into
// the routing engine. Only addresses that pin a peer ID are seeded: the
// routing table is keyed by peer ID, and the security handshake verifies the
// pinned ID on connect.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

var log = logging.Logger("dsn-bootstrap")

// ErrUnpinned is reported for bootstrap addresses that carry no peer ID.
var ErrUnpinned = errors.New("bootstrap address missing peer ID")

// PeerInfo is one configured bootstrap peer.
type PeerInfo struct {
	AddrInfo peer.AddrInfo

	// HasPinnedID is set when the configured address named the peer ID.
	HasPinnedID bool

	// RawAddress is the address as configured.
	RawAddress string
}

// Seeder accepts known addresses for the routing table.
type Seeder interface {
	AddKnownAddress(id peer.ID, addr multiaddr.Multiaddr)
}

// Dialer opens a connection to a peer.
type Dialer interface {
	Connect(ctx context.Context, pi peer.AddrInfo) error
}

// ParseBootstrapAddresses parses a list of bootstrap multiaddresses.
// Invalid entries are logged and skipped; unpinned entries are kept but
// marked, and a warning is logged for each.
func ParseBootstrapAddresses(addresses []string) []PeerInfo {
	peers := make([]PeerInfo, 0, len(addresses))

	for _, addr := range addresses {
		info, err := ParseBootstrapAddress(addr)
		if err != nil {
			log.Warnf("Invalid bootstrap address %s: %v", addr, err)
			continue
		}
		if !info.HasPinnedID {
			log.Warnf("Bootstrap address %s does not include a peer ID and will not be seeded; "+
				"use format %s/p2p/<PEER_ID>", addr, addr)
		}
		peers = append(peers, info)
	}

	return peers
}

// ParseBootstrapAddress parses one bootstrap multiaddr. An address ending in
// /p2p/<id> yields a pinned PeerInfo; any other address is returned unpinned.
func ParseBootstrapAddress(addr string) (PeerInfo, error) {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return PeerInfo{}, fmt.Errorf("invalid multiaddr: %w", err)
	}

	info := PeerInfo{RawAddress: addr}
	if !hasPeerID(ma) {
		info.AddrInfo.Addrs = []multiaddr.Multiaddr{ma}
		return info, nil
	}

	ai, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return PeerInfo{}, fmt.Errorf("failed to parse peer info: %w", err)
	}
	info.AddrInfo = *ai
	info.HasPinnedID = true
	return info, nil
}

// hasPeerID reports whether ma carries a /p2p component.
func hasPeerID(ma multiaddr.Multiaddr) bool {
	_, err := ma.ValueForProtocol(multiaddr.P_P2P)
	return err == nil
}

// ValidateBootstrapConfig returns a warning for every address that lacks a
// peer ID or does not parse.
func ValidateBootstrapConfig(addresses []string) []string {
	var warnings []string

	for _, addr := range addresses {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("Bootstrap address %q is not a valid multiaddr: %v", addr, err))
			continue
		}
		if !hasPeerID(ma) {
			warnings = append(warnings, fmt.Sprintf("Bootstrap address %q has no peer ID; append /p2p/<PEER_ID>", addr))
		}
	}

	return warnings
}

// RequirePinnedPeerIDs returns the pinned peers, merging addresses that name
// the same peer ID. Order follows first appearance.
func RequirePinnedPeerIDs(peers []PeerInfo) []PeerInfo {
	pinned := make([]PeerInfo, 0, len(peers))
	index := make(map[peer.ID]int)
	for _, p := range peers {
		if !p.HasPinnedID {
			continue
		}
		if i, ok := index[p.AddrInfo.ID]; ok {
			pinned[i].AddrInfo.Addrs = append(pinned[i].AddrInfo.Addrs, p.AddrInfo.Addrs...)
			continue
		}
		index[p.AddrInfo.ID] = len(pinned)
		p.AddrInfo.Addrs = append([]multiaddr.Multiaddr(nil), p.AddrInfo.Addrs...)
		pinned = append(pinned, p)
	}
	return pinned
}

// SeedResult represents the outcome of seeding one bootstrap peer.
type SeedResult struct {
	PeerID    peer.ID
	Address   string
	Connected bool
	Error     error
}

// Seed adds every pinned peer's addresses to the routing table and then dials
// it. Unpinned peers are reported with ErrUnpinned and never seeded. A nil
// dialer seeds without connecting.
func Seed(ctx context.Context, seeder Seeder, dialer Dialer, peers []PeerInfo) []SeedResult {
	results := make([]SeedResult, 0, len(peers))

	for _, p := range peers {
		result := SeedResult{PeerID: p.AddrInfo.ID, Address: p.RawAddress}
		if !p.HasPinnedID {
			log.Warnf("Skipping bootstrap peer %s: peer ID pinning required", p.RawAddress)
			result.Error = ErrUnpinned
			results = append(results, result)
			continue
		}

		for _, a := range p.AddrInfo.Addrs {
			seeder.AddKnownAddress(p.AddrInfo.ID, a)
		}

		if dialer != nil {
			if err := ctx.Err(); err != nil {
				result.Error = err
				results = append(results, result)
				continue
			}
			if err := dialer.Connect(ctx, p.AddrInfo); err != nil {
				result.Error = err
				log.Warnf("Failed to connect to bootstrap peer %s (%s): %v", p.AddrInfo.ID, p.RawAddress, err)
			} else {
				result.Connected = true
				log.Infof("Connected to bootstrap peer %s", p.AddrInfo.ID)
			}
		}
		results = append(results, result)
	}

	return results
}
