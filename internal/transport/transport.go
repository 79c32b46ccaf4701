// Package transport assembles the libp2p transport stack: TCP, Noise
// encryption and yamux stream multiplexing, keyed by the node identity.
package transport

import (
	"fmt"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/dissonance-chat/dissonance/internal/config"
)

var log = logging.Logger("dsn-transport")

// Options returns the host options for the transport stack. The host is
// created without listeners; the caller binds them once its notifiee is
// registered so that every listen address is observed.
func Options(key crypto.PrivKey, netCfg config.NetworkConfig, idCfg config.IdentifyConfig) ([]libp2p.Option, error) {
	if key == nil {
		return nil, fmt.Errorf("transport key is required")
	}
	if netCfg.MaxStreams <= 0 {
		return nil, fmt.Errorf("max streams must be positive, got %d", netCfg.MaxStreams)
	}

	muxer := *yamux.DefaultTransport
	muxer.MaxIncomingStreams = uint32(netCfg.MaxStreams)

	opts := []libp2p.Option{
		libp2p.Identity(key),
		libp2p.NoListenAddrs,
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Muxer(yamux.ID, &muxer),
	}
	if idCfg.ProtocolVersion != "" {
		opts = append(opts, libp2p.ProtocolVersion(idCfg.ProtocolVersion))
	}
	if idCfg.AgentVersion != "" {
		opts = append(opts, libp2p.UserAgent(idCfg.AgentVersion))
	}
	return opts, nil
}

// ListenAddrs parses the configured listen multiaddrs.
func ListenAddrs(netCfg config.NetworkConfig) ([]multiaddr.Multiaddr, error) {
	addrs := make([]multiaddr.Multiaddr, 0, len(netCfg.Listen))
	for _, s := range netCfg.Listen {
		a, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid listen address %q: %w", s, err)
		}
		addrs = append(addrs, a)
	}
	return addrs, nil
}

// ExpandListenAddr resolves a wildcard listen address (e.g. /ip4/0.0.0.0/tcp/N)
// into one address per local interface. Specific addresses are returned as is.
func ExpandListenAddr(addr multiaddr.Multiaddr) []multiaddr.Multiaddr {
	ip, err := manet.ToIP(addr)
	if err != nil || !ip.IsUnspecified() {
		return []multiaddr.Multiaddr{addr}
	}

	ifaces, err := manet.InterfaceMultiaddrs()
	if err != nil {
		log.Debugf("Could not list interface addresses: %v", err)
		return []multiaddr.Multiaddr{addr}
	}
	resolved, err := manet.ResolveUnspecifiedAddresses([]multiaddr.Multiaddr{addr}, ifaces)
	if err != nil || len(resolved) == 0 {
		return []multiaddr.Multiaddr{addr}
	}
	return resolved
}

// Dialable returns addr with this node's /p2p/<id> component appended.
func Dialable(addr multiaddr.Multiaddr, id peer.ID) (multiaddr.Multiaddr, error) {
	p2p, err := multiaddr.NewMultiaddr("/p2p/" + id.String())
	if err != nil {
		return nil, fmt.Errorf("invalid peer ID %s: %w", id, err)
	}
	return addr.Encapsulate(p2p), nil
}
