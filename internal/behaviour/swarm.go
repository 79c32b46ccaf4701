package behaviour

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/dissonance-chat/dissonance/internal/transport"
)

// Gater observes inbound connection attempts. It admits every connection;
// it exists so that attempts surface as IncomingConnection events.
type Gater struct {
	sink atomic.Pointer[mailbox[SwarmEvent]]
}

var _ connmgr.ConnectionGater = (*Gater)(nil)

// NewGater creates a gater. Pass it to the host with libp2p.ConnectionGater
// and then to NewSwarm; attempts before NewSwarm are not reported.
func NewGater() *Gater {
	return &Gater{}
}

// InterceptPeerDial implements connmgr.ConnectionGater.
func (g *Gater) InterceptPeerDial(peer.ID) bool { return true }

// InterceptAddrDial implements connmgr.ConnectionGater.
func (g *Gater) InterceptAddrDial(peer.ID, multiaddr.Multiaddr) bool { return true }

// InterceptAccept implements connmgr.ConnectionGater.
func (g *Gater) InterceptAccept(addrs network.ConnMultiaddrs) bool {
	if mb := g.sink.Load(); mb != nil {
		mb.push(IncomingConnection{
			LocalAddr:  addrs.LocalMultiaddr(),
			RemoteAddr: addrs.RemoteMultiaddr(),
		})
	}
	return true
}

// InterceptSecured implements connmgr.ConnectionGater.
func (g *Gater) InterceptSecured(network.Direction, peer.ID, network.ConnMultiaddrs) bool {
	return true
}

// InterceptUpgraded implements connmgr.ConnectionGater.
func (g *Gater) InterceptUpgraded(network.Conn) (bool, control.DisconnectReason) {
	return true, 0
}

// Swarm joins a host and its behaviour into the single event source driven
// by the control loop.
type Swarm struct {
	host      host.Host
	behaviour Behaviour
	gater     *Gater
	events    *mailbox[SwarmEvent]
	notifiee  *network.NotifyBundle
	closeOnce sync.Once
}

// NewSwarm registers for the host's listener and connection notifications.
// g may be nil when the host was built without a Gater.
func NewSwarm(h host.Host, b Behaviour, g *Gater) *Swarm {
	s := &Swarm{
		host:      h,
		behaviour: b,
		gater:     g,
		events:    newMailbox[SwarmEvent](),
	}
	if g != nil {
		g.sink.Store(s.events)
	}

	s.notifiee = &network.NotifyBundle{
		ListenF: func(_ network.Network, addr multiaddr.Multiaddr) {
			for _, a := range transport.ExpandListenAddr(addr) {
				s.events.push(NewListenAddr{Address: a})
			}
		},
		ListenCloseF: func(_ network.Network, addr multiaddr.Multiaddr) {
			for _, a := range transport.ExpandListenAddr(addr) {
				s.events.push(ExpiredListenAddr{Address: a})
			}
		},
		ConnectedF: func(n network.Network, c network.Conn) {
			s.events.push(ConnectionEstablished{
				Peer:           c.RemotePeer(),
				Endpoint:       c.RemoteMultiaddr(),
				Direction:      c.Stat().Direction,
				NumEstablished: len(n.ConnsToPeer(c.RemotePeer())),
			})
		},
		DisconnectedF: func(n network.Network, c network.Conn) {
			s.events.push(ConnectionClosed{
				Peer:           c.RemotePeer(),
				Endpoint:       c.RemoteMultiaddr(),
				NumEstablished: len(n.ConnsToPeer(c.RemotePeer())),
			})
		},
	}
	h.Network().Notify(s.notifiee)
	return s
}

// Host returns the underlying host.
func (s *Swarm) Host() host.Host {
	return s.host
}

// Behaviour returns the composed behaviour.
func (s *Swarm) Behaviour() Behaviour {
	return s.behaviour
}

// Listen binds the given addresses. Each bound address is reported as
// NewListenAddr.
func (s *Swarm) Listen(addrs ...multiaddr.Multiaddr) error {
	return s.host.Network().Listen(addrs...)
}

// Next blocks until the next event is available. It returns ErrClosed once
// the swarm or its behaviour is closed.
func (s *Swarm) Next(ctx context.Context) (SwarmEvent, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ev, ok := <-s.events.out:
		if !ok {
			return nil, ErrClosed
		}
		return ev, nil
	case ev, ok := <-s.behaviour.Events():
		if !ok {
			return nil, ErrClosed
		}
		return BehaviourEvent{Event: ev}, nil
	}
}

// Close stops notifications and closes the behaviour. The host is left open.
func (s *Swarm) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.host.Network().StopNotify(s.notifiee)
		if s.gater != nil {
			s.gater.sink.Store(nil)
		}
		err = s.behaviour.Close()
		s.events.close()
	})
	return err
}
