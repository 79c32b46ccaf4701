package behaviour

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
)

// Event is one event from a composed engine. The set of implementations is
// closed: KademliaEvent, IdentifyEvent and MdnsEvent.
type Event interface {
	behaviourEvent()
}

// KademliaEvent wraps an event from the DHT-routing engine.
type KademliaEvent struct{ Event KadEvent }

// IdentifyEvent wraps an event from the identity-exchange engine.
type IdentifyEvent struct{ Event IdentifyEvt }

// MdnsEvent wraps an event from the local-discovery engine.
type MdnsEvent struct{ Event MdnsEvt }

func (KademliaEvent) behaviourEvent() {}
func (IdentifyEvent) behaviourEvent() {}
func (MdnsEvent) behaviourEvent()     {}

// FromKademlia wraps a DHT-routing engine event.
func FromKademlia(e KadEvent) Event { return KademliaEvent{Event: e} }

// FromIdentify wraps an identity-exchange engine event.
func FromIdentify(e IdentifyEvt) Event { return IdentifyEvent{Event: e} }

// FromMdns wraps a local-discovery engine event.
func FromMdns(e MdnsEvt) Event { return MdnsEvent{Event: e} }

// QueryID identifies an outbound DHT query issued by this node.
type QueryID uint64

func (id QueryID) String() string { return fmt.Sprintf("q-%d", uint64(id)) }

// Mode is the DHT operating mode.
type Mode int

const (
	ModeClient Mode = iota
	ModeServer
)

// String returns the string representation of a Mode.
func (m Mode) String() string {
	switch m {
	case ModeClient:
		return "client"
	case ModeServer:
		return "server"
	default:
		return "unknown"
	}
}

// KadEvent is an event from the DHT-routing engine.
type KadEvent interface {
	kadEvent()
}

// RoutingUpdated reports a routing table insertion or an address refresh for
// a peer already in the table.
type RoutingUpdated struct {
	Peer      peer.ID
	IsNewPeer bool
	Addresses []multiaddr.Multiaddr
	// OldPeer is the peer evicted from the same bucket to make room, if any.
	OldPeer peer.ID
}

// InboundRequest reports a DHT request received from a remote peer.
type InboundRequest struct {
	Peer    peer.ID
	Request string
	Size    int
	// Rejected is set when the request exceeded the maximum message size
	// and its stream was reset.
	Rejected bool
}

// ProgressStep locates an OutboundQueryProgressed event within its query.
type ProgressStep struct {
	Count int
	Last  bool
}

// OutboundQueryProgressed reports progress or completion of a query issued by
// this node. The query is finished when Step.Last is set.
type OutboundQueryProgressed struct {
	ID     QueryID
	Result QueryResult
	Step   ProgressStep
}

// UnroutablePeer reports a connected peer that cannot be added to the
// routing table: it announced no listen address or does not speak the DHT
// protocol.
type UnroutablePeer struct {
	Peer peer.ID
}

// RoutablePeer reports a DHT peer whose bucket is full, so it was not added.
type RoutablePeer struct {
	Peer    peer.ID
	Address multiaddr.Multiaddr
}

// PendingRoutablePeer reports a DHT peer that has room in its bucket and is
// waiting to be inserted.
type PendingRoutablePeer struct {
	Peer    peer.ID
	Address multiaddr.Multiaddr
}

// ModeChanged reports the DHT operating mode.
type ModeChanged struct {
	Mode Mode
}

func (RoutingUpdated) kadEvent()          {}
func (InboundRequest) kadEvent()          {}
func (OutboundQueryProgressed) kadEvent() {}
func (UnroutablePeer) kadEvent()          {}
func (RoutablePeer) kadEvent()            {}
func (PendingRoutablePeer) kadEvent()     {}
func (ModeChanged) kadEvent()             {}

// QueryResult is the outcome carried by OutboundQueryProgressed.
type QueryResult interface {
	Kind() string
	Err() error
}

// BootstrapResult is the result of a self-lookup bootstrap.
type BootstrapResult struct {
	Peers []peer.ID
	Error error
}

// ClosestPeersResult is the result of a closest-peers lookup.
type ClosestPeersResult struct {
	Key   []byte
	Peers []peer.ID
	Error error
}

// ProvidersResult is one step of a provider lookup.
type ProvidersResult struct {
	Key       cid.Cid
	Providers []peer.AddrInfo
	Error     error
}

// ProvideResult is the result of advertising a key.
type ProvideResult struct {
	Key   cid.Cid
	Error error
}

func (BootstrapResult) Kind() string    { return "bootstrap" }
func (ClosestPeersResult) Kind() string { return "closest_peers" }
func (ProvidersResult) Kind() string    { return "providers" }
func (ProvideResult) Kind() string      { return "provide" }

func (r BootstrapResult) Err() error    { return r.Error }
func (r ClosestPeersResult) Err() error { return r.Error }
func (r ProvidersResult) Err() error    { return r.Error }
func (r ProvideResult) Err() error      { return r.Error }

// Info is what a peer announces through the identity exchange.
type Info struct {
	ProtocolVersion string
	AgentVersion    string
	ListenAddrs     []multiaddr.Multiaddr
	Protocols       []protocol.ID
	ObservedAddr    multiaddr.Multiaddr
}

// IdentifyEvt is an event from the identity-exchange engine.
type IdentifyEvt interface {
	identifyEvent()
}

// IdentifyReceived reports what a remote peer announced.
type IdentifyReceived struct {
	Peer peer.ID
	Info Info
}

// IdentifySent reports that this node answered a peer's identify request.
type IdentifySent struct {
	Peer peer.ID
}

// IdentifyPushed reports that a push of this node's current info was
// triggered towards a peer that supports identify push. Delivery is not
// confirmed.
type IdentifyPushed struct {
	Peer peer.ID
	Info Info
}

// IdentifyError reports a failed identity exchange.
type IdentifyError struct {
	Peer  peer.ID
	Error error
}

func (IdentifyReceived) identifyEvent() {}
func (IdentifySent) identifyEvent()     {}
func (IdentifyPushed) identifyEvent()   {}
func (IdentifyError) identifyEvent()    {}

// MdnsEvt is an event from the local-discovery engine.
type MdnsEvt interface {
	mdnsEvent()
}

// MdnsDiscovered reports peers found on the local network.
type MdnsDiscovered struct {
	Peers []peer.AddrInfo
}

// MdnsExpired reports local peers whose announcement was not renewed in time.
type MdnsExpired struct {
	Peers []peer.AddrInfo
}

func (MdnsDiscovered) mdnsEvent() {}
func (MdnsExpired) mdnsEvent()    {}

// SwarmEvent is what the swarm delivers to the control loop: a behaviour
// event or a connection-level event observed on the host.
type SwarmEvent interface {
	swarmEvent()
}

// BehaviourEvent carries an event from the composed behaviour.
type BehaviourEvent struct {
	Event Event
}

// NewListenAddr reports a bound local listen address.
type NewListenAddr struct {
	Address multiaddr.Multiaddr
}

// ExpiredListenAddr reports a listen address that is no longer bound.
type ExpiredListenAddr struct {
	Address multiaddr.Multiaddr
}

// IncomingConnection reports an inbound connection attempt before upgrade.
type IncomingConnection struct {
	LocalAddr  multiaddr.Multiaddr
	RemoteAddr multiaddr.Multiaddr
}

// ConnectionEstablished reports a new connection to a peer.
type ConnectionEstablished struct {
	Peer           peer.ID
	Endpoint       multiaddr.Multiaddr
	Direction      network.Direction
	NumEstablished int
}

// ConnectionClosed reports a closed connection; NumEstablished counts the
// connections to the peer that remain open.
type ConnectionClosed struct {
	Peer           peer.ID
	Endpoint       multiaddr.Multiaddr
	NumEstablished int
}

func (BehaviourEvent) swarmEvent()        {}
func (NewListenAddr) swarmEvent()         {}
func (ExpiredListenAddr) swarmEvent()     {}
func (IncomingConnection) swarmEvent()    {}
func (ConnectionEstablished) swarmEvent() {}
func (ConnectionClosed) swarmEvent()      {}
