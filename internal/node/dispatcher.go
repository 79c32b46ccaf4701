package node

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/dissonance-chat/dissonance/internal/behaviour"
	"github.com/dissonance-chat/dissonance/internal/metrics"
	"github.com/dissonance-chat/dissonance/internal/peers"
	"github.com/dissonance-chat/dissonance/internal/ratelimit"
	"github.com/dissonance-chat/dissonance/internal/transport"
)

// Source yields swarm events one at a time. *behaviour.Swarm implements it.
type Source interface {
	Next(ctx context.Context) (behaviour.SwarmEvent, error)
}

// DispatcherConfig holds a Dispatcher's collaborators. Only Local and
// Directory are required.
type DispatcherConfig struct {
	Local     peer.ID
	Directory *peers.Directory

	// Behaviour receives addresses learned from discovery. May be nil.
	Behaviour behaviour.Behaviour
	Queries   *QueryTracker
	Limiter   *ratelimit.PeerRateLimiter
	Metrics   *metrics.Recorder
	Clock     clock.Clock

	MaxAge        time.Duration
	PruneInterval time.Duration

	// OnRoutable is called when a peer becomes usable for routing.
	OnRoutable func(id peer.ID, addr multiaddr.Multiaddr)
	// OnIdentifyError is called after every identify failure with the
	// peer's failure count so far.
	OnIdentifyError func(id peer.ID, err error, count int)
}

// Dispatcher is the node's control loop. It is the only writer of the peer
// directory.
type Dispatcher struct {
	cfg     DispatcherConfig
	dir     *peers.Directory
	queries *QueryTracker
	metrics *metrics.Recorder
	clock   clock.Clock

	// providers accumulates provider results per query until its last step.
	providers map[behaviour.QueryID][]peer.AddrInfo

	mu             sync.RWMutex
	mode           behaviour.Mode
	listenAddrs    []multiaddr.Multiaddr
	pendingPersist map[peer.ID]struct{}
	connections    int
	unhandled      int
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Queries == nil {
		cfg.Queries = NewQueryTracker(0, 0)
	}
	if cfg.Directory == nil {
		cfg.Directory = peers.NewDirectory(peers.WithClock(cfg.Clock))
	}
	return &Dispatcher{
		cfg:            cfg,
		dir:            cfg.Directory,
		queries:        cfg.Queries,
		metrics:        cfg.Metrics,
		clock:          cfg.Clock,
		providers:      make(map[behaviour.QueryID][]peer.AddrInfo),
		pendingPersist: make(map[peer.ID]struct{}),
	}
}

// Directory returns the directory the dispatcher writes to.
func (d *Dispatcher) Directory() *peers.Directory {
	return d.dir
}

// Queries returns the tracker that receives completed query results.
func (d *Dispatcher) Queries() *QueryTracker {
	return d.queries
}

// Run handles events from src until ctx is cancelled or src is closed, and
// prunes the directory every PruneInterval. Handling and pruning happen on
// the calling goroutine.
func (d *Dispatcher) Run(ctx context.Context, src Source) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type next struct {
		ev  behaviour.SwarmEvent
		err error
	}
	nextCh := make(chan next)
	go func() {
		for {
			ev, err := src.Next(ctx)
			select {
			case nextCh <- next{ev, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var prune <-chan time.Time
	if d.cfg.PruneInterval > 0 && d.cfg.MaxAge > 0 {
		ticker := d.clock.Ticker(d.cfg.PruneInterval)
		defer ticker.Stop()
		prune = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-prune:
			d.Prune()
		case n := <-nextCh:
			if n.err != nil {
				if errors.Is(n.err, behaviour.ErrClosed) || errors.Is(n.err, context.Canceled) {
					return nil
				}
				return n.err
			}
			d.Handle(n.ev)
		}
	}
}

// Prune removes stale directory records and returns how many were removed.
func (d *Dispatcher) Prune() int {
	removed := d.dir.PruneStale(d.cfg.MaxAge)
	if removed > 0 {
		log.Debugf("Pruned %d stale peers", removed)
	}

	d.mu.Lock()
	for id := range d.pendingPersist {
		if _, ok := d.dir.Get(id); !ok {
			delete(d.pendingPersist, id)
		}
	}
	d.mu.Unlock()

	d.metrics.ObservePruned(removed)
	d.metrics.SetPeersKnown(d.dir.Len())
	return removed
}

// Handle dispatches one event. Every event kind has a defined action; an
// event of a kind not listed below is logged and counted.
func (d *Dispatcher) Handle(ev behaviour.SwarmEvent) {
	d.metrics.ObserveEvent(eventKind(ev))

	switch e := ev.(type) {
	case behaviour.BehaviourEvent:
		d.handleBehaviour(e.Event)
	case behaviour.NewListenAddr:
		d.onNewListenAddr(e.Address)
	case behaviour.ExpiredListenAddr:
		d.onExpiredListenAddr(e.Address)
	case behaviour.IncomingConnection:
		log.Debugf("Incoming connection from %s on %s", e.RemoteAddr, e.LocalAddr)
	case behaviour.ConnectionEstablished:
		d.mu.Lock()
		d.connections++
		open := d.connections
		d.mu.Unlock()
		d.metrics.SetConnectionsOpen(open)
		log.Debugf("Connection established with %s via %s (%s, %d open to peer)", e.Peer.ShortString(), e.Endpoint, e.Direction, e.NumEstablished)
	case behaviour.ConnectionClosed:
		d.mu.Lock()
		if d.connections > 0 {
			d.connections--
		}
		open := d.connections
		d.mu.Unlock()
		d.metrics.SetConnectionsOpen(open)
		log.Debugf("Connection closed with %s via %s (%d remaining to peer)", e.Peer.ShortString(), e.Endpoint, e.NumEstablished)
	default:
		d.onUnhandled(ev)
	}
}

func (d *Dispatcher) handleBehaviour(ev behaviour.Event) {
	switch e := ev.(type) {
	case behaviour.KademliaEvent:
		d.handleKad(e.Event)
	case behaviour.IdentifyEvent:
		d.handleIdentify(e.Event)
	case behaviour.MdnsEvent:
		d.handleMdns(e.Event)
	default:
		d.onUnhandled(ev)
	}
}

func (d *Dispatcher) handleKad(ev behaviour.KadEvent) {
	switch e := ev.(type) {
	case behaviour.RoutingUpdated:
		if len(e.Addresses) == 0 {
			d.dir.Touch(e.Peer)
		}
		for _, addr := range e.Addresses {
			d.dir.AddAddress(e.Peer, addr)
		}
		if e.IsNewPeer {
			d.mu.Lock()
			d.pendingPersist[e.Peer] = struct{}{}
			d.mu.Unlock()
		}
		if e.OldPeer != "" {
			log.Debugf("Routing table replaced %s with %s", e.OldPeer.ShortString(), e.Peer.ShortString())
		}
		d.metrics.SetPeersKnown(d.dir.Len())
	case behaviour.InboundRequest:
		limited := d.cfg.Limiter != nil && !d.cfg.Limiter.Allow(e.Peer)
		d.metrics.ObserveInbound(e.Request, limited)
		if limited {
			log.Debugf("Peer %s is over the inbound request rate (%s)", e.Peer.ShortString(), e.Request)
		} else {
			log.Debugf("Inbound %s request from %s (%d bytes)", e.Request, e.Peer.ShortString(), e.Size)
		}
	case behaviour.OutboundQueryProgressed:
		d.onQueryProgressed(e)
	case behaviour.UnroutablePeer:
		d.dir.SetReachability(e.Peer, peers.Unroutable)
	case behaviour.PendingRoutablePeer:
		d.dir.SetReachability(e.Peer, peers.PendingRoutable)
		d.dir.AddAddress(e.Peer, e.Address)
	case behaviour.RoutablePeer:
		d.dir.SetReachability(e.Peer, peers.Routable)
		d.dir.AddAddress(e.Peer, e.Address)
		if d.cfg.OnRoutable != nil {
			d.cfg.OnRoutable(e.Peer, e.Address)
		}
	case behaviour.ModeChanged:
		d.mu.Lock()
		d.mode = e.Mode
		d.mu.Unlock()
		log.Infof("DHT mode is now %s", e.Mode)
	default:
		d.onUnhandled(ev)
	}
}

func (d *Dispatcher) onQueryProgressed(e behaviour.OutboundQueryProgressed) {
	res := e.Result
	if pr, ok := res.(behaviour.ProvidersResult); ok {
		for _, pi := range pr.Providers {
			d.learn(pi)
		}
		d.providers[e.ID] = append(d.providers[e.ID], pr.Providers...)
		if e.Step.Last {
			pr.Providers = d.providers[e.ID]
			delete(d.providers, e.ID)
			res = pr
		}
	}

	if !e.Step.Last {
		return
	}
	if err := res.Err(); err != nil {
		log.Debugf("Query %s (%s) failed: %v", e.ID, res.Kind(), err)
	} else {
		log.Debugf("Query %s (%s) finished after %d steps", e.ID, res.Kind(), e.Step.Count)
	}
	d.metrics.ObserveQuery(res.Kind(), res.Err() == nil)
	d.queries.Complete(e.ID, res)
}

func (d *Dispatcher) handleIdentify(ev behaviour.IdentifyEvt) {
	switch e := ev.(type) {
	case behaviour.IdentifyReceived:
		d.dir.AddIdentityInfo(e.Peer, e.Info.AgentVersion, e.Info.Protocols)
		for _, addr := range e.Info.ListenAddrs {
			d.dir.AddAddress(e.Peer, addr)
		}
		log.Debugf("Identified %s: %s (%s), %d protocols", e.Peer.ShortString(), e.Info.AgentVersion, e.Info.ProtocolVersion, len(e.Info.Protocols))
		d.metrics.SetPeersKnown(d.dir.Len())
	case behaviour.IdentifySent:
		log.Debugf("Sent identify to %s", e.Peer.ShortString())
	case behaviour.IdentifyPushed:
		d.dir.Touch(e.Peer)
		log.Debugf("Pushed identify update to %s", e.Peer.ShortString())
	case behaviour.IdentifyError:
		count := d.dir.RecordIdentifyError(e.Peer)
		d.metrics.ObserveIdentifyError()
		log.Warnf("Identify with %s failed (%d so far): %v", e.Peer.ShortString(), count, e.Error)
		if d.cfg.OnIdentifyError != nil {
			d.cfg.OnIdentifyError(e.Peer, e.Error, count)
		}
	default:
		d.onUnhandled(ev)
	}
}

func (d *Dispatcher) handleMdns(ev behaviour.MdnsEvt) {
	switch e := ev.(type) {
	case behaviour.MdnsDiscovered:
		for _, pi := range e.Peers {
			log.Debugf("mDNS discovered peer: %s", pi.ID.ShortString())
			d.learn(pi)
		}
		d.metrics.SetPeersKnown(d.dir.Len())
	case behaviour.MdnsExpired:
		for _, pi := range e.Peers {
			log.Debugf("mDNS entry expired for %s", pi.ID.ShortString())
		}
	default:
		d.onUnhandled(ev)
	}
}

// learn records a peer's addresses and seeds them into the routing engine.
func (d *Dispatcher) learn(pi peer.AddrInfo) {
	if pi.ID == d.cfg.Local || pi.ID == "" {
		return
	}
	if len(pi.Addrs) == 0 {
		d.dir.Touch(pi.ID)
	}
	for _, addr := range pi.Addrs {
		d.dir.AddAddress(pi.ID, addr)
		if d.cfg.Behaviour != nil {
			d.cfg.Behaviour.AddKnownAddress(pi.ID, addr)
		}
	}
}

func (d *Dispatcher) onNewListenAddr(addr multiaddr.Multiaddr) {
	full, err := transport.Dialable(addr, d.cfg.Local)
	if err != nil {
		log.Warnf("Cannot form dialable address from %s: %v", addr, err)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if slices.ContainsFunc(d.listenAddrs, full.Equal) {
		return
	}
	d.listenAddrs = append(d.listenAddrs, full)
	log.Infof("Listening on %s", full)
}

func (d *Dispatcher) onExpiredListenAddr(addr multiaddr.Multiaddr) {
	full, err := transport.Dialable(addr, d.cfg.Local)
	if err != nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.listenAddrs = slices.DeleteFunc(d.listenAddrs, func(stored multiaddr.Multiaddr) bool {
		return coversListenAddr(full, stored)
	})
	log.Infof("No longer listening on %s", full)
}

// coversListenAddr reports whether the closed listener expired also accounts
// for stored. A wildcard IP covers every interface address of the same family
// with the same transport, since those were expanded from it.
func coversListenAddr(expired, stored multiaddr.Multiaddr) bool {
	if expired.Equal(stored) {
		return true
	}
	ip, err := manet.ToIP(expired)
	if err != nil || !ip.IsUnspecified() {
		return false
	}
	expIP, expRest := multiaddr.SplitFirst(expired)
	storedIP, storedRest := multiaddr.SplitFirst(stored)
	if expIP == nil || storedIP == nil || expIP.Protocol().Code != storedIP.Protocol().Code {
		return false
	}
	return expRest.Equal(storedRest)
}

func (d *Dispatcher) onUnhandled(ev interface{}) {
	d.mu.Lock()
	d.unhandled++
	d.mu.Unlock()
	log.Warnf("Unhandled event %T", ev)
}

// Mode returns the last DHT mode reported by the routing engine.
func (d *Dispatcher) Mode() behaviour.Mode {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.mode
}

// ListenAddrs returns the dialable addresses (listen address plus /p2p/<id>)
// this node is reachable at.
func (d *Dispatcher) ListenAddrs() []multiaddr.Multiaddr {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.listenAddrs)
}

// PendingPersist returns peers newly added to the routing table that are
// still in the directory.
func (d *Dispatcher) PendingPersist() []peer.ID {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := make([]peer.ID, 0, len(d.pendingPersist))
	for id := range d.pendingPersist {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Connections returns the number of open connections.
func (d *Dispatcher) Connections() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connections
}

// Unhandled returns the number of events of unknown kind seen.
func (d *Dispatcher) Unhandled() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.unhandled
}

// eventKind labels an event for metrics.
func eventKind(ev behaviour.SwarmEvent) string {
	switch e := ev.(type) {
	case behaviour.BehaviourEvent:
		switch inner := e.Event.(type) {
		case behaviour.KademliaEvent:
			switch inner.Event.(type) {
			case behaviour.RoutingUpdated:
				return "routing_updated"
			case behaviour.InboundRequest:
				return "inbound_request"
			case behaviour.OutboundQueryProgressed:
				return "query_progressed"
			case behaviour.UnroutablePeer:
				return "unroutable_peer"
			case behaviour.RoutablePeer:
				return "routable_peer"
			case behaviour.PendingRoutablePeer:
				return "pending_routable_peer"
			case behaviour.ModeChanged:
				return "mode_changed"
			}
		case behaviour.IdentifyEvent:
			switch inner.Event.(type) {
			case behaviour.IdentifyReceived:
				return "identify_received"
			case behaviour.IdentifySent:
				return "identify_sent"
			case behaviour.IdentifyPushed:
				return "identify_pushed"
			case behaviour.IdentifyError:
				return "identify_error"
			}
		case behaviour.MdnsEvent:
			switch inner.Event.(type) {
			case behaviour.MdnsDiscovered:
				return "mdns_discovered"
			case behaviour.MdnsExpired:
				return "mdns_expired"
			}
		}
	case behaviour.NewListenAddr:
		return "new_listen_addr"
	case behaviour.ExpiredListenAddr:
		return "expired_listen_addr"
	case behaviour.IncomingConnection:
		return "incoming_connection"
	case behaviour.ConnectionEstablished:
		return "connection_established"
	case behaviour.ConnectionClosed:
		return "connection_closed"
	}
	return "unhandled"
}
