package behaviour

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pb "github.com/libp2p/go-libp2p-kad-dht/pb"
	kb "github.com/libp2p/go-libp2p-kbucket"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
	mh "github.com/multiformats/go-multihash"

	"github.com/dissonance-chat/dissonance/internal/config"
)

const (
	// replaceWindow bounds how long a bucket removal may precede the
	// insertion that replaced it.
	replaceWindow = time.Second

	providerLookupLimit = 20
)

// ErrQueryTimeout is the error of a query that ran out of time.
var ErrQueryTimeout = errors.New("query timed out")

// NamespaceCID returns the content ID under which nodes of a discovery
// namespace advertise themselves.
func NamespaceCID(namespace string) (cid.Cid, error) {
	hash := sha256.Sum256([]byte(namespace))
	multihash, err := mh.Encode(hash[:], mh.SHA2_256)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to create multihash for namespace: %w", err)
	}
	return cid.NewCidV1(cid.Raw, multihash), nil
}

// queryTable tracks in-flight outbound queries.
type queryTable struct {
	mu       sync.Mutex
	next     QueryID
	inflight map[QueryID]string
	max      int
}

func newQueryTable(max int) *queryTable {
	return &queryTable{inflight: make(map[QueryID]string), max: max}
}

func (t *queryTable) start(kind string) (QueryID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.inflight) >= t.max {
		return 0, fmt.Errorf("%w: %d queries in flight", ErrStoreCapacityExceeded, len(t.inflight))
	}
	t.next++
	t.inflight[t.next] = kind
	return t.next, nil
}

func (t *queryTable) finish(id QueryID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inflight, id)
}

func (t *queryTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

type removal struct {
	peer peer.ID
	cpl  int
	at   time.Time
}

// kadEngine wraps the DHT and translates its activity into KadEvents.
type kadEngine struct {
	host      host.Host
	dht       *dht.IpfsDHT
	cfg       config.DHTConfig
	protocol  protocol.ID
	namespace cid.Cid
	mb        *mailbox[KadEvent]
	queries   *queryTable

	mu          sync.Mutex
	lastRemoval removal
	mode        Mode

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newKadEngine(ctx context.Context, h host.Host, cfg config.DHTConfig) (*kadEngine, error) {
	prefix := cfg.ProtocolPrefix
	if prefix == "" {
		prefix = config.DefaultProtocolPrefix
	}
	namespace, err := NamespaceCID(cfg.DiscoveryNamespace)
	if err != nil {
		return nil, err
	}

	k := &kadEngine{
		host:      h,
		cfg:       cfg,
		protocol:  protocol.ID(prefix + "/kad/1.0.0"),
		namespace: namespace,
		mb:        newMailbox[KadEvent](),
		queries:   newQueryTable(cfg.MaxInflightQueries),
	}
	k.ctx, k.cancel = context.WithCancel(ctx)

	mode, modeOpt, err := parseMode(cfg.Mode)
	if err != nil {
		k.cancel()
		k.mb.close()
		return nil, err
	}
	k.mode = mode

	opts := []dht.Option{
		dht.Mode(modeOpt),
		dht.BucketSize(cfg.ReplicationFactor),
		dht.Datastore(dssync.MutexWrap(ds.NewMapDatastore())),
		dht.ProtocolPrefix(protocol.ID(prefix)),
		dht.OnRequestHook(k.onRequest),
	}

	k.dht, err = dht.New(k.ctx, h, opts...)
	if err != nil {
		k.cancel()
		k.mb.close()
		return nil, fmt.Errorf("failed to create DHT: %w", err)
	}

	// kad-dht offers no option for these hooks, so they are swapped in after
	// New. The table only changes on connections, and the host has none until
	// Swarm.Listen or a bootstrap dial, both of which happen after New returns.
	rt := k.dht.RoutingTable()
	prevAdded, prevRemoved := rt.PeerAdded, rt.PeerRemoved
	rt.PeerAdded = func(p peer.ID) {
		if prevAdded != nil {
			prevAdded(p)
		}
		k.onPeerAdded(p)
	}
	rt.PeerRemoved = func(p peer.ID) {
		if prevRemoved != nil {
			prevRemoved(p)
		}
		k.onPeerRemoved(p)
	}

	eventTypes := []interface{}{new(event.EvtPeerIdentificationCompleted)}
	if cfg.Mode == "auto" {
		eventTypes = append(eventTypes, new(event.EvtLocalReachabilityChanged))
	}
	sub, err := h.EventBus().Subscribe(eventTypes)
	if err != nil {
		k.dht.Close()
		k.cancel()
		k.mb.close()
		return nil, fmt.Errorf("failed to subscribe to host events: %w", err)
	}

	k.mb.push(ModeChanged{Mode: mode})
	log.Infof("DHT started in %s mode (protocol %s, bucket size %d)", cfg.Mode, k.protocol, cfg.ReplicationFactor)

	k.wg.Add(1)
	go k.run(sub)
	return k, nil
}

func parseMode(s string) (Mode, dht.ModeOpt, error) {
	switch s {
	case "server", "":
		return ModeServer, dht.ModeServer, nil
	case "client":
		return ModeClient, dht.ModeClient, nil
	case "auto":
		return ModeClient, dht.ModeAuto, nil
	default:
		return 0, 0, fmt.Errorf("unknown DHT mode %q", s)
	}
}

func (k *kadEngine) run(sub event.Subscription) {
	defer k.wg.Done()
	defer sub.Close()

	for {
		select {
		case <-k.ctx.Done():
			return
		case e, ok := <-sub.Out():
			if !ok {
				return
			}
			switch evt := e.(type) {
			case event.EvtPeerIdentificationCompleted:
				k.classify(evt)
			case event.EvtLocalReachabilityChanged:
				k.onReachability(evt.Reachability)
			}
		}
	}
}

// classify reports where an identified peer stands with respect to the
// routing table.
func (k *kadEngine) classify(evt event.EvtPeerIdentificationCompleted) {
	p := evt.Peer
	if p == k.host.ID() {
		return
	}

	if len(evt.ListenAddrs) == 0 || !slices.Contains(evt.Protocols, k.protocol) {
		k.mb.push(UnroutablePeer{Peer: p})
		return
	}

	rt := k.dht.RoutingTable()
	if rt.Find(p) != "" {
		k.mb.push(RoutingUpdated{Peer: p, IsNewPeer: false, Addresses: slices.Clone(evt.ListenAddrs)})
		return
	}

	cpl := kb.CommonPrefixLen(kb.ConvertPeerID(k.host.ID()), kb.ConvertPeerID(p))
	addr := evt.ListenAddrs[0]
	if rt.NPeersForCpl(uint(cpl)) >= k.cfg.ReplicationFactor {
		k.mb.push(RoutablePeer{Peer: p, Address: addr})
	} else {
		k.mb.push(PendingRoutablePeer{Peer: p, Address: addr})
	}
}

func (k *kadEngine) onReachability(r network.Reachability) {
	mode := ModeClient
	if r == network.ReachabilityPublic {
		mode = ModeServer
	}

	k.mu.Lock()
	changed := mode != k.mode
	k.mode = mode
	k.mu.Unlock()

	if changed {
		log.Infof("Reachability now %s, DHT switching to %s mode", r, mode)
		k.mb.push(ModeChanged{Mode: mode})
	}
}

// onPeerAdded runs under the routing table lock and must not block.
func (k *kadEngine) onPeerAdded(p peer.ID) {
	cpl := kb.CommonPrefixLen(kb.ConvertPeerID(k.host.ID()), kb.ConvertPeerID(p))

	k.mu.Lock()
	var old peer.ID
	if r := k.lastRemoval; r.peer != "" && r.cpl == cpl && time.Since(r.at) < replaceWindow {
		old = r.peer
	}
	k.lastRemoval = removal{}
	k.mu.Unlock()

	k.mb.push(RoutingUpdated{
		Peer:      p,
		IsNewPeer: true,
		Addresses: k.host.Peerstore().Addrs(p),
		OldPeer:   old,
	})
}

// onPeerRemoved runs under the routing table lock and must not block.
func (k *kadEngine) onPeerRemoved(p peer.ID) {
	cpl := kb.CommonPrefixLen(kb.ConvertPeerID(k.host.ID()), kb.ConvertPeerID(p))

	k.mu.Lock()
	k.lastRemoval = removal{peer: p, cpl: cpl, at: time.Now()}
	k.mu.Unlock()
}

func (k *kadEngine) onRequest(_ context.Context, s network.Stream, req *pb.Message) {
	size := len(req.GetKey()) + len(req.GetRecord().GetValue())
	ev := InboundRequest{
		Peer:    s.Conn().RemotePeer(),
		Request: req.GetType().String(),
		Size:    size,
	}
	if size > k.cfg.MaxMessageSize {
		log.Warnf("Rejecting %s request from %s: %d bytes exceeds %d", ev.Request, ev.Peer.ShortString(), size, k.cfg.MaxMessageSize)
		ev.Rejected = true
		s.Reset()
	}
	k.mb.push(ev)
}

func (k *kadEngine) addKnownAddress(p peer.ID, addr multiaddr.Multiaddr) {
	if p == k.host.ID() || addr == nil {
		return
	}
	k.host.Peerstore().AddAddr(p, addr, peerstore.PermanentAddrTTL)
	if _, err := k.dht.RoutingTable().TryAddPeer(p, false, true); err != nil {
		log.Debugf("Routing table rejected %s: %v", p.ShortString(), err)
	}
}

// startQuery registers a query and runs it under the configured timeout.
// run must emit exactly one OutboundQueryProgressed with Step.Last set.
func (k *kadEngine) startQuery(kind string, run func(ctx context.Context, id QueryID)) (QueryID, error) {
	if k.ctx.Err() != nil {
		return 0, ErrClosed
	}
	id, err := k.queries.start(kind)
	if err != nil {
		return 0, err
	}

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		defer k.queries.finish(id)

		ctx, cancel := context.WithTimeout(k.ctx, k.cfg.QueryTimeout.Std())
		defer cancel()
		run(ctx, id)
	}()
	log.Debugf("Started %s query %s", kind, id)
	return id, nil
}

func queryErr(ctx context.Context, err error) error {
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrQueryTimeout, err)
	}
	return err
}

func (k *kadEngine) bootstrap() (QueryID, error) {
	self := k.host.ID()
	return k.startQuery("bootstrap", func(ctx context.Context, id QueryID) {
		peers, err := k.dht.GetClosestPeers(ctx, string(self))
		k.mb.push(OutboundQueryProgressed{
			ID:     id,
			Result: BootstrapResult{Peers: peers, Error: queryErr(ctx, err)},
			Step:   ProgressStep{Count: 1, Last: true},
		})
	})
}

func (k *kadEngine) findClosestPeers(key []byte) (QueryID, error) {
	key = slices.Clone(key)
	return k.startQuery("closest_peers", func(ctx context.Context, id QueryID) {
		peers, err := k.dht.GetClosestPeers(ctx, string(key))
		k.mb.push(OutboundQueryProgressed{
			ID:     id,
			Result: ClosestPeersResult{Key: key, Peers: peers, Error: queryErr(ctx, err)},
			Step:   ProgressStep{Count: 1, Last: true},
		})
	})
}

func (k *kadEngine) advertise() (QueryID, error) {
	key := k.namespace
	return k.startQuery("provide", func(ctx context.Context, id QueryID) {
		err := k.dht.Provide(ctx, key, true)
		k.mb.push(OutboundQueryProgressed{
			ID:     id,
			Result: ProvideResult{Key: key, Error: queryErr(ctx, err)},
			Step:   ProgressStep{Count: 1, Last: true},
		})
	})
}

// findProviders emits one step per provider found and a final empty step.
func (k *kadEngine) findProviders() (QueryID, error) {
	key := k.namespace
	self := k.host.ID()
	return k.startQuery("providers", func(ctx context.Context, id QueryID) {
		count := 0
		for pi := range k.dht.FindProvidersAsync(ctx, key, providerLookupLimit) {
			if pi.ID == self {
				continue
			}
			count++
			k.mb.push(OutboundQueryProgressed{
				ID:     id,
				Result: ProvidersResult{Key: key, Providers: []peer.AddrInfo{pi}},
				Step:   ProgressStep{Count: count},
			})
		}
		var err error
		if count == 0 {
			err = queryErr(ctx, ctx.Err())
		}
		k.mb.push(OutboundQueryProgressed{
			ID:     id,
			Result: ProvidersResult{Key: key, Error: err},
			Step:   ProgressStep{Count: count + 1, Last: true},
		})
	})
}

func (k *kadEngine) close() error {
	k.cancel()
	err := k.dht.Close()
	k.wg.Wait()
	k.mb.close()
	return err
}
