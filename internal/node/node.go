// Package node wires the identity, transport, behaviour and peer directory
// into a running peer and drives its control loop.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/dissonance-chat/dissonance/internal/behaviour"
	"github.com/dissonance-chat/dissonance/internal/bootstrap"
	"github.com/dissonance-chat/dissonance/internal/config"
	"github.com/dissonance-chat/dissonance/internal/identity"
	"github.com/dissonance-chat/dissonance/internal/metrics"
	"github.com/dissonance-chat/dissonance/internal/peers"
	"github.com/dissonance-chat/dissonance/internal/ratelimit"
	"github.com/dissonance-chat/dissonance/internal/transport"
)

var log = logging.Logger("dsn-node")

const (
	// advertiseInterval is how often the node re-announces itself under the
	// discovery namespace.
	advertiseInterval = 30 * time.Second

	// discoveryInterval is how often the node looks up other providers.
	discoveryInterval = 60 * time.Second
)

// Option configures a Node.
type Option func(*options)

type options struct {
	metrics         *metrics.Recorder
	clock           clock.Clock
	onRoutable      func(peer.ID, multiaddr.Multiaddr)
	onIdentifyError func(peer.ID, error, int)
}

// WithMetrics records node telemetry on rec.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(o *options) { o.metrics = rec }
}

// WithClock sets the time source for the directory and pruning.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithRoutableHook is called when a peer becomes usable for routing.
func WithRoutableHook(fn func(peer.ID, multiaddr.Multiaddr)) Option {
	return func(o *options) { o.onRoutable = fn }
}

// WithIdentifyErrorHook is called on every identify failure.
func WithIdentifyErrorHook(fn func(peer.ID, error, int)) Option {
	return func(o *options) { o.onIdentifyError = fn }
}

// Node represents a running dissonance peer.
type Node struct {
	config     *config.Config
	identity   *identity.NodeIdentity
	host       host.Host
	behaviour  *behaviour.Composed
	swarm      *behaviour.Swarm
	directory  *peers.Directory
	limiter    *ratelimit.PeerRateLimiter
	dispatcher *Dispatcher

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a node for id. The host has no listeners until Start.
func New(ctx context.Context, cfg *config.Config, id *identity.NodeIdentity, opts ...Option) (*Node, error) {
	if id == nil {
		return nil, errors.New("node identity is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}

	key, err := id.TransportKey()
	if err != nil {
		return nil, err
	}
	hostOpts, err := transport.Options(key, cfg.Network, cfg.Identify)
	if err != nil {
		return nil, err
	}
	gater := behaviour.NewGater()
	hostOpts = append(hostOpts, libp2p.ConnectionGater(gater))

	h, err := libp2p.New(hostOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create host: %w", err)
	}

	nodeCtx, cancel := context.WithCancel(ctx)
	b, err := behaviour.New(nodeCtx, h, cfg)
	if err != nil {
		cancel()
		h.Close()
		return nil, err
	}

	dirOpts := []peers.Option{peers.WithClock(o.clock)}
	if len(cfg.Peers.Trusted) > 0 {
		policy, err := peers.ParseStaticPolicy(cfg.Peers.Trusted)
		if err != nil {
			cancel()
			b.Close()
			h.Close()
			return nil, err
		}
		log.Infof("Trusting %d configured peers", policy.Len())
		dirOpts = append(dirOpts, peers.WithTrustPolicy(policy))
	}
	directory := peers.NewDirectory(dirOpts...)

	rl := ratelimit.DefaultConfig()
	rl.MessagesPerSecond = cfg.RateLimit.MessagesPerSecond
	rl.Burst = cfg.RateLimit.Burst
	limiter := ratelimit.NewWithClock(rl, o.clock)

	n := &Node{
		config:    cfg,
		identity:  id,
		host:      h,
		behaviour: b,
		swarm:     behaviour.NewSwarm(h, b, gater),
		directory: directory,
		limiter:   limiter,
		ctx:       nodeCtx,
		cancel:    cancel,
	}
	n.dispatcher = NewDispatcher(DispatcherConfig{
		Local:           h.ID(),
		Directory:       directory,
		Behaviour:       b,
		Limiter:         limiter,
		Metrics:         o.metrics,
		Clock:           o.clock,
		MaxAge:          cfg.Peers.MaxAge.Std(),
		PruneInterval:   cfg.Peers.PruneInterval.Std(),
		OnRoutable:      o.onRoutable,
		OnIdentifyError: o.onIdentifyError,
	})

	log.Infof("Node created with peer ID %s", h.ID())
	return n, nil
}

// Start binds the configured listen addresses, seeds the bootstrap peers and
// bootstraps the DHT. Bootstrap and discovery continue in the background.
func (n *Node) Start() error {
	addrs, err := transport.ListenAddrs(n.config.Network)
	if err != nil {
		return err
	}
	if err := n.swarm.Listen(addrs...); err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	for _, w := range bootstrap.ValidateBootstrapConfig(n.config.Network.Bootstrap) {
		log.Warnf("Bootstrap configuration: %s", w)
	}
	pinned := bootstrap.RequirePinnedPeerIDs(bootstrap.ParseBootstrapAddresses(n.config.Network.Bootstrap))

	n.wg.Add(2)
	go n.runBootstrap(pinned)
	go n.runDiscovery()
	return nil
}

func (n *Node) runBootstrap(pinned []bootstrap.PeerInfo) {
	defer n.wg.Done()

	results := bootstrap.Seed(n.ctx, n.behaviour, n.host, pinned)
	connected := 0
	for _, r := range results {
		if r.Connected {
			connected++
		}
	}
	if len(results) > 0 {
		log.Infof("Connected to %d of %d bootstrap peers", connected, len(results))
	}

	res, err := n.Bootstrap(n.ctx)
	switch {
	case err != nil:
		log.Warnf("DHT bootstrap failed: %v", err)
	case res.Err() != nil:
		log.Infof("DHT bootstrap finished without peers: %v", res.Err())
	default:
		if br, ok := res.(behaviour.BootstrapResult); ok {
			log.Infof("DHT bootstrap found %d peers", len(br.Peers))
		}
	}
}

// Bootstrap starts a DHT self-lookup and waits for its result. The result
// arrives through the control loop, so Run must be active.
func (n *Node) Bootstrap(ctx context.Context) (behaviour.QueryResult, error) {
	id, err := n.behaviour.Bootstrap()
	if err != nil {
		return nil, err
	}
	return n.Await(ctx, id)
}

// Await waits for the result of query id.
func (n *Node) Await(ctx context.Context, id behaviour.QueryID) (behaviour.QueryResult, error) {
	select {
	case res := <-n.dispatcher.Queries().Watch(id):
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (n *Node) runDiscovery() {
	defer n.wg.Done()

	log.Infof("DHT discovery namespace: %s", n.config.DHT.DiscoveryNamespace)

	advertiseTicker := time.NewTicker(advertiseInterval)
	defer advertiseTicker.Stop()

	discoveryTicker := time.NewTicker(discoveryInterval)
	defer discoveryTicker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			log.Debug("DHT discovery stopped")
			return
		case <-advertiseTicker.C:
			if _, err := n.behaviour.Advertise(); err != nil {
				log.Debugf("Failed to announce on DHT: %v", err)
			}
		case <-discoveryTicker.C:
			if _, err := n.behaviour.FindProviders(); err != nil {
				log.Debugf("Failed to start provider lookup: %v", err)
			}
		}
	}
}

// Run drives the control loop until ctx is cancelled or the node is closed.
func (n *Node) Run(ctx context.Context) error {
	return n.dispatcher.Run(ctx, n.swarm)
}

// Close stops background work, the behaviour and the host.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		n.cancel()
		n.wg.Wait()
		n.limiter.Close()

		if cerr := n.swarm.Close(); cerr != nil {
			log.Warnf("Error closing behaviour: %v", cerr)
		}
		if cerr := n.host.Close(); cerr != nil {
			err = fmt.Errorf("failed to close host: %w", cerr)
		}
	})
	return err
}

// PeerID returns the node's peer ID.
func (n *Node) PeerID() peer.ID {
	return n.host.ID()
}

// Identity returns the node's identity.
func (n *Node) Identity() *identity.NodeIdentity {
	return n.identity
}

// Host returns the libp2p host.
func (n *Node) Host() host.Host {
	return n.host
}

// Directory returns the peer directory.
func (n *Node) Directory() *peers.Directory {
	return n.directory
}

// Dispatcher returns the control loop.
func (n *Node) Dispatcher() *Dispatcher {
	return n.dispatcher
}

// ListenAddrs returns the dialable addresses bound so far.
func (n *Node) ListenAddrs() []multiaddr.Multiaddr {
	return n.dispatcher.ListenAddrs()
}

// Config returns the node configuration.
func (n *Node) Config() *config.Config {
	return n.config
}
