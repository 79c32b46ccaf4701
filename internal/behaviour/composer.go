// Package behaviour composes the node's protocol engines (DHT routing,
// identity exchange, local discovery) behind one handle with one event type.
//
// Each engine queues its events in its own mailbox; the composer forwards
// them in order, wrapping each in the matching Event variant. Events of one
// engine keep their order; events of different engines interleave as they
// become ready.
package behaviour

import (
	"context"
	"errors"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/dissonance-chat/dissonance/internal/config"
)

var log = logging.Logger("dsn-behaviour")

// Errors
var (
	// ErrBehaviourConstruction reports that an engine failed to initialize.
	ErrBehaviourConstruction = errors.New("behaviour construction failed")
	// ErrStoreCapacityExceeded reports that no more queries can be tracked.
	ErrStoreCapacityExceeded = errors.New("query store capacity exceeded")
	// ErrClosed reports use of a closed behaviour.
	ErrClosed = errors.New("behaviour closed")
	// ErrNoEngine reports an operation on a behaviour without the engine it needs.
	ErrNoEngine = errors.New("no engine for operation")
)

// Behaviour is the capability set the control loop drives.
type Behaviour interface {
	// Events returns the unified event stream. It is closed by Close.
	Events() <-chan Event
	// AddKnownAddress seeds the routing table with an address for a peer.
	AddKnownAddress(id peer.ID, addr multiaddr.Multiaddr)
	// Bootstrap starts a self-lookup and returns its query ID immediately.
	// Completion is reported as OutboundQueryProgressed with a BootstrapResult.
	Bootstrap() (QueryID, error)
	Close() error
}

// Composed is the production behaviour: DHT routing, identity exchange and,
// when enabled, local discovery.
type Composed struct {
	kad      *kadEngine
	identify *identifyEngine
	mdns     *mdnsEngine

	events    chan Event
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

var _ Behaviour = (*Composed)(nil)

// New builds every engine on h. Any engine failing to start is fatal and
// reported as ErrBehaviourConstruction.
func New(ctx context.Context, h host.Host, cfg *config.Config) (*Composed, error) {
	c := &Composed{
		events: make(chan Event),
		done:   make(chan struct{}),
	}

	var err error
	c.kad, err = newKadEngine(ctx, h, cfg.DHT)
	if err != nil {
		return nil, fmt.Errorf("%w: kademlia: %w", ErrBehaviourConstruction, err)
	}

	c.identify, err = newIdentifyEngine(ctx, h, cfg.Identify)
	if err != nil {
		c.kad.close()
		return nil, fmt.Errorf("%w: identify: %w", ErrBehaviourConstruction, err)
	}

	if cfg.MDNS.Enabled {
		c.mdns, err = newMdnsEngine(ctx, h, cfg.MDNS)
		if err != nil {
			c.identify.close()
			c.kad.close()
			return nil, fmt.Errorf("%w: mdns: %w", ErrBehaviourConstruction, err)
		}
	}

	c.wg.Add(2)
	go forward[KadEvent](c, c.kad.mb.out, FromKademlia)
	go forward[IdentifyEvt](c, c.identify.mb.out, FromIdentify)
	if c.mdns != nil {
		c.wg.Add(1)
		go forward[MdnsEvt](c, c.mdns.mb.out, FromMdns)
	}
	go func() {
		c.wg.Wait()
		close(c.events)
	}()

	return c, nil
}

func forward[T any](c *Composed, in <-chan T, wrap func(T) Event) {
	defer c.wg.Done()

	for ev := range in {
		select {
		case c.events <- wrap(ev):
		case <-c.done:
			return
		}
	}
}

// Events implements Behaviour.
func (c *Composed) Events() <-chan Event {
	return c.events
}

// AddKnownAddress implements Behaviour.
func (c *Composed) AddKnownAddress(id peer.ID, addr multiaddr.Multiaddr) {
	c.kad.addKnownAddress(id, addr)
}

// Bootstrap implements Behaviour.
func (c *Composed) Bootstrap() (QueryID, error) {
	return c.kad.bootstrap()
}

// FindClosestPeers starts a lookup for the peers closest to key.
func (c *Composed) FindClosestPeers(key []byte) (QueryID, error) {
	return c.kad.findClosestPeers(key)
}

// Advertise announces this node as a provider of the discovery namespace.
func (c *Composed) Advertise() (QueryID, error) {
	return c.kad.advertise()
}

// FindProviders looks up other providers of the discovery namespace.
func (c *Composed) FindProviders() (QueryID, error) {
	return c.kad.findProviders()
}

// InflightQueries returns the number of queries not yet completed.
func (c *Composed) InflightQueries() int {
	return c.kad.queries.len()
}

// Close stops every engine and closes the event stream.
func (c *Composed) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)

		var errs []error
		if c.mdns != nil {
			errs = append(errs, c.mdns.close())
		}
		errs = append(errs, c.identify.close(), c.kad.close())
		c.wg.Wait()
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}
