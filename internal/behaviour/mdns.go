package behaviour

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"

	"github.com/dissonance-chat/dissonance/internal/config"
)

const (
	mdnsMaxTracked  = 1024
	mdnsDialTimeout = 10 * time.Second
)

// mdnsEngine announces this node on the local network and reports peers
// found there. The mDNS service never reports departures, so each
// discovered peer is tracked for the configured TTL and reported expired
// when no announcement refreshes it.
type mdnsEngine struct {
	host    host.Host
	service mdns.Service
	seen    *expirable.LRU[peer.ID, peer.AddrInfo]
	mb      *mailbox[MdnsEvt]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newMdnsEngine(ctx context.Context, h host.Host, cfg config.MDNSConfig) (*mdnsEngine, error) {
	e := &mdnsEngine{
		host: h,
		mb:   newMailbox[MdnsEvt](),
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	// The LRU's expiry goroutine outlives close; expirable v2.0.7 has no way
	// to stop it. close purges the entries so it holds nothing.
	e.seen = expirable.NewLRU[peer.ID, peer.AddrInfo](mdnsMaxTracked, e.onExpired, cfg.TTL.Std())

	e.service = mdns.NewMdnsService(h, cfg.ServiceName, e)
	if err := e.service.Start(); err != nil {
		e.cancel()
		e.mb.close()
		return nil, fmt.Errorf("failed to start mDNS service: %w", err)
	}

	log.Infof("mDNS discovery started with service name: %s", cfg.ServiceName)
	return e, nil
}

// HandlePeerFound is called when a peer is discovered via mDNS.
func (e *mdnsEngine) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == e.host.ID() || e.ctx.Err() != nil {
		return
	}

	_, known := e.seen.Get(pi.ID)
	e.seen.Add(pi.ID, pi)
	if known {
		return
	}

	log.Debugf("mDNS discovered peer: %s", pi.ID)
	e.mb.push(MdnsDiscovered{Peers: []peer.AddrInfo{pi}})

	if e.host.Network().Connectedness(pi.ID) == network.Connected {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ctx, cancel := context.WithTimeout(e.ctx, mdnsDialTimeout)
		defer cancel()
		if err := e.host.Connect(ctx, pi); err != nil {
			log.Debugf("Failed to connect to mDNS peer %s: %v", pi.ID, err)
		} else {
			log.Infof("Connected to mDNS peer: %s", pi.ID)
		}
	}()
}

// onExpired runs with the LRU lock held and must not touch the cache.
func (e *mdnsEngine) onExpired(id peer.ID, pi peer.AddrInfo) {
	if e.ctx.Err() != nil {
		return
	}
	log.Debugf("mDNS peer expired: %s", id)
	e.mb.push(MdnsExpired{Peers: []peer.AddrInfo{pi}})
}

func (e *mdnsEngine) close() error {
	e.cancel()
	err := e.service.Close()
	e.wg.Wait()
	e.seen.Purge()
	e.mb.close()
	return err
}
