package behaviour

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/protocol/identify"

	"github.com/dissonance-chat/dissonance/internal/config"
)

// identifyEngine reports identity exchanges performed by the host's identify
// service and periodically re-announces this node's info to connected peers.
type identifyEngine struct {
	host    host.Host
	cfg     config.IdentifyConfig
	mb      *mailbox[IdentifyEvt]
	sub     event.Subscription
	emitter event.Emitter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newIdentifyEngine(ctx context.Context, h host.Host, cfg config.IdentifyConfig) (*identifyEngine, error) {
	sub, err := h.EventBus().Subscribe([]interface{}{
		new(event.EvtPeerIdentificationCompleted),
		new(event.EvtPeerIdentificationFailed),
		new(event.EvtLocalAddressesUpdated),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to identify events: %w", err)
	}
	emitter, err := h.EventBus().Emitter(new(event.EvtLocalProtocolsUpdated))
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to create identify push emitter: %w", err)
	}

	e := &identifyEngine{
		host:    h,
		cfg:     cfg,
		mb:      newMailbox[IdentifyEvt](),
		sub:     sub,
		emitter: emitter,
	}
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go e.run()
	return e, nil
}

func (e *identifyEngine) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Interval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.announce()
		case evt, ok := <-e.sub.Out():
			if !ok {
				return
			}
			e.handle(evt)
		}
	}
}

func (e *identifyEngine) handle(evt interface{}) {
	switch ev := evt.(type) {
	case event.EvtPeerIdentificationCompleted:
		e.mb.push(IdentifyReceived{
			Peer: ev.Peer,
			Info: Info{
				ProtocolVersion: ev.ProtocolVersion,
				AgentVersion:    ev.AgentVersion,
				ListenAddrs:     slices.Clone(ev.ListenAddrs),
				Protocols:       slices.Clone(ev.Protocols),
				ObservedAddr:    ev.ObservedAddr,
			},
		})
		// The remote side runs the same exchange against us on every connection.
		e.mb.push(IdentifySent{Peer: ev.Peer})
	case event.EvtPeerIdentificationFailed:
		e.mb.push(IdentifyError{Peer: ev.Peer, Error: ev.Reason})
	case event.EvtLocalAddressesUpdated:
		if e.cfg.PushListenAddrUpdates && ev.Diffs {
			log.Debugf("Local addresses changed, pushing identify update")
			e.announce()
		}
	}
}

// localInfo is what this node announces.
func (e *identifyEngine) localInfo() Info {
	return Info{
		ProtocolVersion: e.cfg.ProtocolVersion,
		AgentVersion:    e.cfg.AgentVersion,
		ListenAddrs:     e.host.Addrs(),
		Protocols:       e.host.Mux().Protocols(),
	}
}

// announce triggers an identify push to every connected peer and reports
// one IdentifyPushed per peer that advertises push support. The push itself
// runs inside the identify service and its outcome is not observed.
func (e *identifyEngine) announce() {
	conns := e.host.Network().Peers()
	if len(conns) == 0 {
		return
	}

	if err := e.emitter.Emit(event.EvtLocalProtocolsUpdated{}); err != nil {
		log.Debugf("Identify push emit failed: %v", err)
		return
	}

	info := e.localInfo()
	for _, p := range conns {
		if !e.supportsPush(p) {
			continue
		}
		e.mb.push(IdentifyPushed{Peer: p, Info: info})
	}
}

func (e *identifyEngine) supportsPush(p peer.ID) bool {
	protos, err := e.host.Peerstore().SupportsProtocols(p, identify.IDPush)
	return err == nil && len(protos) > 0
}

func (e *identifyEngine) close() error {
	e.cancel()
	e.wg.Wait()
	e.sub.Close()
	err := e.emitter.Close()
	e.mb.close()
	return err
}
