package behaviour

import (
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// Null is a behaviour with no engines. It never emits an event, ignores
// seeded addresses and cannot bootstrap. It lets the swarm and control loop
// run without any discovery protocol.
type Null struct {
	events chan Event
	once   sync.Once
}

var _ Behaviour = (*Null)(nil)

// NewNull creates a Null behaviour.
func NewNull() *Null {
	return &Null{events: make(chan Event)}
}

// Events implements Behaviour.
func (n *Null) Events() <-chan Event {
	return n.events
}

// AddKnownAddress implements Behaviour.
func (n *Null) AddKnownAddress(peer.ID, multiaddr.Multiaddr) {}

// Bootstrap implements Behaviour.
func (n *Null) Bootstrap() (QueryID, error) {
	return 0, ErrNoEngine
}

// Close implements Behaviour.
func (n *Null) Close() error {
	n.once.Do(func() { close(n.events) })
	return nil
}
