package peers

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
)

// TrustPolicy decides a peer's trust flag. The directory consults it after
// every update to a record; without a policy every peer stays untrusted.
type TrustPolicy interface {
	Evaluate(id peer.ID, record PeerRecord) bool
}

// TrustPolicyFunc adapts a function to TrustPolicy.
type TrustPolicyFunc func(id peer.ID, record PeerRecord) bool

// Evaluate implements TrustPolicy.
func (f TrustPolicyFunc) Evaluate(id peer.ID, record PeerRecord) bool {
	return f(id, record)
}

// StaticPolicy trusts a fixed set of peer IDs.
type StaticPolicy struct {
	trusted map[peer.ID]struct{}
}

// NewStaticPolicy creates a policy trusting exactly the given peers.
func NewStaticPolicy(ids ...peer.ID) *StaticPolicy {
	p := &StaticPolicy{trusted: make(map[peer.ID]struct{}, len(ids))}
	for _, id := range ids {
		p.trusted[id] = struct{}{}
	}
	return p
}

// ParseStaticPolicy builds a StaticPolicy from encoded peer IDs.
func ParseStaticPolicy(encoded []string) (*StaticPolicy, error) {
	ids := make([]peer.ID, 0, len(encoded))
	for _, s := range encoded {
		id, err := peer.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted peer ID %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	return NewStaticPolicy(ids...), nil
}

// Evaluate implements TrustPolicy.
func (p *StaticPolicy) Evaluate(id peer.ID, _ PeerRecord) bool {
	_, ok := p.trusted[id]
	return ok
}

// Len returns the number of trusted peers.
func (p *StaticPolicy) Len() int {
	return len(p.trusted)
}
