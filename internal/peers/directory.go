// Package peers keeps the node's in-memory directory of known peers.
//
// The directory is distinct from the DHT routing table: it records what this
// node has observed about each peer (addresses, identify announcements,
// reachability) and evicts entries that have not been refreshed recently.
package peers

import (
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
)

var log = logging.Logger("dsn-peers")

// Reachability is the routing engine's view of whether a peer can be added
// to the routing table.
type Reachability int

const (
	// ReachabilityUnknown - no routability event seen yet
	ReachabilityUnknown Reachability = iota
	// Unroutable - peer has no known listen address or lacks the DHT protocol
	Unroutable
	// PendingRoutable - peer is waiting for a free routing table slot
	PendingRoutable
	// Routable - peer is usable for routing
	Routable
)

// String returns the string representation of a Reachability.
func (r Reachability) String() string {
	switch r {
	case ReachabilityUnknown:
		return "unknown"
	case Unroutable:
		return "unroutable"
	case PendingRoutable:
		return "pending"
	case Routable:
		return "routable"
	default:
		return "invalid"
	}
}

// PeerRecord is what the directory knows about one peer.
type PeerRecord struct {
	// LastSeen is refreshed on every observation and never moves backwards
	LastSeen time.Time

	// Addresses are deduplicated, kept in the order they were first seen
	Addresses []multiaddr.Multiaddr

	// AgentVersion is the latest announced agent string, valid when HasAgentVersion is set
	AgentVersion    string
	HasAgentVersion bool

	// Protocols is the latest announced protocol list
	Protocols []protocol.ID

	// Trusted is computed by the directory's TrustPolicy; false without one
	Trusted bool

	Reachability   Reachability
	IdentifyErrors int
}

func (r *PeerRecord) clone() PeerRecord {
	c := *r
	c.Addresses = slices.Clone(r.Addresses)
	c.Protocols = slices.Clone(r.Protocols)
	return c
}

// Entry pairs a peer ID with a snapshot of its record.
type Entry struct {
	ID     peer.ID
	Record PeerRecord
}

// Option configures a Directory.
type Option func(*Directory)

// WithClock sets the time source used for freshness and pruning.
func WithClock(c clock.Clock) Option {
	return func(d *Directory) {
		d.clock = c
	}
}

// WithTrustPolicy sets the policy consulted after every record update.
func WithTrustPolicy(p TrustPolicy) Option {
	return func(d *Directory) {
		d.policy = p
	}
}

// Directory maps peer IDs to their records. All operations are total:
// updates create the record on first observation.
type Directory struct {
	mu      sync.RWMutex
	records map[peer.ID]*PeerRecord
	clock   clock.Clock
	policy  TrustPolicy
}

// NewDirectory creates an empty directory.
func NewDirectory(opts ...Option) *Directory {
	d := &Directory{
		records: make(map[peer.ID]*PeerRecord),
		clock:   clock.New(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// getOrCreate must be called with d.mu held for writing.
func (d *Directory) getOrCreate(id peer.ID) *PeerRecord {
	r, ok := d.records[id]
	if !ok {
		r = &PeerRecord{LastSeen: d.clock.Now()}
		if d.policy != nil {
			r.Trusted = d.policy.Evaluate(id, r.clone())
		}
		d.records[id] = r
		log.Debugf("New peer record for %s", id.ShortString())
	}
	return r
}

// refresh bumps LastSeen and re-evaluates trust. Must be called with d.mu held for writing.
func (d *Directory) refresh(id peer.ID, r *PeerRecord) {
	if now := d.clock.Now(); now.After(r.LastSeen) {
		r.LastSeen = now
	}
	if d.policy != nil {
		r.Trusted = d.policy.Evaluate(id, r.clone())
	}
}

// GetOrCreate returns the record for id, creating a default one if absent.
func (d *Directory) GetOrCreate(id peer.ID) PeerRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.getOrCreate(id).clone()
}

// Get returns the record for id without creating it.
func (d *Directory) Get(id peer.ID) (PeerRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	r, ok := d.records[id]
	if !ok {
		return PeerRecord{}, false
	}
	return r.clone(), true
}

// AddAddress appends addr to the peer's addresses unless an equal address is
// already present, and refreshes LastSeen.
func (d *Directory) AddAddress(id peer.ID, addr multiaddr.Multiaddr) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r := d.getOrCreate(id)
	if addr != nil && !containsAddr(r.Addresses, addr) {
		r.Addresses = append(r.Addresses, addr)
	}
	d.refresh(id, r)
}

// AddIdentityInfo overwrites the peer's agent version and protocol list with
// the latest announcement and refreshes LastSeen.
func (d *Directory) AddIdentityInfo(id peer.ID, agentVersion string, protocols []protocol.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r := d.getOrCreate(id)
	r.AgentVersion = agentVersion
	r.HasAgentVersion = true
	r.Protocols = slices.Clone(protocols)
	d.refresh(id, r)
}

// Touch refreshes LastSeen for the peer.
func (d *Directory) Touch(id peer.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.refresh(id, d.getOrCreate(id))
}

// SetReachability records the routing engine's latest classification of the peer.
func (d *Directory) SetReachability(id peer.ID, reach Reachability) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r := d.getOrCreate(id)
	r.Reachability = reach
	d.refresh(id, r)
}

// RecordIdentifyError increments the peer's identify failure count and
// returns the new total. LastSeen is not refreshed by a failure.
func (d *Directory) RecordIdentifyError(id peer.ID) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	r := d.getOrCreate(id)
	r.IdentifyErrors++
	if d.policy != nil {
		r.Trusted = d.policy.Evaluate(id, r.clone())
	}
	return r.IdentifyErrors
}

// IsTrusted returns the peer's trust flag, creating the record if absent.
func (d *Directory) IsTrusted(id peer.ID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.getOrCreate(id).Trusted
}

// ListPeers returns a snapshot of every record. Order is unspecified.
func (d *Directory) ListPeers() []Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entries := make([]Entry, 0, len(d.records))
	for id, r := range d.records {
		entries = append(entries, Entry{ID: id, Record: r.clone()})
	}
	return entries
}

// Len returns the number of known peers.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.records)
}

// PruneStale removes every record whose age exceeds maxAge and returns how
// many were removed. A record whose LastSeen lies in the future is treated as
// stale.
func (d *Directory) PruneStale(maxAge time.Duration) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	removed := 0
	for id, r := range d.records {
		age := now.Sub(r.LastSeen)
		if age < 0 || age > maxAge {
			delete(d.records, id)
			removed++
			if age < 0 {
				log.Warnf("Pruning %s: last seen %v in the future", id.ShortString(), -age)
			}
		}
	}
	if removed > 0 {
		log.Debugf("Pruned %d stale peers, %d remain", removed, len(d.records))
	}
	return removed
}

func containsAddr(addrs []multiaddr.Multiaddr, addr multiaddr.Multiaddr) bool {
	for _, a := range addrs {
		if a.Equal(addr) {
			return true
		}
	}
	return false
}
