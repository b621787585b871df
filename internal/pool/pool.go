// Package pool implements the connection pool (§4.D): a fixed-size array
// of connection slots with FSM-driven lifecycle.
package pool

import (
	"crypto/rand"
	"errors"
	"log/slog"

	"github.com/meshcore/wishcore/internal/identity"
	"github.com/meshcore/wishcore/internal/metrics"
	"github.com/meshcore/wishcore/internal/proto"
)

// maxServiceIDAttempts bounds retries when a freshly drawn LocalServiceID
// collides with one already held by another occupied slot (§3/§4.D
// "originating local service id"), mirroring the reference BFD module's
// discriminator allocator.
const maxServiceIDAttempts = 100

// DefaultCapacity is the pool's default size (§6 "Context pool size").
const DefaultCapacity = 3

// DefaultRXRingSize is the default per-connection receive buffer size (§6).
const DefaultRXRingSize = 1500

// Sentinel errors.
var (
	// ErrFull indicates every slot is occupied.
	ErrFull = errors.New("pool: full")

	// ErrDuplicateConnection indicates a simultaneous same-(luid,ruid)
	// connection lost the deterministic lowest-uid-wins tiebreak (§9 Open
	// Question 3).
	ErrDuplicateConnection = errors.New("pool: duplicate connection for (luid, ruid) pair")

	// ErrNotFound indicates no slot matched a lookup.
	ErrNotFound = errors.New("pool: no matching connection")
)

// Direction is whether a connection was dialed out or accepted.
type Direction uint8

const (
	DirectionOutgoing Direction = iota
	DirectionIncoming
)

// Slot is one connection pool entry (§3 "Connection").
type Slot struct {
	index int
	state proto.State

	Direction Direction
	LUID      identity.UID
	RUID      identity.UID
	RHID      [32]byte

	// LocalServiceID binds this slot's RPC contexts: closing the slot
	// cancels every request whose LocalServiceID equals this value.
	LocalServiceID [32]byte

	// RXRing holds bytes received but not yet parsed into complete frames.
	RXRing []byte

	// FriendRequest marks this slot as carrying a friend-request exchange
	// (§4.E sub-states).
	FriendRequest bool

	// Send writes a frame to the transport. Bound by the caller when the
	// slot is allocated; nil for a FREE slot.
	Send func(frame []byte) error
}

// Index returns the slot's position in the pool, stable for its lifetime.
func (s *Slot) Index() int { return s.index }

// State returns the slot's current FSM state.
func (s *Slot) State() proto.State { return s.state }

// Pool is the fixed-size connection slot array. It carries no internal
// locking: mutation happens only inside event-loop turns (§5).
type Pool struct {
	logger  *slog.Logger
	metrics *metrics.Collector
	ringSz  int
	slots   []Slot
}

// New constructs a pool with the given capacity and RX ring size.
func New(capacity, ringSize int, m *metrics.Collector, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		logger:  logger.With("component", "pool"),
		metrics: m,
		ringSz:  ringSize,
		slots:   make([]Slot, capacity),
	}
	for i := range p.slots {
		p.slots[i].index = i
		p.slots[i].state = proto.StateFree
	}
	return p
}

// Allocate reserves the first FREE slot for a new connection. If the pool
// is full, it fails ErrFull. If another slot already holds or is
// allocating a connection for the same (luid, ruid) pair, the side with
// the numerically lower uid wins (§9 Open Question 3): when luid is the
// lower uid the new request fails ErrDuplicateConnection and the existing
// slot is untouched; otherwise the existing slot is evicted and the new
// allocation proceeds. Incoming connections allocated before their uids
// are known (luid and ruid both all-zero) skip this check.
func (p *Pool) Allocate(luid, ruid identity.UID, dir Direction) (*Slot, error) {
	knownPair := luid != (identity.UID{}) || ruid != (identity.UID{})
	if existing := p.findByPair(luid, ruid); knownPair && existing != nil {
		if lowestUIDWins(luid, ruid) {
			return nil, ErrDuplicateConnection
		}
		p.closeLocked(existing, false)
	}

	for i := range p.slots {
		if p.slots[i].state == proto.StateFree {
			p.slots[i] = Slot{
				index:          i,
				state:          proto.StateInitial,
				Direction:      dir,
				LUID:           luid,
				RUID:           ruid,
				RXRing:         make([]byte, 0, p.ringSz),
				LocalServiceID: p.allocServiceID(),
			}
			p.reportOccupancy()
			return &p.slots[i], nil
		}
	}
	return nil, ErrFull
}

// allocServiceID draws a random, nonzero, currently-unused 32-byte local
// service id for a new slot. Collisions against 32 random bytes are
// vanishingly unlikely; the retry cap only guards against a degenerate
// rand source, same as the reference discriminator allocator.
func (p *Pool) allocServiceID() [32]byte {
	for attempt := 0; attempt < maxServiceIDAttempts; attempt++ {
		var id [32]byte
		if _, err := rand.Read(id[:]); err != nil {
			continue
		}
		if id == ([32]byte{}) {
			continue
		}
		if p.serviceIDInUse(id) {
			continue
		}
		return id
	}
	p.logger.Error("local service id allocation exhausted retries, falling back to a fixed id")
	var fallback [32]byte
	fallback[0] = 0xFF
	return fallback
}

func (p *Pool) serviceIDInUse(id [32]byte) bool {
	for i := range p.slots {
		if p.slots[i].state != proto.StateFree && p.slots[i].LocalServiceID == id {
			return true
		}
	}
	return false
}

// lowestUIDWins reports whether luid should win a simultaneous-connection
// tiebreak against ruid: the numerically lower uid wins.
func lowestUIDWins(luid, ruid identity.UID) bool {
	for i := range luid {
		if luid[i] != ruid[i] {
			return luid[i] < ruid[i]
		}
	}
	return true
}

func (p *Pool) findByPair(luid, ruid identity.UID) *Slot {
	for i := range p.slots {
		s := &p.slots[i]
		if s.state != proto.StateFree && s.LUID == luid && s.RUID == ruid {
			return s
		}
	}
	return nil
}

// Lookup returns the AUTHENTICATED slot matching (luid, ruid, rhid), used
// by services.send routing (§4.G).
func (p *Pool) Lookup(luid, ruid identity.UID, rhid [32]byte) (*Slot, error) {
	for i := range p.slots {
		s := &p.slots[i]
		if s.state == proto.StateAuthenticated && s.LUID == luid && s.RUID == ruid && s.RHID == rhid {
			return s, nil
		}
	}
	return nil, ErrNotFound
}

// Apply runs event through the FSM for slot and updates its state,
// reporting the transition's actions for the caller to execute.
func (p *Pool) Apply(slot *Slot, event proto.Event) proto.Result {
	res := proto.ApplyEvent(slot.state, event)
	slot.state = res.NewState
	if res.Changed && p.metrics != nil {
		p.metrics.RecordTransition(res.NewState.String())
	}
	if res.NewState == proto.StateFree {
		p.reportOccupancy()
	}
	return res
}

// Close transitions slot to CLOSING: flushes its receive buffer and
// leaves RPC-request cancellation to the caller (the RPC server walks its
// own request list keyed by LocalServiceID).
func (p *Pool) Close(slot *Slot) {
	p.closeLocked(slot, true)
}

func (p *Pool) closeLocked(slot *Slot, logIt bool) {
	if logIt {
		p.logger.Info("closing connection", "slot", slot.index, "state", slot.state.String())
	}
	slot.RXRing = nil
	slot.Send = nil
	slot.state = proto.StateFree
	p.reportOccupancy()
}

// Iterate calls fn for every non-free slot.
func (p *Pool) Iterate(fn func(*Slot)) {
	for i := range p.slots {
		if p.slots[i].state != proto.StateFree {
			fn(&p.slots[i])
		}
	}
}

// Len returns the pool's fixed capacity.
func (p *Pool) Len() int { return len(p.slots) }

func (p *Pool) reportOccupancy() {
	if p.metrics == nil {
		return
	}
	n := 0
	for i := range p.slots {
		if p.slots[i].state != proto.StateFree {
			n++
		}
	}
	p.metrics.SetPoolOccupancy("connections", n)
}
