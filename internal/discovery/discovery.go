// Package discovery implements the local discovery table (§4.C): a
// fixed-capacity ring of recently-seen peers learned from LAN beacons.
// Entries are advisory and are never treated as authenticated.
package discovery

import (
	"log/slog"

	"github.com/meshcore/wishcore/internal/identity"
)

// DefaultCapacity is the table's default size (§6 "Max discovery entries").
const DefaultCapacity = 4

// Entry is one discovery table row (§3 "Local discovery entry").
type Entry struct {
	Alias    string
	RUID     identity.UID
	RHID     [32]byte
	PubKey   [32]byte
	Addr     string
	Port     uint16
	Occupied bool
}

// Table is the fixed-capacity ring. It carries no internal locking: all
// mutation happens inside event-loop turns (§5).
type Table struct {
	logger *slog.Logger
	slots  []Entry
	// next is the slot insert() evicts from next, used only when every
	// slot is occupied (oldest-wins eviction via insertion order).
	next int
}

// NewTable constructs an empty table with the given capacity.
func NewTable(capacity int, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		logger: logger.With("component", "discovery"),
		slots:  make([]Entry, capacity),
	}
}

// Insert replaces an existing entry with the same (ruid, rhid) if one
// exists, else fills the first free slot, else evicts the oldest
// occupied slot.
func (t *Table) Insert(alias string, ruid identity.UID, rhid, pubkey [32]byte, addr string, port uint16) {
	e := Entry{
		Alias:    alias,
		RUID:     ruid,
		RHID:     rhid,
		PubKey:   pubkey,
		Addr:     addr,
		Port:     port,
		Occupied: true,
	}

	for i := range t.slots {
		if t.slots[i].Occupied && t.slots[i].RUID == ruid && t.slots[i].RHID == rhid {
			t.slots[i] = e
			return
		}
	}
	for i := range t.slots {
		if !t.slots[i].Occupied {
			t.slots[i] = e
			return
		}
	}

	evicted := t.slots[t.next]
	t.logger.Debug("discovery table full, evicting oldest entry",
		"evicted_alias", evicted.Alias, "new_alias", alias)
	t.slots[t.next] = e
	t.next = (t.next + 1) % len(t.slots)
}

// List returns the occupied entries in slot order.
func (t *Table) List() []Entry {
	out := make([]Entry, 0, len(t.slots))
	for _, e := range t.slots {
		if e.Occupied {
			out = append(out, e)
		}
	}
	return out
}

// Clear empties the table.
func (t *Table) Clear() {
	t.slots = make([]Entry, len(t.slots))
	t.next = 0
}

// Find looks up an entry by (ruid, rhid), used by friend-request initiation.
func (t *Table) Find(ruid identity.UID, rhid [32]byte) (Entry, bool) {
	for _, e := range t.slots {
		if e.Occupied && e.RUID == ruid && e.RHID == rhid {
			return e, true
		}
	}
	return Entry{}, false
}
