// Package replica persists the client-local copy of the log: the signing
// keypair, the cursor and the projection folded up to it.
//
// A Replica is the unit of durable client state. The store writes it in
// one statement, so a reader never observes a cursor that does not match
// its projection.
package replica

import (
	"github.com/roach88/thekeeper/internal/event"
	"github.com/roach88/thekeeper/internal/projection"
)

// Replica is the persisted client state besides the keypair.
type Replica struct {
	// Cursor is the ts of the last applied envelope, or event.NoCursor.
	Cursor int64

	Projection projection.Projection

	// Handle is the handle this replica seeded for itself, kept even
	// before the SeedActor round-trips through the log.
	Handle string

	// LastRedeemedCode makes redeeming the same share code twice a no-op.
	LastRedeemedCode string
}

// New returns the state of a replica that has applied nothing.
func New() Replica {
	return Replica{
		Cursor:     event.NoCursor,
		Projection: projection.New(),
	}
}

// Clone returns a deep copy of r.
func (r Replica) Clone() Replica {
	r.Projection = r.Projection.Clone()
	return r
}
