package peer

import (
	"time"

	"floodmesh/peerid"
)

// Record is what discovery knows about a remote node.
type Record struct {
	NodeID         peerid.ID `cbor:"1,keyasint"`           // Node identifier
	Addresses      []string  `cbor:"2,keyasint,omitempty"` // Multiaddrs the node can be dialled on
	SequenceNumber uint64    `cbor:"3,keyasint,omitempty"` // Last announcement counter seen from this node
	LastSeen       time.Time `cbor:"4,keyasint,omitempty"` // Last time we heard from this node
	Expires        time.Time `cbor:"5,keyasint,omitempty"` // LastSeen + TTL
}

// Live reports whether the record is still valid at the given instant.
func (r *Record) Live(now time.Time) bool {
	return now.Before(r.Expires)
}

func (r *Record) Clone() *Record {
	c := *r
	c.Addresses = append([]string(nil), r.Addresses...)
	return &c
}

// PeerBook persists records of peers seen on the network so they survive restarts.
// Entries are informational: liveness always comes from fresh announcements.
type PeerBook interface {
	// Get retrieves the record of a node. It returns an error if the node is unknown or the store fails.
	Get(peerid.ID) (*Record, error)

	// Put stores or replaces a node's record.
	Put(*Record) (*Record, error)

	// Delete forgets a node. Deleting an unknown node is not an error.
	Delete(peerid.ID) error

	// Enumerate returns the IDs of all nodes currently in the book.
	Enumerate() ([]peerid.ID, error)
}
