package discovery

import (
	"sort"
	"time"

	"floodmesh/datamodel/peer"
	"floodmesh/peerid"
)

// PeerTable holds the live announcements. It is not safe for concurrent use; the Service owns it.
type PeerTable struct {
	ttl   time.Duration
	peers map[peerid.ID]*peer.Record
}

func NewPeerTable(ttl time.Duration) *PeerTable {
	return &PeerTable{
		ttl:   ttl,
		peers: make(map[peerid.ID]*peer.Record),
	}
}

// Observe records an announcement heard at now and extends the peer's expiry.
// fresh is true when the peer was not in the table before.
func (t *PeerTable) Observe(id peerid.ID, addrs []string, seq uint64, now time.Time) (rec *peer.Record, fresh bool) {
	rec, ok := t.peers[id]
	if !ok {
		rec = &peer.Record{NodeID: id}
		t.peers[id] = rec
	}

	if len(addrs) > 0 {
		rec.Addresses = addrs
	}
	rec.SequenceNumber = seq
	rec.LastSeen = now
	rec.Expires = now.Add(t.ttl)

	return rec, !ok
}

// Sweep removes and returns every record whose TTL lapsed at now.
func (t *PeerTable) Sweep(now time.Time) []*peer.Record {
	var expired []*peer.Record
	for id, rec := range t.peers {
		if !rec.Live(now) {
			delete(t.peers, id)
			expired = append(expired, rec)
		}
	}
	sortRecords(expired)
	return expired
}

func (t *PeerTable) Live(id peerid.ID, now time.Time) bool {
	rec, ok := t.peers[id]
	return ok && rec.Live(now)
}

func (t *PeerTable) Get(id peerid.ID) (*peer.Record, bool) {
	rec, ok := t.peers[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

func (t *PeerTable) Len() int {
	return len(t.peers)
}

// Snapshot returns copies of all records ordered by ID.
func (t *PeerTable) Snapshot() []*peer.Record {
	out := make([]*peer.Record, 0, len(t.peers))
	for _, rec := range t.peers {
		out = append(out, rec.Clone())
	}
	sortRecords(out)
	return out
}

func sortRecords(recs []*peer.Record) {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].NodeID.Less(recs[j].NodeID)
	})
}
