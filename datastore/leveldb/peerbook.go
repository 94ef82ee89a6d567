package leveldb

import (
	"floodmesh/datamodel/peer"
	"floodmesh/peerid"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	log "github.com/sirupsen/logrus"
)

const (
	keyPrefixPeer = "PEER" // Peer records indexed by ID. Followed by textual ID representation
)

var _ peer.PeerBook = (*PeerBook)(nil)

type PeerBook struct {
	LevelDB
}

func NewPeerBook(path string) (*PeerBook, error) {
	ldb, err := initLevelDb(path)
	if err != nil {
		return nil, err
	}

	return &PeerBook{
		LevelDB: LevelDB{
			path: path,
			db:   ldb,
		},
	}, nil
}

func (l *PeerBook) Get(id peerid.ID) (*peer.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := l.db.Get(keyFromPeerID(keyPrefixPeer, id), nil)
	if err != nil {
		return nil, err
	}

	rec := &peer.Record{}
	if err := cbor.Unmarshal(raw, rec); err != nil {
		return nil, err
	}

	// The key and the stored ID must agree
	if rec.NodeID != id {
		log.Errorf("Get: NodeID mismatch: %s != %s", id, rec.NodeID)
		return nil, ErrCorrupted
	}

	return rec, nil
}

func (l *PeerBook) Put(rec *peer.Record) (*peer.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := cbor.Marshal(rec)
	if err != nil {
		return nil, err
	}

	if err := l.db.Put(keyFromPeerID(keyPrefixPeer, rec.NodeID), raw, nil); err != nil {
		return nil, err
	}

	return rec, nil
}

func (l *PeerBook) Delete(id peerid.ID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.db.Delete(keyFromPeerID(keyPrefixPeer, id), nil)
	if err == leveldb.ErrNotFound {
		return nil
	}
	return err
}

func (l *PeerBook) Enumerate() ([]peerid.ID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var results []peerid.ID

	iter := l.db.NewIterator(util.BytesPrefix([]byte(keyPrefixPeer)), nil)
	defer iter.Release()

	for iter.Next() {
		rec := &peer.Record{}
		if err := cbor.Unmarshal(iter.Value(), rec); err != nil {
			return nil, err
		}
		results = append(results, rec.NodeID)
	}

	return results, iter.Error()
}
