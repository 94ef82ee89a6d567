package commands

import (
	"context"
	"fmt"
	"time"

	"floodmesh/config"
	"floodmesh/datastore/leveldb"
	"floodmesh/identity"

	log "github.com/sirupsen/logrus"
)

// RunInfo prints the local identity and every peer remembered in the peer book.
func RunInfo(ctx context.Context, cfg *config.Config) {
	ident, err := identity.FromPrivateKey(cfg.Identity.PrivateKey.PrivateKey)
	if err != nil {
		log.Fatalf("Bad identity in config: %v", err)
	}

	fmt.Printf("Local peer id: %s\n", ident.ID())
	fmt.Printf("Listen: %s, discovery: %t (%s every %s)\n",
		cfg.Network.Listen, cfg.Discovery.Enabled, cfg.Discovery.Multicast, cfg.Discovery.Interval.Std())

	if cfg.DataStore.PeerBookPath == "" {
		fmt.Println("Peer book: disabled")
		return
	}
	book, err := leveldb.NewPeerBook(cfg.DataStore.PeerBookPath)
	if err != nil {
		log.Fatalf("Failed to open peer book: %v", err)
	}
	defer book.Close()

	peers, err := book.Enumerate()
	if err != nil {
		log.Errorf("Failed to enumerate peer book: %v", err)
		return
	}
	fmt.Printf("Peer book: %d peers known\n", len(peers))
	for _, id := range peers {
		rec, err := book.Get(id)
		if err != nil {
			log.Errorf("Failed to get peer record: %v", err)
			continue
		}
		fmt.Printf("  %s addrs: %v seq: %d last seen: %s ago\n",
			rec.NodeID, rec.Addresses, rec.SequenceNumber, time.Since(rec.LastSeen).Round(time.Second))
	}
}
