package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"floodmesh/config"
	"floodmesh/datamodel/peer"
	"floodmesh/datastore/leveldb"
	"floodmesh/metrics"
	"floodmesh/net/mpubsub"
	"floodmesh/net/transport"
	"floodmesh/peerid"
	"floodmesh/swarm/gossip"
	"floodmesh/swarm/node"

	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"
)

// startNode opens storage and sockets and builds the node described by cfg.
func startNode(cfg *config.Config, out io.Writer) (*node.Node, func(), error) {
	var ps *mpubsub.PubSub
	if cfg.Discovery.Enabled {
		var err error
		ps, err = mpubsub.Open(cfg.Discovery.Multicast, mpubsub.WithDropHook(func(error) {
			metrics.AnnouncementsDropped.Inc()
		}))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open discovery on %s: %w", cfg.Discovery.Multicast, err)
		}
	}

	n, cleanup, err := assembleNode(cfg, ps, out)
	if err != nil {
		if ps != nil {
			ps.Close()
		}
		return nil, nil, err
	}
	return n, func() {
		cleanup()
		if ps != nil {
			ps.Close()
		}
	}, nil
}

// assembleNode opens the peer book and the listener around an already open discovery pubsub.
// ps may be nil; an empty peer book path runs without persistence.
func assembleNode(cfg *config.Config, ps *mpubsub.PubSub, out io.Writer) (*node.Node, func(), error) {
	var (
		db   *leveldb.PeerBook
		book peer.PeerBook
	)
	if path := cfg.DataStore.PeerBookPath; path != "" {
		var err error
		if db, err = leveldb.NewPeerBook(path); err != nil {
			return nil, nil, fmt.Errorf("failed to open peer book: %w", err)
		}
		book = db
	}
	closeBook := func() {
		if db != nil {
			db.Close()
		}
	}

	l, err := transport.Listen(cfg.Network.Listen)
	if err != nil {
		closeBook()
		return nil, nil, fmt.Errorf("failed to listen on %s: %w", cfg.Network.Listen, err)
	}

	n, err := node.New(cfg, l, ps, book, node.WithDeliver(printReceived(out)))
	if err != nil {
		l.Close()
		closeBook()
		return nil, nil, err
	}
	return n, closeBook, nil
}

func printReceived(w io.Writer) func(*gossip.Message) {
	return func(m *gossip.Message) {
		fmt.Fprintf(w, "Received: '%s' from %s\n", m.Payload, m.Source)
	}
}

// RunServe runs a node until ctx is cancelled. Lines typed on stdin are published on the default topic.
// dial is an optional multiaddr to connect to on startup.
func RunServe(ctx context.Context, cfg *config.Config, dial string) {
	n, cleanup, err := startNode(cfg, os.Stdout)
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}
	defer cleanup()

	fmt.Printf("Local peer id: %s\n", n.ID())
	for _, addr := range n.Addresses {
		fmt.Printf("listening on %s\n", addr)
	}

	wg, cctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return n.Run(cctx)
	})

	if dial != "" {
		maddr, err := ma.NewMultiaddr(dial)
		if err != nil {
			log.Fatalf("Bad dial address %q: %v", dial, err)
		}
		wg.Go(func() error {
			if err := n.Dial(cctx, maddr, peerid.ID{}); err != nil {
				log.Errorf("Failed to dial %s: %v", dial, err)
			} else {
				log.Infof("Dialed %s", dial)
			}
			return nil
		})
	}

	topic := cfg.Gossip.DefaultTopic
	go func() {
		err := readLines(cctx, os.Stdin, func(ctx context.Context, line []byte) error {
			_, err := n.Publish(ctx, topic, line)
			return err
		})
		if err != nil {
			log.Errorf("Reading stdin: %v", err)
		}
	}()

	if err := wg.Wait(); err != nil {
		log.Fatalf("Node stopped: %v", err)
	}
}

// readLines publishes every line of r, empty ones included, until r ends or ctx is cancelled.
func readLines(ctx context.Context, r io.Reader, publish func(ctx context.Context, line []byte) error) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimRight(scanner.Text(), "\r")
		if err := publish(ctx, []byte(line)); err != nil {
			log.Errorf("Publish error: %v", err)
		}
	}
	return scanner.Err()
}
