package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"floodmesh/config"

	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"
)

// RunPublish joins the network, waits for neighbours and publishes a single message.
func RunPublish(ctx context.Context, cfg *config.Config, topic string, wait time.Duration, words []string) {
	if topic == "" {
		topic = cfg.Gossip.DefaultTopic
	}
	payload := strings.Join(words, " ")
	if payload == "" {
		log.Fatal("Nothing to publish")
	}

	n, cleanup, err := startNode(cfg, io.Discard)
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg, cctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return n.Run(cctx)
	})

	wg.Go(func() error {
		defer cancel()

		// Give discovery a chance to connect us
		select {
		case <-time.After(wait):
		case <-cctx.Done():
			return nil
		}

		state, err := n.State(cctx)
		if err != nil {
			return err
		}
		if len(state.Connected) == 0 {
			log.Warnf("No neighbours after %v, the message will not leave this node", wait)
		}

		msg, err := n.Publish(cctx, topic, []byte(payload))
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Published %s on %q to %d neighbours\n", msg.ID, topic, len(state.Connected))

		// Let the writers flush
		time.Sleep(500 * time.Millisecond)
		return nil
	})

	if err := wg.Wait(); err != nil {
		log.Fatalf("Publish failed: %v", err)
	}
}
