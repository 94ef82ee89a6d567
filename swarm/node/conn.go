package node

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"floodmesh/metrics"
	"floodmesh/mux"
	"floodmesh/peerid"
	"floodmesh/secure"
	"floodmesh/swarm/gossip"
	"floodmesh/swarm/protocol"

	"github.com/Arceliar/phony"

	log "github.com/sirupsen/logrus"
)

const (
	// Messages queued for one neighbour before new ones are dropped.
	maxPendingSends = 1024

	streamOpenTimeout = 10 * time.Second
)

// conn is one secured, multiplexed connection to a neighbour. Writes go through the embedded
// actor so a slow neighbour only ever delays its own queue.
type conn struct {
	phony.Inbox

	node     *Node
	remote   peerid.ID
	outbound bool
	sess     *secure.Session
	mux      *mux.Session
	pending  atomic.Int32

	// Socket address of the dialling side. Both ends see the same value.
	dialerAddr string
}

// dialer returns the peer that opened the underlying connection.
func (c *conn) dialer() peerid.ID {
	if c.outbound {
		return c.node.ID()
	}
	return c.remote
}

func (c *conn) String() string {
	dir := "in"
	if c.outbound {
		dir = "out"
	}
	return c.remote.Short() + "/" + dir + "/" + c.sess.RemoteAddr().String()
}

func (c *conn) send(msg *gossip.Message) {
	if c.pending.Load() >= maxPendingSends {
		log.Warnf("Send queue to %s is full, dropping message %s", c, msg.ID)
		return
	}
	c.pending.Add(1)
	c.Act(nil, func() {
		defer c.pending.Add(-1)
		c._write(msg)
	})
}

// One message per stream: open, write, close.
func (c *conn) _write(msg *gossip.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), streamOpenTimeout)
	defer cancel()

	st, err := c.mux.OpenStream(ctx)
	if err != nil {
		log.Debugf("Failed to open stream to %s: %v", c, err)
		return
	}
	if err := protocol.EncodeGossipMessage(st, msg.Wire()); err != nil {
		log.Warnf("Failed to send message %s to %s: %v", msg.ID, c, err)
		st.Reset()
		return
	}
	st.Close()
}

// readLoop accepts inbound streams until the session dies, then reports the closure.
func (c *conn) readLoop(ctx context.Context) {
	defer func() {
		c.close()
		c.node.post(Event{Kind: EventConnClosed, Conn: c})
	}()

	for {
		st, err := c.mux.AcceptStream(ctx)
		if err != nil {
			log.Debugf("Connection %s done: %v", c, err)
			return
		}
		go c.readStream(st)
	}
}

func (c *conn) readStream(st *mux.Stream) {
	defer st.Close()

	w, err := protocol.DecodeGossipMessage(st)
	if err != nil {
		log.Debugf("Bad stream %d from %s: %v", st.ID(), c, err)
		metrics.MessagesInvalid.Inc()
		st.Reset()
		return
	}

	msg, err := gossip.FromWire(w)
	if err != nil {
		log.Debugf("Invalid message from %s: %v", c, err)
		metrics.MessagesInvalid.Inc()
		return
	}

	c.node.post(Event{Kind: EventInboundMessage, Message: msg, From: c.remote})
}

func (c *conn) close() {
	c.mux.Close()
}

// establish runs the secure handshake and starts multiplexing on a raw connection.
func (n *Node) establish(ctx context.Context, raw net.Conn, role secure.Role, expected peerid.ID) (*conn, error) {
	opts := []secure.Option{secure.WithTimeout(n.cfg.Network.HandshakeTimeout.Std())}
	if !expected.IsZero() {
		opts = append(opts, secure.WithExpectedPeer(expected))
	}

	sess, err := secure.Establish(ctx, raw, n.ident, role, opts...)
	if err != nil {
		metrics.HandshakeFailures.WithLabelValues(secure.Kind(err)).Inc()
		return nil, err
	}

	outbound := role == secure.Initiator
	dialerAddr := sess.RemoteAddr()
	if outbound {
		dialerAddr = sess.LocalAddr()
	}
	c := &conn{
		node:       n,
		remote:     sess.RemoteID(),
		outbound:   outbound,
		sess:       sess,
		mux:        mux.New(sess, outbound, mux.WithMaxFrameSize(n.cfg.Network.MaxFrameSize)),
		dialerAddr: dialerAddr.String(),
	}
	return c, nil
}
