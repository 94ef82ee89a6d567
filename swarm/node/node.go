// Package node ties discovery, the secure transport and the gossip engine together.
//
// All discovery, connection and gossip state is owned by a single event loop. Everything that
// blocks (accepting, dialling, handshakes, stream reads and writes) runs on other goroutines and
// reports back to the loop as an Event.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"floodmesh/config"
	"floodmesh/datamodel/peer"
	"floodmesh/helper/timer"
	"floodmesh/identity"
	"floodmesh/metrics"
	"floodmesh/net/mpubsub"
	"floodmesh/net/transport"
	"floodmesh/peerid"
	"floodmesh/secure"
	"floodmesh/swarm/discovery"
	"floodmesh/swarm/gossip"

	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	log "github.com/sirupsen/logrus"
)

const (
	eventBacklog = 256
	redialDelay  = 2 * time.Second
)

var ErrStopped = errors.New("node: stopped")

type Option func(*Node)

// WithDeliver installs the callback receiving messages on subscribed topics. It runs on the event
// loop and must return quickly.
func WithDeliver(f func(*gossip.Message)) Option {
	return func(n *Node) {
		n.deliver = f
	}
}

type Node struct {
	ident     *identity.Identity
	cfg       *config.Config
	Addresses []ma.Multiaddr

	listener  *transport.Listener
	discovery *discovery.Service // nil when disabled
	deliver   func(*gossip.Message)

	events chan Event
	done   chan struct{}

	// Owned by the loop
	engine     *gossip.Engine
	conns      map[peerid.ID]*conn
	discovered map[peerid.ID]*peer.Record

	// Helpers
	sg singleflight.Group
}

// New builds a node around an open listener. ps may be nil to run without discovery, book may be nil.
func New(cfg *config.Config, listener *transport.Listener, ps *mpubsub.PubSub, book peer.PeerBook, opts ...Option) (*Node, error) {
	ident, err := identity.FromPrivateKey(cfg.Identity.PrivateKey.PrivateKey)
	if err != nil {
		return nil, err
	}

	n := &Node{
		ident:      ident,
		cfg:        cfg,
		listener:   listener,
		events:     make(chan Event, eventBacklog),
		done:       make(chan struct{}),
		conns:      make(map[peerid.ID]*conn),
		discovered: make(map[peerid.ID]*peer.Record),
	}
	for _, opt := range opts {
		opt(n)
	}

	if len(cfg.Network.Advertise) > 0 {
		n.Addresses = transport.ParseAddrs(cfg.Network.Advertise)
	} else {
		n.Addresses = listener.Addrs()
	}
	if len(n.Addresses) == 0 {
		return nil, errors.New("node: no address to advertise")
	}

	n.engine = gossip.New(ident.ID(), gossip.SenderFunc(n.sendTo), n.deliverLocal, gossip.Config{
		SeenCapacity: cfg.Gossip.SeenCapacity,
		Relay:        cfg.Gossip.Relay,
	})
	if cfg.Gossip.DefaultTopic != "" {
		if err := n.engine.Subscribe(gossip.Topic(cfg.Gossip.DefaultTopic)); err != nil {
			return nil, err
		}
	}

	if ps != nil {
		n.discovery, err = discovery.New(ident.ID(), transport.Strings(n.Addresses), ps, book, discovery.Config{
			Interval: timer.Interval{
				Duration: cfg.Discovery.Interval.Std(),
				Jitter:   cfg.Discovery.Jitter.Std(),
			},
			TTL: cfg.Discovery.TTL.Std(),
		})
		if err != nil {
			return nil, err
		}
	}

	log.Infof("I am %s, listening on %s", ident.ID(), n.Addresses)

	return n, nil
}

func (n *Node) ID() peerid.ID {
	return n.ident.ID()
}

func (n *Node) Run(ctx context.Context) error {
	wg, cctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return n.listener.Serve(cctx, n.accept)
	})

	if n.discovery != nil {
		wg.Go(func() error {
			return n.discovery.Run(cctx)
		})
	}

	if addr := n.cfg.Metrics.Listen; addr != "" {
		wg.Go(func() error {
			return metrics.Serve(cctx, addr)
		})
	}

	wg.Go(func() error {
		return n.loop(cctx)
	})

	err := wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (n *Node) loop(ctx context.Context) error {
	defer n.shutdown()

	var discEvents <-chan discovery.Event
	if n.discovery != nil {
		discEvents = n.discovery.Events()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-discEvents:
			n.handle(ctx, fromDiscovery(ev))
		case ev := <-n.events:
			n.handle(ctx, ev)
		}
	}
}

func (n *Node) shutdown() {
	close(n.done)
	for _, c := range n.conns {
		c.close()
	}
	metrics.Connections.Sub(float64(len(n.conns)))
	clear(n.conns)
}

func (n *Node) handle(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventPeerDiscovered:
		id := ev.Peer.NodeID
		n.discovered[id] = ev.Peer
		n.engine.AddPeer(id)
		if _, ok := n.conns[id]; !ok && n.shouldDial(id) {
			go n.dialPeer(ctx, ev.Peer)
		}

	case EventPeerExpired:
		id := ev.Peer.NodeID
		delete(n.discovered, id)
		n.engine.RemovePeer(id)

	case EventConnEstablished:
		n.register(ctx, ev.Conn)

	case EventConnClosed:
		c := ev.Conn
		if n.conns[c.remote] != c {
			// Lost a duplicate tie-break earlier
			return
		}
		delete(n.conns, c.remote)
		metrics.Connections.Dec()
		log.Infof("Disconnected from %s", c.remote)

		if rec, ok := n.discovered[c.remote]; ok {
			if n.shouldDial(c.remote) {
				n.redial(ctx, rec)
			}
		} else {
			n.engine.RemovePeer(c.remote)
		}

	case EventDialFailed:
		id := ev.Peer.NodeID
		if rec, ok := n.discovered[id]; ok {
			if _, connected := n.conns[id]; !connected {
				n.redial(ctx, rec)
			}
		}

	case EventInboundMessage:
		if _, err := n.engine.HandleInbound(ev.Message, ev.From); err != nil {
			log.Debugf("Dropping message from %s: %v", ev.From.Short(), err)
		}

	case EventPublishRequest:
		msg, err := n.engine.Publish(ev.Topic, ev.Payload)
		ev.Reply <- reply{msg: msg, err: err}

	case EventSubscribeRequest:
		ev.Reply <- reply{err: n.engine.Subscribe(ev.Topic)}

	case EventUnsubscribeRequest:
		ev.Reply <- reply{err: n.engine.Unsubscribe(ev.Topic)}

	case EventStateRequest:
		ev.Reply <- reply{state: n.state()}

	default:
		log.Errorf("Unhandled event %s", ev.Kind)
	}
}

// register adopts a freshly established connection. When two connections to the same peer exist,
// both sides keep the one opened by the smaller ID, or, if one node opened both, the one dialled
// from the smaller socket address.
func (n *Node) register(ctx context.Context, c *conn) {
	if existing, ok := n.conns[c.remote]; ok {
		if keepFirst(existing, c) {
			log.Debugf("Closing duplicate connection %s, keeping %s", c, existing)
			c.close()
			return
		}
		log.Debugf("Replacing connection %s with %s", existing, c)
		existing.close()
	} else {
		metrics.Connections.Inc()
	}

	n.conns[c.remote] = c
	n.engine.AddPeer(c.remote)
	log.Infof("Connected to %s", c)

	go c.readLoop(ctx)
}

func keepFirst(existing, candidate *conn) bool {
	a, b := existing.dialer(), candidate.dialer()
	if a == b {
		// Registration order differs between the two ends, the dialling address does not
		return existing.dialerAddr <= candidate.dialerAddr
	}
	return a.Less(b)
}

// Only the smaller ID dials a discovered peer, so two nodes finding each other at once open one connection.
func (n *Node) shouldDial(remote peerid.ID) bool {
	return n.ID().Less(remote)
}

func (n *Node) redial(ctx context.Context, rec *peer.Record) {
	time.AfterFunc(redialDelay, func() {
		if ctx.Err() == nil {
			n.dialPeer(ctx, rec)
		}
	})
}

func (n *Node) sendTo(to peerid.ID, msg *gossip.Message) {
	c, ok := n.conns[to]
	if !ok {
		// In the view through discovery, the connection is still being set up
		log.Debugf("No connection to %s yet, not sending %s", to.Short(), msg.ID)
		return
	}
	c.send(msg)
}

func (n *Node) deliverLocal(msg *gossip.Message) {
	if n.deliver != nil {
		n.deliver(msg)
	}
}

func (n *Node) state() *State {
	s := &State{
		ID:          n.ID(),
		Neighbours:  n.engine.Peers(),
		Subscribed:  n.engine.Subscribed(),
		Views:       make(map[gossip.Topic][]peerid.ID),
		GossipStats: n.engine.Stats(),
	}
	for id := range n.discovered {
		s.Discovered = append(s.Discovered, id)
	}
	for id := range n.conns {
		s.Connected = append(s.Connected, id)
	}
	for _, t := range n.engine.Topics() {
		s.Views[t] = n.engine.View(t)
	}
	return s
}

// post hands an event to the loop. It returns false once the loop has stopped.
func (n *Node) post(ev Event) bool {
	select {
	case n.events <- ev:
		return true
	case <-n.done:
		return false
	}
}

// accept is called by the listener for each inbound connection.
func (n *Node) accept(ctx context.Context, raw net.Conn) {
	c, err := n.establish(ctx, raw, secure.Responder, peerid.ID{})
	if err != nil {
		log.Warnf("Inbound handshake from %s failed: %v", raw.RemoteAddr(), err)
		return
	}
	if !n.post(Event{Kind: EventConnEstablished, Conn: c}) {
		c.close()
	}
}

// Dial connects to addr. expected may be zero when the remote ID is not known in advance.
func (n *Node) Dial(ctx context.Context, addr ma.Multiaddr, expected peerid.ID) error {
	raw, err := transport.Dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	c, err := n.establish(ctx, raw, secure.Initiator, expected)
	if err != nil {
		return fmt.Errorf("handshake with %s: %w", addr, err)
	}
	if c.remote == n.ID() {
		c.close()
		return fmt.Errorf("dial %s: connected to ourselves", addr)
	}

	if !n.post(Event{Kind: EventConnEstablished, Conn: c}) {
		c.close()
		return ErrStopped
	}
	return nil
}

// dialPeer tries the addresses of a discovered peer in order. Concurrent attempts for the same peer collapse into one.
func (n *Node) dialPeer(ctx context.Context, rec *peer.Record) {
	_, err, _ := n.sg.Do(rec.NodeID.String(), func() (interface{}, error) {
		addrs := transport.ParseAddrs(rec.Addresses)
		if len(addrs) == 0 {
			return nil, errors.New("no dialable address")
		}

		var errs []error
		for _, addr := range addrs {
			err := n.Dial(ctx, addr, rec.NodeID)
			if err == nil {
				return nil, nil
			}
			errs = append(errs, err)
		}
		return nil, errors.Join(errs...)
	})

	if err != nil && ctx.Err() == nil {
		log.Warnf("Failed to connect to %s: %v", rec.NodeID, err)
		n.post(Event{Kind: EventDialFailed, Peer: rec})
	}
}

func (n *Node) request(ctx context.Context, ev Event) (reply, error) {
	ch := make(chan reply, 1)
	ev.Reply = ch

	select {
	case n.events <- ev:
	case <-ctx.Done():
		return reply{}, ctx.Err()
	case <-n.done:
		return reply{}, ErrStopped
	}

	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return reply{}, ctx.Err()
	case <-n.done:
		select {
		case r := <-ch:
			return r, nil
		default:
			return reply{}, ErrStopped
		}
	}
}

// Publish floods payload on topic. The node does not need to be subscribed to the topic.
func (n *Node) Publish(ctx context.Context, topic string, payload []byte) (*gossip.Message, error) {
	r, err := n.request(ctx, Event{Kind: EventPublishRequest, Topic: gossip.Topic(topic), Payload: payload})
	if err != nil {
		return nil, err
	}
	return r.msg, r.err
}

func (n *Node) Subscribe(ctx context.Context, topic string) error {
	r, err := n.request(ctx, Event{Kind: EventSubscribeRequest, Topic: gossip.Topic(topic)})
	if err != nil {
		return err
	}
	return r.err
}

func (n *Node) Unsubscribe(ctx context.Context, topic string) error {
	r, err := n.request(ctx, Event{Kind: EventUnsubscribeRequest, Topic: gossip.Topic(topic)})
	if err != nil {
		return err
	}
	return r.err
}

func (n *Node) State(ctx context.Context) (*State, error) {
	r, err := n.request(ctx, Event{Kind: EventStateRequest})
	if err != nil {
		return nil, err
	}
	return r.state, nil
}
