// Package gossip floods topic messages to neighbours and delivers each message locally at most once.
package gossip

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sort"

	"floodmesh/metrics"
	"floodmesh/peerid"

	log "github.com/sirupsen/logrus"
)

var (
	ErrEmptyTopic    = errors.New("gossip: empty topic")
	ErrNotSubscribed = errors.New("gossip: not subscribed")
)

// Sender hands a message to the connection of one neighbour. It must not block.
type Sender interface {
	Send(to peerid.ID, msg *Message)
}

type SenderFunc func(to peerid.ID, msg *Message)

func (f SenderFunc) Send(to peerid.ID, msg *Message) {
	f(to, msg)
}

type Config struct {
	SeenCapacity int

	// Relay keeps views for every topic seen on the wire, not just the subscribed ones,
	// so the node forwards traffic it does not consume.
	Relay bool
}

type Stats struct {
	Published  uint64
	Delivered  uint64
	Duplicates uint64
	Forwarded  uint64
	Invalid    uint64
}

// Engine holds subscriptions, per-topic partial views and the seen set.
// It is not safe for concurrent use: a single event loop owns it.
type Engine struct {
	self    peerid.ID
	cfg     Config
	out     Sender
	deliver func(*Message)

	subs  map[Topic]struct{}
	views map[Topic]map[peerid.ID]struct{}
	peers map[peerid.ID]struct{} // neighbours eligible for every view
	seen  *SeenCache
	seq   uint64
	stats Stats
}

func New(self peerid.ID, out Sender, deliver func(*Message), cfg Config) *Engine {
	return &Engine{
		self:    self,
		cfg:     cfg,
		out:     out,
		deliver: deliver,
		subs:    make(map[Topic]struct{}),
		views:   make(map[Topic]map[peerid.ID]struct{}),
		peers:   make(map[peerid.ID]struct{}),
		seen:    NewSeenCache(cfg.SeenCapacity),
		seq:     randomSeq(),
	}
}

// The identity outlives the process, so sequence numbers start at a random point to keep
// message IDs from repeating after a restart.
func randomSeq() uint64 {
	var b [8]byte
	rand.Read(b[:]) // never returns an error
	return binary.BigEndian.Uint64(b[:])
}

func (e *Engine) Subscribe(topic Topic) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if _, ok := e.subs[topic]; ok {
		return nil
	}

	e.subs[topic] = struct{}{}
	e.viewFor(topic)
	log.Debugf("gossip: subscribed to %q", topic)
	return nil
}

func (e *Engine) Unsubscribe(topic Topic) error {
	if _, ok := e.subs[topic]; !ok {
		return ErrNotSubscribed
	}

	delete(e.subs, topic)
	if !e.cfg.Relay {
		delete(e.views, topic)
	}
	log.Debugf("gossip: unsubscribed from %q", topic)
	return nil
}

// Publish originates a message from the local node and floods it to the topic's view.
func (e *Engine) Publish(topic Topic, payload []byte) (*Message, error) {
	if topic == "" {
		return nil, ErrEmptyTopic
	}

	e.seq++
	msg := &Message{
		Topic:   topic,
		Payload: payload,
		Source:  e.self,
		Seq:     e.seq,
	}
	msg.ID = DeriveMessageID(msg.Source, msg.Seq, msg.Topic, msg.Payload)
	e.seen.Add(msg.ID)

	e.stats.Published++
	metrics.MessagesPublished.Inc()

	view := e.targets(topic)
	if view == nil {
		// Not relaying this topic, but the origin still reaches its direct neighbours
		view = e.peers
	}
	e.flood(msg, view, peerid.ID{})
	return msg, nil
}

// AddPeer makes a neighbour eligible: it joins the view of every topic the node propagates.
func (e *Engine) AddPeer(id peerid.ID) {
	if id == e.self {
		return
	}
	if _, ok := e.peers[id]; ok {
		return
	}

	e.peers[id] = struct{}{}
	for _, view := range e.views {
		view[id] = struct{}{}
	}
	log.Debugf("gossip: peer %s joined %d views", id.Short(), len(e.views))
}

// RemovePeer drops a neighbour from every view.
func (e *Engine) RemovePeer(id peerid.ID) {
	if _, ok := e.peers[id]; !ok {
		return
	}

	delete(e.peers, id)
	for _, view := range e.views {
		delete(view, id)
	}
	log.Debugf("gossip: peer %s left all views", id.Short())
}

// HandleInbound processes a message received from a neighbour. Already seen messages are dropped
// silently; new ones are delivered if subscribed and forwarded to everyone in the view except the sender.
// It reports whether the message was delivered locally.
func (e *Engine) HandleInbound(msg *Message, from peerid.ID) (bool, error) {
	if err := msg.Validate(); err != nil {
		e.stats.Invalid++
		metrics.MessagesInvalid.Inc()
		return false, err
	}

	// Our own message came back around, possibly after its id was evicted
	if msg.Source == e.self || !e.seen.Add(msg.ID) {
		e.stats.Duplicates++
		metrics.MessagesDuplicate.Inc()
		return false, nil
	}

	delivered := false
	if _, ok := e.subs[msg.Topic]; ok {
		if e.deliver != nil {
			e.deliver(msg)
		}
		delivered = true
		e.stats.Delivered++
		metrics.MessagesDelivered.Inc()
	}

	e.flood(msg, e.targets(msg.Topic), from)
	return delivered, nil
}

// targets returns the view a message on topic is flooded to, registering the topic when relaying.
func (e *Engine) targets(topic Topic) map[peerid.ID]struct{} {
	if view, ok := e.views[topic]; ok {
		return view
	}
	if e.cfg.Relay {
		return e.viewFor(topic)
	}
	return nil
}

func (e *Engine) viewFor(topic Topic) map[peerid.ID]struct{} {
	view, ok := e.views[topic]
	if !ok {
		view = make(map[peerid.ID]struct{}, len(e.peers))
		for id := range e.peers {
			view[id] = struct{}{}
		}
		e.views[topic] = view
	}
	return view
}

func (e *Engine) flood(msg *Message, view map[peerid.ID]struct{}, from peerid.ID) {
	for id := range view {
		if id == from || id == msg.Source {
			continue
		}
		e.out.Send(id, msg)
		e.stats.Forwarded++
		metrics.MessagesForwarded.Inc()
	}
}

// Topics returns every topic that currently has a view, subscribed or relayed.
func (e *Engine) Topics() []Topic {
	out := make([]Topic, 0, len(e.views))
	for t := range e.views {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (e *Engine) Subscribed() []Topic {
	out := make([]Topic, 0, len(e.subs))
	for t := range e.subs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (e *Engine) IsSubscribed(topic Topic) bool {
	_, ok := e.subs[topic]
	return ok
}

// View returns the partial view of topic ordered by ID.
func (e *Engine) View(topic Topic) []peerid.ID {
	return sortedIDs(e.views[topic])
}

func (e *Engine) Peers() []peerid.ID {
	return sortedIDs(e.peers)
}

func (e *Engine) Stats() Stats {
	return e.stats
}

func sortedIDs(set map[peerid.ID]struct{}) []peerid.ID {
	out := make([]peerid.ID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
