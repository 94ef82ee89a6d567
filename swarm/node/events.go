package node

import (
	"floodmesh/datamodel/peer"
	"floodmesh/peerid"
	"floodmesh/swarm/discovery"
	"floodmesh/swarm/gossip"
)

type EventKind int

const (
	EventPeerDiscovered EventKind = iota
	EventPeerExpired
	EventConnEstablished
	EventConnClosed
	EventDialFailed
	EventInboundMessage
	EventPublishRequest
	EventSubscribeRequest
	EventUnsubscribeRequest
	EventStateRequest
)

var eventNames = map[EventKind]string{
	EventPeerDiscovered:     "peer-discovered",
	EventPeerExpired:        "peer-expired",
	EventConnEstablished:    "conn-established",
	EventConnClosed:         "conn-closed",
	EventDialFailed:         "dial-failed",
	EventInboundMessage:     "inbound-message",
	EventPublishRequest:     "publish-request",
	EventSubscribeRequest:   "subscribe-request",
	EventUnsubscribeRequest: "unsubscribe-request",
	EventStateRequest:       "state-request",
}

func (k EventKind) String() string {
	if s, ok := eventNames[k]; ok {
		return s
	}
	return "unknown"
}

// Event is everything the loop reacts to. Which fields are set depends on Kind.
type Event struct {
	Kind EventKind

	Peer    *peer.Record    // PeerDiscovered, PeerExpired, DialFailed
	Conn    *conn           // ConnEstablished, ConnClosed
	Message *gossip.Message // InboundMessage
	From    peerid.ID       // InboundMessage

	Topic   gossip.Topic // Publish, Subscribe, Unsubscribe
	Payload []byte       // Publish

	Reply chan<- reply // requests only
}

type reply struct {
	msg   *gossip.Message
	state *State
	err   error
}

func fromDiscovery(ev discovery.Event) Event {
	switch ev.Kind {
	case discovery.PeerExpired:
		return Event{Kind: EventPeerExpired, Peer: ev.Peer}
	default:
		return Event{Kind: EventPeerDiscovered, Peer: ev.Peer}
	}
}

// State is a point-in-time copy of the loop-owned state.
type State struct {
	ID          peerid.ID
	Discovered  []peerid.ID
	Connected   []peerid.ID
	Neighbours  []peerid.ID
	Subscribed  []gossip.Topic
	Views       map[gossip.Topic][]peerid.ID
	GossipStats gossip.Stats
}
