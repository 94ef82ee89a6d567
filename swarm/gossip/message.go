package gossip

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"floodmesh/peerid"
	"floodmesh/swarm/protocol"

	"golang.org/x/crypto/blake2b"
)

type Topic string

// MessageID is BLAKE2b-256 over the source, the source's sequence number, the topic and the payload.
type MessageID [32]byte

func (id MessageID) String() string {
	return hex.EncodeToString(id[:8])
}

type Message struct {
	ID      MessageID
	Topic   Topic
	Payload []byte
	Source  peerid.ID
	Seq     uint64
}

var ErrInvalidMessage = errors.New("gossip: invalid message")

func DeriveMessageID(source peerid.ID, seq uint64, topic Topic, payload []byte) MessageID {
	h, _ := blake2b.New256(nil)
	h.Write(source.Bytes())

	var n [8]byte
	binary.BigEndian.PutUint64(n[:], seq)
	h.Write(n[:])

	// Topic is length prefixed so topic and payload bytes cannot trade places
	binary.BigEndian.PutUint32(n[:4], uint32(len(topic)))
	h.Write(n[:4])
	h.Write([]byte(topic))
	h.Write(payload)

	var id MessageID
	copy(id[:], h.Sum(nil))
	return id
}

func (m *Message) Validate() error {
	if m.Topic == "" {
		return fmt.Errorf("%w: empty topic", ErrInvalidMessage)
	}
	if m.Source.IsZero() {
		return fmt.Errorf("%w: missing source", ErrInvalidMessage)
	}
	if DeriveMessageID(m.Source, m.Seq, m.Topic, m.Payload) != m.ID {
		return fmt.Errorf("%w: id does not match content", ErrInvalidMessage)
	}
	return nil
}

func (m *Message) Wire() *protocol.GossipMessage {
	return &protocol.GossipMessage{
		ID:      m.ID[:],
		Topic:   string(m.Topic),
		Payload: m.Payload,
		Source:  m.Source,
		Seq:     m.Seq,
	}
}

func FromWire(w *protocol.GossipMessage) (*Message, error) {
	if len(w.ID) != len(MessageID{}) {
		return nil, fmt.Errorf("%w: id must be %d bytes, got %d", ErrInvalidMessage, len(MessageID{}), len(w.ID))
	}

	m := &Message{
		Topic:   Topic(w.Topic),
		Payload: w.Payload,
		Source:  w.Source,
		Seq:     w.Seq,
	}
	copy(m.ID[:], w.ID)

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
