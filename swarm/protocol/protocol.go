package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"floodmesh/peerid"

	"github.com/fxamacker/cbor/v2"
)

const (
	// Service method under which announcements travel over the multicast pubsub.
	MethodPeerAnnouncement = "Discovery.Announce"

	// Upper bound for one encoded gossip message on a stream.
	MaxGossipMessageSize = 1 << 20
)

var ErrMessageTooLarge = errors.New("protocol: message too large")

type PeerAnnouncementMessage struct {
	NodeID         peerid.ID `cbor:"1,keyasint"`           // Node identifier
	Addresses      []string  `cbor:"2,keyasint,omitempty"` // Reachable multiaddrs of the node's listener
	SequenceNumber uint64    `cbor:"3,keyasint,omitempty"` // Announcement counter, restarts with the process
}

// GossipMessage is the frame carried on a multiplexed stream, one message per stream.
// Topics unknown to the receiver are valid; they are only filtered for local delivery.
type GossipMessage struct {
	ID      []byte    `cbor:"1,keyasint"`           // Message identifier
	Topic   string    `cbor:"2,keyasint"`           // Topic name
	Payload []byte    `cbor:"3,keyasint,omitempty"` // Opaque application bytes
	Source  peerid.ID `cbor:"4,keyasint"`           // Originating node
	Seq     uint64    `cbor:"5,keyasint"`           // Per-source sequence number
}

func EncodeGossipMessage(w io.Writer, m *GossipMessage) error {
	raw, err := cbor.Marshal(m)
	if err != nil {
		return err
	}
	if len(raw) > MaxGossipMessageSize {
		return ErrMessageTooLarge
	}
	_, err = w.Write(raw)
	return err
}

// DecodeGossipMessage reads r to the end and decodes exactly one message.
func DecodeGossipMessage(r io.Reader) (*GossipMessage, error) {
	raw, err := io.ReadAll(io.LimitReader(r, MaxGossipMessageSize+1))
	if err != nil {
		return nil, err
	}
	if len(raw) > MaxGossipMessageSize {
		return nil, ErrMessageTooLarge
	}

	dec := cbor.NewDecoder(bytes.NewReader(raw))
	m := &GossipMessage{}
	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("protocol: malformed gossip message: %w", err)
	}
	if dec.NumBytesRead() != len(raw) {
		return nil, errors.New("protocol: trailing bytes after gossip message")
	}
	return m, nil
}
