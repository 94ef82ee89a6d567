package protocol

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"floodmesh/peerid"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

func testID(t *testing.T) peerid.ID {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	id, err := peerid.FromPublicKey(pub)
	require.NoError(t, err)
	return id
}

func TestGossipMessageOverStream(t *testing.T) {
	in := &GossipMessage{
		ID:      bytes.Repeat([]byte{0x07}, 32),
		Topic:   "chat",
		Payload: []byte("hello"),
		Source:  testID(t),
		Seq:     42,
	}

	var buf bytes.Buffer
	require.NoError(t, EncodeGossipMessage(&buf, in))

	out, err := DecodeGossipMessage(&buf)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestDecodeRejectsTrailingGarbage(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeGossipMessage(&buf, &GossipMessage{Topic: "t", Source: testID(t)}))
	buf.Write([]byte{0x01})

	_, err := DecodeGossipMessage(&buf)
	require.Error(t, err)
}

func TestDecodeRejectsOversized(t *testing.T) {
	_, err := DecodeGossipMessage(bytes.NewReader(make([]byte, MaxGossipMessageSize+10)))
	require.ErrorIs(t, err, ErrMessageTooLarge)

	err = EncodeGossipMessage(&bytes.Buffer{}, &GossipMessage{Topic: "t", Source: testID(t), Payload: make([]byte, MaxGossipMessageSize)})
	require.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestAnnouncementUnknownFieldsAreTolerated(t *testing.T) {
	id := testID(t)
	raw, err := cbor.Marshal(map[int]any{1: id, 2: []string{"/ip4/10.0.0.1/tcp/4001"}, 99: "future"})
	require.NoError(t, err)

	var msg PeerAnnouncementMessage
	require.NoError(t, cbor.Unmarshal(raw, &msg))
	require.Equal(t, id, msg.NodeID)
	require.Equal(t, []string{"/ip4/10.0.0.1/tcp/4001"}, msg.Addresses)
}
