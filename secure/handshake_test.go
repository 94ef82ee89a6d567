package secure

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"floodmesh/identity"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"
)

type result struct {
	sess *Session
	err  error
}

func newIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	return id
}

func establishPair(t *testing.T, a, b *identity.Identity, optsA ...Option) (*Session, *Session, error, error) {
	t.Helper()
	c1, c2 := net.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch := make(chan result, 1)
	go func() {
		s, err := Establish(ctx, c2, b, Responder)
		ch <- result{s, err}
	}()
	sa, errA := Establish(ctx, c1, a, Initiator, optsA...)
	r := <-ch
	return sa, r.sess, errA, r.err
}

func TestHandshakeMutualAuthentication(t *testing.T) {
	a, b := newIdentity(t), newIdentity(t)

	sa, sb, errA, errB := establishPair(t, a, b, WithExpectedPeer(b.ID()))
	require.NoError(t, errA)
	require.NoError(t, errB)
	defer sa.Close()
	defer sb.Close()

	require.Equal(t, a.ID(), sa.LocalID())
	require.Equal(t, b.ID(), sa.RemoteID())
	require.Equal(t, b.ID(), sb.LocalID())
	require.Equal(t, a.ID(), sb.RemoteID())
	require.Equal(t, a.PublicKey(), sb.RemotePublicKey())
}

func TestSessionExchangesDataBothWays(t *testing.T) {
	a, b := newIdentity(t), newIdentity(t)
	sa, sb, errA, errB := establishPair(t, a, b)
	require.NoError(t, errA)
	require.NoError(t, errB)
	defer sa.Close()
	defer sb.Close()

	big := make([]byte, MaxRecordPayload*2+17)
	_, err := rand.Read(big)
	require.NoError(t, err)

	go func() {
		sa.Write([]byte("hello"))
		sa.Write(big)
	}()

	buf := make([]byte, 5)
	_, err = io.ReadFull(sb, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))

	got := make([]byte, len(big))
	_, err = io.ReadFull(sb, got)
	require.NoError(t, err)
	require.Equal(t, big, got)

	go sb.Write([]byte("back"))
	buf = make([]byte, 4)
	_, err = io.ReadFull(sa, buf)
	require.NoError(t, err)
	require.Equal(t, "back", string(buf))
}

func TestHandshakeExpectedPeerMismatch(t *testing.T) {
	a, b, c := newIdentity(t), newIdentity(t), newIdentity(t)

	_, _, errA, errB := establishPair(t, a, b, WithExpectedPeer(c.ID()))
	var ae *AuthenticationError
	require.ErrorAs(t, errA, &ae)
	// The initiator aborts after message two, so the responder sees the connection drop.
	require.Error(t, errB)
}

// fakeResponder answers a real initiator with a response whose signature has been corrupted.
func TestHandshakeRejectsCorruptedSignature(t *testing.T) {
	a, b := newIdentity(t), newIdentity(t)
	c1, c2 := net.Pipe()

	go func() {
		hs := &handshake{conn: c2, local: b, role: Responder, ts: newTranscript()}
		rand.Read(hs.ephPriv[:])
		pub, _ := curve25519.X25519(hs.ephPriv[:], curve25519.Basepoint)

		var init initMsg
		if err := hs.readMsg(msgTypeInit, &init); err != nil {
			return
		}
		hs.ts.mix(init.Ephemeral)
		hs.ts.mix(pub)
		static := []byte(b.PublicKey())
		hs.ts.mix(static)
		sig := b.Sign(signedPayload(labelResponder, hs.ts.sum()))
		sig[3] ^= 0x5a
		hs.writeMsg(msgTypeResp, &respMsg{Ephemeral: pub, Static: static, Sig: sig})
	}()

	sess, err := Establish(context.Background(), c1, a, Initiator)
	require.Nil(t, sess)
	var ae *AuthenticationError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, "authentication", Kind(err))

	// The raw connection has been closed: no data session can exist over it.
	_, werr := c1.Write([]byte{0})
	require.ErrorIs(t, werr, io.ErrClosedPipe)
}

func TestHandshakeRejectsMalformedMessage(t *testing.T) {
	b := newIdentity(t)
	c1, c2 := net.Pipe()

	go func() {
		// Valid length, wrong message type.
		c1.Write([]byte{0x00, 0x02, msgTypeFinish, 0xa0})
	}()

	_, err := Establish(context.Background(), c2, b, Responder)
	var he *HandshakeError
	require.ErrorAs(t, err, &he)
	require.Equal(t, "handshake", Kind(err))
}

func TestHandshakeRejectsGarbageBody(t *testing.T) {
	b := newIdentity(t)
	c1, c2 := net.Pipe()

	go func() {
		c1.Write([]byte{0x00, 0x03, msgTypeInit, 0xff, 0xff})
	}()

	_, err := Establish(context.Background(), c2, b, Responder)
	var he *HandshakeError
	require.ErrorAs(t, err, &he)
}

func TestHandshakePeerDisconnect(t *testing.T) {
	a := newIdentity(t)
	c1, c2 := net.Pipe()

	go func() {
		buf := make([]byte, 64)
		c2.Read(buf)
		c2.Close()
	}()

	_, err := Establish(context.Background(), c1, a, Initiator)
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, "connection", Kind(err))
}

func TestHandshakeTimeout(t *testing.T) {
	a := newIdentity(t)
	c1, c2 := net.Pipe()
	defer c2.Close()

	go func() {
		// Swallow message one and never answer.
		buf := make([]byte, 64)
		c2.Read(buf)
	}()

	start := time.Now()
	_, err := Establish(context.Background(), c1, a, Initiator, WithTimeout(100*time.Millisecond))
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestHandshakeContextCancel(t *testing.T) {
	a := newIdentity(t)
	c1, c2 := net.Pipe()
	defer c2.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		buf := make([]byte, 64)
		c2.Read(buf)
		cancel()
	}()

	_, err := Establish(ctx, c1, a, Initiator, WithTimeout(0))
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	require.True(t, errors.Is(err, context.Canceled))
}
