// Package secure establishes mutually authenticated, encrypted sessions over raw byte-stream connections.
//
// The handshake is a three message exchange in the spirit of Noise XX:
//
//	-> e
//	<- e, s, sig(h)
//	-> s, sig(h)
//
// Session keys come from X25519 over the ephemeral keys only, salted with the transcript hash,
// which gives forward secrecy. Each side signs the transcript hash with its ed25519 identity key,
// binding its static identity to this particular exchange.
package secure

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"floodmesh/identity"
	"floodmesh/peerid"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/curve25519"

	log "github.com/sirupsen/logrus"
)

type Role int

const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

const (
	msgTypeInit   = 0x01
	msgTypeResp   = 0x02
	msgTypeFinish = 0x03

	maxHandshakeMsgSize = 1024

	DefaultHandshakeTimeout = 10 * time.Second
)

type initMsg struct {
	Ephemeral []byte `cbor:"1,keyasint"`
}

type respMsg struct {
	Ephemeral []byte `cbor:"1,keyasint"`
	Static    []byte `cbor:"2,keyasint"`
	Sig       []byte `cbor:"3,keyasint"`
}

type finishMsg struct {
	Static []byte `cbor:"1,keyasint"`
	Sig    []byte `cbor:"2,keyasint"`
}

type options struct {
	expected peerid.ID
	timeout  time.Duration
}

type Option func(*options)

// WithExpectedPeer makes the handshake fail with an AuthenticationError unless the remote
// proves ownership of the given id.
func WithExpectedPeer(id peerid.ID) Option {
	return func(o *options) {
		o.expected = id
	}
}

// WithTimeout bounds the whole handshake. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

type handshake struct {
	conn  net.Conn
	local *identity.Identity
	role  Role
	opts  options
	ts    *transcript

	ephPriv [32]byte
	ephPub  [32]byte
}

// Establish runs the handshake over conn. On failure the connection is closed and the returned
// error is a *HandshakeError, *AuthenticationError or *ConnectionError.
func Establish(ctx context.Context, conn net.Conn, local *identity.Identity, role Role, opts ...Option) (*Session, error) {
	hs := &handshake{
		conn:  conn,
		local: local,
		role:  role,
		opts:  options{timeout: DefaultHandshakeTimeout},
		ts:    newTranscript(),
	}
	for _, o := range opts {
		o(&hs.opts)
	}

	if hs.opts.timeout > 0 {
		conn.SetDeadline(time.Now().Add(hs.opts.timeout))
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})

	sess, err := hs.run()
	stop()
	if err != nil {
		if ctx.Err() != nil {
			err = &ConnectionError{Op: "handshake", Err: ctx.Err()}
		}
		log.Debugf("secure: %s handshake with %s failed: %v", role, conn.RemoteAddr(), err)
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})

	log.Debugf("secure: %s handshake with %s (%s) complete", role, sess.RemoteID().Short(), conn.RemoteAddr())
	return sess, nil
}

func (hs *handshake) run() (*Session, error) {
	if _, err := io.ReadFull(rand.Reader, hs.ephPriv[:]); err != nil {
		return nil, fmt.Errorf("secure: ephemeral key generation: %w", err)
	}
	pub, err := curve25519.X25519(hs.ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("secure: ephemeral key generation: %w", err)
	}
	copy(hs.ephPub[:], pub)

	if hs.role == Initiator {
		return hs.runInitiator()
	}
	return hs.runResponder()
}

func (hs *handshake) runInitiator() (*Session, error) {
	// -> e
	if err := hs.writeMsg(msgTypeInit, &initMsg{Ephemeral: hs.ephPub[:]}); err != nil {
		return nil, err
	}
	hs.ts.mix(hs.ephPub[:])

	// <- e, s, sig
	var resp respMsg
	if err := hs.readMsg(msgTypeResp, &resp); err != nil {
		return nil, err
	}
	if len(resp.Ephemeral) != 32 {
		return nil, &HandshakeError{Reason: "bad responder ephemeral key"}
	}
	hs.ts.mix(resp.Ephemeral)
	hs.ts.mix(resp.Static)
	remoteID, err := hs.verifyPeer(resp.Static, resp.Sig, labelResponder)
	if err != nil {
		return nil, err
	}
	hs.ts.mix(resp.Sig)

	// -> s, sig
	static := []byte(hs.local.PublicKey())
	hs.ts.mix(static)
	sig := hs.local.Sign(signedPayload(labelInitiator, hs.ts.sum()))
	if err := hs.writeMsg(msgTypeFinish, &finishMsg{Static: static, Sig: sig}); err != nil {
		return nil, err
	}
	hs.ts.mix(sig)

	return hs.finish(resp.Ephemeral, resp.Static, remoteID)
}

func (hs *handshake) runResponder() (*Session, error) {
	// -> e
	var init initMsg
	if err := hs.readMsg(msgTypeInit, &init); err != nil {
		return nil, err
	}
	if len(init.Ephemeral) != 32 {
		return nil, &HandshakeError{Reason: "bad initiator ephemeral key"}
	}
	hs.ts.mix(init.Ephemeral)

	// <- e, s, sig
	static := []byte(hs.local.PublicKey())
	hs.ts.mix(hs.ephPub[:])
	hs.ts.mix(static)
	sig := hs.local.Sign(signedPayload(labelResponder, hs.ts.sum()))
	if err := hs.writeMsg(msgTypeResp, &respMsg{Ephemeral: hs.ephPub[:], Static: static, Sig: sig}); err != nil {
		return nil, err
	}
	hs.ts.mix(sig)

	// -> s, sig
	var fin finishMsg
	if err := hs.readMsg(msgTypeFinish, &fin); err != nil {
		return nil, err
	}
	hs.ts.mix(fin.Static)
	remoteID, err := hs.verifyPeer(fin.Static, fin.Sig, labelInitiator)
	if err != nil {
		return nil, err
	}
	hs.ts.mix(fin.Sig)

	return hs.finish(init.Ephemeral, fin.Static, remoteID)
}

// verifyPeer checks the remote static key and its signature over the current transcript hash.
func (hs *handshake) verifyPeer(static, sig []byte, label string) (peerid.ID, error) {
	if len(static) != ed25519.PublicKeySize {
		return peerid.ID{}, &HandshakeError{Reason: "bad static key length"}
	}
	if !identity.Verify(static, signedPayload(label, hs.ts.sum()), sig) {
		return peerid.ID{}, &AuthenticationError{Reason: "transcript signature verification failed"}
	}
	remoteID, err := peerid.FromPublicKey(static)
	if err != nil {
		return peerid.ID{}, &HandshakeError{Reason: "bad static key", Err: err}
	}
	if remoteID.Equal(hs.local.ID()) {
		return peerid.ID{}, &AuthenticationError{Reason: "remote presented our own identity"}
	}
	if !hs.opts.expected.IsZero() && !remoteID.Equal(hs.opts.expected) {
		return peerid.ID{}, &AuthenticationError{Reason: fmt.Sprintf("expected peer %s, got %s", hs.opts.expected, remoteID)}
	}
	return remoteID, nil
}

func (hs *handshake) finish(remoteEph, remoteStatic []byte, remoteID peerid.ID) (*Session, error) {
	dh, err := curve25519.X25519(hs.ephPriv[:], remoteEph)
	if err != nil {
		return nil, &HandshakeError{Reason: "key agreement", Err: err}
	}
	var shared [32]byte
	copy(shared[:], dh)

	i2r, r2i, err := deriveKeys(shared, hs.ts.sum())
	if err != nil {
		return nil, fmt.Errorf("secure: key derivation: %w", err)
	}

	// Wipe ephemeral secrets once the traffic keys exist.
	hs.ephPriv = [32]byte{}
	shared = [32]byte{}

	send, recv := i2r, r2i
	if hs.role == Responder {
		send, recv = r2i, i2r
	}
	return newSession(hs.conn, hs.local.ID(), remoteID, ed25519.PublicKey(remoteStatic), send, recv)
}

func (hs *handshake) writeMsg(msgType byte, v any) error {
	body, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("secure: encode handshake message: %w", err)
	}
	if len(body)+1 > maxHandshakeMsgSize {
		return &HandshakeError{Reason: "outgoing message too large"}
	}
	buf := make([]byte, 3, 3+len(body))
	binary.BigEndian.PutUint16(buf[:2], uint16(len(body)+1))
	buf[2] = msgType
	buf = append(buf, body...)
	if _, err := hs.conn.Write(buf); err != nil {
		return &ConnectionError{Op: "write handshake", Err: err}
	}
	return nil
}

func (hs *handshake) readMsg(msgType byte, v any) error {
	var hdr [2]byte
	if _, err := io.ReadFull(hs.conn, hdr[:]); err != nil {
		return &ConnectionError{Op: "read handshake", Err: err}
	}
	n := int(binary.BigEndian.Uint16(hdr[:]))
	if n == 0 || n > maxHandshakeMsgSize {
		return &HandshakeError{Reason: fmt.Sprintf("bad message length %d", n)}
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(hs.conn, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			err = io.EOF
		}
		return &ConnectionError{Op: "read handshake", Err: err}
	}
	if buf[0] != msgType {
		return &HandshakeError{Reason: fmt.Sprintf("unexpected message type 0x%02x, want 0x%02x", buf[0], msgType)}
	}
	if err := cbor.Unmarshal(buf[1:], v); err != nil {
		return &HandshakeError{Reason: "malformed message", Err: err}
	}
	return nil
}
