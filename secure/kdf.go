package secure

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"
)

const (
	protocolName = "floodmesh/secure/1.0"

	labelSessionKeys = protocolName + " session keys"
	labelInitiator   = protocolName + " initiator"
	labelResponder   = protocolName + " responder"

	keySize = 32
)

// transcript is a running BLAKE2b-256 hash chain over every handshake field in wire order.
type transcript struct {
	h [32]byte
}

func newTranscript() *transcript {
	return &transcript{h: blake2b.Sum256([]byte(protocolName))}
}

func (t *transcript) mix(data []byte) {
	buf := make([]byte, 0, len(t.h)+len(data))
	buf = append(buf, t.h[:]...)
	buf = append(buf, data...)
	t.h = blake2b.Sum256(buf)
}

func (t *transcript) sum() [32]byte {
	return t.h
}

// signedPayload binds a role label to the transcript hash so that a responder signature can never
// be replayed as an initiator signature.
func signedPayload(label string, h [32]byte) []byte {
	buf := make([]byte, 0, len(label)+len(h))
	buf = append(buf, label...)
	buf = append(buf, h[:]...)
	return buf
}

// deriveKeys expands the ephemeral shared secret into one key per direction. Only ephemeral
// material feeds the keys; static keys are bound through the transcript signatures.
func deriveKeys(shared, h [32]byte) (initToResp, respToInit [keySize]byte, err error) {
	r := hkdf.New(sha256.New, shared[:], h[:], []byte(labelSessionKeys))
	if _, err = io.ReadFull(r, initToResp[:]); err != nil {
		return
	}
	_, err = io.ReadFull(r, respToInit[:])
	return
}
