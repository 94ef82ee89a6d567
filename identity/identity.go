// Package identity holds the long-lived signing keypair of a node and the peer id derived from it.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"floodmesh/peerid"
)

var ErrBadPrivateKey = errors.New("identity: private key must be 64 bytes")

// Identity is created once at startup and never changes afterwards.
// The private key never leaves the process except through the local config file.
type Identity struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	id   peerid.ID
}

// Generate creates a fresh identity from the system entropy source.
func Generate() (*Identity, error) {
	return GenerateFrom(rand.Reader)
}

// GenerateFrom creates an identity reading key material from r.
func GenerateFrom(r io.Reader) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("identity: key generation failed: %w", err)
	}
	return newIdentity(priv, pub)
}

func FromPrivateKey(priv ed25519.PrivateKey) (*Identity, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, ErrBadPrivateKey
	}
	pub := priv.Public().(ed25519.PublicKey)
	return newIdentity(priv, pub)
}

func newIdentity(priv ed25519.PrivateKey, pub ed25519.PublicKey) (*Identity, error) {
	id, err := peerid.FromPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &Identity{priv: priv, pub: pub, id: id}, nil
}

func (i *Identity) ID() peerid.ID {
	return i.id
}

func (i *Identity) PublicKey() ed25519.PublicKey {
	return i.pub
}

// PrivateKey is only meant for persisting the identity to the config file.
func (i *Identity) PrivateKey() ed25519.PrivateKey {
	return i.priv
}

func (i *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(i.priv, msg)
}

func (i *Identity) String() string {
	return "Identity{" + i.id.String() + "}"
}

func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
