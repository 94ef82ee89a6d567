package peerid

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base32"
	"encoding/json"
	"errors"

	"golang.org/x/crypto/blake2b"

	log "github.com/sirupsen/logrus"
)

const (
	VersionV01 = 0x01

	TypeEd25519 = 0x01 // BLAKE2b-256 of an ed25519 public key

	paddingByte = 0xAA
	idLen       = 35
	shortLen    = 12
)

var ErrInvalidString = errors.New("invalid peer id string")
var ErrInvalidFormat = errors.New("invalid peer id format")
var ErrBadPublicKey = errors.New("public key must be 32 bytes")

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Byte structure of an ID is <version:1><padding:1><type:1><hash:32>, Base32 encoded without padding.

// ID is the stable identifier of a node. It caches its string representation and implements
// BinaryMarshaler so it can be embedded in CBOR messages without redundancy. IDs are comparable
// and usable as map keys.
type ID struct {
	b [idLen]byte
	s string
}

func (id ID) String() string {
	return id.s
}

// Short returns an abbreviated form for console output.
func (id ID) Short() string {
	if len(id.s) <= shortLen {
		return id.s
	}
	return id.s[len(id.s)-shortLen:]
}

func (id ID) IsZero() bool {
	return id.s == ""
}

func (id ID) Bytes() []byte {
	return id.b[:]
}

func (id ID) Equal(other ID) bool {
	return id.b == other.b
}

// Less orders IDs by their binary form. Used for deterministic tie-breaks between two peers.
func (id ID) Less(other ID) bool {
	return bytes.Compare(id.b[:], other.b[:]) < 0
}

func (id ID) MarshalBinary() ([]byte, error) {
	return id.b[:], nil
}

func (id *ID) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return ErrInvalidFormat
	}

	switch data[0] {
	case VersionV01:
		if len(data) != idLen {
			return ErrInvalidFormat
		}
		if data[1] != paddingByte || data[2] != TypeEd25519 {
			return ErrInvalidFormat
		}
		copy(id.b[:], data)
		id.s = encoding.EncodeToString(data)
	default:
		return ErrInvalidFormat
	}

	return nil
}

func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := FromString(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// FromPublicKey derives the ID of the node owning the given ed25519 public key.
func FromPublicKey(pub ed25519.PublicKey) (ID, error) {
	if len(pub) != ed25519.PublicKeySize {
		return ID{}, ErrBadPublicKey
	}

	hash := blake2b.Sum256(pub)

	var id ID
	id.b[0] = VersionV01
	id.b[1] = paddingByte
	id.b[2] = TypeEd25519
	copy(id.b[3:], hash[:])
	id.s = encoding.EncodeToString(id.b[:])
	return id, nil
}

func FromString(s string) (ID, error) {
	raw, err := encoding.DecodeString(s)
	if err != nil {
		return ID{}, ErrInvalidString
	}

	var id ID
	if err := id.UnmarshalBinary(raw); err != nil {
		return ID{}, err
	}
	return id, nil
}

func FromStringMustParse(s string) ID {
	id, err := FromString(s)
	if err != nil {
		log.Fatalf("Failed to parse peer id: %v", err)
	}
	return id
}
