package peerid

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

func newID(t *testing.T) ID {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	id, err := FromPublicKey(pub)
	require.NoError(t, err)
	return id
}

func TestFromPublicKeyIsStable(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	a, err := FromPublicKey(pub)
	require.NoError(t, err)
	b, err := FromPublicKey(pub)
	require.NoError(t, err)

	require.True(t, a.Equal(b))
	require.Equal(t, a, b)
	require.False(t, a.IsZero())
}

func TestFromPublicKeyRejectsBadLength(t *testing.T) {
	_, err := FromPublicKey(make([]byte, 16))
	require.ErrorIs(t, err, ErrBadPublicKey)
}

func TestStringRoundTrip(t *testing.T) {
	id := newID(t)

	parsed, err := FromString(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)
	require.Len(t, id.Short(), shortLen)
}

func TestFromStringRejectsGarbage(t *testing.T) {
	_, err := FromString("not-an-id")
	require.Error(t, err)

	_, err = FromString(encoding.EncodeToString([]byte{0x02, paddingByte, TypeEd25519}))
	require.ErrorIs(t, err, ErrInvalidFormat)
}

func TestCBOREmbedding(t *testing.T) {
	type envelope struct {
		From ID `cbor:"1,keyasint"`
	}
	in := envelope{From: newID(t)}

	raw, err := cbor.Marshal(in)
	require.NoError(t, err)

	var out envelope
	require.NoError(t, cbor.Unmarshal(raw, &out))
	require.Equal(t, in.From, out.From)
}

func TestLessIsAntisymmetric(t *testing.T) {
	a, b := newID(t), newID(t)
	require.NotEqual(t, a.Less(b), b.Less(a))
	require.False(t, a.Less(a))
}
