package config

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
)

// Wrapper for ed25519.PrivateKey to support JSON Marshall and Unmarshall transparently.
// The key is stored as its 32 byte seed, base64 encoded by encoding/json.

type PrivKey struct {
	ed25519.PrivateKey
}

func (c PrivKey) MarshalJSON() ([]byte, error) {
	if c.PrivateKey == nil {
		return json.Marshal(nil)
	}
	return json.Marshal(c.PrivateKey.Seed())
}

func (c *PrivKey) UnmarshalJSON(data []byte) error {
	var b []byte
	if err := json.Unmarshal(data, &b); err != nil {
		return err
	}

	// Valid case: no key defined
	if len(b) == 0 {
		c.PrivateKey = nil
		return nil
	}

	if len(b) != ed25519.SeedSize {
		return errors.New("config: private key seed must be 32 bytes")
	}

	c.PrivateKey = ed25519.NewKeyFromSeed(b)
	return nil
}

func (c *PrivKey) Valid() bool {
	return c.PrivateKey != nil
}
