// Package crypto provides the identity and payload-encryption capability
// used by the mesh core.
//
// It covers exactly the surface the rest of the module assumes available:
// key pair generation, authenticated encryption between two peers, and
// derivation of a stable peer identifier from public key material. The
// key-exchange handshake itself is a collaborator concern and lives
// outside this module.
package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeyPair represents a Curve25519 key pair identifying a local peer.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new cryptographically secure random key pair.
func GenerateKeyPair() (*KeyPair, error) {
	public, private, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		Public:  *public,
		Private: *private,
	}, nil
}

// FromSecretKey reconstructs a key pair from a saved private key.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if secretKey == ([32]byte{}) {
		return nil, errors.New("zero secret key")
	}

	publicSlice, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	kp := &KeyPair{Private: secretKey}
	copy(kp.Public[:], publicSlice)
	return kp, nil
}
