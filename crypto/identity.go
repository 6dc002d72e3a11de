package crypto

import (
	"encoding/hex"
	"errors"
)

// FingerprintID derives the stable peer identifier from public key
// material: the lowercase hex encoding of the key plus a two-byte XOR
// checksum, 68 hex characters total. The checksum lets a hand-typed id
// be rejected before any connection attempt is made.
func FingerprintID(publicKey [32]byte) string {
	checksum := keyChecksum(publicKey)

	data := make([]byte, 34)
	copy(data[0:32], publicKey[:])
	copy(data[32:34], checksum[:])
	return hex.EncodeToString(data)
}

// ParseFingerprintID recovers the public key from a peer identifier,
// verifying the embedded checksum.
func ParseFingerprintID(id string) ([32]byte, error) {
	var publicKey [32]byte

	if len(id) != 68 {
		return publicKey, errors.New("invalid peer id length")
	}

	data, err := hex.DecodeString(id)
	if err != nil {
		return publicKey, err
	}

	copy(publicKey[:], data[0:32])

	expected := keyChecksum(publicKey)
	if data[32] != expected[0] || data[33] != expected[1] {
		return [32]byte{}, errors.New("invalid checksum")
	}

	return publicKey, nil
}

func keyChecksum(publicKey [32]byte) [2]byte {
	var checksum [2]byte
	for i := 0; i < 32; i++ {
		checksum[i%2] ^= publicKey[i]
	}
	return checksum
}
