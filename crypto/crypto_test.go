package crypto

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	alice, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}

	bob, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}

	nonce, err := GenerateNonce()
	if err != nil {
		t.Fatalf("Failed to generate nonce: %v", err)
	}

	plaintext := []byte("hello mesh")

	ciphertext, err := Encrypt(plaintext, nonce, bob.Public, alice.Private)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	if bytes.Equal(ciphertext, plaintext) {
		t.Error("Ciphertext should differ from plaintext")
	}

	decrypted, err := Decrypt(ciphertext, nonce, alice.Public, bob.Private)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}

	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("Round trip mismatch: got %q, want %q", decrypted, plaintext)
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	alice, _ := GenerateKeyPair()
	bob, _ := GenerateKeyPair()
	eve, _ := GenerateKeyPair()

	nonce, _ := GenerateNonce()

	ciphertext, err := Encrypt([]byte("secret"), nonce, bob.Public, alice.Private)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	if _, err := Decrypt(ciphertext, nonce, alice.Public, eve.Private); err == nil {
		t.Error("Decrypt with wrong key should fail")
	}
}

func TestEncryptEmptyMessage(t *testing.T) {
	alice, _ := GenerateKeyPair()
	bob, _ := GenerateKeyPair()
	nonce, _ := GenerateNonce()

	if _, err := Encrypt(nil, nonce, bob.Public, alice.Private); err == nil {
		t.Error("Encrypt of empty message should fail")
	}
}

func TestFromSecretKeyRecoversPublic(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}

	restored, err := FromSecretKey(kp.Private)
	if err != nil {
		t.Fatalf("FromSecretKey failed: %v", err)
	}

	if restored.Public != kp.Public {
		t.Error("Restored public key does not match original")
	}
}

func TestFingerprintIDRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}

	id := FingerprintID(kp.Public)
	if len(id) != 68 {
		t.Fatalf("Peer id length = %d, want 68", len(id))
	}

	publicKey, err := ParseFingerprintID(id)
	if err != nil {
		t.Fatalf("ParseFingerprintID failed: %v", err)
	}

	if publicKey != kp.Public {
		t.Error("Parsed public key does not match original")
	}
}

func TestParseFingerprintIDRejectsCorruption(t *testing.T) {
	kp, _ := GenerateKeyPair()
	id := FingerprintID(kp.Public)

	// Flip one hex digit inside the key portion.
	corrupted := []byte(id)
	if corrupted[10] == 'a' {
		corrupted[10] = 'b'
	} else {
		corrupted[10] = 'a'
	}

	if _, err := ParseFingerprintID(string(corrupted)); err == nil {
		t.Error("Corrupted peer id should be rejected")
	}

	if _, err := ParseFingerprintID("tooshort"); err == nil {
		t.Error("Short peer id should be rejected")
	}
}
