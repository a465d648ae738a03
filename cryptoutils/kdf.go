package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrOpenFailed is returned when an AES-GCM tag does not verify.
var ErrOpenFailed = errors.New("message authentication failed")

// DeriveKey expands secret into a 32-byte key bound to salt and a purpose label.
func DeriveKey(secret, salt []byte, info string) ([32]byte, error) {
	var key [32]byte
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), key[:]); err != nil {
		return key, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// SealAESGCM encrypts with a random nonce and returns nonce || ciphertext.
func SealAESGCM(key, plaintext, associatedData []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, associatedData), nil
}

// OpenAESGCM decrypts the output of SealAESGCM. No plaintext is returned
// unless the tag verifies.
func OpenAESGCM(key, sealed, associatedData []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrOpenFailed)
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, associatedData)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}
