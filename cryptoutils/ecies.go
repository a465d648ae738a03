package cryptoutils

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

const gcmNonceSize = 12

// EncryptWithPublicKey encrypts data to a P-256 public key in PEM format.
// A fresh ephemeral key is generated for every call; the AES-GCM key is
// derived from the ECDH secret with HKDF, salted with the ephemeral key.
//
// Format: [ephemeral key length (2 bytes)][ephemeral key][iv (12 bytes)][ciphertext]
func EncryptWithPublicKey(publicKeyPEM PublicKeyPEM, data []byte, associatedData []byte) ([]byte, error) {
	publicKey, err := publicKeyPEM.ECDSA()
	if err != nil {
		return nil, err
	}
	remote, err := publicKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("failed to convert public key: %w", err)
	}

	ephemeralKey, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	sharedSecret, err := ephemeralKey.ECDH(remote)
	if err != nil {
		return nil, fmt.Errorf("failed to derive shared secret: %w", err)
	}

	ephemeralPublicKeyBytes := ephemeralKey.PublicKey().Bytes()
	key, err := DeriveKey(sharedSecret, ephemeralPublicKeyBytes, "seal/ecies/v1")
	if err != nil {
		return nil, err
	}

	sealed, err := SealAESGCM(key[:], data, associatedData)
	if err != nil {
		return nil, err
	}

	result := make([]byte, 2, 2+len(ephemeralPublicKeyBytes)+len(sealed))
	binary.BigEndian.PutUint16(result[0:2], uint16(len(ephemeralPublicKeyBytes)))
	result = append(result, ephemeralPublicKeyBytes...)
	result = append(result, sealed...)
	return result, nil
}

// DecryptWithPrivateKey reverses EncryptWithPublicKey.
func DecryptWithPrivateKey(privateKeyPEM PrivateKeyPEM, encryptedData []byte, associatedData []byte) ([]byte, error) {
	privateKey, err := privateKeyPEM.ECDSA()
	if err != nil {
		return nil, err
	}
	local, err := privateKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("failed to convert private key: %w", err)
	}

	if len(encryptedData) < 2 {
		return nil, errors.New("encrypted data too short")
	}
	ephemeralKeyLen := int(binary.BigEndian.Uint16(encryptedData[0:2]))
	if len(encryptedData) < 2+ephemeralKeyLen+gcmNonceSize {
		return nil, errors.New("encrypted data has invalid format")
	}

	ephemeralKeyBytes := encryptedData[2 : 2+ephemeralKeyLen]
	ephemeralKey, err := ecdh.P256().NewPublicKey(ephemeralKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ephemeral public key: %w", err)
	}
	sharedSecret, err := local.ECDH(ephemeralKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive shared secret: %w", err)
	}

	key, err := DeriveKey(sharedSecret, ephemeralKeyBytes, "seal/ecies/v1")
	if err != nil {
		return nil, err
	}
	return OpenAESGCM(key[:], encryptedData[2+ephemeralKeyLen:], associatedData)
}
