package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// PublicKeyPEM is a PKIX-encoded P-256 public key in PEM format.
type PublicKeyPEM []byte

// NewPublicKeyPEM validates PEM-encoded data as an ECDSA public key.
func NewPublicKeyPEM(data []byte) (PublicKeyPEM, error) {
	if _, err := PublicKeyPEM(data).ECDSA(); err != nil {
		return nil, err
	}
	return PublicKeyPEM(data), nil
}

// ECDSA parses the key.
func (pub PublicKeyPEM) ECDSA() (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(pub)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, errors.New("invalid public key: not in PEM format or not a public key")
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("invalid public key structure: %w", err)
	}
	publicKey, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("not an ECDSA public key")
	}
	return publicKey, nil
}

// Fingerprint is sha256 over the PEM bytes, used to name session keys in
// human-readable messages.
func (pub PublicKeyPEM) Fingerprint() [32]byte {
	return sha256.Sum256(pub)
}

// PrivateKeyPEM is a SEC 1 encoded P-256 private key in PEM format.
type PrivateKeyPEM []byte

// ECDSA parses the key.
func (priv PrivateKeyPEM) ECDSA() (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(priv)
	if block == nil || block.Type != "EC PRIVATE KEY" {
		return nil, errors.New("invalid private key: not in PEM format or not an EC private key")
	}
	privateKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("invalid private key structure: %w", err)
	}
	return privateKey, nil
}

// RandomP256Keypair generates a fresh session keypair.
func RandomP256Keypair() (PublicKeyPEM, PrivateKeyPEM, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	privateKeyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, err
	}
	privateKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: privateKeyBytes,
	})

	pubkeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	pubkeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubkeyBytes,
	})

	return PublicKeyPEM(pubkeyPEM), PrivateKeyPEM(privateKeyPEM), nil
}
