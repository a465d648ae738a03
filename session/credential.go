package session

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/threshold-seal/cryptoutils"
	"github.com/ruteri/threshold-seal/interfaces"
)

const (
	DefaultTTL = 10 * time.Minute
	MaxTTL     = 30 * time.Minute

	// ClockSkewGrace is how far a key server's clock may run ahead of or
	// behind the issuer's before a credential is rejected.
	ClockSkewGrace = 10 * time.Second
)

// Credential is the signed, time-boxed authorization a client presents to key
// servers. It binds a principal to one namespace and one session key.
type Credential struct {
	Principal     common.Address             `json:"principal"`
	Namespace     interfaces.ContractAddress `json:"namespace"`
	IssuedAt      int64                      `json:"issued_at"`
	ExpiresAt     int64                      `json:"expires_at"`
	SessionPubkey cryptoutils.PublicKeyPEM   `json:"session_pubkey"`
	Signature     hexutil.Bytes              `json:"signature,omitempty"`
}

func (c Credential) Expiry() time.Time {
	return time.Unix(c.ExpiresAt, 0)
}

// ChallengeMessage is the canonical message the principal signs with
// personal_sign. It names the principal, namespace, validity window and the
// session key, so a signature cannot be replayed for another namespace, after
// expiry or with another session key.
func (c Credential) ChallengeMessage() []byte {
	fingerprint := c.SessionPubkey.Fingerprint()
	return []byte(fmt.Sprintf(
		"Accessing keys of namespace 0x%s for principal %s from %s until %s, session key %x",
		c.Namespace.String(),
		c.Principal.Hex(),
		time.Unix(c.IssuedAt, 0).UTC().Format(time.RFC3339),
		time.Unix(c.ExpiresAt, 0).UTC().Format(time.RFC3339),
		fingerprint[:],
	))
}

// Digest commits to the signed credential. Request signatures include it.
func (c Credential) Digest() [32]byte {
	return crypto.Keccak256Hash([]byte("seal/credential/v1"), c.ChallengeMessage(), c.Signature)
}

// VerifySignature checks that the principal signed the challenge message.
func (c Credential) VerifySignature() error {
	if len(c.Signature) == 0 {
		return fmt.Errorf("%w: credential is not signed", interfaces.ErrSignatureMismatch)
	}
	signer, err := RecoverPersonalSigner(c.ChallengeMessage(), c.Signature)
	if err != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrSignatureMismatch, err)
	}
	if signer != c.Principal {
		return fmt.Errorf("%w: signed by %s, expected %s", interfaces.ErrSignatureMismatch, signer.Hex(), c.Principal.Hex())
	}
	return nil
}

// VerifyCredential is the key server's consumption-point check: signature,
// bounded lifetime, and validity at now within grace.
func VerifyCredential(c Credential, now time.Time, grace time.Duration) error {
	if err := c.VerifySignature(); err != nil {
		return err
	}
	if _, err := c.SessionPubkey.ECDSA(); err != nil {
		return fmt.Errorf("%w: session key: %w", interfaces.ErrInvalidRequest, err)
	}

	issued, expires := time.Unix(c.IssuedAt, 0), time.Unix(c.ExpiresAt, 0)
	if ttl := expires.Sub(issued); ttl <= 0 || ttl > MaxTTL {
		return fmt.Errorf("%w: lifetime %s", interfaces.ErrInvalidTTL, ttl)
	}
	if issued.After(now.Add(grace)) {
		return fmt.Errorf("%w: issued in the future (%s)", interfaces.ErrCredentialExpired, issued.UTC().Format(time.RFC3339))
	}
	if !now.Before(expires.Add(grace)) {
		return fmt.Errorf("%w: expired at %s", interfaces.ErrCredentialExpired, expires.UTC().Format(time.RFC3339))
	}
	return nil
}

// VerifyRequestSignature checks a signature made with the credential's
// session key.
func VerifyRequestSignature(c Credential, digest [32]byte, signature []byte) error {
	publicKey, err := c.SessionPubkey.ECDSA()
	if err != nil {
		return fmt.Errorf("%w: session key: %w", interfaces.ErrInvalidRequest, err)
	}
	if !ecdsa.VerifyASN1(publicKey, digest[:], signature) {
		return fmt.Errorf("%w: request signature", interfaces.ErrSignatureMismatch)
	}
	return nil
}

// RecoverPersonalSigner recovers the address that produced an EIP-191
// personal_sign signature. Both 0/1 and 27/28 recovery ids are accepted.
func RecoverPersonalSigner(message, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("invalid signature length %d", len(signature))
	}
	sig := bytes.Clone(signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	publicKey, err := crypto.SigToPub(accounts.TextHash(message), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("could not recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*publicKey), nil
}
