// Package session implements time-boxed session credentials.
//
// A session starts Unsigned, becomes Signed once the principal's wallet signs
// the challenge message, and is Expired after its TTL. Each session carries an
// ephemeral P-256 key: requests to key servers are signed with it and key
// servers encrypt their responses to it, so the wallet is asked to sign only
// once per session.
package session

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/threshold-seal/cryptoutils"
	"github.com/ruteri/threshold-seal/interfaces"
)

var ErrAlreadySigned = errors.New("session already signed")

type State int

const (
	StateUnsigned State = iota
	StateSigned
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateUnsigned:
		return "unsigned"
	case StateSigned:
		return "signed"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Session is the client side of a credential. It is safe for concurrent use;
// once signed, the credential never changes.
type Session struct {
	mu         sync.RWMutex
	credential Credential
	sessionKey cryptoutils.PrivateKeyPEM
}

// New creates an unsigned session valid for ttl from now.
func New(principal common.Address, namespace interfaces.ContractAddress, ttl time.Duration) (*Session, error) {
	return NewAt(principal, namespace, ttl, time.Now())
}

// NewAt is New with an explicit creation time.
func NewAt(principal common.Address, namespace interfaces.ContractAddress, ttl time.Duration, now time.Time) (*Session, error) {
	if ttl < time.Second || ttl > MaxTTL {
		return nil, fmt.Errorf("%w: %s not in [1s, %s]", interfaces.ErrInvalidTTL, ttl, MaxTTL)
	}

	pubkey, privkey, err := cryptoutils.RandomP256Keypair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}

	issued := now.Truncate(time.Second)
	return &Session{
		credential: Credential{
			Principal:     principal,
			Namespace:     namespace,
			IssuedAt:      issued.Unix(),
			ExpiresAt:     issued.Add(ttl).Unix(),
			SessionPubkey: pubkey,
		},
		sessionKey: privkey,
	}, nil
}

func (s *Session) Principal() common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credential.Principal
}

func (s *Session) Namespace() interfaces.ContractAddress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credential.Namespace
}

func (s *Session) Expiry() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credential.Expiry()
}

// ChallengeMessage returns the message the principal must sign.
func (s *Session) ChallengeMessage() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credential.ChallengeMessage()
}

// AttachSignature verifies the principal's signature over the challenge and
// moves the session to Signed.
func (s *Session) AttachSignature(signature []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.credential.Signature) != 0 {
		return ErrAlreadySigned
	}

	candidate := s.credential
	candidate.Signature = bytes.Clone(signature)
	if err := candidate.VerifySignature(); err != nil {
		return err
	}
	s.credential = candidate
	return nil
}

// Credential returns a copy of the credential for transmission.
func (s *Session) Credential() Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.credential
	c.Signature = bytes.Clone(c.Signature)
	c.SessionPubkey = bytes.Clone(c.SessionPubkey)
	return c
}

func (s *Session) State(now time.Time) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.credential.Signature) == 0 {
		return StateUnsigned
	}
	if !now.Before(s.credential.Expiry()) {
		return StateExpired
	}
	return StateSigned
}

// IsValid reports whether the session is signed and not expired at now.
// Consumers check it immediately before every use.
func (s *Session) IsValid(now time.Time) bool {
	return s.State(now) == StateSigned
}

// SignRequest signs a request digest with the session key.
func (s *Session) SignRequest(digest [32]byte) ([]byte, error) {
	key, err := s.sessionKey.ECDSA()
	if err != nil {
		return nil, err
	}
	return ecdsa.SignASN1(rand.Reader, key, digest[:])
}

// DecryptResponse opens data a key server encrypted to the session key.
func (s *Session) DecryptResponse(data, associatedData []byte) ([]byte, error) {
	return cryptoutils.DecryptWithPrivateKey(s.sessionKey, data, associatedData)
}

// Sign asks signer for the principal's signature over the challenge. A
// refusal or a signature from another account yields ErrSignatureMismatch.
func Sign(ctx context.Context, s *Session, signer Signer) error {
	if signer.Address() != s.Principal() {
		return fmt.Errorf("%w: signer is %s, session principal is %s", interfaces.ErrSignatureMismatch, signer.Address().Hex(), s.Principal().Hex())
	}
	signature, err := signer.SignPersonalMessage(ctx, s.ChallengeMessage())
	if err != nil {
		return fmt.Errorf("%w: signer: %w", interfaces.ErrSignatureMismatch, err)
	}
	return s.AttachSignature(signature)
}
