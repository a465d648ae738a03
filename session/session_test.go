package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/threshold-seal/cryptoutils"
	"github.com/ruteri/threshold-seal/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockSigner struct {
	mock.Mock
}

func (m *MockSigner) Address() common.Address {
	args := m.Called()
	return args.Get(0).(common.Address)
}

func (m *MockSigner) SignPersonalMessage(ctx context.Context, message []byte) ([]byte, error) {
	args := m.Called(ctx, message)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

var testNamespace = interfaces.ContractAddress{0xaa, 0xbb}

func newSigner(t *testing.T) *PrivateKeySigner {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return NewPrivateKeySigner(key)
}

func signedSession(t *testing.T, now time.Time, ttl time.Duration) (*Session, *PrivateKeySigner) {
	signer := newSigner(t)
	s, err := NewAt(signer.Address(), testNamespace, ttl, now)
	require.NoError(t, err)
	require.NoError(t, Sign(context.Background(), s, signer))
	return s, signer
}

func TestNewRejectsInvalidTTL(t *testing.T) {
	principal := newSigner(t).Address()
	for _, ttl := range []time.Duration{0, -time.Minute, MaxTTL + time.Second} {
		_, err := New(principal, testNamespace, ttl)
		assert.ErrorIs(t, err, interfaces.ErrInvalidTTL, "ttl %s", ttl)
	}

	s, err := New(principal, testNamespace, DefaultTTL)
	require.NoError(t, err)
	assert.Equal(t, StateUnsigned, s.State(time.Now()))
}

func TestStateMachine(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	signer := newSigner(t)

	s, err := NewAt(signer.Address(), testNamespace, 10*time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, StateUnsigned, s.State(now))
	assert.False(t, s.IsValid(now))

	require.NoError(t, Sign(context.Background(), s, signer))
	assert.Equal(t, StateSigned, s.State(now))
	assert.True(t, s.IsValid(now))

	expiry := s.Expiry()
	assert.Equal(t, now.Add(10*time.Minute), expiry)
	assert.True(t, s.IsValid(expiry.Add(-time.Second)))
	assert.False(t, s.IsValid(expiry))
	assert.False(t, s.IsValid(expiry.Add(time.Second)))
	assert.Equal(t, StateExpired, s.State(expiry.Add(time.Second)))
	assert.Equal(t, "expired", StateExpired.String())
}

func TestAttachSignature(t *testing.T) {
	signer := newSigner(t)
	s, err := New(signer.Address(), testNamespace, DefaultTTL)
	require.NoError(t, err)

	foreign, err := newSigner(t).SignPersonalMessage(context.Background(), s.ChallengeMessage())
	require.NoError(t, err)
	err = s.AttachSignature(foreign)
	assert.ErrorIs(t, err, interfaces.ErrSignatureMismatch)
	assert.Equal(t, StateUnsigned, s.State(time.Now()))

	assert.ErrorIs(t, s.AttachSignature([]byte("garbage")), interfaces.ErrSignatureMismatch)

	valid, err := signer.SignPersonalMessage(context.Background(), s.ChallengeMessage())
	require.NoError(t, err)
	require.NoError(t, s.AttachSignature(valid))
	assert.ErrorIs(t, s.AttachSignature(valid), ErrAlreadySigned)
}

func TestSignRejectsWrongSignerAndRefusal(t *testing.T) {
	principal := newSigner(t)
	s, err := New(principal.Address(), testNamespace, DefaultTTL)
	require.NoError(t, err)

	assert.ErrorIs(t, Sign(context.Background(), s, newSigner(t)), interfaces.ErrSignatureMismatch)

	wallet := new(MockSigner)
	wallet.On("Address").Return(principal.Address())
	wallet.On("SignPersonalMessage", mock.Anything, s.ChallengeMessage()).Return(nil, errors.New("user rejected the request"))

	err = Sign(context.Background(), s, wallet)
	assert.ErrorIs(t, err, interfaces.ErrSignatureMismatch)
	assert.Equal(t, StateUnsigned, s.State(time.Now()))
	wallet.AssertExpectations(t)
}

func TestChallengeBindsNamespaceAndSessionKey(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s, _ := signedSession(t, now, DefaultTTL)
	cred := s.Credential()
	require.NoError(t, cred.VerifySignature())

	otherNamespace := cred
	otherNamespace.Namespace = interfaces.ContractAddress{0x01}
	assert.NotEqual(t, cred.ChallengeMessage(), otherNamespace.ChallengeMessage())
	assert.ErrorIs(t, otherNamespace.VerifySignature(), interfaces.ErrSignatureMismatch)

	extended := cred
	extended.ExpiresAt += 3600
	assert.ErrorIs(t, extended.VerifySignature(), interfaces.ErrSignatureMismatch)

	otherKey, _, err := cryptoutils.RandomP256Keypair()
	require.NoError(t, err)
	swapped := cred
	swapped.SessionPubkey = otherKey
	assert.ErrorIs(t, swapped.VerifySignature(), interfaces.ErrSignatureMismatch)
}

func TestVerifyCredential(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s, _ := signedSession(t, now, 10*time.Minute)
	cred := s.Credential()
	expiry := cred.Expiry()

	assert.NoError(t, VerifyCredential(cred, now, ClockSkewGrace))
	assert.NoError(t, VerifyCredential(cred, expiry.Add(ClockSkewGrace/2), ClockSkewGrace), "within grace")
	assert.ErrorIs(t, VerifyCredential(cred, expiry.Add(ClockSkewGrace), ClockSkewGrace), interfaces.ErrCredentialExpired)
	assert.ErrorIs(t, VerifyCredential(cred, expiry.Add(time.Second), 0), interfaces.ErrCredentialExpired)
	assert.ErrorIs(t, VerifyCredential(cred, now.Add(-time.Minute), ClockSkewGrace), interfaces.ErrCredentialExpired, "issued in the future")

	unsigned, err := New(cred.Principal, testNamespace, DefaultTTL)
	require.NoError(t, err)
	assert.ErrorIs(t, VerifyCredential(unsigned.Credential(), now, ClockSkewGrace), interfaces.ErrSignatureMismatch)
}

func TestVerifyCredentialRejectsExcessiveLifetime(t *testing.T) {
	signer := newSigner(t)
	pubkey, _, err := cryptoutils.RandomP256Keypair()
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	cred := Credential{
		Principal:     signer.Address(),
		Namespace:     testNamespace,
		IssuedAt:      now.Unix(),
		ExpiresAt:     now.Add(24 * time.Hour).Unix(),
		SessionPubkey: pubkey,
	}
	cred.Signature, err = signer.SignPersonalMessage(context.Background(), cred.ChallengeMessage())
	require.NoError(t, err)

	assert.ErrorIs(t, VerifyCredential(cred, now, ClockSkewGrace), interfaces.ErrInvalidTTL)
}

func TestRequestSignature(t *testing.T) {
	s, _ := signedSession(t, time.Now(), DefaultTTL)
	cred := s.Credential()

	digest := crypto.Keccak256Hash([]byte("request"))
	signature, err := s.SignRequest(digest)
	require.NoError(t, err)
	assert.NoError(t, VerifyRequestSignature(cred, digest, signature))

	other := crypto.Keccak256Hash([]byte("other request"))
	assert.ErrorIs(t, VerifyRequestSignature(cred, other, signature), interfaces.ErrSignatureMismatch)
}

func TestDecryptResponse(t *testing.T) {
	s, _ := signedSession(t, time.Now(), DefaultTTL)
	encrypted, err := cryptoutils.EncryptWithPublicKey(s.Credential().SessionPubkey, []byte("user key"), []byte("ad"))
	require.NoError(t, err)

	decrypted, err := s.DecryptResponse(encrypted, []byte("ad"))
	require.NoError(t, err)
	assert.Equal(t, []byte("user key"), decrypted)
}

func TestRecoverPersonalSignerAcceptsBothRecoveryIDForms(t *testing.T) {
	signer := newSigner(t)
	message := []byte("hello")
	signature, err := signer.SignPersonalMessage(context.Background(), message)
	require.NoError(t, err)

	addr, err := RecoverPersonalSigner(message, signature)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), addr)

	signature[crypto.RecoveryIDOffset] -= 27
	addr, err = RecoverPersonalSigner(message, signature)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), addr)

	_, err = RecoverPersonalSigner(message, signature[:10])
	assert.Error(t, err)
}
