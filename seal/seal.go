// Package seal is the threshold encryption engine.
//
// Encrypt generates a fresh data key, encrypts the payload with it and splits
// it into one share per key server. Each share is encrypted to its key server
// under the envelope identity, so only a key server willing to extract the
// identity's user key can release it. Any t shares recover the data key.
//
// Shares carry commitments bound to the identity, threshold and position, so
// an inconsistent share is rejected before the shares are combined. The
// payload tag is the final check on the recovered key.
package seal

import (
	"bytes"
	"fmt"

	"github.com/ruteri/threshold-seal/cryptoutils"
	"github.com/ruteri/threshold-seal/envelope"
	"github.com/ruteri/threshold-seal/ibe"
	"github.com/ruteri/threshold-seal/interfaces"
)

const (
	shareLabel   = "seal/share/v1"
	payloadLabel = "seal/dem/v1"
)

// DecryptedShare is one key server's share in the clear.
type DecryptedShare struct {
	ServerID interfaces.KeyServerID
	Value    []byte
}

// Encrypt seals plaintext for identity so that any threshold of the given key
// servers can jointly authorize decryption. The returned backup key decrypts
// the envelope on its own.
func Encrypt(identity interfaces.Identity, threshold int, servers *interfaces.KeyServerSet, plaintext []byte) (*envelope.Envelope, BackupKey, error) {
	n := servers.Len()
	if n == 0 {
		return nil, BackupKey{}, interfaces.ErrEmptyKeyServerSet
	}
	if threshold < 1 || threshold > n {
		return nil, BackupKey{}, fmt.Errorf("%w: threshold %d with %d key servers", interfaces.ErrInvalidThreshold, threshold, n)
	}
	if n > envelope.MaxShares {
		return nil, BackupKey{}, fmt.Errorf("%w: at most %d key servers are supported", interfaces.ErrInvalidThreshold, envelope.MaxShares)
	}
	if err := identity.Validate(); err != nil {
		return nil, BackupKey{}, err
	}

	descriptors := servers.Descriptors()
	params := make([]*ibe.PublicParams, n)
	for i, d := range descriptors {
		p, err := ibe.UnmarshalPublicParams(d.PublicKey)
		if err != nil {
			return nil, BackupKey{}, fmt.Errorf("%w: %s: %w", interfaces.ErrInvalidKeyServer, d.ID.Short(), err)
		}
		params[i] = p
	}

	dataKey, err := newDataKey()
	if err != nil {
		return nil, BackupKey{}, err
	}

	values, err := splitKey(dataKey, n, threshold)
	if err != nil {
		return nil, BackupKey{}, err
	}
	defer func() {
		for _, v := range values {
			wipeBytes(v)
		}
	}()

	t := uint8(threshold)
	encShares := make([]envelope.EncryptedShare, n)
	for i, d := range descriptors {
		secret, encapsulation, err := params[i].Encapsulate(identity)
		if err != nil {
			return nil, BackupKey{}, fmt.Errorf("failed to encapsulate share for %s: %w", d.ID.Short(), err)
		}
		shareKey, err := cryptoutils.DeriveKey(secret[:], encapsulation, shareLabel)
		if err != nil {
			return nil, BackupKey{}, err
		}
		ciphertext, err := cryptoutils.SealAESGCM(shareKey[:], values[i], shareContext(shareLabel, identity, t, i, d.ID))
		if err != nil {
			return nil, BackupKey{}, fmt.Errorf("failed to encrypt share for %s: %w", d.ID.Short(), err)
		}

		encShares[i] = envelope.EncryptedShare{
			ServerID:      d.ID,
			Encapsulation: encapsulation,
			Ciphertext:    ciphertext,
			Commitment:    commitShare(identity, t, i, d.ID, values[i]),
		}
	}

	env := &envelope.Envelope{
		Version:   envelope.Version1,
		Identity:  bytes.Clone(identity),
		Threshold: t,
		Shares:    encShares,
	}
	associatedData, err := env.AssociatedData()
	if err != nil {
		return nil, BackupKey{}, err
	}
	demKey, err := payloadKey(dataKey)
	if err != nil {
		return nil, BackupKey{}, err
	}
	env.Payload, err = cryptoutils.SealAESGCM(demKey[:], plaintext, associatedData)
	if err != nil {
		return nil, BackupKey{}, fmt.Errorf("failed to encrypt payload: %w", err)
	}

	if err := env.Validate(); err != nil {
		return nil, BackupKey{}, err
	}
	return env, dataKey, nil
}

// DecryptShare opens the share held for serverID using that server's user
// key for the envelope identity, and checks it against its commitment.
func DecryptShare(env *envelope.Envelope, serverID interfaces.KeyServerID, userKey *ibe.UserKey) (DecryptedShare, error) {
	index, found := env.ShareIndex(serverID)
	if !found {
		return DecryptedShare{}, fmt.Errorf("%w: key server %s has no share in envelope", interfaces.ErrShareVerificationFailed, serverID.Short())
	}
	share := env.Shares[index]

	secret, err := userKey.Decapsulate(share.Encapsulation)
	if err != nil {
		return DecryptedShare{}, fmt.Errorf("%w: %w", interfaces.ErrShareVerificationFailed, err)
	}
	shareKey, err := cryptoutils.DeriveKey(secret[:], share.Encapsulation, shareLabel)
	if err != nil {
		return DecryptedShare{}, err
	}
	value, err := cryptoutils.OpenAESGCM(shareKey[:], share.Ciphertext, shareContext(shareLabel, env.Identity, env.Threshold, index, serverID))
	if err != nil {
		return DecryptedShare{}, fmt.Errorf("%w: key server %s: %w", interfaces.ErrShareVerificationFailed, serverID.Short(), err)
	}
	if err := verifyShare(env, index, value); err != nil {
		return DecryptedShare{}, err
	}
	return DecryptedShare{ServerID: serverID, Value: value}, nil
}

// RecoverKey combines the first t distinct shares in arrival order. Every
// share used is checked against its commitment before combination.
func RecoverKey(env *envelope.Envelope, shares []DecryptedShare) (DataKey, error) {
	t := int(env.Threshold)
	selected := make([][]byte, 0, t)
	seen := make(map[interfaces.KeyServerID]struct{}, t)

	for _, share := range shares {
		if len(selected) == t {
			break
		}
		if _, dup := seen[share.ServerID]; dup {
			continue
		}
		index, found := env.ShareIndex(share.ServerID)
		if !found {
			return DataKey{}, fmt.Errorf("%w: key server %s has no share in envelope", interfaces.ErrShareVerificationFailed, share.ServerID.Short())
		}
		if err := verifyShare(env, index, share.Value); err != nil {
			return DataKey{}, err
		}
		seen[share.ServerID] = struct{}{}
		selected = append(selected, share.Value)
	}

	if len(selected) < t {
		return DataKey{}, fmt.Errorf("%w: have %d of %d", interfaces.ErrInsufficientShares, len(selected), t)
	}
	return combineShares(selected, t)
}

// DecryptPayload decrypts the envelope payload. A wrong key or any tampering
// yields ErrAuthenticationFailed and no plaintext.
func DecryptPayload(key DataKey, env *envelope.Envelope) ([]byte, error) {
	associatedData, err := env.AssociatedData()
	if err != nil {
		return nil, err
	}
	demKey, err := payloadKey(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := cryptoutils.OpenAESGCM(demKey[:], env.Payload, associatedData)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrAuthenticationFailed, err)
	}
	return plaintext, nil
}

// DecryptWithBackupKey is the offline recovery path: no key server and no
// policy check is involved.
func DecryptWithBackupKey(key BackupKey, data []byte) ([]byte, error) {
	env, err := envelope.Decode(data)
	if err != nil {
		return nil, err
	}
	return DecryptPayload(key, env)
}

// DecryptWithUserKeys decrypts using user keys already obtained from key
// servers. Shares are taken in envelope order.
func DecryptWithUserKeys(env *envelope.Envelope, userKeys map[interfaces.KeyServerID]*ibe.UserKey) ([]byte, error) {
	shares := make([]DecryptedShare, 0, env.Threshold)
	for _, id := range env.ServerIDs() {
		userKey, found := userKeys[id]
		if !found {
			continue
		}
		share, err := DecryptShare(env, id, userKey)
		if err != nil {
			return nil, err
		}
		shares = append(shares, share)
		if len(shares) == int(env.Threshold) {
			break
		}
	}

	key, err := RecoverKey(env, shares)
	if err != nil {
		return nil, err
	}
	return DecryptPayload(key, env)
}

func payloadKey(key DataKey) ([32]byte, error) {
	return cryptoutils.DeriveKey(key[:], nil, payloadLabel)
}
