// Package envelope implements the self-describing ciphertext envelope and its
// canonical wire encoding. It performs no cryptography.
//
// Wire format: one version byte followed by the RLP encoding of the body.
// RLP decoding rejects non-canonical integers, oversized length prefixes and
// trailing data, so every accepted byte string re-encodes to itself.
package envelope

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ruteri/threshold-seal/interfaces"
)

// Version1 is the only wire version understood by this package.
const Version1 uint8 = 1

const (
	// MaxShares is the largest n supported by the threshold scheme.
	MaxShares = 255

	// CommitmentSize is the size of the per-share commitment digest.
	CommitmentSize = 32
)

// EncryptedShare is one key server's share of the data key, encrypted to that
// server's public key for the envelope identity.
type EncryptedShare struct {
	ServerID      interfaces.KeyServerID
	Encapsulation []byte
	Ciphertext    []byte
	Commitment    [CommitmentSize]byte
}

// Envelope is the decoded form of an encrypted object.
type Envelope struct {
	Version   uint8
	Identity  interfaces.Identity
	Threshold uint8
	Shares    []EncryptedShare
	Payload   []byte
}

// body is the RLP-encoded part. Field order is part of the wire format.
type body struct {
	Identity  []byte
	Threshold uint8
	Shares    []EncryptedShare
	Payload   []byte
}

// header is body without the payload; it is used as associated data.
type header struct {
	Version   uint8
	Identity  []byte
	Threshold uint8
	Shares    []EncryptedShare
}

// New assembles and validates a version 1 envelope.
func New(identity interfaces.Identity, threshold int, shares []EncryptedShare, payload []byte) (*Envelope, error) {
	if threshold < 1 || threshold > MaxShares {
		return nil, fmt.Errorf("%w: threshold %d", interfaces.ErrMalformedEnvelope, threshold)
	}
	env := &Envelope{
		Version:   Version1,
		Identity:  identity,
		Threshold: uint8(threshold),
		Shares:    shares,
		Payload:   payload,
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// Validate checks the structural invariants: 1 <= t <= n <= 255, a valid
// identity, unique server IDs and non-empty share fields.
func (e *Envelope) Validate() error {
	if e.Version != Version1 {
		return fmt.Errorf("%w: %w: %d", interfaces.ErrMalformedEnvelope, interfaces.ErrUnsupportedVersion, e.Version)
	}
	if err := e.Identity.Validate(); err != nil {
		return fmt.Errorf("%w: %w", interfaces.ErrMalformedEnvelope, err)
	}
	n := len(e.Shares)
	if n == 0 || n > MaxShares {
		return fmt.Errorf("%w: %d shares", interfaces.ErrMalformedEnvelope, n)
	}
	if e.Threshold < 1 || int(e.Threshold) > n {
		return fmt.Errorf("%w: threshold %d with %d shares", interfaces.ErrMalformedEnvelope, e.Threshold, n)
	}

	seen := make(map[interfaces.KeyServerID]struct{}, n)
	for i, share := range e.Shares {
		if _, dup := seen[share.ServerID]; dup {
			return fmt.Errorf("%w: duplicate key server %s", interfaces.ErrMalformedEnvelope, share.ServerID)
		}
		seen[share.ServerID] = struct{}{}
		if len(share.Encapsulation) == 0 || len(share.Ciphertext) == 0 {
			return fmt.Errorf("%w: share %d is empty", interfaces.ErrMalformedEnvelope, i)
		}
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", interfaces.ErrMalformedEnvelope)
	}
	return nil
}

// Encode serializes a valid envelope.
func Encode(e *Envelope) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil envelope", interfaces.ErrMalformedEnvelope)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}

	encoded, err := rlp.EncodeToBytes(&body{
		Identity:  e.Identity,
		Threshold: e.Threshold,
		Shares:    e.Shares,
		Payload:   e.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return append([]byte{e.Version}, encoded...), nil
}

// Decode parses and validates an envelope. Every failure wraps
// interfaces.ErrMalformedEnvelope; unknown versions additionally wrap
// interfaces.ErrUnsupportedVersion.
func Decode(data []byte) (*Envelope, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: truncated (%d bytes)", interfaces.ErrMalformedEnvelope, len(data))
	}
	if data[0] != Version1 {
		return nil, fmt.Errorf("%w: %w: %d", interfaces.ErrMalformedEnvelope, interfaces.ErrUnsupportedVersion, data[0])
	}

	var b body
	if err := rlp.DecodeBytes(data[1:], &b); err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrMalformedEnvelope, err)
	}

	env := &Envelope{
		Version:   data[0],
		Identity:  interfaces.Identity(b.Identity),
		Threshold: b.Threshold,
		Shares:    b.Shares,
		Payload:   b.Payload,
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// AssociatedData is the canonical encoding of everything except the payload.
// The payload AEAD binds to it, so any change to the header invalidates the
// payload tag.
func (e *Envelope) AssociatedData() ([]byte, error) {
	encoded, err := rlp.EncodeToBytes(&header{
		Version:   e.Version,
		Identity:  e.Identity,
		Threshold: e.Threshold,
		Shares:    e.Shares,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope header: %w", err)
	}
	return append([]byte("seal/envelope/v1"), encoded...), nil
}

// ShareIndex returns the position of a key server's share.
func (e *Envelope) ShareIndex(id interfaces.KeyServerID) (int, bool) {
	for i, share := range e.Shares {
		if share.ServerID == id {
			return i, true
		}
	}
	return -1, false
}

// ServerIDs lists the key servers in envelope order.
func (e *Envelope) ServerIDs() []interfaces.KeyServerID {
	ids := make([]interfaces.KeyServerID, len(e.Shares))
	for i, share := range e.Shares {
		ids[i] = share.ServerID
	}
	return ids
}

// Equal compares two envelopes field by field.
func (e *Envelope) Equal(other *Envelope) bool {
	if e == nil || other == nil {
		return e == other
	}
	if e.Version != other.Version || e.Threshold != other.Threshold ||
		!e.Identity.Equal(other.Identity) || !bytes.Equal(e.Payload, other.Payload) ||
		len(e.Shares) != len(other.Shares) {
		return false
	}
	for i := range e.Shares {
		a, b := e.Shares[i], other.Shares[i]
		if a.ServerID != b.ServerID || a.Commitment != b.Commitment ||
			!bytes.Equal(a.Encapsulation, b.Encapsulation) || !bytes.Equal(a.Ciphertext, b.Ciphertext) {
			return false
		}
	}
	return true
}

// IsMalformed is a convenience for callers that only branch on structure.
func IsMalformed(err error) bool {
	return errors.Is(err, interfaces.ErrMalformedEnvelope)
}
