package interfaces

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeyServerID identifies a key server inside an envelope and a key-server set.
type KeyServerID [32]byte

// KeyServerIDFromPublicKey derives the default identifier of a key server
// from its marshaled public parameters.
func KeyServerIDFromPublicKey(publicKey []byte) KeyServerID {
	return KeyServerID(crypto.Keccak256Hash(publicKey))
}

func NewKeyServerIDFromHex(s string) (KeyServerID, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return KeyServerID{}, fmt.Errorf("invalid hex format: %w", err)
	}
	if len(raw) != 32 {
		return KeyServerID{}, errors.New("invalid key server id length: must be 32 bytes")
	}
	return KeyServerID(raw), nil
}

func (id KeyServerID) String() string {
	return hex.EncodeToString(id[:])
}

// Short is the 8-character prefix used in logs.
func (id KeyServerID) Short() string {
	return hex.EncodeToString(id[:4])
}

func (id KeyServerID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *KeyServerID) UnmarshalText(text []byte) error {
	parsed, err := NewKeyServerIDFromHex(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// KeyServerDescriptor is everything a client needs to encrypt to a key server
// and later request a decryption key from it.
type KeyServerDescriptor struct {
	ID KeyServerID `json:"id"`
	// PublicKey holds the marshaled IBE public parameters of the server.
	PublicKey hexutil.Bytes `json:"public_key"`
	// URL is the base endpoint; srv+http(s):// URLs are resolved via DNS SRV.
	URL string `json:"url"`
}

// KeyServerSet is an ordered set of descriptors with unique IDs.
type KeyServerSet struct {
	descriptors []KeyServerDescriptor
	index       map[KeyServerID]int
}

// NewKeyServerSet keeps the input order and drops exact duplicates. A repeated
// ID carrying a different public key is rejected.
func NewKeyServerSet(descriptors []KeyServerDescriptor) (*KeyServerSet, error) {
	set := &KeyServerSet{index: make(map[KeyServerID]int, len(descriptors))}
	for _, d := range descriptors {
		if len(d.PublicKey) == 0 {
			return nil, fmt.Errorf("%w: %s has no public key", ErrInvalidKeyServer, d.ID.Short())
		}
		if i, found := set.index[d.ID]; found {
			if !bytes.Equal(set.descriptors[i].PublicKey, d.PublicKey) {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateKeyServer, d.ID)
			}
			continue
		}
		set.index[d.ID] = len(set.descriptors)
		set.descriptors = append(set.descriptors, d)
	}
	return set, nil
}

func (s *KeyServerSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.descriptors)
}

// Descriptors returns a copy of the descriptors in set order.
func (s *KeyServerSet) Descriptors() []KeyServerDescriptor {
	if s == nil {
		return nil
	}
	return append([]KeyServerDescriptor(nil), s.descriptors...)
}

func (s *KeyServerSet) Get(id KeyServerID) (KeyServerDescriptor, bool) {
	if s == nil {
		return KeyServerDescriptor{}, false
	}
	i, found := s.index[id]
	if !found {
		return KeyServerDescriptor{}, false
	}
	return s.descriptors[i], true
}

func (s *KeyServerSet) IDs() []KeyServerID {
	ids := make([]KeyServerID, 0, s.Len())
	for _, d := range s.Descriptors() {
		ids = append(ids, d.ID)
	}
	return ids
}

// KeyServerError attributes a failure to a single key server.
type KeyServerError struct {
	ServerID KeyServerID
	URL      string
	Err      error
}

func (e *KeyServerError) Error() string {
	return fmt.Sprintf("key server %s (%s): %v", e.ServerID.Short(), e.URL, e.Err)
}

func (e *KeyServerError) Unwrap() error {
	return e.Err
}
