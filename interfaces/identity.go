package interfaces

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// MaxInnerIDLength bounds the application-chosen part of an identity.
const MaxInnerIDLength = 1024

// Identity scopes both encryption and authorization. It is the 20-byte
// namespace (policy contract address) followed by a free-form inner id.
type Identity []byte

// NewIdentity is the single way to derive an identity from a namespace and an
// application identifier. Encrypt and decrypt paths must both go through it
// so the bytes presented to key servers match the bytes used at encrypt time.
func NewIdentity(namespace ContractAddress, innerID []byte) (Identity, error) {
	if len(innerID) == 0 {
		return nil, fmt.Errorf("%w: empty inner id", ErrInvalidIdentity)
	}
	if len(innerID) > MaxInnerIDLength {
		return nil, fmt.Errorf("%w: inner id is %d bytes, max %d", ErrInvalidIdentity, len(innerID), MaxInnerIDLength)
	}

	id := make(Identity, 0, len(namespace)+len(innerID))
	id = append(id, namespace[:]...)
	id = append(id, innerID...)
	return id, nil
}

// ParseIdentity validates raw identity bytes received over the wire.
func ParseIdentity(raw []byte) (Identity, error) {
	id := Identity(bytes.Clone(raw))
	if err := id.Validate(); err != nil {
		return nil, err
	}
	return id, nil
}

// Validate checks the namespace prefix and inner id bounds.
func (id Identity) Validate() error {
	if len(id) <= len(ContractAddress{}) {
		return fmt.Errorf("%w: identity too short (%d bytes)", ErrInvalidIdentity, len(id))
	}
	if len(id)-len(ContractAddress{}) > MaxInnerIDLength {
		return fmt.Errorf("%w: inner id exceeds %d bytes", ErrInvalidIdentity, MaxInnerIDLength)
	}
	return nil
}

// Namespace returns the policy contract the identity belongs to. The result
// is only meaningful for a valid identity.
func (id Identity) Namespace() ContractAddress {
	var ns ContractAddress
	if len(id) >= len(ns) {
		copy(ns[:], id[:len(ns)])
	}
	return ns
}

// InnerID returns a copy of the application-chosen identifier.
func (id Identity) InnerID() []byte {
	if len(id) < len(ContractAddress{}) {
		return nil
	}
	return bytes.Clone(id[len(ContractAddress{}):])
}

func (id Identity) Equal(other Identity) bool {
	return bytes.Equal(id, other)
}

func (id Identity) String() string {
	return hexutil.Encode(id)
}

func (id Identity) MarshalText() ([]byte, error) {
	return hexutil.Bytes(id).MarshalText()
}

func (id *Identity) UnmarshalText(text []byte) error {
	var raw hexutil.Bytes
	if err := raw.UnmarshalText(text); err != nil {
		return err
	}
	*id = Identity(raw)
	return nil
}
