// Package keyserver holds one key server's master key and the operations a
// key server performs with it: extracting identity keys and describing
// itself to clients.
package keyserver

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ruteri/threshold-seal/api"
	"github.com/ruteri/threshold-seal/cryptoutils"
	"github.com/ruteri/threshold-seal/ibe"
	"github.com/ruteri/threshold-seal/interfaces"
)

// KeyServer derives its master key deterministically from a seed, so a
// restarted server with the same seed keeps its identity and public key.
type KeyServer struct {
	master    *ibe.MasterKey
	publicKey []byte
	id        interfaces.KeyServerID

	attestationProvider cryptoutils.AttestationProvider

	mu          sync.Mutex
	attestation []byte
}

// New creates a key server from a seed of at least 32 bytes. A nil
// attestation provider falls back to dummy attestations.
func New(seed []byte, attestationProvider cryptoutils.AttestationProvider) (*KeyServer, error) {
	if len(seed) < ibe.MinSeedSize {
		return nil, fmt.Errorf("seed must be at least %d bytes", ibe.MinSeedSize)
	}

	master, err := ibe.NewMasterKeyFromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("could not derive master key: %w", err)
	}

	if attestationProvider == nil {
		attestationProvider = cryptoutils.DummyAttestationProvider{}
	}

	publicKey := master.PublicParams().Marshal()
	return &KeyServer{
		master:              master,
		publicKey:           publicKey,
		id:                  interfaces.KeyServerIDFromPublicKey(publicKey),
		attestationProvider: attestationProvider,
	}, nil
}

func (k *KeyServer) ID() interfaces.KeyServerID {
	return k.id
}

// PublicKey returns the marshalled public parameters.
func (k *KeyServer) PublicKey() []byte {
	return append([]byte(nil), k.publicKey...)
}

// Descriptor describes this server to clients reaching it at url.
func (k *KeyServer) Descriptor(url string) interfaces.KeyServerDescriptor {
	return interfaces.KeyServerDescriptor{
		ID:        k.id,
		PublicKey: k.PublicKey(),
		URL:       url,
	}
}

// ExtractUserKey derives the user key for identity. Callers authorize the
// request before calling it.
func (k *KeyServer) ExtractUserKey(identity interfaces.Identity) (*ibe.UserKey, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	return k.master.Extract(identity)
}

// ServiceInfo returns the server's identity and an attestation over
// api.ReportData(id, publicKey). The quote is produced once and reused.
func (k *KeyServer) ServiceInfo() (*api.ServiceResponse, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.attestation == nil {
		quote, err := k.attestationProvider.Attest(api.ReportData(k.id, k.publicKey))
		if err != nil {
			return nil, fmt.Errorf("could not attest: %w", err)
		}
		if len(quote) == 0 {
			return nil, errors.New("attestation provider returned an empty quote")
		}
		k.attestation = quote
	}

	return &api.ServiceResponse{
		ID:              k.id,
		PublicKey:       k.PublicKey(),
		AttestationType: k.attestationProvider.AttestationType().StringID,
		Attestation:     hexutil.Bytes(append([]byte(nil), k.attestation...)),
	}, nil
}
