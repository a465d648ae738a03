package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ruteri/threshold-seal/interfaces"
)

// AllowlistEntry grants a principal access to ids in a namespace. An entry
// without ids grants the whole namespace.
type AllowlistEntry struct {
	Principal common.Address             `json:"principal"`
	Namespace interfaces.ContractAddress `json:"namespace"`
	IDs       []hexutil.Bytes            `json:"ids,omitempty"`
}

type allowedIDs struct {
	any bool
	ids [][]byte
}

// AllowlistBridge is a static policy for development and tests. It ignores
// the block number and args of the context.
type AllowlistBridge struct {
	mu      sync.RWMutex
	entries map[common.Address]map[interfaces.ContractAddress]*allowedIDs
}

func NewAllowlistBridge(entries []AllowlistEntry) *AllowlistBridge {
	b := &AllowlistBridge{
		entries: make(map[common.Address]map[interfaces.ContractAddress]*allowedIDs),
	}
	for _, e := range entries {
		ids := make([][]byte, len(e.IDs))
		for i := range e.IDs {
			ids[i] = e.IDs[i]
		}
		b.Allow(e.Principal, e.Namespace, ids...)
	}
	return b
}

// LoadAllowlist reads a JSON array of AllowlistEntry.
func LoadAllowlist(path string) (*AllowlistBridge, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read allowlist: %w", err)
	}
	var entries []AllowlistEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("could not parse allowlist: %w", err)
	}
	return NewAllowlistBridge(entries), nil
}

// Allow grants principal the given inner ids of namespace, or all of them if
// none are given.
func (b *AllowlistBridge) Allow(principal common.Address, namespace interfaces.ContractAddress, innerIDs ...[]byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	namespaces, ok := b.entries[principal]
	if !ok {
		namespaces = make(map[interfaces.ContractAddress]*allowedIDs)
		b.entries[principal] = namespaces
	}
	allowed, ok := namespaces[namespace]
	if !ok {
		allowed = &allowedIDs{}
		namespaces[namespace] = allowed
	}
	if len(innerIDs) == 0 {
		allowed.any = true
		return
	}
	for _, id := range innerIDs {
		allowed.ids = append(allowed.ids, bytes.Clone(id))
	}
}

func (b *AllowlistBridge) Authorize(_ context.Context, principal common.Address, identity interfaces.Identity, pc interfaces.PolicyContext) (bool, error) {
	if err := CheckContext(identity, pc); err != nil {
		return false, nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	allowed, ok := b.entries[principal][identity.Namespace()]
	if !ok {
		return false, nil
	}
	if allowed.any {
		return true, nil
	}
	innerID := identity.InnerID()
	for _, id := range allowed.ids {
		if bytes.Equal(id, innerID) {
			return true, nil
		}
	}
	return false, nil
}
