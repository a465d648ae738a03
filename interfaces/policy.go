package interfaces

import (
	"context"
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// PolicyContext is the proof material a key server re-evaluates before
// releasing a key: a call to the policy contract, pinned to a block so that
// every key server evaluates the same state.
type PolicyContext struct {
	Target      ContractAddress `json:"target"`
	CallData    hexutil.Bytes   `json:"call_data"`
	BlockNumber uint64          `json:"block_number"`
}

// Digest commits to the whole context. Request signatures cover it.
func (pc PolicyContext) Digest() [32]byte {
	var block [8]byte
	binary.BigEndian.PutUint64(block[:], pc.BlockNumber)
	return crypto.Keccak256Hash([]byte("seal/policy-context/v1"), pc.Target[:], block[:], pc.CallData)
}

// PolicyBridge is the external authorization oracle consulted by each key
// server. It must be deterministic for a given (principal, identity, context).
type PolicyBridge interface {
	Authorize(ctx context.Context, principal common.Address, identity Identity, pc PolicyContext) (bool, error)
}
