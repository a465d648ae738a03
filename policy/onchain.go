package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/ruteri/threshold-seal/interfaces"
)

// DefaultMaxBlockAge is how many blocks behind the head a policy context may
// be pinned. About six minutes of mainnet blocks.
const DefaultMaxBlockAge uint64 = 32

// revertErrorCode is the JSON-RPC code nodes use for an eth_call that reverted.
const revertErrorCode = 3

// OnchainBridge evaluates sealApprove with eth_call, as the principal, at the
// block pinned in the context. The block must be recent: at most maxBlockAge
// behind the head and never ahead of it.
type OnchainBridge struct {
	caller      bind.ContractCaller
	chain       ChainReader
	maxBlockAge uint64
	log         *slog.Logger
}

// NewOnchainBridge creates the bridge. A zero maxBlockAge means
// DefaultMaxBlockAge.
func NewOnchainBridge(caller bind.ContractCaller, chain ChainReader, maxBlockAge uint64, log *slog.Logger) *OnchainBridge {
	if maxBlockAge == 0 {
		maxBlockAge = DefaultMaxBlockAge
	}
	return &OnchainBridge{caller: caller, chain: chain, maxBlockAge: maxBlockAge, log: log}
}

// Authorize returns true only if the call succeeds and returns true. A false
// return, a revert, a contract without code or a stale block deny. Other
// failures are returned as errors: the bridge could not decide.
func (b *OnchainBridge) Authorize(ctx context.Context, principal common.Address, identity interfaces.Identity, pc interfaces.PolicyContext) (bool, error) {
	if err := CheckContext(identity, pc); err != nil {
		return false, nil
	}

	head, err := b.chain.BlockNumber(ctx)
	if err != nil {
		return false, fmt.Errorf("could not fetch block number: %w", err)
	}
	if err := CheckFreshness(pc, head, b.maxBlockAge); err != nil {
		b.log.Debug("policy context not fresh", "principal", principal, "block", pc.BlockNumber, "head", head, "err", err)
		return false, nil
	}

	target := pc.Target.Address()
	output, err := b.caller.CallContract(ctx, ethereum.CallMsg{
		From: principal,
		To:   &target,
		Data: pc.CallData,
	}, new(big.Int).SetUint64(pc.BlockNumber))
	if err != nil {
		if isRevert(err) {
			b.log.Debug("policy call reverted", "principal", principal, "target", target, "block", pc.BlockNumber, "err", err)
			return false, nil
		}
		return false, fmt.Errorf("policy call failed: %w", err)
	}

	if len(output) == 0 {
		b.log.Debug("policy call returned no data", "target", target, "block", pc.BlockNumber)
		return false, nil
	}

	values, err := ABI.Unpack(MethodName, output)
	if err != nil || len(values) != 1 {
		b.log.Debug("could not decode policy result", "target", target, "err", err)
		return false, nil
	}
	approved, ok := values[0].(bool)
	return ok && approved, nil
}

// CheckFreshness rejects a context pinned ahead of head or more than maxAge
// blocks behind it.
func CheckFreshness(pc interfaces.PolicyContext, head, maxAge uint64) error {
	if pc.BlockNumber > head {
		return fmt.Errorf("%w: block %d is ahead of head %d", interfaces.ErrUnauthorized, pc.BlockNumber, head)
	}
	if head-pc.BlockNumber > maxAge {
		return fmt.Errorf("%w: block %d is %d blocks behind head, max %d", interfaces.ErrUnauthorized, pc.BlockNumber, head-pc.BlockNumber, maxAge)
	}
	return nil
}

func isRevert(err error) bool {
	var rpcErr rpc.Error
	return errors.As(err, &rpcErr) && rpcErr.ErrorCode() == revertErrorCode
}
