package policy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ruteri/threshold-seal/interfaces"
)

// ChainReader is the part of ethclient.Client the simulator needs.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// Simulator evaluates a policy on the client before any key server is
// contacted, and produces the context the key servers will re-evaluate.
type Simulator struct {
	chain  ChainReader
	bridge interfaces.PolicyBridge
}

func NewSimulator(chain ChainReader, bridge interfaces.PolicyBridge) *Simulator {
	return &Simulator{chain: chain, bridge: bridge}
}

// DialSimulator connects to an Ethereum JSON-RPC endpoint and evaluates
// policies with an OnchainBridge over it.
func DialSimulator(ctx context.Context, rpcURL string, log *slog.Logger) (*Simulator, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("could not connect to %s: %w", rpcURL, err)
	}
	return NewSimulator(client, NewOnchainBridge(client, client, DefaultMaxBlockAge, log)), nil
}

// SimulateAuthorization pins the latest block, builds the context and checks
// that the principal would be authorized. A denial yields ErrUnauthorized.
func (s *Simulator) SimulateAuthorization(ctx context.Context, principal common.Address, identity interfaces.Identity, args []byte) (interfaces.PolicyContext, error) {
	blockNumber, err := s.chain.BlockNumber(ctx)
	if err != nil {
		return interfaces.PolicyContext{}, fmt.Errorf("could not fetch block number: %w", err)
	}

	pc, err := NewContext(identity, args, blockNumber)
	if err != nil {
		return interfaces.PolicyContext{}, err
	}

	approved, err := s.bridge.Authorize(ctx, principal, identity, pc)
	if err != nil {
		return interfaces.PolicyContext{}, fmt.Errorf("could not evaluate policy: %w", err)
	}
	if !approved {
		return interfaces.PolicyContext{}, fmt.Errorf("%w: %s is not approved for %s at block %d", interfaces.ErrUnauthorized, principal.Hex(), identity, blockNumber)
	}
	return pc, nil
}
