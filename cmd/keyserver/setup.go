package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ruteri/threshold-seal/cmd/flags"
	"github.com/ruteri/threshold-seal/cryptoutils"
	"github.com/ruteri/threshold-seal/interfaces"
	"github.com/ruteri/threshold-seal/keyserver"
	"github.com/ruteri/threshold-seal/policy"
	"github.com/urfave/cli/v2"
)

var SeedURIFlag = &cli.StringFlag{
	Name:     "seed-uri",
	Required: true,
	Usage:    "master seed location: hex:<seed>, file://<path>, vault://<host>/<mount>/<path>#<field> or awssm://<region>/<secret-id>",
	EnvVars:  []string{"SEAL_SEED_URI"},
}

var PolicyModeFlag = &cli.StringFlag{
	Name:  "policy-mode",
	Value: "onchain",
	Usage: "how fetch_key requests are authorized: 'onchain' (eth_call sealApprove) or 'allowlist'",
}

var AllowlistFlag = &cli.StringFlag{
	Name:  "allowlist",
	Usage: "JSON allowlist file (required if policy-mode is 'allowlist')",
}

var AttestationFlag = &cli.StringFlag{
	Name:  "attestation",
	Value: "dummy",
	Usage: "attestation provider: 'dummy', 'qemu-tdx' (local configfs) or 'remote'",
}

var RemoteAttestationFlag = &cli.StringFlag{
	Name:  "remote-attestation-provider",
	Usage: "quote provider address used when attestation is 'remote'",
}

var RateLimitFlag = &cli.Float64Flag{
	Name:  "rate-limit",
	Value: 10,
	Usage: "fetch_key requests per second allowed per principal. 0 disables limiting",
}

var RateBurstFlag = &cli.IntFlag{
	Name:  "rate-burst",
	Value: 20,
	Usage: "burst size of the per-principal rate limit",
}

var RemoteRateLimitFlag = &cli.Float64Flag{
	Name:  "remote-rate-limit",
	Value: 50,
	Usage: "fetch_key requests per second allowed per remote address, checked before authentication. 0 disables limiting",
}

var MaxBlockAgeFlag = &cli.Uint64Flag{
	Name:  "max-block-age",
	Value: policy.DefaultMaxBlockAge,
	Usage: "how many blocks behind the chain head a policy context may be pinned",
}

func SetupAttestation(cCtx *cli.Context) (cryptoutils.AttestationProvider, error) {
	switch mode := cCtx.String(AttestationFlag.Name); mode {
	case cryptoutils.DummyAttestation.StringID:
		return cryptoutils.DummyAttestationProvider{}, nil
	case cryptoutils.DCAPAttestation.StringID:
		return cryptoutils.DCAPAttestationProvider{}, nil
	case "remote":
		addr := cCtx.String(RemoteAttestationFlag.Name)
		if addr == "" {
			return nil, fmt.Errorf("--%s is required for remote attestation", RemoteAttestationFlag.Name)
		}
		return &cryptoutils.RemoteAttestationProvider{Address: addr}, nil
	default:
		return nil, fmt.Errorf("unsupported attestation provider %q", mode)
	}
}

func SetupPolicyBridge(cCtx *cli.Context, logger *slog.Logger) (interfaces.PolicyBridge, error) {
	switch mode := cCtx.String(PolicyModeFlag.Name); mode {
	case "onchain":
		rpcAddress := cCtx.String(flags.RpcAddrFlag.Name)
		logger.Info("Connecting to Ethereum RPC", "address", rpcAddress)

		ctx, cancel := context.WithTimeout(cCtx.Context, 10*time.Second)
		defer cancel()
		ethClient, err := ethclient.DialContext(ctx, rpcAddress)
		if err != nil {
			return nil, fmt.Errorf("dialing rpc: %w", err)
		}
		return policy.NewOnchainBridge(ethClient, ethClient, cCtx.Uint64(MaxBlockAgeFlag.Name), logger), nil
	case "allowlist":
		path := cCtx.String(AllowlistFlag.Name)
		if path == "" {
			return nil, fmt.Errorf("--%s is required in allowlist mode", AllowlistFlag.Name)
		}
		return policy.LoadAllowlist(path)
	default:
		return nil, fmt.Errorf("unsupported policy mode %q", mode)
	}
}

// SetupKeyServer loads the master seed and derives the key server from it.
func SetupKeyServer(cCtx *cli.Context, logger *slog.Logger) (*keyserver.KeyServer, error) {
	attestation, err := SetupAttestation(cCtx)
	if err != nil {
		return nil, err
	}

	seed, err := keyserver.LoadSeed(cCtx.Context, cCtx.String(SeedURIFlag.Name), logger)
	if err != nil {
		return nil, fmt.Errorf("loading seed: %w", err)
	}
	return keyserver.New(seed, attestation)
}

func SetupRateLimiter(cCtx *cli.Context) *keyserver.PrincipalLimiter {
	perSecond := cCtx.Float64(RateLimitFlag.Name)
	if perSecond <= 0 {
		return nil
	}
	return keyserver.NewPrincipalLimiter(perSecond, cCtx.Int(RateBurstFlag.Name), 10*time.Minute)
}

func SetupRemoteLimiter(cCtx *cli.Context) *keyserver.RemoteLimiter {
	perSecond := cCtx.Float64(RemoteRateLimitFlag.Name)
	if perSecond <= 0 {
		return nil
	}
	return keyserver.NewRemoteLimiter(perSecond, 2*int(perSecond)+1, 10*time.Minute)
}
