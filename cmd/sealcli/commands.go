package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ruteri/threshold-seal/cmd/flags"
	"github.com/ruteri/threshold-seal/envelope"
	"github.com/ruteri/threshold-seal/interfaces"
	"github.com/ruteri/threshold-seal/policy"
	"github.com/ruteri/threshold-seal/seal"
	"github.com/ruteri/threshold-seal/sealclient"
	"github.com/ruteri/threshold-seal/session"
	"github.com/urfave/cli/v2"
)

func encryptCmd(cCtx *cli.Context) error {
	logger := flags.SetupLoggerTo(cCtx, os.Stderr)

	namespace, err := flags.Namespace(cCtx)
	if err != nil {
		return err
	}
	identity, err := interfaces.NewIdentity(namespace, parseInnerID(cCtx.String(flagID.Name)))
	if err != nil {
		return err
	}

	client, err := newSealClient(cCtx, logger)
	if err != nil {
		return err
	}

	plaintext, err := readInput(cCtx.String(flagIn.Name))
	if err != nil {
		return err
	}

	data, backupKey, err := client.Encrypt(identity, cCtx.Int(flagThreshold.Name), plaintext)
	if err != nil {
		return err
	}

	if path := cCtx.String(flagBackupKeyOut.Name); path != "" {
		if err := os.WriteFile(path, []byte(backupKey.Hex()+"\n"), 0o600); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(os.Stderr, "backup key:", backupKey.Hex())
	}

	logger.Info("Encrypted", "identity", identity, "threshold", cCtx.Int(flagThreshold.Name), "servers", client.KeyServers().Len())
	return writeOutput(cCtx.String(flagOut.Name), []byte(hex.EncodeToString(data)+"\n"))
}

func decryptCmd(cCtx *cli.Context) error {
	logger := flags.SetupLoggerTo(cCtx, os.Stderr)

	data, err := envelopeInput(cCtx)
	if err != nil {
		return err
	}
	env, err := envelope.Decode(data)
	if err != nil {
		return err
	}

	signer, err := loadSigner(cCtx)
	if err != nil {
		return err
	}

	sess, err := session.New(signer.Address(), env.Identity.Namespace(), cCtx.Duration(flagTTL.Name))
	if err != nil {
		return err
	}
	if err := session.Sign(cCtx.Context, sess, signer); err != nil {
		return err
	}

	args, err := parseHexFlag(cCtx, flagPolicyArgs.Name)
	if err != nil {
		return err
	}

	var pc interfaces.PolicyContext
	if block := cCtx.Uint64(flagBlock.Name); block > 0 {
		pc, err = policy.NewContext(env.Identity, args, block)
	} else {
		var simulator *policy.Simulator
		simulator, err = policy.DialSimulator(cCtx.Context, cCtx.String(flags.RpcAddrFlag.Name), logger)
		if err != nil {
			return err
		}
		pc, err = simulator.SimulateAuthorization(cCtx.Context, signer.Address(), env.Identity, args)
	}
	if err != nil {
		return err
	}

	client, err := newSealClient(cCtx, logger)
	if err != nil {
		return err
	}

	plaintext, err := client.Decrypt(cCtx.Context, data, sess, pc)
	if err != nil {
		return err
	}
	return writeOutput(cCtx.String(flagOut.Name), plaintext)
}

type shareSummary struct {
	ServerID   interfaces.KeyServerID `json:"server_id"`
	Commitment hexutil.Bytes          `json:"commitment"`
}

type envelopeSummary struct {
	Version     uint8                      `json:"version"`
	Identity    interfaces.Identity        `json:"identity"`
	Namespace   interfaces.ContractAddress `json:"namespace"`
	InnerID     hexutil.Bytes              `json:"inner_id"`
	Threshold   uint8                      `json:"threshold"`
	Shares      []shareSummary             `json:"shares"`
	PayloadSize int                        `json:"payload_size"`
}

func inspectCmd(cCtx *cli.Context) error {
	data, err := envelopeInput(cCtx)
	if err != nil {
		return err
	}
	env, err := envelope.Decode(data)
	if err != nil {
		return err
	}

	summary := envelopeSummary{
		Version:     env.Version,
		Identity:    env.Identity,
		Namespace:   env.Identity.Namespace(),
		InnerID:     env.Identity.InnerID(),
		Threshold:   env.Threshold,
		PayloadSize: len(env.Payload),
	}
	for _, share := range env.Shares {
		summary.Shares = append(summary.Shares, shareSummary{ServerID: share.ServerID, Commitment: share.Commitment[:]})
	}
	return printJSON(summary)
}

type serviceSummary struct {
	ID       interfaces.KeyServerID `json:"id"`
	URL      string                 `json:"url"`
	Verified bool                   `json:"verified"`
	Error    string                 `json:"error,omitempty"`
}

func serviceCmd(cCtx *cli.Context) error {
	logger := flags.SetupLoggerTo(cCtx, os.Stderr)
	client, err := newSealClient(cCtx, logger)
	if err != nil {
		return err
	}

	verifyErr := client.VerifyKeyServers(cCtx.Context)

	failed := make(map[interfaces.KeyServerID]string)
	var ksErr *interfaces.KeyServerError
	for _, err := range unwrapJoined(verifyErr) {
		if errors.As(err, &ksErr) {
			failed[ksErr.ServerID] = ksErr.Err.Error()
		}
	}

	var summaries []serviceSummary
	for _, d := range client.KeyServers().Descriptors() {
		reason, bad := failed[d.ID]
		summaries = append(summaries, serviceSummary{ID: d.ID, URL: d.URL, Verified: !bad, Error: reason})
	}
	if err := printJSON(summaries); err != nil {
		return err
	}
	return verifyErr
}

func symmetricDecryptCmd(cCtx *cli.Context) error {
	key, err := seal.ParseBackupKey(cCtx.String(flagBackupKey.Name))
	if err != nil {
		return err
	}
	data, err := envelopeInput(cCtx)
	if err != nil {
		return err
	}
	plaintext, err := seal.DecryptWithBackupKey(key, data)
	if err != nil {
		return err
	}
	return writeOutput(cCtx.String(flagOut.Name), plaintext)
}

func newSealClient(cCtx *cli.Context, logger *slog.Logger) (*sealclient.Client, error) {
	raw, err := os.ReadFile(cCtx.String(flagKeyServers.Name))
	if err != nil {
		return nil, fmt.Errorf("reading key servers: %w", err)
	}
	var descriptors []interfaces.KeyServerDescriptor
	if err := json.Unmarshal(raw, &descriptors); err != nil {
		return nil, fmt.Errorf("parsing key servers: %w", err)
	}

	return sealclient.New(sealclient.Config{
		KeyServers:            descriptors,
		RequireAttestation:    cCtx.Bool(flagRequireAttestation.Name),
		AllowDummyAttestation: cCtx.Bool(flagAllowDummy.Name),
		Log:                   logger,
	})
}

func loadSigner(cCtx *cli.Context) (*session.PrivateKeySigner, error) {
	if path := cCtx.String(flagKeystore.Name); path != "" {
		return session.LoadKeystoreSigner(path, cCtx.String(flagPassphrase.Name))
	}
	if key := cCtx.String(flagPrivateKey.Name); key != "" {
		return session.NewPrivateKeySignerFromHex(key)
	}
	return nil, fmt.Errorf("one of --%s or --%s is required", flagKeystore.Name, flagPrivateKey.Name)
}

func parseInnerID(s string) []byte {
	if raw, err := hexutil.Decode(s); err == nil {
		return raw
	}
	return []byte(s)
}

func parseHexFlag(cCtx *cli.Context, name string) ([]byte, error) {
	s := cCtx.String(name)
	if s == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid --%s: %w", name, err)
	}
	return raw, nil
}

func readInput(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// envelopeInput takes the envelope from the first argument, or from --in.
func envelopeInput(cCtx *cli.Context) ([]byte, error) {
	if arg := cCtx.Args().First(); arg != "" {
		return decodeEnvelopeHex(arg)
	}
	return readEnvelope(cCtx.String(flagIn.Name))
}

// readEnvelope reads a hex-encoded envelope.
func readEnvelope(path string) ([]byte, error) {
	raw, err := readInput(path)
	if err != nil {
		return nil, err
	}
	return decodeEnvelopeHex(string(raw))
}

func decodeEnvelopeHex(s string) ([]byte, error) {
	data, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: envelope is not hex: %w", interfaces.ErrMalformedEnvelope, err)
	}
	return data, nil
}

func writeOutput(path string, data []byte) error {
	if path == "" || path == "-" {
		_, err := os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func printJSON(v any) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}

func unwrapJoined(err error) []error {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}
