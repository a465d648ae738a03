package main

import (
	"log"
	"os"

	"github.com/ruteri/threshold-seal/cmd/flags"
	"github.com/ruteri/threshold-seal/session"
	"github.com/urfave/cli/v2"
)

var flagKeyServers = &cli.StringFlag{
	Name:     "key-servers",
	Required: true,
	Usage:    "JSON file with the key server descriptors: [{\"id\", \"public_key\", \"url\"}]",
	EnvVars:  []string{"SEAL_KEY_SERVERS"},
}

var flagThreshold = &cli.IntFlag{
	Name:  "threshold",
	Value: 1,
	Usage: "number of key servers that must approve decryption",
}

var flagID = &cli.StringFlag{
	Name:     "id",
	Required: true,
	Usage:    "inner identity within the namespace. 0x-prefixed values are decoded as hex",
}

var flagIn = &cli.StringFlag{
	Name:  "in",
	Usage: "input file. Defaults to stdin",
}

var flagOut = &cli.StringFlag{
	Name:  "out",
	Usage: "output file. Defaults to stdout",
}

var flagBackupKeyOut = &cli.StringFlag{
	Name:  "backup-key-out",
	Usage: "write the backup key to this file instead of stderr",
}

var flagPrivateKey = &cli.StringFlag{
	Name:    "private-key",
	Usage:   "hex secp256k1 key signing the session",
	EnvVars: []string{"SEAL_PRIVATE_KEY"},
}

var flagKeystore = &cli.StringFlag{
	Name:  "keystore",
	Usage: "go-ethereum keystore file signing the session",
}

var flagPassphrase = &cli.StringFlag{
	Name:    "passphrase",
	Usage:   "keystore passphrase",
	EnvVars: []string{"SEAL_KEYSTORE_PASSPHRASE"},
}

var flagTTL = &cli.DurationFlag{
	Name:  "ttl",
	Value: session.DefaultTTL,
	Usage: "session lifetime",
}

var flagPolicyArgs = &cli.StringFlag{
	Name:  "policy-args",
	Usage: "hex extra argument passed to sealApprove",
}

var flagBlock = &cli.Uint64Flag{
	Name:  "block",
	Usage: "evaluate the policy at this block instead of simulating against --rpc-addr",
}

var flagRequireAttestation = &cli.BoolFlag{
	Name:  "require-attestation",
	Usage: "verify key server attestation quotes",
}

var flagAllowDummy = &cli.BoolFlag{
	Name:  "allow-dummy-attestation",
	Usage: "accept development attestation quotes",
}

var flagBackupKey = &cli.StringFlag{
	Name:     "key",
	Required: true,
	Usage:    "hex backup key returned by encrypt",
}

var sealLogFlag = flags.LogServiceFlagFn("sealcli")

func main() {
	app := &cli.App{
		Name:  "sealcli",
		Usage: "Encrypt to an identity and decrypt with key server approval",
		Flags: append([]cli.Flag{sealLogFlag}, flags.LogFlags...),
		Commands: []*cli.Command{
			{
				Name:   "encrypt",
				Usage:  "seal a file for an identity, printing the hex envelope",
				Flags:  []cli.Flag{flagKeyServers, flags.NamespaceFlag, flagID, flagThreshold, flagIn, flagOut, flagBackupKeyOut},
				Action: encryptCmd,
			},
			{
				Name:      "decrypt",
				Usage:     "open a hex envelope after the key servers approve the policy",
				ArgsUsage: "[envelope hex]",
				Flags: []cli.Flag{
					flagKeyServers, flagIn, flagOut, flagPrivateKey, flagKeystore, flagPassphrase,
					flagTTL, flagPolicyArgs, flagBlock, flags.RpcAddrFlag,
				},
				Action: decryptCmd,
			},
			{
				Name:      "inspect",
				Usage:     "print the header of a hex envelope as JSON",
				ArgsUsage: "[envelope hex]",
				Flags:     []cli.Flag{flagIn},
				Action:    inspectCmd,
			},
			{
				Name:   "service",
				Usage:  "query and verify every configured key server",
				Flags:  []cli.Flag{flagKeyServers, flagRequireAttestation, flagAllowDummy},
				Action: serviceCmd,
			},
			{
				Name:      "symmetric-decrypt",
				Usage:     "open a hex envelope offline with its backup key",
				ArgsUsage: "[envelope hex]",
				Flags:     []cli.Flag{flagBackupKey, flagIn, flagOut},
				Action:    symmetricDecryptCmd,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
