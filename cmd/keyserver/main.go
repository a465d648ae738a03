package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/threshold-seal/api/keyserverhandler"
	"github.com/ruteri/threshold-seal/api/server"
	"github.com/ruteri/threshold-seal/cmd/flags"
	"github.com/ruteri/threshold-seal/common"
	"github.com/ruteri/threshold-seal/metrics"
	"github.com/urfave/cli/v2"
)

var KeyServerLogFlag = flags.LogServiceFlagFn("keyserver")

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for the key server API",
}

var PublicURLFlag = &cli.StringFlag{
	Name:  "public-url",
	Usage: "URL clients reach this key server at, written into the descriptor",
}

var PrintDescriptorFlag = &cli.BoolFlag{
	Name:  "print-descriptor",
	Usage: "print the descriptor derived from the seed to stdout and exit",
}

var KeyServerFlags = []cli.Flag{
	SeedURIFlag,
	AttestationFlag,
	RemoteAttestationFlag,
	PublicURLFlag,
	PrintDescriptorFlag,
	ListenAddrFlag,
	PolicyModeFlag,
	AllowlistFlag,
	RateLimitFlag,
	RateBurstFlag,
	RemoteRateLimitFlag,
	MaxBlockAgeFlag,
	flags.RpcAddrFlag,
	KeyServerLogFlag,
}

func printDescriptor(cCtx *cli.Context) error {
	logger := flags.SetupLoggerTo(cCtx, os.Stderr)
	ks, err := SetupKeyServer(cCtx, logger)
	if err != nil {
		return err
	}

	encoded, err := json.MarshalIndent(ks.Descriptor(cCtx.String(PublicURLFlag.Name)), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}

func main() {
	app := &cli.App{
		Name:  "keyserver",
		Usage: "Serve identity-based key shares to principals the policy approves",
		Flags: append(append([]cli.Flag{}, KeyServerFlags...), flags.CommonFlags...),
		Action: func(cCtx *cli.Context) error {
			if cCtx.Bool(PrintDescriptorFlag.Name) {
				return printDescriptor(cCtx)
			}

			listenAddr := cCtx.String(ListenAddrFlag.Name)
			logger := flags.SetupLogger(cCtx)

			ks, err := SetupKeyServer(cCtx, logger)
			if err != nil {
				logger.Error("Failed to initialize key server", "err", err)
				return err
			}
			logger.Info("Key server initialized", "id", ks.ID())

			bridge, err := SetupPolicyBridge(cCtx, logger)
			if err != nil {
				logger.Error("Failed to initialize policy bridge", "err", err)
				return err
			}

			serverCfg := flags.ConfigureServer(cCtx, logger, listenAddr)

			var metricsSrv *metrics.MetricsServer
			if serverCfg.MetricsAddr != "" {
				metricsSrv, err = metrics.New(common.PackageName, serverCfg.MetricsAddr)
				if err != nil {
					logger.Error("Failed to create metrics server", "err", err)
					return err
				}
			}

			var keyServerMetrics *metrics.KeyServerMetrics
			if metricsSrv != nil {
				keyServerMetrics = metricsSrv.KeyServer
			}

			handler := keyserverhandler.NewHandler(ks, bridge, SetupRateLimiter(cCtx), keyServerMetrics, logger).
				WithRemoteLimiter(SetupRemoteLimiter(cCtx))
			srv, err := server.New(serverCfg, metricsSrv, handler)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			srv.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			srv.Shutdown()
			logger.Info("Server shutdown complete")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
