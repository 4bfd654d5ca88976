package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "psbt-signer:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:      "psbt-signer",
		Usage:     "Remote PSBT signer holding a single wallet key",
		ArgsUsage: "[config.toml|config.yaml]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to a TOML or YAML config file",
				EnvVars: []string{"PSBT_SIGNER_CONFIG"},
			},
			&cli.IntFlag{
				Name:    "port",
				Usage:   "HTTP listening port",
				EnvVars: []string{"PSBT_SIGNER_PORT"},
			},
			&cli.StringFlag{
				Name:    "network",
				Usage:   "Bitcoin network: bitcoin, testnet, regtest or signet",
				EnvVars: []string{"PSBT_SIGNER_NETWORK"},
			},
			&cli.StringFlag{
				Name:    "xprv",
				Usage:   "Extended private key or single-key descriptor",
				EnvVars: []string{"PSBT_SIGNER_XPRV"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level: debug, info, warn or error",
				EnvVars: []string{"PSBT_SIGNER_LOG_LEVEL"},
			},
		},
		Action: serveCommand,
		Commands: []*cli.Command{
			{
				Name:  "sign",
				Usage: "Send a PSBT to a running signer over gRPC",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "endpoint",
						Usage:    "gRPC endpoint: host:port, unix://path or vsock://cid:port",
						Required: true,
						EnvVars:  []string{"PSBT_SIGNER_ENDPOINT"},
					},
					&cli.StringFlag{
						Name:  "in",
						Usage: "File holding the PSBT text, - for stdin",
						Value: "-",
					},
					&cli.StringFlag{
						Name:  "encoding",
						Usage: "PSBT text encoding: base64 or hex",
						Value: "base64",
					},
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "Request timeout",
						Value: defaultSignTimeout,
					},
				},
				Action: signCommand,
			},
		},
	}
}
