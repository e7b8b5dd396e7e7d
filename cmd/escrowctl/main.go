package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	serverFlag = &cli.StringFlag{
		Name:    "server",
		Usage:   "escrow API base URL",
		Value:   "http://127.0.0.1:8080",
		EnvVars: []string{"ESCROW_SERVER"},
	}
	schemeFlag = &cli.StringFlag{
		Name:  "scheme",
		Usage: "enclave signature scheme (secp256k1 or ed25519)",
		Value: "secp256k1",
	}
	enclaveKeyFlag = &cli.StringFlag{
		Name:     "enclave-key",
		Usage:    "hex encoded enclave private key",
		EnvVars:  []string{"ESCROW_ENCLAVE_KEY"},
		Required: true,
	}
	timestampFlag = &cli.Uint64Flag{
		Name:  "timestamp",
		Usage: "verdict timestamp in unix milliseconds (defaults to now)",
	}
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "escrowctl",
		Usage: "developer tooling for the enclave-verified agent escrow",
		Commands: []*cli.Command{
			keygenCommand,
			signRegisterCommand,
			signConsumeCommand,
			submitCommand,
			transactionCommand,
			agentCommand,
			accountCommand,
			mintCommand,
			eventsCommand,
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
