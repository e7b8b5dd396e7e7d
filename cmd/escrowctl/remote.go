package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/urfave/cli/v2"

	"OpenMCP-Escrow/internal/submission"
	"OpenMCP-Escrow/sdk/go/escrow"
)

var (
	submitCommand = &cli.Command{
		Name:      "submit",
		Usage:     "Sign and submit a transaction",
		ArgsUsage: "<kind>",
		Flags: []cli.Flag{
			serverFlag,
			&cli.StringFlag{Name: "key", Usage: "hex encoded sender private key", EnvVars: []string{"ESCROW_KEY"}, Required: true},
			&cli.StringFlag{Name: "payload", Usage: "JSON payload, or @file to read it from a file", Required: true},
			&cli.Uint64Flag{Name: "nonce", Usage: "envelope nonce (defaults to the current time in nanoseconds)"},
			&cli.BoolFlag{Name: "wait", Usage: "wait until the transaction is finished"},
			&cli.DurationFlag{Name: "timeout", Value: 30 * time.Second},
		},
		Action: submit,
	}

	transactionCommand = &cli.Command{
		Name:      "tx",
		Usage:     "Show a submitted transaction",
		ArgsUsage: "<id>",
		Flags:     []cli.Flag{serverFlag},
		Action: func(ctx *cli.Context) error {
			client, err := newClient(ctx)
			if err != nil {
				return err
			}
			sub, err := client.GetSubmission(ctx.Context, requireArg(ctx))
			if err != nil {
				return err
			}
			return printJSON(ctx.App.Writer, sub)
		},
	}

	agentCommand = &cli.Command{
		Name:      "agent",
		Usage:     "Show an agent, or list all agents when no id is given",
		ArgsUsage: "[agent-id]",
		Flags:     []cli.Flag{serverFlag},
		Action: func(ctx *cli.Context) error {
			client, err := newClient(ctx)
			if err != nil {
				return err
			}
			if ctx.Args().Len() == 0 {
				ids, err := client.Agents(ctx.Context)
				if err != nil {
					return err
				}
				return printJSON(ctx.App.Writer, ids)
			}
			details, err := client.Agent(ctx.Context, ctx.Args().First())
			if err != nil {
				return err
			}
			return printJSON(ctx.App.Writer, details)
		},
	}

	accountCommand = &cli.Command{
		Name:      "account",
		Usage:     "Show the balance of an account",
		ArgsUsage: "<address>",
		Flags:     []cli.Flag{serverFlag},
		Action: func(ctx *cli.Context) error {
			addr, err := parseAddress(requireArg(ctx))
			if err != nil {
				return err
			}
			client, err := newClient(ctx)
			if err != nil {
				return err
			}
			account, err := client.Account(ctx.Context, addr)
			if err != nil {
				return err
			}
			return printJSON(ctx.App.Writer, account)
		},
	}

	mintCommand = &cli.Command{
		Name:      "mint",
		Usage:     "Credit an account on a development server",
		ArgsUsage: "<address> <amount>",
		Flags:     []cli.Flag{serverFlag},
		Action: func(ctx *cli.Context) error {
			addr, err := parseAddress(ctx.Args().Get(0))
			if err != nil {
				return err
			}
			amount, err := strconv.ParseUint(ctx.Args().Get(1), 10, 64)
			if err != nil {
				return fmt.Errorf("invalid amount %q", ctx.Args().Get(1))
			}
			client, err := newClient(ctx)
			if err != nil {
				return err
			}
			account, err := client.Mint(ctx.Context, addr, amount)
			if err != nil {
				return err
			}
			return printJSON(ctx.App.Writer, account)
		},
	}

	eventsCommand = &cli.Command{
		Name:  "events",
		Usage: "List committed escrow events",
		Flags: []cli.Flag{
			serverFlag,
			&cli.StringFlag{Name: "agent-id"},
			&cli.Uint64Flag{Name: "after", Usage: "only events with a larger sequence number"},
			&cli.IntFlag{Name: "limit", Value: 50},
			&cli.StringSliceFlag{Name: "type", Usage: "event types to include"},
		},
		Action: func(ctx *cli.Context) error {
			client, err := newClient(ctx)
			if err != nil {
				return err
			}
			events, err := client.Events(ctx.Context, escrow.EventQuery{
				AgentID:  ctx.String("agent-id"),
				AfterSeq: ctx.Uint64("after"),
				Limit:    ctx.Int("limit"),
				Types:    ctx.StringSlice("type"),
			})
			if err != nil {
				return err
			}
			return printJSON(ctx.App.Writer, events)
		},
	}
)

func newClient(ctx *cli.Context) (*escrow.Client, error) {
	return escrow.NewClient(ctx.String("server"), nil)
}

func requireArg(ctx *cli.Context) string {
	return strings.TrimSpace(ctx.Args().First())
}

func parseAddress(raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(raw), nil
}

func readPayload(raw string) (json.RawMessage, error) {
	if strings.HasPrefix(raw, "@") {
		content, err := os.ReadFile(strings.TrimPrefix(raw, "@"))
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		raw = string(content)
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func buildEnvelope(ctx *cli.Context) (*submission.Envelope, error) {
	kind := submission.Kind(requireArg(ctx))
	if !submission.IsValidKind(kind) {
		return nil, fmt.Errorf("unknown transaction kind %q, expected one of %v", kind, submission.Kinds())
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(ctx.String("key"), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse sender key: %w", err)
	}
	payload, err := readPayload(ctx.String("payload"))
	if err != nil {
		return nil, err
	}
	nonce := ctx.Uint64("nonce")
	if nonce == 0 {
		nonce = uint64(time.Now().UnixNano())
	}
	env := &submission.Envelope{Kind: kind, Payload: payload, Nonce: nonce}
	if err := env.Sign(key); err != nil {
		return nil, err
	}
	return env, nil
}

func submit(ctx *cli.Context) error {
	env, err := buildEnvelope(ctx)
	if err != nil {
		return err
	}
	client, err := newClient(ctx)
	if err != nil {
		return err
	}
	sub, err := client.Submit(ctx.Context, env)
	if err != nil {
		return err
	}
	if ctx.Bool("wait") {
		waitCtx, cancel := context.WithTimeout(ctx.Context, ctx.Duration("timeout"))
		defer cancel()
		sub, err = client.WaitForSubmission(waitCtx, sub.ID, 250*time.Millisecond)
		if err != nil {
			return err
		}
	}
	return printJSON(ctx.App.Writer, sub)
}
