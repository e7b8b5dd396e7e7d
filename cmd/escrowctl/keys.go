package main

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/urfave/cli/v2"

	"OpenMCP-Escrow/internal/enclave"
	"OpenMCP-Escrow/internal/verdict"
)

var (
	keygenCommand = &cli.Command{
		Name:  "keygen",
		Usage: "Generate an enclave key pair, or an account key with --account",
		Flags: []cli.Flag{
			schemeFlag,
			&cli.BoolFlag{Name: "account", Usage: "generate a transaction sender key instead"},
		},
		Action: keygen,
	}

	signRegisterCommand = &cli.Command{
		Name:  "sign-register",
		Usage: "Sign a registration verdict with an enclave key",
		Flags: []cli.Flag{
			schemeFlag,
			enclaveKeyFlag,
			timestampFlag,
			&cli.StringFlag{Name: "agent-id", Required: true},
			&cli.StringFlag{Name: "creator", Usage: "creator account address", Required: true},
			&cli.Uint64Flag{Name: "cost", Usage: "cost per message"},
			&cli.StringFlag{Name: "prompt", Usage: "system prompt"},
		},
		Action: signRegister,
	}

	signConsumeCommand = &cli.Command{
		Name:  "sign-consume",
		Usage: "Sign a consumption verdict with an enclave key",
		Flags: []cli.Flag{
			schemeFlag,
			enclaveKeyFlag,
			timestampFlag,
			&cli.StringFlag{Name: "agent-id", Required: true},
			&cli.StringFlag{Name: "prompt", Usage: "user prompt"},
			&cli.BoolFlag{Name: "success"},
			&cli.StringFlag{Name: "explanation"},
			&cli.UintFlag{Name: "score"},
		},
		Action: signConsume,
	}
)

type keyOutput struct {
	Scheme     string `json:"scheme,omitempty"`
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key,omitempty"`
	Address    string `json:"address,omitempty"`
}

type signatureOutput struct {
	TimestampMs uint64 `json:"timestamp_ms"`
	Signature   string `json:"signature"`
}

func keygen(ctx *cli.Context) error {
	if ctx.Bool("account") {
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		return printJSON(ctx.App.Writer, keyOutput{
			PrivateKey: hexutil.Encode(crypto.FromECDSA(key)),
			Address:    crypto.PubkeyToAddress(key.PublicKey).Hex(),
		})
	}
	scheme, err := enclave.ParseScheme(ctx.String("scheme"))
	if err != nil {
		return err
	}
	signer, err := enclave.GenerateSigner(scheme)
	if err != nil {
		return err
	}
	return printJSON(ctx.App.Writer, keyOutput{
		Scheme:     string(scheme),
		PrivateKey: hexutil.Encode(signer.PrivateKey()),
		PublicKey:  hexutil.Encode(signer.PublicKey()),
	})
}

func loadSigner(ctx *cli.Context) (*enclave.Signer, error) {
	scheme, err := enclave.ParseScheme(ctx.String("scheme"))
	if err != nil {
		return nil, err
	}
	raw, err := hexutil.Decode(ctx.String("enclave-key"))
	if err != nil {
		return nil, fmt.Errorf("decode enclave key: %w", err)
	}
	return enclave.NewSigner(scheme, raw)
}

func verdictTimestamp(ctx *cli.Context) uint64 {
	if ts := ctx.Uint64("timestamp"); ts > 0 {
		return ts
	}
	return uint64(time.Now().UnixMilli())
}

func signRegister(ctx *cli.Context) error {
	signer, err := loadSigner(ctx)
	if err != nil {
		return err
	}
	creator := ctx.String("creator")
	if !common.IsHexAddress(creator) {
		return fmt.Errorf("invalid creator address %q", creator)
	}
	ts := verdictTimestamp(ctx)
	sig, err := signer.Sign(verdict.IntentRegistration, ts, verdict.RegisterVerdict{
		AgentID:        ctx.String("agent-id"),
		Creator:        common.HexToAddress(creator),
		CostPerMessage: ctx.Uint64("cost"),
		SystemPrompt:   ctx.String("prompt"),
	})
	if err != nil {
		return err
	}
	return printJSON(ctx.App.Writer, signatureOutput{TimestampMs: ts, Signature: hexutil.Encode(sig)})
}

func signConsume(ctx *cli.Context) error {
	signer, err := loadSigner(ctx)
	if err != nil {
		return err
	}
	score := ctx.Uint("score")
	if score > 255 {
		return fmt.Errorf("score must fit in a byte, got %d", score)
	}
	ts := verdictTimestamp(ctx)
	sig, err := signer.Sign(verdict.IntentConsumption, ts, verdict.ConsumeVerdict{
		AgentID:     ctx.String("agent-id"),
		UserPrompt:  ctx.String("prompt"),
		Success:     ctx.Bool("success"),
		Explanation: ctx.String("explanation"),
		Score:       uint8(score),
	})
	if err != nil {
		return err
	}
	return printJSON(ctx.App.Writer, signatureOutput{TimestampMs: ts, Signature: hexutil.Encode(sig)})
}
