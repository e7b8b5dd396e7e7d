package config

import (
	"os"
	"path/filepath"
	"testing"

	xerrors "OpenMCP-Escrow/internal/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "escrow.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"enclave":{"definitions_path":"enclaves.yaml"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	dir := filepath.Dir(path)

	if cfg.Server.Address != ":8080" || cfg.Server.ShutdownGrace().Seconds() != 10 {
		t.Fatalf("unexpected server defaults %+v", cfg.Server)
	}
	if cfg.Storage.Driver != "memory" || cfg.Queue.Driver != "memory" || cfg.Queue.Workers != 4 || cfg.Queue.MaxRetries != 3 {
		t.Fatalf("unexpected backend defaults %+v %+v", cfg.Storage, cfg.Queue)
	}
	if cfg.Settlement.Policy != "winner_take_all" || cfg.Settlement.ScoreThreshold == nil || *cfg.Settlement.ScoreThreshold != 70 {
		t.Fatalf("unexpected settlement defaults %+v", cfg.Settlement)
	}
	if cfg.Enclave.DefinitionsPath != filepath.Join(dir, "enclaves.yaml") {
		t.Fatalf("definitions path not resolved: %s", cfg.Enclave.DefinitionsPath)
	}
	if cfg.Runtime.DataDir != filepath.Join(dir, "data") {
		t.Fatalf("unexpected data dir %s", cfg.Runtime.DataDir)
	}
	if cfg.Ledger.AllowMint {
		t.Fatal("mint must be disabled by default")
	}
	if cfg.Alerting.Enabled || cfg.Alerting.Timeout().Seconds() != 5 {
		t.Fatalf("unexpected alerting defaults %+v", cfg.Alerting)
	}
}

func TestLoadKeepsExplicitZeroThreshold(t *testing.T) {
	path := writeConfig(t, `{"settlement":{"policy":"bounded_reward","score_threshold":0,"reward_amount":25},"ledger":{"allow_mint":true}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if *cfg.Settlement.ScoreThreshold != 0 || cfg.Settlement.RewardAmount != 25 || !cfg.Ledger.AllowMint {
		t.Fatalf("unexpected settlement %+v", cfg.Settlement)
	}
}

func TestLoadValidatesBackends(t *testing.T) {
	cases := []string{
		`{"storage":{"driver":"mysql"}}`,
		`{"storage":{"driver":"postgres"}}`,
		`{"queue":{"driver":"redis"}}`,
		`{"queue":{"driver":"rabbitmq"}}`,
		`{"queue":{"driver":"kafka"}}`,
		`{"auth":{"mode":"token"}}`,
		`{"auth":{"mode":"oauth"}}`,
		`{not json`,
	}
	for _, content := range cases {
		if _, err := Load(writeConfig(t, content)); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
			t.Fatalf("%s: expected invalid argument, got %v", content, err)
		}
	}
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	if PathFromEnv() != DefaultPath {
		t.Fatalf("unexpected default path %s", PathFromEnv())
	}
	t.Setenv(EnvConfigPath, "/etc/escrow.json")
	if PathFromEnv() != "/etc/escrow.json" {
		t.Fatalf("env override ignored: %s", PathFromEnv())
	}
}

func TestLoadShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "escrow.json"))
	if err != nil {
		t.Fatalf("load shipped config: %v", err)
	}
	if cfg.Enclave.Default != "dev-secp256k1" || filepath.Base(cfg.Enclave.DefinitionsPath) != "enclaves.yaml" {
		t.Fatalf("unexpected enclave section %+v", cfg.Enclave)
	}
	if cfg.Logging.Audit.Path != filepath.Join(cfg.Runtime.DataDir, "logs", "audit.log") {
		t.Fatalf("audit path not resolved: %s", cfg.Logging.Audit.Path)
	}
}

func TestTokenSecretFromEnv(t *testing.T) {
	t.Setenv("ESCROW_FAUCET_TOKEN", "from-env")
	tok := TokenConfig{Name: "faucet", Secret: "inline", SecretEnv: "ESCROW_FAUCET_TOKEN"}
	if tok.ResolveSecret() != "from-env" {
		t.Fatalf("unexpected secret %q", tok.ResolveSecret())
	}
	tok.SecretEnv = "ESCROW_UNSET_TOKEN"
	if tok.ResolveSecret() != "inline" {
		t.Fatalf("unexpected fallback %q", tok.ResolveSecret())
	}
}
