package verdict

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func sampleRegister() RegisterVerdict {
	return RegisterVerdict{
		AgentID:        "a1",
		Creator:        common.HexToAddress("0x00000000000000000000000000000000000000c1"),
		CostPerMessage: 1000,
		SystemPrompt:   "hi",
	}
}

func TestEncodeDeterministic(t *testing.T) {
	first, err := Encode(IntentRegistration, 1747898372482, sampleRegister())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	v := sampleRegister()
	second, err := Encode(IntentRegistration, 1747898372482, &v)
	if err != nil {
		t.Fatalf("encode pointer: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("same verdict must encode identically")
	}
}

func TestEncodeBindsEveryField(t *testing.T) {
	base, err := Encode(IntentRegistration, 1, sampleRegister())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	changed := []RegisterVerdict{sampleRegister(), sampleRegister(), sampleRegister(), sampleRegister()}
	changed[0].AgentID = "a2"
	changed[1].CostPerMessage = 1001
	changed[2].SystemPrompt = "hi!"
	changed[3].Creator = common.HexToAddress("0x00000000000000000000000000000000000000c2")
	for i, v := range changed {
		encoded, err := Encode(IntentRegistration, 1, v)
		if err != nil {
			t.Fatalf("encode %d: %v", i, err)
		}
		if bytes.Equal(base, encoded) {
			t.Fatalf("variant %d collides with base encoding", i)
		}
	}

	later, err := Encode(IntentRegistration, 2, sampleRegister())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if bytes.Equal(base, later) {
		t.Fatal("timestamp must be part of the encoding")
	}
}

func TestEncodeRejectsCrossIntent(t *testing.T) {
	if _, err := Encode(IntentConsumption, 1, sampleRegister()); !errors.Is(err, ErrIntentMismatch) {
		t.Fatalf("expected intent mismatch, got %v", err)
	}
	consume := ConsumeVerdict{AgentID: "a1", UserPrompt: "hello", Success: true, Score: 90}
	if _, err := Encode(IntentRegistration, 1, consume); !errors.Is(err, ErrIntentMismatch) {
		t.Fatalf("expected intent mismatch, got %v", err)
	}
	if _, err := Encode(IntentConsumption, 1, nil); err == nil {
		t.Fatal("nil verdict must fail")
	}
}

func TestDigestDiffersAcrossShapes(t *testing.T) {
	reg, err := Digest(IntentRegistration, 5, RegisterVerdict{AgentID: "x"})
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	con, err := Digest(IntentConsumption, 5, ConsumeVerdict{AgentID: "x"})
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if len(reg) != 32 || len(con) != 32 {
		t.Fatalf("unexpected digest sizes %d %d", len(reg), len(con))
	}
	if bytes.Equal(reg, con) {
		t.Fatal("different intents must not share a digest")
	}
}

func TestParseIntent(t *testing.T) {
	if got, err := ParseIntent("registration"); err != nil || got != IntentRegistration {
		t.Fatalf("unexpected %v %v", got, err)
	}
	if got, err := ParseIntent("2"); err != nil || got != IntentConsumption {
		t.Fatalf("unexpected %v %v", got, err)
	}
	if _, err := ParseIntent("withdraw"); err == nil {
		t.Fatal("expected error for unknown intent")
	}
}
