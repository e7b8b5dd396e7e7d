package submission

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	xerrors "OpenMCP-Escrow/internal/errors"
	"OpenMCP-Escrow/internal/settlement"
)

func TestEnvelopeSenderRecovery(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	env, err := NewEnvelope(KindFundAgent, FundAgentPayload{AgentRef: "8f7b0c5e-2d8e-4b53-9a36-0a1b2c3d4e5f", Amount: 10}, 1, key)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	sender, err := env.Sender()
	if err != nil {
		t.Fatalf("sender: %v", err)
	}
	if sender != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("unexpected sender %s", sender.Hex())
	}

	legacy := *env
	legacy.Signature = append([]byte(nil), env.Signature...)
	legacy.Signature[64] += 27
	if got, err := legacy.Sender(); err != nil || got != sender {
		t.Fatalf("V in 27/28 form should recover the same sender: %v", err)
	}

	tampered := *env
	tampered.Nonce = 2
	if got, err := tampered.Sender(); err == nil && got == sender {
		t.Fatal("nonce change must change the recovered sender")
	}

	short := *env
	short.Signature = env.Signature[:64]
	if _, err := short.Sender(); xerrors.CodeOf(err) != CodeSubmissionValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestEnvelopeIDIgnoresWhitespace(t *testing.T) {
	key, _ := crypto.GenerateKey()
	env, err := NewEnvelope(KindUpdateCost, UpdateCostPayload{AgentRef: "8f7b0c5e-2d8e-4b53-9a36-0a1b2c3d4e5f", CostPerMessage: 3}, 7, key)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	id, err := env.ID()
	if err != nil {
		t.Fatalf("id: %v", err)
	}
	if len(id) != 64 {
		t.Fatalf("unexpected id length %d", len(id))
	}

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Envelope
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	decoded.Payload = json.RawMessage("{\n  \"agent_ref\": \"8f7b0c5e-2d8e-4b53-9a36-0a1b2c3d4e5f\",\n  \"cost_per_message\": 3\n}")
	decodedID, err := decoded.ID()
	if err != nil || decodedID != id {
		t.Fatalf("id changed after reformatting payload: %s vs %s (%v)", decodedID, id, err)
	}
	if sender, err := decoded.Sender(); err != nil || sender != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("sender changed after reformatting payload: %v", err)
	}

	other, _ := crypto.GenerateKey()
	otherEnv, err := NewEnvelope(KindUpdateCost, UpdateCostPayload{AgentRef: "8f7b0c5e-2d8e-4b53-9a36-0a1b2c3d4e5f", CostPerMessage: 3}, 7, other)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	otherID, err := otherEnv.ID()
	if err != nil {
		t.Fatalf("id: %v", err)
	}
	if otherID == id {
		t.Fatal("envelopes signed by different accounts must not share an id")
	}
}

func TestDecodeRequest(t *testing.T) {
	req, err := DecodeRequest(KindConsumePrompt, json.RawMessage(`{
		"agent_id":"a1","agent_ref":"8F7B0C5E-2D8E-4B53-9A36-0A1B2C3D4E5F","user_prompt":"hi",
		"success":true,"explanation":"ok","score":80,"timestamp_ms":5,"signature":"0x0102"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	consume, ok := req.(settlement.ConsumeRequest)
	if !ok {
		t.Fatalf("unexpected request type %T", req)
	}
	if consume.AgentRef != "8f7b0c5e-2d8e-4b53-9a36-0a1b2c3d4e5f" || consume.Score != 80 || len(consume.Signature) != 2 {
		t.Fatalf("unexpected request %+v", consume)
	}

	cases := []struct {
		kind    Kind
		payload string
	}{
		{KindRegisterAgent, `{"agent_id":""}`},
		{KindRegisterAgent, `{"agent_id":"a1","unknown":1}`},
		{KindFundAgent, `{"agent_ref":"not-a-uuid","amount":1}`},
		{KindWithdraw, `not json`},
		{Kind("mint"), `{}`},
	}
	for _, tc := range cases {
		if _, err := DecodeRequest(tc.kind, json.RawMessage(tc.payload)); !errors.Is(err, xerrors.New(CodeSubmissionValidation, "")) {
			t.Fatalf("%s %s: expected validation error, got %v", tc.kind, tc.payload, err)
		}
	}
}
