package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"OpenMCP-Escrow/internal/auth"
	"OpenMCP-Escrow/internal/enclave"
	"OpenMCP-Escrow/internal/escrow"
	"OpenMCP-Escrow/internal/ledger"
	"OpenMCP-Escrow/internal/settlement"
	"OpenMCP-Escrow/internal/submission"
)

type fixture struct {
	server  *Server
	handler http.Handler
	engine  *settlement.Engine
	store   *submission.MemoryStore
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	signer, err := enclave.GenerateSigner(enclave.SchemeSecp256k1)
	if err != nil {
		t.Fatalf("generate signer: %v", err)
	}
	gw, err := signer.Enclave("dev")
	if err != nil {
		t.Fatalf("enclave: %v", err)
	}
	registry, err := enclave.NewRegistryFrom("dev", gw)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	engine, err := settlement.NewEngine(escrow.NewMemoryStore(), registry)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	store := submission.NewMemoryStore()
	svc := submission.NewService(store, submission.NewMemoryQueue(16), 3)
	server := NewServer(":0", svc, engine, opts...)
	return &fixture{server: server, handler: server.Handler(), engine: engine, store: store}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp
}

func TestSubmitTransaction(t *testing.T) {
	f := newFixture(t)
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	env, err := submission.NewEnvelope(submission.KindFundAgent, submission.FundAgentPayload{
		AgentRef: string(ledger.NewObjectID()),
		Amount:   10,
	}, 1, key)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}

	rec := f.do(t, http.MethodPost, "/api/v1/transactions", env)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status code: got %d want %d: %s", rec.Code, http.StatusAccepted, rec.Body.String())
	}
	var sub submission.Submission
	if err := json.Unmarshal(rec.Body.Bytes(), &sub); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if sub.Status != submission.StatusPending || sub.Sender != crypto.PubkeyToAddress(key.PublicKey).Hex() {
		t.Fatalf("unexpected submission %+v", sub)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/transactions/"+sub.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("detail status %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/transactions?status=pending&stats=true", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status %d", rec.Code)
	}
	var listed struct {
		Transactions []submission.Submission `json:"transactions"`
		Stats        submission.Stats        `json:"stats"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed.Transactions) != 1 || listed.Stats.Pending != 1 {
		t.Fatalf("unexpected list %+v", listed)
	}
}

func TestSubmitTransactionErrors(t *testing.T) {
	f := newFixture(t)

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/transactions", bytes.NewReader([]byte("{")))
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("bad signature", func(t *testing.T) {
		env := submission.Envelope{
			Kind:      submission.KindWithdraw,
			Payload:   json.RawMessage(`{"agent_ref":"` + string(ledger.NewObjectID()) + `","amount":1}`),
			Signature: []byte{1, 2, 3},
		}
		rec := f.do(t, http.MethodPost, "/api/v1/transactions", env)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
		if resp := decodeError(t, rec); resp.Code != string(submission.CodeSubmissionValidation) {
			t.Fatalf("unexpected error %+v", resp)
		}
	})

	t.Run("invalid method", func(t *testing.T) {
		rec := f.do(t, http.MethodDelete, "/api/v1/transactions", nil)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})

	t.Run("missing id", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/transactions/", nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("not found", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/transactions/missing", nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
	})

	t.Run("bad limit", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/transactions?limit=-1", nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})
}

func TestAccountsAndMint(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000000a1")

	disabled := newFixture(t)
	rec := disabled.do(t, http.MethodPost, "/api/v1/accounts/"+addr.Hex()+"/mint", mintRequest{Amount: 5})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("mint should be hidden, got %d", rec.Code)
	}

	f := newFixture(t, WithMint(true))
	rec = f.do(t, http.MethodPost, "/api/v1/accounts/"+addr.Hex()+"/mint", mintRequest{Amount: 5})
	if rec.Code != http.StatusOK {
		t.Fatalf("mint status %d: %s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, http.MethodPost, "/api/v1/accounts/"+addr.Hex()+"/mint", mintRequest{Amount: 0})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("zero mint should fail, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/accounts/"+addr.Hex(), nil)
	var account accountResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &account); err != nil {
		t.Fatalf("decode account: %v", err)
	}
	if account.Balance != 5 || account.Address != addr.Hex() {
		t.Fatalf("unexpected account %+v", account)
	}

	if rec := f.do(t, http.MethodGet, "/api/v1/accounts/not-an-address", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/accounts/"+addr.Hex()+"/other", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected not found, got %d", rec.Code)
	}
}

func TestMintGuard(t *testing.T) {
	guard, err := auth.NewService(auth.ModeToken, []auth.Token{{Name: "faucet", Secret: "s3cret", Permissions: []string{auth.PermissionMint}}})
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}
	f := newFixture(t, WithMint(true), WithMintGuard(guard.Middleware(auth.PermissionMint)))
	path := "/api/v1/accounts/0x00000000000000000000000000000000000000a1/mint"

	if rec := f.do(t, http.MethodPost, path, mintRequest{Amount: 5}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader([]byte(`{"amount":5}`)))
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected ok, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAgentsAndEvents(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/agents", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("agents status %d", rec.Code)
	}
	var agents struct {
		AgentIDs []string `json:"agent_ids"`
		Count    int      `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &agents); err != nil {
		t.Fatalf("decode agents: %v", err)
	}
	if agents.Count != 0 || agents.AgentIDs == nil {
		t.Fatalf("unexpected agents %+v", agents)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/agents/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected not found, got %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Code != string(escrow.CodeAgentNotFound) {
		t.Fatalf("unexpected error %+v", resp)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/events?agent_id=missing&limit=5", nil)
	if rec.Code != http.StatusOK || bytes.TrimSpace(rec.Body.Bytes())[0] != '[' {
		t.Fatalf("unexpected events response %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/events?limit=x", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz status %d", rec.Code)
	}
}

func TestWithContextRejectsAfterShutdown(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := httptest.NewRecorder()
	withContext(ctx, f.handler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}
}
