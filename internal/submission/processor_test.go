package submission

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"OpenMCP-Escrow/internal/enclave"
	"OpenMCP-Escrow/internal/escrow"
	xerrors "OpenMCP-Escrow/internal/errors"
	"OpenMCP-Escrow/internal/observability/alerting"
	"OpenMCP-Escrow/internal/settlement"
	"OpenMCP-Escrow/internal/verdict"
)

type scriptedExecutor struct {
	mu      sync.Mutex
	errs    []error
	calls   atomic.Int32
	results json.RawMessage
}

func (s *scriptedExecutor) Execute(context.Context, *Submission) (json.RawMessage, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) == 0 {
		return s.results, nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return nil, err
}

func submitFund(t *testing.T, service *Service, nonce uint64) *Submission {
	t.Helper()
	key, _ := crypto.GenerateKey()
	env, err := NewEnvelope(KindFundAgent, FundAgentPayload{AgentRef: "8f7b0c5e-2d8e-4b53-9a36-0a1b2c3d4e5f", Amount: 1}, nonce, key)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	sub, err := service.Submit(context.Background(), *env)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return sub
}

func TestProcessorRetriesStorageFailures(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	service := NewService(store, queue, 3)
	exec := &scriptedExecutor{
		errs:    []error{xerrors.New(xerrors.CodeStorageFailure, "db down")},
		results: json.RawMessage(`{"ok":true}`),
	}
	processor := NewProcessor(exec, store, queue, queue)
	ctx := context.Background()

	sub := submitFund(t, service, 1)
	if err := processor.Handle(ctx, <-queue.ch); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	failed, _ := store.Get(ctx, sub.ID)
	if failed.Status != StatusFailed || failed.ErrorCode != string(xerrors.CodeStorageFailure) {
		t.Fatalf("unexpected state after retryable failure %+v", failed)
	}

	select {
	case id := <-queue.ch:
		if err := processor.Handle(ctx, id); err != nil {
			t.Fatalf("second attempt: %v", err)
		}
	default:
		t.Fatal("retryable failure was not requeued")
	}
	done, _ := store.Get(ctx, sub.ID)
	if done.Status != StatusSucceeded || done.Attempts != 2 || string(done.Result) != `{"ok":true}` {
		t.Fatalf("unexpected final state %+v", done)
	}
}

func TestProcessorRejectsLedgerFailures(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	service := NewService(store, queue, 3)
	exec := &scriptedExecutor{errs: []error{escrow.ErrNotAuthorized}}
	processor := NewProcessor(exec, store, queue, queue)
	ctx := context.Background()

	sub := submitFund(t, service, 1)
	if err := processor.Handle(ctx, <-queue.ch); err != nil {
		t.Fatalf("handle: %v", err)
	}
	rejected, _ := store.Get(ctx, sub.ID)
	if rejected.Status != StatusRejected || rejected.ErrorCode != string(escrow.CodeNotAuthorized) {
		t.Fatalf("unexpected state %+v", rejected)
	}
	select {
	case id := <-queue.ch:
		t.Fatalf("rejected submission %s was requeued", id)
	default:
	}

	// 已终结的交易再次投递时直接跳过。
	if err := processor.Handle(ctx, sub.ID); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if exec.calls.Load() != 1 {
		t.Fatalf("executor called %d times", exec.calls.Load())
	}
}

func TestProcessorStopsAfterMaxRetries(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	service := NewService(store, queue, 2)
	storageErr := xerrors.New(xerrors.CodeStorageFailure, "db down")
	exec := &scriptedExecutor{errs: []error{storageErr, storageErr, storageErr}}
	processor := NewProcessor(exec, store, queue, queue)
	ctx := context.Background()

	sub := submitFund(t, service, 1)
	for i := 0; i < 2; i++ {
		if err := processor.Handle(ctx, <-queue.ch); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	final, _ := store.Get(ctx, sub.ID)
	if final.Status != StatusRejected || final.Attempts != 2 {
		t.Fatalf("unexpected final state %+v", final)
	}
	if len(queue.ch) != 0 {
		t.Fatal("exhausted submission was requeued")
	}
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func TestProcessorAlertsOnExhaustedRetries(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	service := NewService(store, queue, 1)
	alerts := &recordingDispatcher{}
	exec := &scriptedExecutor{errs: []error{xerrors.New(xerrors.CodeStorageFailure, "db down")}}
	processor := NewProcessor(exec, store, queue, queue, WithAlertDispatcher(alerts))
	ctx := context.Background()

	sub := submitFund(t, service, 1)
	if err := processor.Handle(ctx, <-queue.ch); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(alerts.events) != 1 {
		t.Fatalf("expected one alert, got %d", len(alerts.events))
	}
	evt := alerts.events[0]
	if evt.Code != CodeSubmissionExhausted || evt.SubmissionID != sub.ID || evt.Stage != "execute" {
		t.Fatalf("unexpected alert %+v", evt)
	}
	if evt.Metadata["cause_code"] != string(xerrors.CodeStorageFailure) {
		t.Fatalf("missing cause code in %+v", evt.Metadata)
	}
}

func TestProcessorDoesNotAlertOnRejection(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	service := NewService(store, queue, 3)
	alerts := &recordingDispatcher{}
	exec := &scriptedExecutor{errs: []error{escrow.ErrNotAuthorized}}
	processor := NewProcessor(exec, store, queue, queue, WithAlertDispatcher(alerts))

	submitFund(t, service, 1)
	if err := processor.Handle(context.Background(), <-queue.ch); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(alerts.events) != 0 {
		t.Fatalf("unexpected alerts %+v", alerts.events)
	}
}

func TestServiceSubmitIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	service := NewService(store, queue, 3)

	key, _ := crypto.GenerateKey()
	env, err := NewEnvelope(KindWithdraw, WithdrawPayload{AgentRef: "8f7b0c5e-2d8e-4b53-9a36-0a1b2c3d4e5f", Amount: 5}, 9, key)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	first, err := service.Submit(context.Background(), *env)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := service.Submit(context.Background(), *env)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if first.ID != second.ID || len(queue.ch) != 1 {
		t.Fatalf("resubmission should not enqueue twice: %s %s %d", first.ID, second.ID, len(queue.ch))
	}
	if first.Sender != crypto.PubkeyToAddress(key.PublicKey).Hex() {
		t.Fatalf("unexpected sender %s", first.Sender)
	}

	bad := *env
	bad.Kind = "mint"
	if _, err := service.Submit(context.Background(), bad); xerrors.CodeOf(err) != CodeSubmissionValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	unsigned := *env
	unsigned.Signature = nil
	if _, err := service.Submit(context.Background(), unsigned); xerrors.CodeOf(err) != CodeSubmissionValidation {
		t.Fatalf("expected validation error for unsigned envelope, got %v", err)
	}
}

func TestServiceSubmitSameContentFromTwoSenders(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	service := NewService(store, queue, 3)
	exec := &scriptedExecutor{results: json.RawMessage(`{"ok":true}`)}
	processor := NewProcessor(exec, store, queue, queue)
	ctx := context.Background()

	payload := WithdrawPayload{AgentRef: "8f7b0c5e-2d8e-4b53-9a36-0a1b2c3d4e5f", Amount: 5}
	subs := make([]*Submission, 0, 2)
	for i := 0; i < 2; i++ {
		key, _ := crypto.GenerateKey()
		env, err := NewEnvelope(KindWithdraw, payload, 1, key)
		if err != nil {
			t.Fatalf("new envelope: %v", err)
		}
		sub, err := service.Submit(ctx, *env)
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if sub.Sender != crypto.PubkeyToAddress(key.PublicKey).Hex() {
			t.Fatalf("submission %d recorded sender %s", i, sub.Sender)
		}
		subs = append(subs, sub)
	}
	if subs[0].ID == subs[1].ID {
		t.Fatalf("different senders share submission id %s", subs[0].ID)
	}
	if len(queue.ch) != 2 {
		t.Fatalf("expected both submissions queued, got %d", len(queue.ch))
	}

	for i := 0; i < 2; i++ {
		if err := processor.Handle(ctx, <-queue.ch); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	if exec.calls.Load() != 2 {
		t.Fatalf("executor called %d times", exec.calls.Load())
	}
	for _, sub := range subs {
		got, err := store.Get(ctx, sub.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != StatusSucceeded {
			t.Fatalf("submission from %s not executed: %+v", sub.Sender, got)
		}
	}
}

type pipeline struct {
	service *Service
	engine  *settlement.Engine
	signer  *enclave.Signer
	cancel  context.CancelFunc
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	signer, err := enclave.GenerateSigner(enclave.SchemeSecp256k1)
	if err != nil {
		t.Fatalf("generate signer: %v", err)
	}
	bound, err := signer.Enclave("dev")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	registry, err := enclave.NewRegistryFrom("dev", bound)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	engine, err := settlement.NewEngine(escrow.NewMemoryStore(), registry)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	store := NewMemoryStore()
	queue := NewMemoryQueue(64)
	service := NewService(store, queue, 3)
	processor := NewProcessor(NewSettlementExecutor(engine), store, queue, queue, WithWorkerCount(4))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()
	t.Cleanup(cancel)
	return &pipeline{service: service, engine: engine, signer: signer, cancel: cancel}
}

func (p *pipeline) submit(key *ecdsa.PrivateKey, kind Kind, payload any, nonce uint64) (*Submission, error) {
	env, err := NewEnvelope(kind, payload, nonce, key)
	if err != nil {
		return nil, err
	}
	sub, err := p.service.Submit(context.Background(), *env)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.service.WaitUntilCompleted(ctx, sub.ID, 5*time.Millisecond)
}

func (p *pipeline) submitAndWait(t *testing.T, key *ecdsa.PrivateKey, kind Kind, payload any, nonce uint64) *Submission {
	t.Helper()
	sub, err := p.submit(key, kind, payload, nonce)
	if err != nil {
		t.Fatalf("%s: %v", kind, err)
	}
	return sub
}

func TestPipelineRegisterAndConsume(t *testing.T) {
	p := newPipeline(t)
	creatorKey, _ := crypto.GenerateKey()
	playerKey, _ := crypto.GenerateKey()
	creator := crypto.PubkeyToAddress(creatorKey.PublicKey)
	player := crypto.PubkeyToAddress(playerKey.PublicKey)

	if _, err := p.engine.Mint(context.Background(), creator, 800); err != nil {
		t.Fatalf("mint: %v", err)
	}

	regSig, err := p.signer.Sign(verdict.IntentRegistration, 1747898372482, verdict.RegisterVerdict{
		AgentID: "a1", Creator: creator, CostPerMessage: 1000, SystemPrompt: "hi",
	})
	if err != nil {
		t.Fatalf("sign register: %v", err)
	}
	registered := p.submitAndWait(t, creatorKey, KindRegisterAgent, RegisterAgentPayload{
		AgentID: "a1", CostPerMessage: 1000, SystemPrompt: "hi", TimestampMs: 1747898372482, Signature: regSig, Payment: 800,
	}, 1)
	if registered.Status != StatusSucceeded {
		t.Fatalf("register failed: %+v", registered)
	}
	var agent escrow.Agent
	if err := json.Unmarshal(registered.Result, &agent); err != nil {
		t.Fatalf("decode agent: %v", err)
	}
	if agent.AgentID != "a1" || agent.Balance.Value() != 800 {
		t.Fatalf("unexpected agent %+v", agent)
	}

	dup := p.submitAndWait(t, creatorKey, KindRegisterAgent, RegisterAgentPayload{
		AgentID: "a1", CostPerMessage: 1000, SystemPrompt: "hi", TimestampMs: 1747898372482, Signature: regSig,
	}, 2)
	if dup.Status != StatusRejected || dup.ErrorCode != string(escrow.CodeDuplicateAgent) {
		t.Fatalf("expected duplicate rejection, got %+v", dup)
	}

	consumeSig, err := p.signer.Sign(verdict.IntentConsumption, 1747898400000, verdict.ConsumeVerdict{
		AgentID: "a1", UserPrompt: "open", Success: true, Explanation: "broke it", Score: 99,
	})
	if err != nil {
		t.Fatalf("sign consume: %v", err)
	}
	consumed := p.submitAndWait(t, playerKey, KindConsumePrompt, ConsumePromptPayload{
		AgentID: "a1", AgentRef: agent.ID.String(), UserPrompt: "open", Success: true,
		Explanation: "broke it", Score: 99, TimestampMs: 1747898400000, Signature: consumeSig,
	}, 1)
	if consumed.Status != StatusSucceeded {
		t.Fatalf("consume failed: %+v", consumed)
	}
	var result settlement.ConsumeResult
	if err := json.Unmarshal(consumed.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Payout != 800 || !result.Defeated {
		t.Fatalf("unexpected consume result %+v", result)
	}
	if balance, _ := p.engine.AccountBalance(context.Background(), player); balance != 800 {
		t.Fatalf("player balance %d", balance)
	}

	stranger, _ := crypto.GenerateKey()
	denied := p.submitAndWait(t, stranger, KindUpdateCost, UpdateCostPayload{AgentRef: agent.ID.String(), CostPerMessage: 1}, 1)
	if denied.Status != StatusRejected || denied.ErrorCode != string(escrow.CodeNotAuthorized) {
		t.Fatalf("expected not authorized, got %+v", denied)
	}
}

func TestPipelineConcurrentSubmissions(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	creatorKey, _ := crypto.GenerateKey()
	creator := crypto.PubkeyToAddress(creatorKey.PublicKey)
	sig, _ := p.signer.Sign(verdict.IntentRegistration, 1, verdict.RegisterVerdict{AgentID: "pool", Creator: creator, CostPerMessage: 1})
	reg := p.submitAndWait(t, creatorKey, KindRegisterAgent, RegisterAgentPayload{AgentID: "pool", CostPerMessage: 1, TimestampMs: 1, Signature: sig}, 1)
	var agent escrow.Agent
	if err := json.Unmarshal(reg.Result, &agent); err != nil {
		t.Fatalf("decode agent: %v", err)
	}

	const funders = 20
	var wg sync.WaitGroup
	for i := 0; i < funders; i++ {
		key, _ := crypto.GenerateKey()
		if _, err := p.engine.Mint(ctx, crypto.PubkeyToAddress(key.PublicKey), 10); err != nil {
			t.Fatalf("mint: %v", err)
		}
		wg.Add(1)
		go func(i int, key *ecdsa.PrivateKey) {
			defer wg.Done()
			sub, err := p.submit(key, KindFundAgent, FundAgentPayload{AgentRef: agent.ID.String(), Amount: 10}, uint64(i))
			if err != nil {
				t.Errorf("fund %d: %v", i, err)
				return
			}
			if sub.Status != StatusSucceeded {
				t.Errorf("fund %d: %+v", i, sub)
			}
		}(i, key)
	}
	wg.Wait()

	balance, err := p.engine.Balance(ctx, agent.ID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != funders*10 {
		t.Fatalf("expected %d, got %d", funders*10, balance)
	}
}
