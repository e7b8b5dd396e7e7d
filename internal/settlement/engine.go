package settlement

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/event"

	"OpenMCP-Escrow/internal/enclave"
	"OpenMCP-Escrow/internal/escrow"
	xerrors "OpenMCP-Escrow/internal/errors"
	"OpenMCP-Escrow/internal/ledger"
	"OpenMCP-Escrow/internal/observability/metrics"
	"OpenMCP-Escrow/internal/verdict"
	"OpenMCP-Escrow/pkg/logger"
)

// Resolver 根据名称找到绑定的 enclave，空名称表示默认 enclave。
type Resolver interface {
	Resolve(id string) (enclave.Gateway, error)
}

// Engine 是托管结算的状态机。每个操作都在单个存储事务内完成，
// 任何前置条件失败都会丢弃整个事务。
type Engine struct {
	store    escrow.Store
	enclaves Resolver
	policy   Policy
	feed     event.Feed
	logger   *slog.Logger
}

// Option 定义可选配置。
type Option func(*Engine)

// WithPolicy 指定结算策略，默认赢家通吃。
func WithPolicy(policy Policy) Option {
	return func(e *Engine) {
		if policy != nil {
			e.policy = policy
		}
	}
}

// WithLogger 指定运行日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine 构造结算引擎。
func NewEngine(store escrow.Store, enclaves Resolver, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置账本存储")
	}
	if enclaves == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置 enclave")
	}
	e := &Engine{
		store:    store,
		enclaves: enclaves,
		policy:   WinnerTakeAll{ScoreThreshold: DefaultScoreThreshold},
		logger:   logger.Named("settlement"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Policy 返回当前启用的结算策略。
func (e *Engine) Policy() Policy { return e.policy }

// SubscribeEvents 订阅已提交的事件。Feed 发送时会阻塞直到所有订阅者接收，
// 订阅方应使用带缓冲的通道并及时消费。
func (e *Engine) SubscribeEvents(ch chan<- escrow.Event) event.Subscription {
	return e.feed.Subscribe(ch)
}

// RegisterAgent 校验注册 verdict 并创建 agent。
func (e *Engine) RegisterAgent(ctx context.Context, txc ledger.TxContext, req RegisterRequest) (*escrow.Agent, error) {
	const op = "register_agent"
	if strings.TrimSpace(req.AgentID) == "" {
		return nil, e.fail(op, xerrors.New(xerrors.CodeInvalidArgument, "agent_id 不能为空"))
	}

	v := verdict.RegisterVerdict{
		AgentID:        req.AgentID,
		Creator:        txc.Sender,
		CostPerMessage: req.CostPerMessage,
		SystemPrompt:   req.SystemPrompt,
		IsDefeated:     false,
	}
	if err := e.verify(req.EnclaveID, verdict.IntentRegistration, req.TimestampMs, v, req.Signature); err != nil {
		return nil, e.fail(op, err)
	}

	var created *escrow.Agent
	events, err := e.store.Update(ctx, func(tx escrow.Tx) error {
		if _, exists, err := tx.LookupAgent(req.AgentID); err != nil {
			return err
		} else if exists {
			return xerrors.New(escrow.CodeDuplicateAgent, "", xerrors.WithMetadata("agent_id", req.AgentID))
		}

		agent := &escrow.Agent{
			ID:             ledger.NewObjectID(),
			AgentID:        req.AgentID,
			Creator:        txc.Sender,
			CostPerMessage: req.CostPerMessage,
			SystemPrompt:   req.SystemPrompt,
			CreatedAt:      txc.TimestampMs,
			UpdatedAt:      txc.TimestampMs,
		}
		if req.Payment > 0 {
			coin, err := tx.Debit(txc.Sender, req.Payment)
			if err != nil {
				return err
			}
			if err := agent.Balance.Join(coin); err != nil {
				return err
			}
		}
		if err := tx.RegisterAgent(agent); err != nil {
			return err
		}
		if err := tx.Emit(escrow.Event{
			Type:           escrow.EventAgentRegistered,
			AgentID:        agent.AgentID,
			AgentRef:       agent.ID,
			Actor:          txc.Sender,
			Amount:         agent.Balance.Value(),
			CostPerMessage: agent.CostPerMessage,
			SystemPrompt:   agent.SystemPrompt,
			TimestampMs:    txc.TimestampMs,
		}); err != nil {
			return err
		}
		created = agent
		return nil
	})
	if err != nil {
		return nil, e.fail(op, err)
	}

	e.commit(op, events)
	logger.Audit().Info("agent 注册成功",
		slog.String("agent_id", created.AgentID),
		slog.String("agent_ref", created.ID.String()),
		slog.String("creator", created.Creator.Hex()),
		slog.Uint64("cost_per_message", created.CostPerMessage),
		slog.Uint64("balance", created.Balance.Value()),
	)
	return created, nil
}

// FundAgent 把调用方的付款全部并入 agent 余额，任何人都可以充值。
func (e *Engine) FundAgent(ctx context.Context, txc ledger.TxContext, req FundRequest) (*escrow.Agent, error) {
	const op = "fund_agent"
	if req.Amount == 0 {
		return nil, e.fail(op, xerrors.New(escrow.CodeInvalidAmount, "充值金额必须大于 0"))
	}

	var funded *escrow.Agent
	events, err := e.store.Update(ctx, func(tx escrow.Tx) error {
		agent, err := tx.Agent(req.AgentRef)
		if err != nil {
			return err
		}
		payment, err := tx.Debit(txc.Sender, req.Amount)
		if err != nil {
			return err
		}
		if err := agent.Balance.Join(payment); err != nil {
			return err
		}
		agent.UpdatedAt = txc.TimestampMs
		if err := tx.PutAgent(agent); err != nil {
			return err
		}
		if err := tx.Emit(escrow.Event{
			Type:        escrow.EventAgentFunded,
			AgentID:     agent.AgentID,
			AgentRef:    agent.ID,
			Actor:       txc.Sender,
			Amount:      req.Amount,
			TimestampMs: txc.TimestampMs,
		}); err != nil {
			return err
		}
		funded = agent
		return nil
	})
	if err != nil {
		return nil, e.fail(op, err)
	}

	e.commit(op, events)
	logger.Audit().Info("agent 充值成功",
		slog.String("agent_id", funded.AgentID),
		slog.String("funder", txc.Sender.Hex()),
		slog.Uint64("amount", req.Amount),
		slog.Uint64("balance", funded.Balance.Value()),
	)
	return funded, nil
}

// ConsumePrompt 校验消费 verdict 并按结算策略移动托管资金。
func (e *Engine) ConsumePrompt(ctx context.Context, txc ledger.TxContext, req ConsumeRequest) (*ConsumeResult, error) {
	const op = "consume_prompt"

	v := verdict.ConsumeVerdict{
		AgentID:     req.AgentID,
		UserPrompt:  req.UserPrompt,
		Success:     req.Success,
		Explanation: req.Explanation,
		Score:       req.Score,
	}

	result := &ConsumeResult{AgentID: req.AgentID}
	events, err := e.store.Update(ctx, func(tx escrow.Tx) error {
		agent, err := e.resolveAgent(tx, req.AgentID, req.AgentRef)
		if err != nil {
			return err
		}
		if err := e.verify(req.EnclaveID, verdict.IntentConsumption, req.TimestampMs, v, req.Signature); err != nil {
			return err
		}
		if err := tx.Emit(escrow.Event{
			Type:        escrow.EventPromptConsumed,
			AgentID:     agent.AgentID,
			AgentRef:    agent.ID,
			Actor:       txc.Sender,
			Amount:      0,
			UserPrompt:  req.UserPrompt,
			Explanation: req.Explanation,
			Success:     req.Success,
			Score:       req.Score,
			TimestampMs: txc.TimestampMs,
		}); err != nil {
			return err
		}

		s := &Settlement{
			Tx:      txc,
			Agent:   agent,
			Success: req.Success,
			Score:   req.Score,
			Payment: req.Payment,
		}
		if err := e.policy.Settle(tx, s); err != nil {
			return err
		}
		result.Payout = s.Payout
		result.Fee = s.Fee
		result.Defeated = s.Defeated
		result.Balance = agent.Balance.Value()
		return nil
	})
	if err != nil {
		return nil, e.fail(op, err)
	}

	result.Events = events
	e.commit(op, events)
	metrics.ObservePayout("fee", result.Fee)
	if result.Defeated {
		metrics.ObservePayout("defeat", result.Payout)
	} else {
		metrics.ObservePayout("reward", result.Payout)
	}
	logger.Audit().Info("prompt 结算完成",
		slog.String("agent_id", req.AgentID),
		slog.String("caller", txc.Sender.Hex()),
		slog.String("policy", e.policy.Name()),
		slog.Bool("success", req.Success),
		slog.Int("score", int(req.Score)),
		slog.Uint64("payout", result.Payout),
		slog.Uint64("fee", result.Fee),
		slog.Uint64("balance", result.Balance),
	)
	return result, nil
}

// UpdateCost 仅允许创建者修改价格。
func (e *Engine) UpdateCost(ctx context.Context, txc ledger.TxContext, req UpdateCostRequest) (*escrow.Agent, error) {
	return e.administer(ctx, "update_cost", txc, req.AgentRef, func(tx escrow.Tx, agent *escrow.Agent) (escrow.Event, error) {
		agent.CostPerMessage = req.CostPerMessage
		return escrow.Event{Type: escrow.EventAgentUpdated, CostPerMessage: req.CostPerMessage}, nil
	})
}

// UpdatePrompt 仅允许创建者修改系统提示词。
func (e *Engine) UpdatePrompt(ctx context.Context, txc ledger.TxContext, req UpdatePromptRequest) (*escrow.Agent, error) {
	return e.administer(ctx, "update_prompt", txc, req.AgentRef, func(tx escrow.Tx, agent *escrow.Agent) (escrow.Event, error) {
		agent.SystemPrompt = req.SystemPrompt
		return escrow.Event{Type: escrow.EventAgentUpdated, SystemPrompt: req.SystemPrompt}, nil
	})
}

// Withdraw 创建者取回 amount，余额不足返回 ErrInsufficientBalance。
func (e *Engine) Withdraw(ctx context.Context, txc ledger.TxContext, req WithdrawRequest) (*escrow.Agent, error) {
	agent, err := e.administer(ctx, "withdraw", txc, req.AgentRef, func(tx escrow.Tx, agent *escrow.Agent) (escrow.Event, error) {
		coin, err := agent.Balance.Split(req.Amount)
		if err != nil {
			return escrow.Event{}, err
		}
		if err := tx.Credit(agent.Creator, coin); err != nil {
			return escrow.Event{}, err
		}
		recipient := agent.Creator
		return escrow.Event{Type: escrow.EventAgentWithdrawn, Recipient: &recipient, Amount: coin.Value()}, nil
	})
	if err != nil {
		return nil, err
	}
	metrics.ObservePayout("withdraw", req.Amount)
	return agent, nil
}

// Mint 向账户发放资金，仅用于开发环境的水龙头。
func (e *Engine) Mint(ctx context.Context, addr ledger.Address, amount uint64) (uint64, error) {
	const op = "mint"
	if amount == 0 {
		return 0, e.fail(op, xerrors.New(escrow.CodeInvalidAmount, "发放金额必须大于 0"))
	}
	var balance uint64
	if _, err := e.store.Update(ctx, func(tx escrow.Tx) error {
		if err := tx.Credit(addr, ledger.NewCoin(amount)); err != nil {
			return err
		}
		current, err := tx.AccountBalance(addr)
		if err != nil {
			return err
		}
		balance = current.Value()
		return nil
	}); err != nil {
		return 0, e.fail(op, err)
	}
	metrics.ObserveSettlement(op, "ok")
	logger.Audit().Warn("账户发放资金", slog.String("address", addr.Hex()), slog.Uint64("amount", amount))
	return balance, nil
}

func (e *Engine) administer(ctx context.Context, op string, txc ledger.TxContext, ref ledger.ObjectID, mutate func(escrow.Tx, *escrow.Agent) (escrow.Event, error)) (*escrow.Agent, error) {
	var updated *escrow.Agent
	events, err := e.store.Update(ctx, func(tx escrow.Tx) error {
		agent, err := tx.Agent(ref)
		if err != nil {
			return err
		}
		if !agent.IsCreator(txc.Sender) {
			return xerrors.New(escrow.CodeNotAuthorized, "",
				xerrors.WithMetadata("agent_id", agent.AgentID),
				xerrors.WithMetadata("sender", txc.Sender.Hex()))
		}
		evt, err := mutate(tx, agent)
		if err != nil {
			return err
		}
		agent.UpdatedAt = txc.TimestampMs
		if err := tx.PutAgent(agent); err != nil {
			return err
		}
		evt.AgentID = agent.AgentID
		evt.AgentRef = agent.ID
		evt.Actor = txc.Sender
		evt.TimestampMs = txc.TimestampMs
		if err := tx.Emit(evt); err != nil {
			return err
		}
		updated = agent
		return nil
	})
	if err != nil {
		return nil, e.fail(op, err)
	}

	e.commit(op, events)
	logger.Audit().Info("agent 管理操作完成",
		slog.String("operation", op),
		slog.String("agent_id", updated.AgentID),
		slog.String("creator", txc.Sender.Hex()),
	)
	return updated, nil
}

// resolveAgent 要求注册表包含 agentID、注册表引用等于 ref，且对象自身的 AgentID 一致。
func (e *Engine) resolveAgent(tx escrow.Tx, agentID string, ref ledger.ObjectID) (*escrow.Agent, error) {
	notFound := xerrors.New(escrow.CodeAgentNotFound, "",
		xerrors.WithMetadata("agent_id", agentID),
		xerrors.WithMetadata("agent_ref", ref.String()))

	registered, ok, err := tx.LookupAgent(agentID)
	if err != nil {
		return nil, err
	}
	if !ok || registered != ref {
		return nil, notFound
	}
	agent, err := tx.Agent(ref)
	if err != nil {
		return nil, err
	}
	if agent.AgentID != agentID {
		return nil, notFound
	}
	return agent, nil
}

func (e *Engine) verify(enclaveID string, intent verdict.Intent, timestampMs uint64, v verdict.Verdict, signature []byte) error {
	gateway, err := e.enclaves.Resolve(enclaveID)
	if err != nil {
		return xerrors.Wrap(escrow.CodeInvalidSignature, err, "", xerrors.WithMetadata("enclave", enclaveID))
	}
	if !gateway.Verify(intent, timestampMs, v, signature) {
		return xerrors.New(escrow.CodeInvalidSignature, "",
			xerrors.WithMetadata("enclave", gateway.ID()),
			xerrors.WithMetadata("intent", intent.String()))
	}
	return nil
}

func (e *Engine) commit(op string, events []escrow.Event) {
	metrics.ObserveSettlement(op, "ok")
	for _, evt := range events {
		e.feed.Send(evt)
	}
}

func (e *Engine) fail(op string, err error) error {
	code := xerrors.CodeOf(err)
	metrics.ObserveSettlement(op, string(code))
	if escrow.IsTerminal(err) {
		e.logger.Info("交易被拒绝", slog.String("operation", op), slog.String("code", string(code)), slog.Any("error", err))
	} else {
		e.logger.Error("交易执行失败", slog.String("operation", op), slog.Any("error", err))
	}
	return err
}
