package submission

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"OpenMCP-Escrow/internal/escrow"
	xerrors "OpenMCP-Escrow/internal/errors"
	"OpenMCP-Escrow/internal/ledger"
	"OpenMCP-Escrow/internal/settlement"
)

// Engine 是执行交易所需的结算能力。
type Engine interface {
	RegisterAgent(ctx context.Context, txc ledger.TxContext, req settlement.RegisterRequest) (*escrow.Agent, error)
	FundAgent(ctx context.Context, txc ledger.TxContext, req settlement.FundRequest) (*escrow.Agent, error)
	ConsumePrompt(ctx context.Context, txc ledger.TxContext, req settlement.ConsumeRequest) (*settlement.ConsumeResult, error)
	UpdateCost(ctx context.Context, txc ledger.TxContext, req settlement.UpdateCostRequest) (*escrow.Agent, error)
	UpdatePrompt(ctx context.Context, txc ledger.TxContext, req settlement.UpdatePromptRequest) (*escrow.Agent, error)
	Withdraw(ctx context.Context, txc ledger.TxContext, req settlement.WithdrawRequest) (*escrow.Agent, error)
}

// Executor 执行一笔已领取的交易并返回可序列化的结果。
type Executor interface {
	Execute(ctx context.Context, sub *Submission) (json.RawMessage, error)
}

// SettlementExecutor 把交易转换为结算引擎调用，交易时间取执行时刻。
type SettlementExecutor struct {
	engine Engine
	now    func() time.Time
}

// NewSettlementExecutor 构造执行器。
func NewSettlementExecutor(engine Engine) *SettlementExecutor {
	return &SettlementExecutor{engine: engine, now: time.Now}
}

// Execute 实现 Executor。
func (x *SettlementExecutor) Execute(ctx context.Context, sub *Submission) (json.RawMessage, error) {
	if x.engine == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "结算引擎未初始化")
	}
	if !common.IsHexAddress(sub.Sender) {
		return nil, xerrors.New(CodeSubmissionValidation, "发送方地址格式错误", xerrors.WithMetadata("sender", sub.Sender))
	}
	req, err := DecodeRequest(sub.Kind, sub.Payload)
	if err != nil {
		return nil, err
	}
	txc := ledger.TxContext{
		Sender:      common.HexToAddress(sub.Sender),
		TimestampMs: uint64(x.now().UnixMilli()),
	}

	var result any
	switch r := req.(type) {
	case settlement.RegisterRequest:
		result, err = x.engine.RegisterAgent(ctx, txc, r)
	case settlement.FundRequest:
		result, err = x.engine.FundAgent(ctx, txc, r)
	case settlement.ConsumeRequest:
		result, err = x.engine.ConsumePrompt(ctx, txc, r)
	case settlement.UpdateCostRequest:
		result, err = x.engine.UpdateCost(ctx, txc, r)
	case settlement.UpdatePromptRequest:
		result, err = x.engine.UpdatePrompt(ctx, txc, r)
	case settlement.WithdrawRequest:
		result, err = x.engine.Withdraw(ctx, txc, r)
	default:
		return nil, xerrors.New(CodeSubmissionValidation, "不支持的交易类型", xerrors.WithMetadata("kind", string(sub.Kind)))
	}
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, xerrors.Wrap(CodeSubmissionProcessing, err, "编码交易结果失败")
	}
	return raw, nil
}

var _ Engine = (*settlement.Engine)(nil)
