package settlement

import (
	"fmt"
	"strings"

	"OpenMCP-Escrow/internal/escrow"
	xerrors "OpenMCP-Escrow/internal/errors"
	"OpenMCP-Escrow/internal/ledger"
)

const (
	PolicyWinnerTakeAll = "winner_take_all"
	PolicyBoundedReward = "bounded_reward"

	// DefaultScoreThreshold 是赢家通吃策略的默认分数线，分数严格大于它即视为胜利。
	DefaultScoreThreshold uint8 = 70
)

// Settlement 是策略在一次消费中可见的上下文。Agent 为事务内读取的最新状态，
// 策略直接修改它并负责写回。
type Settlement struct {
	Tx      ledger.TxContext
	Agent   *escrow.Agent
	Success bool
	Score   uint8
	Payment uint64

	Payout   uint64
	Fee      uint64
	Defeated bool
}

// Policy 决定一次通过验证的消费如何移动托管资金。一个部署只启用一种策略。
type Policy interface {
	Name() string
	Settle(tx escrow.Tx, s *Settlement) error
}

// ParsePolicy 根据配置构造策略。
func ParsePolicy(name string, scoreThreshold uint8, rewardAmount uint64) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PolicyWinnerTakeAll:
		return WinnerTakeAll{ScoreThreshold: scoreThreshold}, nil
	case PolicyBoundedReward:
		return BoundedReward{RewardAmount: rewardAmount}, nil
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的结算策略 %s", name))
	}
}

// WinnerTakeAll 在 score > ScoreThreshold 或 success 时把全部余额转给调用方。
type WinnerTakeAll struct {
	ScoreThreshold uint8
}

// Name 实现 Policy。
func (WinnerTakeAll) Name() string { return PolicyWinnerTakeAll }

// Settle 实现 Policy。
func (p WinnerTakeAll) Settle(tx escrow.Tx, s *Settlement) error {
	if s.Payment > 0 {
		return xerrors.New(escrow.CodeInvalidAmount, "赢家通吃策略不接受消费付款")
	}
	if !(s.Score > p.ScoreThreshold || s.Success) {
		return nil
	}
	if s.Agent.Depleted() {
		return nil
	}

	prize := s.Agent.Balance.WithdrawAll()
	s.Agent.UpdatedAt = s.Tx.TimestampMs
	if err := tx.PutAgent(s.Agent); err != nil {
		return err
	}
	if err := tx.Credit(s.Tx.Sender, prize); err != nil {
		return err
	}

	winner := s.Tx.Sender
	if err := tx.Emit(escrow.Event{
		Type:        escrow.EventAgentDefeated,
		AgentID:     s.Agent.AgentID,
		AgentRef:    s.Agent.ID,
		Actor:       s.Tx.Sender,
		Recipient:   &winner,
		Amount:      prize.Value(),
		Success:     s.Success,
		Score:       s.Score,
		TimestampMs: s.Tx.TimestampMs,
	}); err != nil {
		return err
	}
	s.Payout = prize.Value()
	s.Defeated = true
	return nil
}

// BoundedReward 按条收费：费用 cost_per_message 归创建者，余数并入托管；
// success 时从托管中支付固定的 RewardAmount。
type BoundedReward struct {
	RewardAmount uint64
}

// Name 实现 Policy。
func (BoundedReward) Name() string { return PolicyBoundedReward }

// Settle 实现 Policy。
func (p BoundedReward) Settle(tx escrow.Tx, s *Settlement) error {
	agent := s.Agent
	if s.Payment < agent.CostPerMessage {
		return xerrors.New(escrow.CodeInvalidAmount, "",
			xerrors.WithMetadata("required", fmt.Sprint(agent.CostPerMessage)),
			xerrors.WithMetadata("paid", fmt.Sprint(s.Payment)))
	}

	payment, err := tx.Debit(s.Tx.Sender, s.Payment)
	if err != nil {
		return err
	}
	fee, err := payment.Split(agent.CostPerMessage)
	if err != nil {
		return err
	}
	if err := tx.Credit(agent.Creator, fee); err != nil {
		return err
	}
	creator := agent.Creator
	if err := tx.Emit(escrow.Event{
		Type:        escrow.EventFeeTransferred,
		AgentID:     agent.AgentID,
		AgentRef:    agent.ID,
		Actor:       s.Tx.Sender,
		Recipient:   &creator,
		Amount:      fee.Value(),
		TimestampMs: s.Tx.TimestampMs,
	}); err != nil {
		return err
	}
	if err := agent.Balance.Join(payment); err != nil {
		return err
	}

	if s.Success {
		reward, err := agent.Balance.Split(p.RewardAmount)
		if err != nil {
			return err
		}
		if err := tx.Credit(s.Tx.Sender, reward); err != nil {
			return err
		}
		s.Payout = reward.Value()
	}

	agent.UpdatedAt = s.Tx.TimestampMs
	if err := tx.PutAgent(agent); err != nil {
		return err
	}
	s.Fee = fee.Value()
	return nil
}
