package ledger

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	xerrors "OpenMCP-Escrow/internal/errors"
)

// Address 标识账户或调用方，沿用以太坊 20 字节地址格式。
type Address = common.Address

// ObjectID 是账本对象的不透明标识。
type ObjectID string

// NewObjectID 生成一个新的对象标识。
func NewObjectID() ObjectID {
	return ObjectID(uuid.NewString())
}

// ParseObjectID 校验并规范化外部传入的对象标识。
func ParseObjectID(raw string) (ObjectID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "对象标识格式错误")
	}
	return ObjectID(id.String()), nil
}

// String 实现 fmt.Stringer。
func (id ObjectID) String() string { return string(id) }

// TxContext 由外部提供，描述交易发起方与交易时间（毫秒）。
type TxContext struct {
	Sender      Address
	TimestampMs uint64
}

const (
	CodeInsufficientBalance xerrors.Code = "INSUFFICIENT_BALANCE"
	CodeBalanceOverflow     xerrors.Code = "BALANCE_OVERFLOW"
)

var (
	// ErrInsufficientBalance 表示扣减金额超过当前余额。
	ErrInsufficientBalance = xerrors.New(CodeInsufficientBalance, "insufficient balance")
	// ErrBalanceOverflow 表示合并后金额超出 uint64 范围。
	ErrBalanceOverflow = xerrors.New(CodeBalanceOverflow, "balance overflow")
)

func init() {
	xerrors.Register(CodeInsufficientBalance, xerrors.Attributes{
		Message:    "insufficient balance",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 422,
	})
	xerrors.Register(CodeBalanceOverflow, xerrors.Attributes{
		Message:    "balance overflow",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: 422,
	})
}

// Coin 是一笔可转移的同质化价值。
type Coin struct {
	value uint64
}

// NewCoin 铸造指定面值的 Coin，仅供账本内部与测试使用。
func NewCoin(value uint64) Coin {
	return Coin{value: value}
}

// Zero 返回面值为 0 的 Coin。
func Zero() Coin { return Coin{} }

// Value 返回面值。
func (c Coin) Value() uint64 { return c.value }

// IsZero 判断是否为空。
func (c Coin) IsZero() bool { return c.value == 0 }

// Split 从 Coin 中拆出 amount，余额不足时返回 ErrInsufficientBalance 且不修改原值。
func (c *Coin) Split(amount uint64) (Coin, error) {
	if amount > c.value {
		return Coin{}, ErrInsufficientBalance
	}
	c.value -= amount
	return Coin{value: amount}, nil
}

// Balance 是对象持有的余额，所有运算都做溢出与下溢检查。
type Balance struct {
	value uint64
}

// NewBalance 以给定值构造余额，用于从存储恢复状态。
func NewBalance(value uint64) Balance {
	return Balance{value: value}
}

// Value 返回当前余额。
func (b Balance) Value() uint64 { return b.value }

// Join 将 Coin 并入余额。
func (b *Balance) Join(c Coin) error {
	if c.value > math.MaxUint64-b.value {
		return ErrBalanceOverflow
	}
	b.value += c.value
	return nil
}

// Split 从余额中取出 amount。
func (b *Balance) Split(amount uint64) (Coin, error) {
	if amount > b.value {
		return Coin{}, xerrors.New(CodeInsufficientBalance, "",
			xerrors.WithMetadata("requested", strconv.FormatUint(amount, 10)),
			xerrors.WithMetadata("available", strconv.FormatUint(b.value, 10)))
	}
	b.value -= amount
	return Coin{value: amount}, nil
}

// WithdrawAll 取出全部余额并清零。
func (b *Balance) WithdrawAll() Coin {
	c := Coin{value: b.value}
	b.value = 0
	return c
}

// MarshalJSON 将余额编码为数字。
func (b Balance) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.value)
}

// UnmarshalJSON 从数字解码余额。
func (b *Balance) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &b.value)
}
