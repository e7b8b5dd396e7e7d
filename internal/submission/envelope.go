package submission

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/json"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "OpenMCP-Escrow/internal/errors"
)

// Envelope 是客户端签名后提交的交易。签名覆盖
// Keccak256(kind ‖ 0x00 ‖ payload ‖ 0x00 ‖ nonce)，payload 先做 JSON 压缩。
type Envelope struct {
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Nonce     uint64          `json:"nonce"`
	Signature hexutil.Bytes   `json:"signature"`
}

// Digest 返回信封的签名摘要。
func (e Envelope) Digest() (common.Hash, error) {
	var compact bytes.Buffer
	if err := json.Compact(&compact, e.Payload); err != nil {
		return common.Hash{}, xerrors.Wrap(CodeSubmissionValidation, err, "payload 不是合法的 JSON")
	}
	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], e.Nonce)
	return crypto.Keccak256Hash([]byte(e.Kind), []byte{0}, compact.Bytes(), []byte{0}, nonce[:]), nil
}

// ID 返回信封的提交 ID，由签名摘要与发送方共同决定：
// 同一账户重复提交得到相同 ID，不同账户签署相同内容得到不同 ID。
func (e Envelope) ID() (string, error) {
	digest, err := e.Digest()
	if err != nil {
		return "", err
	}
	sender, err := e.Sender()
	if err != nil {
		return "", err
	}
	return submissionID(digest, sender), nil
}

func submissionID(digest common.Hash, sender common.Address) string {
	return strings.TrimPrefix(crypto.Keccak256Hash(digest.Bytes(), sender.Bytes()).Hex(), "0x")
}

// Sender 从签名中恢复发送方地址。
func (e Envelope) Sender() (common.Address, error) {
	digest, err := e.Digest()
	if err != nil {
		return common.Address{}, err
	}
	if len(e.Signature) != crypto.SignatureLength {
		return common.Address{}, xerrors.New(CodeSubmissionValidation, "交易签名长度必须为 65 字节")
	}
	sig := make([]byte, crypto.SignatureLength)
	copy(sig, e.Signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, xerrors.Wrap(CodeSubmissionValidation, err, "无法从签名恢复发送方")
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Sign 使用账户私钥签署信封，Payload 会被压缩为规范形式。
func (e *Envelope) Sign(key *ecdsa.PrivateKey) error {
	var compact bytes.Buffer
	if err := json.Compact(&compact, e.Payload); err != nil {
		return xerrors.Wrap(CodeSubmissionValidation, err, "payload 不是合法的 JSON")
	}
	e.Payload = compact.Bytes()
	digest, err := e.Digest()
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "签署交易失败")
	}
	e.Signature = sig
	return nil
}

// NewEnvelope 将 payload 编码为 JSON 并签名。
func NewEnvelope(kind Kind, payload any, nonce uint64, key *ecdsa.PrivateKey) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 payload 失败")
	}
	env := &Envelope{Kind: kind, Payload: raw, Nonce: nonce}
	if err := env.Sign(key); err != nil {
		return nil, err
	}
	return env, nil
}
