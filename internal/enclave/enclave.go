package enclave

import (
	"crypto/ed25519"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"OpenMCP-Escrow/internal/verdict"
)

// Scheme 标识 enclave 使用的签名算法。
type Scheme string

const (
	SchemeSecp256k1 Scheme = "secp256k1"
	SchemeEd25519   Scheme = "ed25519"
)

// ParseScheme 解析配置中的签名算法名称，空值视为 secp256k1。
func ParseScheme(raw string) (Scheme, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(SchemeSecp256k1):
		return SchemeSecp256k1, nil
	case string(SchemeEd25519):
		return SchemeEd25519, nil
	default:
		return "", fmt.Errorf("不支持的签名算法 %s", raw)
	}
}

// Gateway 是结算逻辑依赖的唯一 enclave 能力。
type Gateway interface {
	ID() string
	Verify(intent verdict.Intent, timestampMs uint64, v verdict.Verdict, signature []byte) bool
}

// Enclave 绑定一把经过证明的公钥以及它被允许签署的 intent 集合。
type Enclave struct {
	id        string
	scheme    Scheme
	publicKey []byte
	intents   map[verdict.Intent]struct{}
}

// New 构造一个 enclave 绑定；intents 为空时接受注册与消费两种 intent。
func New(id string, scheme Scheme, publicKey []byte, intents ...verdict.Intent) (*Enclave, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("enclave 标识不能为空")
	}
	switch scheme {
	case SchemeSecp256k1:
		if _, err := crypto.DecompressPubkey(publicKey); err != nil {
			if _, err := crypto.UnmarshalPubkey(publicKey); err != nil {
				return nil, fmt.Errorf("enclave %s 的 secp256k1 公钥无效: %w", id, err)
			}
		}
	case SchemeEd25519:
		if len(publicKey) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("enclave %s 的 ed25519 公钥长度应为 %d", id, ed25519.PublicKeySize)
		}
	default:
		return nil, fmt.Errorf("enclave %s 使用了不支持的签名算法 %s", id, scheme)
	}

	if len(intents) == 0 {
		intents = []verdict.Intent{verdict.IntentRegistration, verdict.IntentConsumption}
	}
	accepted := make(map[verdict.Intent]struct{}, len(intents))
	for _, intent := range intents {
		accepted[intent] = struct{}{}
	}

	key := make([]byte, len(publicKey))
	copy(key, publicKey)
	return &Enclave{id: id, scheme: scheme, publicKey: key, intents: accepted}, nil
}

// ID 返回 enclave 标识。
func (e *Enclave) ID() string { return e.id }

// Scheme 返回签名算法。
func (e *Enclave) Scheme() Scheme { return e.scheme }

// PublicKey 返回绑定公钥的副本。
func (e *Enclave) PublicKey() []byte {
	key := make([]byte, len(e.publicKey))
	copy(key, e.publicKey)
	return key
}

// Intents 返回可接受的 intent，按数值排序。
func (e *Enclave) Intents() []verdict.Intent {
	out := make([]verdict.Intent, 0, len(e.intents))
	for intent := range e.intents {
		out = append(out, intent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Accepts 判断 intent 是否在该 enclave 的命名空间内。
func (e *Enclave) Accepts(intent verdict.Intent) bool {
	_, ok := e.intents[intent]
	return ok
}

// Verify 当且仅当签名由绑定公钥对 (intent, timestamp, verdict) 的规范编码签出时返回 true。
// 任何异常输入都返回 false。
func (e *Enclave) Verify(intent verdict.Intent, timestampMs uint64, v verdict.Verdict, signature []byte) bool {
	if e == nil || !e.Accepts(intent) {
		return false
	}
	switch e.scheme {
	case SchemeSecp256k1:
		if len(signature) == crypto.SignatureLength {
			signature = signature[:crypto.SignatureLength-1]
		}
		if len(signature) != crypto.SignatureLength-1 {
			return false
		}
		digest, err := verdict.Digest(intent, timestampMs, v)
		if err != nil {
			return false
		}
		return crypto.VerifySignature(e.publicKey, digest, signature)
	case SchemeEd25519:
		if len(signature) != ed25519.SignatureSize {
			return false
		}
		encoded, err := verdict.Encode(intent, timestampMs, v)
		if err != nil {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(e.publicKey), encoded, signature)
	default:
		return false
	}
}
