package enclave

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"OpenMCP-Escrow/internal/verdict"
)

// Signer 持有 enclave 私钥，生产环境中它运行在 enclave 内部；
// 这里用于测试与开发环境的命令行工具。
type Signer struct {
	scheme Scheme
	secp   *ecdsa.PrivateKey
	ed     ed25519.PrivateKey
}

// GenerateSigner 随机生成指定算法的签名者。
func GenerateSigner(scheme Scheme) (*Signer, error) {
	switch scheme {
	case SchemeSecp256k1:
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("生成 secp256k1 私钥失败: %w", err)
		}
		return &Signer{scheme: scheme, secp: key}, nil
	case SchemeEd25519:
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("生成 ed25519 私钥失败: %w", err)
		}
		return &Signer{scheme: scheme, ed: key}, nil
	default:
		return nil, fmt.Errorf("不支持的签名算法 %s", scheme)
	}
}

// NewSigner 从原始私钥构造签名者；ed25519 接受 32 字节种子或 64 字节私钥。
func NewSigner(scheme Scheme, privateKey []byte) (*Signer, error) {
	switch scheme {
	case SchemeSecp256k1:
		key, err := crypto.ToECDSA(privateKey)
		if err != nil {
			return nil, fmt.Errorf("解析 secp256k1 私钥失败: %w", err)
		}
		return &Signer{scheme: scheme, secp: key}, nil
	case SchemeEd25519:
		switch len(privateKey) {
		case ed25519.SeedSize:
			return &Signer{scheme: scheme, ed: ed25519.NewKeyFromSeed(privateKey)}, nil
		case ed25519.PrivateKeySize:
			key := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
			copy(key, privateKey)
			return &Signer{scheme: scheme, ed: key}, nil
		default:
			return nil, fmt.Errorf("ed25519 私钥长度错误: %d", len(privateKey))
		}
	default:
		return nil, fmt.Errorf("不支持的签名算法 %s", scheme)
	}
}

// Scheme 返回签名算法。
func (s *Signer) Scheme() Scheme { return s.scheme }

// PrivateKey 返回私钥原始字节，ed25519 返回种子。
func (s *Signer) PrivateKey() []byte {
	if s.scheme == SchemeEd25519 {
		return s.ed.Seed()
	}
	return crypto.FromECDSA(s.secp)
}

// PublicKey 返回公钥；secp256k1 使用 33 字节压缩格式。
func (s *Signer) PublicKey() []byte {
	if s.scheme == SchemeEd25519 {
		pub := s.ed.Public().(ed25519.PublicKey)
		out := make([]byte, len(pub))
		copy(out, pub)
		return out
	}
	return crypto.CompressPubkey(&s.secp.PublicKey)
}

// Sign 对 (intent, timestamp, verdict) 的规范编码签名。
func (s *Signer) Sign(intent verdict.Intent, timestampMs uint64, v verdict.Verdict) ([]byte, error) {
	switch s.scheme {
	case SchemeSecp256k1:
		digest, err := verdict.Digest(intent, timestampMs, v)
		if err != nil {
			return nil, err
		}
		return crypto.Sign(digest, s.secp)
	case SchemeEd25519:
		encoded, err := verdict.Encode(intent, timestampMs, v)
		if err != nil {
			return nil, err
		}
		return ed25519.Sign(s.ed, encoded), nil
	default:
		return nil, fmt.Errorf("不支持的签名算法 %s", s.scheme)
	}
}

// Enclave 返回与该签名者公钥绑定的 enclave。
func (s *Signer) Enclave(id string, intents ...verdict.Intent) (*Enclave, error) {
	return New(id, s.scheme, s.PublicKey(), intents...)
}
