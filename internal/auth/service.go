package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"strings"
)

// Service 校验运维接口的 bearer 令牌。
type Service struct {
	mode   Mode
	tokens []tokenEntry
}

type tokenEntry struct {
	digest  [sha256.Size]byte
	subject Subject
}

// NewService 根据模式和令牌列表构造认证服务。
func NewService(mode Mode, tokens []Token) (*Service, error) {
	switch mode {
	case "", ModeDisabled:
		return &Service{mode: ModeDisabled}, nil
	case ModeToken:
	default:
		return nil, fmt.Errorf("未知的认证模式: %s", mode)
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("token 模式至少需要一个令牌")
	}
	entries := make([]tokenEntry, 0, len(tokens))
	for _, token := range tokens {
		secret := strings.TrimSpace(token.Secret)
		if secret == "" {
			return nil, fmt.Errorf("令牌 %s 的 secret 为空", token.Name)
		}
		perms := make([]string, len(token.Permissions))
		copy(perms, token.Permissions)
		entries = append(entries, tokenEntry{
			digest:  sha256.Sum256([]byte(secret)),
			subject: Subject{Name: token.Name, Permissions: perms},
		})
	}
	return &Service{mode: ModeToken, tokens: entries}, nil
}

// Mode 返回当前认证模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 解析 Authorization 头并返回对应的主体。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(token))
	var matched *tokenEntry
	for i := range s.tokens {
		if subtle.ConstantTimeCompare(digest[:], s.tokens[i].digest[:]) == 1 {
			matched = &s.tokens[i]
		}
	}
	if matched == nil {
		return nil, ErrInvalidToken
	}
	subject := matched.subject
	subject.permissionsSet = nil
	subject.normalise()
	return &subject, nil
}
