package auth

import (
	"net/http"
	"strings"

	xerrors "OpenMCP-Escrow/internal/errors"
)

// Mode 决定运维接口的认证方式。
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeToken    Mode = "token"
)

// PermissionMint 允许调用开发水龙头。
const PermissionMint = "ledger:mint"

const (
	CodeUnauthenticated  xerrors.Code = "UNAUTHENTICATED"
	CodePermissionDenied xerrors.Code = "PERMISSION_DENIED"
)

var (
	ErrMissingToken     = xerrors.New(CodeUnauthenticated, "missing bearer token")
	ErrInvalidToken     = xerrors.New(CodeUnauthenticated, "invalid token")
	ErrPermissionDenied = xerrors.New(CodePermissionDenied, "permission denied")
)

func init() {
	xerrors.Register(CodeUnauthenticated, xerrors.Attributes{
		Message:    "authentication required",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusUnauthorized,
	})
	xerrors.Register(CodePermissionDenied, xerrors.Attributes{
		Message:    "permission denied",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusForbidden,
	})
}

// Token 是一条静态运维令牌。
type Token struct {
	Name        string
	Secret      string
	Permissions []string
}

// Subject 是认证通过的调用方。
type Subject struct {
	Name        string
	Permissions []string

	permissionsSet map[string]struct{}
}

func (s *Subject) normalise() {
	if s == nil || s.permissionsSet != nil {
		return
	}
	s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
	for _, perm := range s.Permissions {
		s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
	}
}

// HasPermission reports whether the subject has the specified permission.
// The wildcard permission "*" grants everything.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	if _, ok := s.permissionsSet["*"]; ok {
		return true
	}
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize 要求 subject 拥有全部权限。
func (s *Subject) Authorize(permissions ...string) error {
	for _, perm := range permissions {
		if !s.HasPermission(perm) {
			return xerrors.New(CodePermissionDenied, "", xerrors.WithMetadata("permission", perm))
		}
	}
	return nil
}
