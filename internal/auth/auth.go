package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	xerrors "DatasetFlow/internal/errors"
	"DatasetFlow/pkg/logger"
)

// 接口权限。
const (
	PermDatasetsRead  = "datasets:read"
	PermDatasetsWrite = "datasets:write"
	PermJobsWrite     = "jobs:write"
	// PermAll 授予全部权限。
	PermAll = "*"
)

// Mode 表示身份认证方式。
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeToken    Mode = "token"
)

// AnonymousUser 是关闭认证时请求的归属用户。
const AnonymousUser = "anonymous"

const (
	CodeUnauthenticated  xerrors.Code = "UNAUTHENTICATED"
	CodePermissionDenied xerrors.Code = "PERMISSION_DENIED"
)

var (
	// ErrMissingToken 表示请求没有携带 Bearer 令牌。
	ErrMissingToken = xerrors.New(CodeUnauthenticated, "missing bearer token")
	// ErrInvalidToken 表示令牌不存在或已停用。
	ErrInvalidToken = xerrors.New(CodeUnauthenticated, "invalid token")
	// ErrPermissionDenied 表示主体缺少所需权限。
	ErrPermissionDenied = xerrors.New(CodePermissionDenied, "permission denied")
)

func init() {
	xerrors.Register(CodeUnauthenticated, xerrors.Attributes{
		Message:  "unauthenticated",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodePermissionDenied, xerrors.Attributes{
		Message:  "permission denied",
		Severity: xerrors.SeverityWarning,
	})
}

// TokenConfig 描述一个 API 令牌。Token 与 TokenSHA256 二选一，推荐只保存摘要。
type TokenConfig struct {
	Username    string   `json:"username"`
	Token       string   `json:"token,omitempty"`
	TokenSHA256 string   `json:"token_sha256,omitempty"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled,omitempty"`
}

// Config 配置认证服务。
type Config struct {
	Mode   Mode          `json:"mode"`
	Tokens []TokenConfig `json:"tokens"`
}

// Subject 是通过认证的调用方，数据集的 owner 取自 Username。
type Subject struct {
	Username    string
	Permissions []string
}

// HasPermission 判断主体是否拥有权限。
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	for _, p := range s.Permissions {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == PermAll || p == strings.ToLower(permission) {
			return true
		}
	}
	return false
}

// Authorize 确认主体拥有全部所需权限。
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return xerrors.New(CodePermissionDenied, fmt.Sprintf("missing permission %s", perm))
		}
	}
	return nil
}

type credential struct {
	digest  []byte
	subject Subject
}

// Service 负责校验 API 令牌。
type Service struct {
	mode        Mode
	credentials []credential
	audit       *slog.Logger
}

// NewService 根据配置构造认证服务。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, audit: logger.Audit()}
	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeToken:
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的认证模式: %s", cfg.Mode))
	}
	for i, tc := range cfg.Tokens {
		if tc.Disabled {
			continue
		}
		if strings.TrimSpace(tc.Username) == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("第 %d 个令牌缺少 username", i+1))
		}
		digest, err := tokenDigest(tc)
		if err != nil {
			return nil, err
		}
		svc.credentials = append(svc.credentials, credential{
			digest:  digest,
			subject: Subject{Username: tc.Username, Permissions: append([]string(nil), tc.Permissions...)},
		})
	}
	if len(svc.credentials) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "token 模式至少需要一个有效令牌")
	}
	return svc, nil
}

func tokenDigest(tc TokenConfig) ([]byte, error) {
	if h := strings.TrimSpace(tc.TokenSHA256); h != "" {
		digest, err := hex.DecodeString(h)
		if err != nil || len(digest) != sha256.Size {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("用户 %s 的 token_sha256 无效", tc.Username))
		}
		return digest, nil
	}
	if strings.TrimSpace(tc.Token) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("用户 %s 缺少令牌", tc.Username))
	}
	sum := sha256.Sum256([]byte(tc.Token))
	return sum[:], nil
}

// HashToken 返回令牌的十六进制 SHA-256 摘要，用于写入配置。
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Mode 返回认证方式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 校验 Authorization 头。关闭认证时返回拥有全部权限的匿名主体。
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return &Subject{Username: AnonymousUser, Permissions: []string{PermAll}}, nil
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return nil, ErrMissingToken
	}
	sum := sha256.Sum256([]byte(strings.TrimSpace(parts[1])))
	for _, c := range s.credentials {
		if subtle.ConstantTimeCompare(sum[:], c.digest) == 1 {
			subject := c.subject
			subject.Permissions = append([]string(nil), c.subject.Permissions...)
			return &subject, nil
		}
	}
	return nil, ErrInvalidToken
}
