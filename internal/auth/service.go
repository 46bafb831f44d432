package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
)

// Service 负责管理接口的身份验证和授权。
type Service struct {
	enabled bool
	tokens  map[string]*Subject
	audit   *slog.Logger
}

// NewService 构造身份认证服务实例。audit 为空时不记录审计日志。
func NewService(cfg Config, audit *slog.Logger) (*Service, error) {
	if audit == nil {
		audit = slog.New(slog.DiscardHandler)
	}
	svc := &Service{enabled: cfg.Enabled, tokens: make(map[string]*Subject, len(cfg.Tokens)), audit: audit}
	if !cfg.Enabled {
		return svc, nil
	}
	if len(cfg.Tokens) == 0 {
		return nil, fmt.Errorf("启用认证时至少需要一个令牌")
	}
	for i, tc := range cfg.Tokens {
		digest := strings.ToLower(strings.TrimSpace(tc.SHA256))
		if raw, err := hex.DecodeString(digest); err != nil || len(raw) != sha256.Size {
			return nil, fmt.Errorf("tokens[%d].sha256 不是合法的 SHA-256 摘要", i)
		}
		if _, dup := svc.tokens[digest]; dup {
			return nil, fmt.Errorf("tokens[%d] 与已有令牌重复", i)
		}
		subject := &Subject{Name: tc.Name, Permissions: append([]string(nil), tc.Permissions...)}
		subject.normalise()
		svc.tokens[digest] = subject
	}
	return svc, nil
}

// Enabled 报告是否启用认证。
func (s *Service) Enabled() bool {
	return s != nil && s.enabled
}

// HashToken 返回令牌的 SHA-256 十六进制摘要，用于写入配置。
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// AuthenticateRequest 验证 Authorization 头并返回相应的主体信息。
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}
	subject, ok := s.tokens[HashToken(token)]
	if !ok {
		return nil, ErrInvalidToken
	}
	return subject, nil
}
