package auth

import (
	"errors"
	"fmt"
	"strings"
)

// 身份认证子系统返回的常见错误。
var (
	ErrMissingToken     = errors.New("missing bearer token")
	ErrInvalidToken     = errors.New("invalid token")
	ErrPermissionDenied = errors.New("permission denied")
)

// 管理接口使用的权限。
const (
	PermissionHostRead     = "host:read"
	PermissionKeysRead     = "keys:read"
	PermissionEventsRead   = "events:read"
	PermissionVerify       = "signatures:verify"
	PermissionPluginsWrite = "plugins:write"
	// PermissionAll 授予全部权限。
	PermissionAll = "*"
)

// Config 配置管理接口的身份认证。
type Config struct {
	Enabled bool          `yaml:"enabled"`
	Tokens  []TokenConfig `yaml:"tokens"`
}

// TokenConfig 描述一个静态访问令牌。配置中只保存令牌的 SHA-256 十六进制摘要。
type TokenConfig struct {
	Name        string   `yaml:"name"`
	SHA256      string   `yaml:"sha256"`
	Permissions []string `yaml:"permissions"`
}

// Subject 是通过认证的调用方，会随请求上下文传递给处理器。
type Subject struct {
	Name        string
	Permissions []string

	permissionsSet map[string]struct{}
}

// normalise 准备权限查找集合。
func (s *Subject) normalise() {
	if s == nil {
		return
	}
	if s.permissionsSet == nil {
		s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
		for _, perm := range s.Permissions {
			s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
		}
	}
}

// HasPermission 判断主体是否拥有指定权限。
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	if _, ok := s.permissionsSet[PermissionAll]; ok {
		return true
	}
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
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
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}
