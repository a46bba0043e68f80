package auth

import (
	"context"
	"log/slog"
	"strings"

	"VaultOps/internal/config"
	xerrors "VaultOps/internal/errors"
	"VaultOps/pkg/logger"
)

// Service 负责 API 请求的令牌认证。
type Service struct {
	enabled bool
	tokens  *TokenStore
	audit   *slog.Logger
}

// NewService 构造认证服务；关闭认证时所有请求都以匿名管理员身份通过。
func NewService(cfg config.AuthConfig) (*Service, error) {
	svc := &Service{enabled: cfg.Enabled, audit: logger.Audit()}
	if !cfg.Enabled {
		return svc, nil
	}
	tokens, err := NewTokenStore(cfg)
	if err != nil {
		return nil, err
	}
	if tokens.Len() == 0 {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "启用认证时至少需要一个 API 令牌")
	}
	svc.tokens = tokens
	return svc, nil
}

// Enabled 报告是否启用了认证。
func (s *Service) Enabled() bool { return s != nil && s.enabled }

// AuthenticateRequest 解析 Authorization 头中的 Bearer 令牌。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	if !s.Enabled() {
		return anonymous(), nil
	}
	authorization = strings.TrimSpace(authorization)
	if authorization == "" {
		return nil, ErrMissingToken
	}
	scheme, token, ok := strings.Cut(authorization, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrInvalidToken
	}
	subject, found := s.tokens.Lookup(strings.TrimSpace(token))
	if !found {
		return nil, ErrInvalidToken
	}
	return subject, nil
}

func anonymous() *Subject {
	return newSubject("anonymous", []string{"admin"}, DefaultRoles)
}
