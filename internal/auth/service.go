package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"strings"

	"PluginRuntime/pkg/logger"
)

type credential struct {
	digest  [sha256.Size]byte
	subject Subject
}

// Service 校验管理 API 的 Bearer 令牌。
type Service struct {
	mode        Mode
	credentials []credential
	audit       *slog.Logger
}

// NewService 根据配置的令牌构造身份认证服务。
func NewService(cfg Config) *Service {
	svc := &Service{mode: ModeDisabled, audit: logger.Audit()}
	if token := strings.TrimSpace(cfg.AdminToken); token != "" {
		svc.credentials = append(svc.credentials, credential{
			digest:  sha256.Sum256([]byte(token)),
			subject: Subject{Name: "admin", Permissions: []string{PermissionRead, PermissionWrite}},
		})
	}
	if token := strings.TrimSpace(cfg.ReadToken); token != "" {
		svc.credentials = append(svc.credentials, credential{
			digest:  sha256.Sum256([]byte(token)),
			subject: Subject{Name: "viewer", Permissions: []string{PermissionRead}},
		})
	}
	if len(svc.credentials) > 0 {
		svc.mode = ModeToken
	}
	return svc
}

// WithAuditLogger 替换审计日志记录器。
func (s *Service) WithAuditLogger(l *slog.Logger) *Service {
	if l != nil {
		s.audit = l
	}
	return s
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 解析 Authorization 头并返回令牌对应的主体。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(token))
	var match *Subject
	// 逐个比较全部凭证，耗时与匹配位置无关。
	for i := range s.credentials {
		if subtle.ConstantTimeCompare(digest[:], s.credentials[i].digest[:]) == 1 && match == nil {
			sub := s.credentials[i].subject
			sub.Permissions = append([]string(nil), sub.Permissions...)
			match = &sub
		}
	}
	if match == nil {
		return nil, ErrInvalidToken
	}
	return match, nil
}
