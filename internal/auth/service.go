package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"OpenOrch/pkg/logger"
)

// Service 统一承载控制面的身份认证：签发令牌、校验请求、维护审计日志。
// 模式由配置决定，disabled 模式下所有接口直接放行。
type Service struct {
	mode  Mode
	store Store
	jwt   *jwtManager
	oauth *oauthClient
	audit *slog.Logger
}

// NewService 按配置装配认证服务，并把种子账号写入用户存储。
func NewService(ctx context.Context, cfg Config, store Store) (*Service, error) {
	svc := &Service{
		mode:  Mode(strings.ToLower(string(cfg.Mode))),
		store: store,
		audit: logger.Audit(),
	}
	if svc.mode == ModeDisabled {
		return svc, nil
	}

	var err error
	switch svc.mode {
	case ModeJWT:
		if store == nil {
			return nil, errors.New("jwt mode needs a backing user store")
		}
		svc.jwt, err = newJWTManager(cfg.JWT)
	case ModeOAuth:
		svc.oauth, err = newOAuthClient(cfg.OAuth)
	default:
		err = fmt.Errorf("unknown auth mode: %s", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	if err := applySeeds(ctx, store, cfg.Seeds); err != nil {
		return nil, err
	}
	return svc, nil
}

// applySeeds 把配置里的种子账号写入支持引导的存储，其余存储静默跳过。
func applySeeds(ctx context.Context, store Store, seeds []Seed) error {
	if len(seeds) == 0 || store == nil {
		return nil
	}
	writer, ok := store.(SeedWriter)
	if !ok {
		return nil
	}
	for _, seed := range seeds {
		if err := writer.ApplySeed(ctx, seed); err != nil {
			return fmt.Errorf("seed account %s: %w", seed.Username, err)
		}
	}
	return nil
}

// Mode 返回当前生效的认证模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Authenticate 处理令牌签发请求。disabled 模式下没有可签发的令牌。
func (s *Service) Authenticate(ctx context.Context, req TokenRequest) (*TokenPair, error) {
	switch s.Mode() {
	case ModeJWT:
		return s.issueLocalTokens(ctx, req)
	case ModeOAuth:
		return s.relayTokenRequest(ctx, req)
	}
	return nil, ErrDisabled
}

// AuthenticateRequest 校验 Authorization 头并还原请求主体。
func (s *Service) AuthenticateRequest(ctx context.Context, authorization string) (*Subject, error) {
	mode := s.Mode()
	if mode == ModeDisabled {
		return nil, ErrDisabled
	}
	token, err := bearerToken(authorization)
	if err != nil {
		return nil, err
	}
	switch mode {
	case ModeJWT:
		return s.subjectFromAccessToken(ctx, token)
	case ModeOAuth:
		return s.subjectFromOAuthToken(ctx, token)
	}
	return nil, ErrDisabled
}

// bearerToken 从 Authorization 头中剥离 Bearer 令牌。
func bearerToken(authorization string) (string, error) {
	scheme, rest, found := strings.Cut(strings.TrimSpace(authorization), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", ErrMissingToken
	}
	if token := strings.TrimSpace(rest); token != "" {
		return token, nil
	}
	return "", ErrMissingToken
}

// activeSubject 按用户 ID 加载主体并拒绝已停用的账号。
func (s *Service) activeSubject(ctx context.Context, userID int64) (*Subject, error) {
	if s.store == nil {
		return nil, errors.New("user store not configured")
	}
	subject, err := s.store.LoadSubject(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve subject: %w", err)
	}
	if subject.Disabled {
		return nil, ErrSubjectRevoked
	}
	return subject, nil
}
