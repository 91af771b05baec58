package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"

	// grantTypePassword 是令牌端点默认接受的授权方式。
	grantTypePassword = "password"

	jwtHeaderJSON = `{"alg":"HS256","typ":"JWT"}`
)

// encodedJWTHeader 是固定头部的预编码形式，签发时直接复用。
var encodedJWTHeader = base64.RawURLEncoding.EncodeToString([]byte(jwtHeaderJSON))

// issueLocalTokens 用本地用户库校验 password 授权并签发令牌对。
func (s *Service) issueLocalTokens(ctx context.Context, req TokenRequest) (*TokenPair, error) {
	if grant := strings.TrimSpace(strings.ToLower(req.GrantType)); grant != "" && grant != grantTypePassword {
		return nil, ErrUnsupportedGrant
	}
	if s.jwt == nil {
		return nil, errors.New("jwt manager is not configured")
	}
	if s.store == nil {
		return nil, errors.New("user store not configured")
	}

	username := strings.TrimSpace(req.Username)
	user, err := s.store.FindUserByUsername(ctx, username)
	switch {
	case err != nil:
		return nil, ErrInvalidCredentials
	case user.Disabled:
		return nil, ErrSubjectRevoked
	case !verifyPassword(user.PasswordHash, req.Password):
		return nil, ErrInvalidCredentials
	}

	subject, err := s.activeSubject(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	pair, err := s.jwt.Issue(subject)
	if err != nil {
		return nil, err
	}
	pair.Subject = subject.Clone()
	pair.TokenType = "Bearer"
	return pair, nil
}

// subjectFromAccessToken 校验访问令牌并从用户库刷新主体状态，保证吊销即时生效。
func (s *Service) subjectFromAccessToken(ctx context.Context, token string) (*Subject, error) {
	if s.jwt == nil {
		return nil, errors.New("jwt manager is not configured")
	}
	claims, err := s.jwt.Verify(token)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != tokenTypeAccess {
		return nil, ErrInvalidToken
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return nil, ErrInvalidToken
	}
	subject, err := s.activeSubject(ctx, userID)
	if err != nil {
		return nil, err
	}
	subject.normalise()
	return subject, nil
}

// jwtManager 负责本地令牌的签发与校验，使用 HMAC-SHA256 签名。
type jwtManager struct {
	secret     []byte
	issuer     string
	audience   []string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// newJWTManager 校验签名密钥并套用 TTL 默认值。
func newJWTManager(opts JWTOptions) (*jwtManager, error) {
	if strings.TrimSpace(opts.Secret) == "" {
		return nil, errors.New("jwt signing secret is not configured")
	}
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = 3600
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = 86400
	}
	return &jwtManager{
		secret:     []byte(opts.Secret),
		issuer:     opts.Issuer,
		audience:   opts.Audience,
		accessTTL:  time.Duration(opts.AccessTTL) * time.Second,
		refreshTTL: time.Duration(opts.RefreshTTL) * time.Second,
	}, nil
}

// jwtClaims 是令牌负载，注册声明在前。type 字段区分访问令牌
// 与刷新令牌。
type jwtClaims struct {
	Subject     string   `json:"sub"`
	Issuer      string   `json:"iss,omitempty"`
	Audience    []string `json:"aud,omitempty"`
	IssuedAt    int64    `json:"iat,omitempty"`
	ExpiresAt   int64    `json:"exp,omitempty"`
	TokenType   string   `json:"type"`
	Username    string   `json:"username,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// claimsFor 组装一种令牌的声明集。刷新令牌不携带权限，
// 防止被直接当访问令牌使用。
func (m *jwtManager) claimsFor(subject *Subject, tokenType string, ttl time.Duration, now int64) jwtClaims {
	claims := jwtClaims{
		Subject:   strconv.FormatInt(subject.ID, 10),
		Issuer:    m.issuer,
		Audience:  append([]string(nil), m.audience...),
		IssuedAt:  now,
		ExpiresAt: now + int64(ttl.Seconds()),
		TokenType: tokenType,
		Username:  subject.Username,
		Roles:     append([]string(nil), subject.Roles...),
	}
	if tokenType == tokenTypeAccess {
		claims.Permissions = append([]string(nil), subject.Permissions...)
	}
	return claims
}

// Issue 为主体签发一对访问/刷新令牌。
func (m *jwtManager) Issue(subject *Subject) (*TokenPair, error) {
	if subject == nil {
		return nil, errors.New("subject must not be empty")
	}
	subject.normalise()
	now := time.Now().Unix()

	access, err := m.sign(m.claimsFor(subject, tokenTypeAccess, m.accessTTL, now))
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}
	refresh, err := m.sign(m.claimsFor(subject, tokenTypeRefresh, m.refreshTTL, now))
	if err != nil {
		return nil, fmt.Errorf("issue refresh token: %w", err)
	}
	return &TokenPair{
		TokenType:        "Bearer",
		AccessToken:      access,
		ExpiresIn:        int64(m.accessTTL.Seconds()),
		RefreshToken:     refresh,
		RefreshExpiresIn: int64(m.refreshTTL.Seconds()),
	}, nil
}

// sign 序列化声明并拼出 header.payload.signature 三段。
func (m *jwtManager) sign(claims jwtClaims) (string, error) {
	body, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("encode claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(body)
	sig := base64.RawURLEncoding.EncodeToString(m.signature(encodedJWTHeader, payload))
	return encodedJWTHeader + "." + payload + "." + sig, nil
}

// signature 计算 header.payload 的 HMAC 摘要。
func (m *jwtManager) signature(header, payload string) []byte {
	mac := hmac.New(sha256.New, m.secret)
	fmt.Fprintf(mac, "%s.%s", header, payload)
	return mac.Sum(nil)
}

// Verify 校验签名与声明。任何一步失败都统一返回 ErrInvalidToken，
// 不向调用方泄露具体原因。
func (m *jwtManager) Verify(token string) (*jwtClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || subtle.ConstantTimeCompare(m.signature(parts[0], parts[1]), sig) != 1 {
		return nil, ErrInvalidToken
	}
	body, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims := new(jwtClaims)
	if err := json.Unmarshal(body, claims); err != nil {
		return nil, ErrInvalidToken
	}
	if err := m.checkClaims(claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// checkClaims 校验有效期、签发者与受众，零值字段跳过对应检查。
func (m *jwtManager) checkClaims(claims *jwtClaims) error {
	if claims.ExpiresAt != 0 && time.Now().Unix() > claims.ExpiresAt {
		return ErrInvalidToken
	}
	if m.issuer != "" && claims.Issuer != "" && !strings.EqualFold(m.issuer, claims.Issuer) {
		return ErrInvalidToken
	}
	if len(m.audience) > 0 && len(claims.Audience) > 0 && !audienceMatches(m.audience, claims.Audience) {
		return ErrInvalidToken
	}
	return nil
}

// audienceMatches 在两个受众列表间寻找任意一个大小写不敏感的交集。
func audienceMatches(expected, provided []string) bool {
	for _, want := range expected {
		for _, have := range provided {
			if strings.EqualFold(strings.TrimSpace(want), strings.TrimSpace(have)) {
				return true
			}
		}
	}
	return false
}
