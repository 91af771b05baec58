package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// relayTokenRequest 把签发请求转发给外部 OAuth 提供者。
func (s *Service) relayTokenRequest(ctx context.Context, req TokenRequest) (*TokenPair, error) {
	if s.oauth == nil {
		return nil, errors.New("oauth client is not configured")
	}
	return s.oauth.exchange(ctx, req)
}

// subjectFromOAuthToken 通过内省接口校验外部令牌，并与本地账号合并权限。
func (s *Service) subjectFromOAuthToken(ctx context.Context, token string) (*Subject, error) {
	if s.oauth == nil {
		return nil, errors.New("oauth client is not configured")
	}
	identity, err := s.oauth.introspect(ctx, token)
	if err != nil {
		return nil, err
	}
	if !identity.Active {
		return nil, ErrInvalidToken
	}
	username := identity.Username
	if username == "" {
		username = identity.Subject
	}
	if username == "" {
		return nil, ErrInvalidToken
	}
	if s.store == nil {
		// 没有本地用户库时直接信任外部身份。
		return &Subject{Username: username, Roles: identity.Roles, Permissions: identity.Permissions}, nil
	}

	user, err := s.store.FindUserByUsername(ctx, username)
	if err != nil {
		return nil, ErrInvalidToken
	}
	subject, err := s.activeSubject(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	mergePermissions(subject, identity.Permissions)
	subject.normalise()
	return subject, nil
}

// mergePermissions 把外部作用域并入本地权限集合，去重后保持确定顺序。
func mergePermissions(subject *Subject, extra []string) {
	if len(extra) == 0 {
		return
	}
	subject.Permissions = normaliseSet(append(append([]string(nil), subject.Permissions...), extra...))
	subject.permissionsSet = nil
}

// oauthClient 对接外部 OAuth2 提供者：可选地代理令牌签发，
// 并通过内省接口（RFC 7662）校验送达的令牌。
type oauthClient struct {
	config OAuthOptions
	client *http.Client
}

// newOAuthClient 校验必填项并构造带超时的 HTTP 客户端。
func newOAuthClient(cfg OAuthOptions) (*oauthClient, error) {
	if strings.TrimSpace(cfg.IntrospectionURL) == "" {
		return nil, errors.New("oauth introspection_url is not set")
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 15
	}
	return &oauthClient{
		config: cfg,
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
	}, nil
}

// oauthTokenResponse 是提供者令牌端点的应答。
type oauthTokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// introspectionResponse 是内省端点的应答。
type introspectionResponse struct {
	Active    bool   `json:"active"`
	Username  string `json:"username"`
	Subject   string `json:"sub"`
	ClientID  string `json:"client_id"`
	Scope     string `json:"scope"`
	TokenType string `json:"token_type"`
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat"`
}

// introspectedIdentity 是内省结果换算出的身份视图。
type introspectedIdentity struct {
	Active      bool
	Subject     string
	Username    string
	Roles       []string
	Permissions []string
}

// exchange 把签发请求原样转发给提供者的令牌端点。
func (c *oauthClient) exchange(ctx context.Context, req TokenRequest) (*TokenPair, error) {
	if strings.TrimSpace(c.config.TokenURL) == "" {
		return nil, errors.New("oauth token_url is required to issue tokens")
	}

	form := url.Values{}
	for key, value := range map[string]string{
		"grant_type": req.GrantType,
		"username":   req.Username,
		"password":   req.Password,
	} {
		if value != "" {
			form.Set(key, value)
		}
	}
	if len(req.Scope) > 0 {
		form.Set("scope", strings.Join(req.Scope, " "))
	}

	var tokenResp oauthTokenResponse
	if err := c.postForm(ctx, c.config.TokenURL, form, &tokenResp); err != nil {
		return nil, err
	}

	var scopes []string
	if tokenResp.Scope != "" {
		scopes = strings.Fields(tokenResp.Scope)
	} else if len(req.Scope) > 0 {
		scopes = strings.Fields(strings.Join(req.Scope, " "))
	}
	return &TokenPair{
		TokenType:     tokenResp.TokenType,
		AccessToken:   tokenResp.AccessToken,
		ExpiresIn:     tokenResp.ExpiresIn,
		RefreshToken:  tokenResp.RefreshToken,
		GrantedScopes: scopes,
	}, nil
}

// introspect 校验令牌并把作用域映射为权限集合。
func (c *oauthClient) introspect(ctx context.Context, token string) (*introspectedIdentity, error) {
	form := url.Values{"token": {token}}

	var resp introspectionResponse
	if err := c.postForm(ctx, c.config.IntrospectionURL, form, &resp); err != nil {
		return nil, err
	}

	var perms []string
	if resp.Scope != "" {
		perms = strings.Fields(resp.Scope)
	}
	return &introspectedIdentity{
		Active:      resp.Active,
		Subject:     resp.Subject,
		Username:    usernameFrom(resp, c.config.UsernameClaim),
		Permissions: perms,
	}, nil
}

// postForm 提交表单并解析 JSON 应答，客户端凭据通过 Basic 认证携带。
func (c *oauthClient) postForm(ctx context.Context, endpoint string, form url.Values, out any) error {
	body := strings.NewReader(form.Encode())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if id := c.config.ClientID; id != "" {
		httpReq.SetBasicAuth(id, c.config.ClientSecret)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("oauth request to %s failed: %s", endpoint, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode oauth response: %w", err)
	}
	return nil
}

// usernameFrom 按配置挑选用户名声明，默认优先 username 字段。
func usernameFrom(resp introspectionResponse, claim string) string {
	switch strings.ToLower(claim) {
	case "sub", "subject":
		return resp.Subject
	case "client_id":
		return resp.ClientID
	case "username":
		return resp.Username
	}
	if resp.Username == "" && claim == "preferred_username" {
		return resp.Subject
	}
	return resp.Username
}
