package auth

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors surfaced by the authentication subsystem. Handlers map
// these onto HTTP statuses; everything else is treated as an internal
// failure.
var (
	ErrDisabled           = errors.New("authentication disabled")
	ErrMissingToken       = errors.New("missing bearer token")
	ErrInvalidToken       = errors.New("invalid token")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnsupportedGrant   = errors.New("unsupported grant type")
	ErrSubjectRevoked     = errors.New("subject is disabled")
	ErrPermissionDenied   = errors.New("permission denied")
)

// Subject is the identity carried by an access token and threaded through
// request contexts. It is what authorization decisions are made against.
type Subject struct {
	ID          int64
	Username    string
	Roles       []string
	Permissions []string
	Disabled    bool

	permissionsSet map[string]struct{}
}

// permissionKey is the canonical form permissions compare under.
func permissionKey(permission string) string {
	return strings.ToLower(strings.TrimSpace(permission))
}

// normalise builds the permission lookup set once.
func (s *Subject) normalise() {
	if s == nil || s.permissionsSet != nil {
		return
	}
	s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
	for _, perm := range s.Permissions {
		s.permissionsSet[permissionKey(perm)] = struct{}{}
	}
}

// Normalise prepares the subject for permission checks. Exported for
// stores that build subjects outside this package.
func (s *Subject) Normalise() {
	s.normalise()
}

// HasPermission reports whether the subject holds the permission.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	_, ok := s.permissionsSet[permissionKey(permission)]
	return ok
}

// HasRole reports whether the subject holds the role, case-insensitively.
func (s *Subject) HasRole(role string) bool {
	if s == nil {
		return false
	}
	role = strings.TrimSpace(role)
	for _, candidate := range s.Roles {
		if strings.EqualFold(strings.TrimSpace(candidate), role) {
			return true
		}
	}
	return false
}

// Authorize checks every required permission and names the first one the
// subject is missing.
func (s *Subject) Authorize(perms ...string) error {
	switch {
	case s == nil:
		return ErrInvalidToken
	case s.Disabled:
		return ErrSubjectRevoked
	}
	for _, perm := range perms {
		if perm != "" && !s.HasPermission(perm) {
			return fmt.Errorf("%w: need %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}

// Clone returns a copy whose slices are detached from the original, so a
// subject embedded in a token response cannot be mutated through it.
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Roles = append([]string(nil), s.Roles...)
	clone.Permissions = append([]string(nil), s.Permissions...)
	clone.permissionsSet = nil
	clone.normalise()
	return &clone
}

// TokenRequest is the payload accepted by the token endpoint. An empty
// grant type defaults to the password grant.
type TokenRequest struct {
	GrantType string   `json:"grant_type"`
	Username  string   `json:"username"`
	Password  string   `json:"password"`
	Scope     []string `json:"scope"`
}

// TokenPair is the token endpoint response. Subject rides along for
// in-process consumers and never serializes.
type TokenPair struct {
	TokenType        string   `json:"token_type"`
	AccessToken      string   `json:"access_token"`
	ExpiresIn        int64    `json:"expires_in"`
	RefreshToken     string   `json:"refresh_token,omitempty"`
	RefreshExpiresIn int64    `json:"refresh_expires_in,omitempty"`
	GrantedScopes    []string `json:"scope,omitempty"`
	Subject          *Subject `json:"-"`
}

// Config selects the provider mode and carries its settings plus the seed
// accounts to provision.
type Config struct {
	Mode  Mode
	JWT   JWTOptions
	OAuth OAuthOptions
	Seeds []Seed
}

// Mode selects which authentication provider is active.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeJWT      Mode = "jwt"
	ModeOAuth    Mode = "oauth"
)

// JWTOptions parameterizes local token issuance. TTLs are in seconds.
type JWTOptions struct {
	Secret     string
	Issuer     string
	AccessTTL  int64
	RefreshTTL int64
	Audience   []string
}

// OAuthOptions delegates authentication to an external OAuth2 provider.
// IntrospectionURL is required; TokenURL only when the daemon should also
// proxy token issuance.
type OAuthOptions struct {
	IntrospectionURL string
	TokenURL         string
	ClientID         string
	ClientSecret     string
	UsernameClaim    string
	Scopes           []string
	TimeoutSeconds   int
}
