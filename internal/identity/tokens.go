package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"fedvault.org/internal/authz"
	"fedvault.org/internal/faults"
	"fedvault.org/internal/ids"
)

const (
	issuer = "fedvault"

	// AccessTTL is fixed by the platform contract: access tokens expire
	// twenty minutes after issue.
	AccessTTL  = 20 * time.Minute
	refreshTTL = 7 * 24 * time.Hour

	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// Claims are the JWT claims carried by both token types.
type Claims struct {
	OrganizationID string   `json:"org"`
	Roles          []string `json:"roles"`
	TokenType      string   `json:"token_type"`
	jwt.RegisteredClaims
}

// TokenPair is what a successful login or refresh returns.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// TokenIssuer signs and verifies the two token types with separate secrets.
type TokenIssuer struct {
	accessSecret  []byte
	refreshSecret []byte
	now           func() time.Time
}

// NewTokenIssuer constructs an issuer; both secrets are required.
func NewTokenIssuer(jwtSecret, refreshSecret string, opts ...func(*TokenIssuer)) (*TokenIssuer, error) {
	if strings.TrimSpace(jwtSecret) == "" || strings.TrimSpace(refreshSecret) == "" {
		return nil, errors.New("identity: jwt and refresh secrets are required")
	}
	t := &TokenIssuer{
		accessSecret:  []byte(jwtSecret),
		refreshSecret: []byte(refreshSecret),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// WithTokenClock overrides the issuer's time source for tests.
func WithTokenClock(fn func() time.Time) func(*TokenIssuer) {
	return func(t *TokenIssuer) {
		if fn != nil {
			t.now = fn
		}
	}
}

// Issue mints an access/refresh pair for an authenticated user.
func (t *TokenIssuer) Issue(user User) (TokenPair, error) {
	now := t.now().UTC()
	accessExp := now.Add(AccessTTL)
	refreshExp := now.Add(refreshTTL)

	access, err := t.sign(user, tokenTypeAccess, now, accessExp, t.accessSecret)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := t.sign(user, tokenTypeRefresh, now, refreshExp, t.refreshSecret)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// Authenticate validates an access token and returns the embedded principal.
func (t *TokenIssuer) Authenticate(token string) (authz.Principal, error) {
	claims, err := t.parse(token, tokenTypeAccess, t.accessSecret)
	if err != nil {
		return authz.Principal{}, err
	}
	return claimsPrincipal(claims), nil
}

// ValidateRefresh validates a refresh token and returns the subject user id.
// The caller re-loads the user so revoked accounts stop refreshing.
func (t *TokenIssuer) ValidateRefresh(token string) (string, error) {
	claims, err := t.parse(token, tokenTypeRefresh, t.refreshSecret)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

func (t *TokenIssuer) sign(user User, tokenType string, now, exp time.Time, secret []byte) (string, error) {
	roles := make([]string, len(user.Roles))
	for i, r := range user.Roles {
		roles[i] = string(r)
	}
	claims := Claims{
		OrganizationID: user.OrganizationID,
		Roles:          roles,
		TokenType:      tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        ids.New(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("%w: sign token: %v", faults.ErrInternal, err)
	}
	return signed, nil
}

func (t *TokenIssuer) parse(token, wantType string, secret []byte) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", faults.ErrUnauthenticated)
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(tok *jwt.Token) (any, error) {
		if tok.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(t.now))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid token", faults.ErrUnauthenticated)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.TokenType != wantType || strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: invalid token", faults.ErrUnauthenticated)
	}
	return claims, nil
}

func claimsPrincipal(claims *Claims) authz.Principal {
	roles := make([]authz.Role, len(claims.Roles))
	for i, r := range claims.Roles {
		roles[i] = authz.Role(r)
	}
	return authz.Principal{
		UserID:         claims.Subject,
		OrganizationID: claims.OrganizationID,
		Roles:          roles,
	}
}
