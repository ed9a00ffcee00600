package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/namphuong20146470/BE-IOMT-sub005/internal/ids"
)

const (
	defaultIssuer    = "iomt-auth"
	defaultAccessTTL = 15 * time.Minute
	minSecretLength  = 32
)

// AccessClaims is the signed payload of an access token.
type AccessClaims struct {
	Username          string   `json:"username"`
	OrganizationID    string   `json:"organization_id,omitempty"`
	DepartmentID      string   `json:"department_id,omitempty"`
	Permissions       []string `json:"permissions"`
	Roles             []string `json:"roles"`
	PermissionVersion int64    `json:"permission_version"`
	SessionID         string   `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// SignedToken is an encoded access token and its expiry.
type SignedToken struct {
	Token     string
	ID        string
	ExpiresAt time.Time
}

// TokenIssuer signs and parses HS256 access tokens.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	hidden HiddenFilter
	now    func() time.Time
}

// TokenOption configures TokenIssuer.
type TokenOption func(*TokenIssuer)

// WithTokenIssuer overrides the iss claim.
func WithTokenIssuer(issuer string) TokenOption {
	return func(t *TokenIssuer) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			t.issuer = issuer
		}
	}
}

// WithTokenTTL sets the access token lifetime.
func WithTokenTTL(ttl time.Duration) TokenOption {
	return func(t *TokenIssuer) {
		if ttl > 0 {
			t.ttl = ttl
		}
	}
}

// WithTokenHiddenFilter sets the filter applied to embedded permissions.
func WithTokenHiddenFilter(f HiddenFilter) TokenOption {
	return func(t *TokenIssuer) {
		t.hidden = f
	}
}

// WithTokenClock overrides the time source for issuing and validating.
func WithTokenClock(fn func() time.Time) TokenOption {
	return func(t *TokenIssuer) {
		if fn != nil {
			t.now = fn
		}
	}
}

// NewTokenIssuer constructs an issuer for the shared secret.
func NewTokenIssuer(secret string, opts ...TokenOption) (*TokenIssuer, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("auth: token secret must be at least %d bytes", minSecretLength)
	}
	t := &TokenIssuer{
		secret: []byte(secret),
		issuer: defaultIssuer,
		ttl:    defaultAccessTTL,
		hidden: NewHiddenFilter(DefaultHiddenPermissions...),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// TTL returns the access token lifetime.
func (t *TokenIssuer) TTL() time.Duration { return t.ttl }

// Issue signs a token embedding the permission and role snapshot of user.
// Lists are sorted so an unchanged set always encodes the same way.
func (t *TokenIssuer) Issue(user User, permissions, roles StringSet, sessionID string) (SignedToken, error) {
	if strings.TrimSpace(user.ID) == "" {
		return SignedToken{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	now := t.now().UTC().Truncate(time.Second)
	exp := now.Add(t.ttl)
	jti := ids.NewTokenID()
	claims := AccessClaims{
		Username:          user.Username,
		OrganizationID:    user.OrganizationID,
		DepartmentID:      user.DepartmentID,
		Permissions:       t.hidden.Filter(permissions).Sorted(),
		Roles:             roles.Sorted(),
		PermissionVersion: user.PermissionVersion(),
		SessionID:         sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        jti,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return SignedToken{}, fmt.Errorf("sign token: %w", err)
	}
	return SignedToken{Token: signed, ID: jti, ExpiresAt: exp}, nil
}

// Parse verifies signature, algorithm, issuer and expiry. It does not consult
// the session store or the permission version; see Service.Authenticate.
func (t *TokenIssuer) Parse(raw string) (*AccessClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrTokenInvalid
	}
	parsed, err := jwt.ParseWithClaims(raw, &AccessClaims{}, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
