package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/namphuong20146470/BE-IOMT-sub005/internal/ids"
	"github.com/namphuong20146470/BE-IOMT-sub005/internal/obs"
)

const (
	defaultRefreshTTL      = 7 * 24 * time.Hour
	defaultPermissionGrace = 5 * time.Minute
	defaultDBTimeout       = 3 * time.Second
)

// Audit actions emitted by Service.
const (
	ActionLogin          = "auth.login"
	ActionLoginFailed    = "auth.login.failed"
	ActionRefresh        = "auth.refresh"
	ActionLogout         = "auth.logout"
	ActionSessionRevoked = "auth.session.revoked"
)

// Transport is how an access token reached the server.
type Transport int

const (
	TransportBearer Transport = iota
	TransportCookie
)

func (t Transport) String() string {
	if t == TransportCookie {
		return "cookie"
	}
	return "bearer"
}

// PermissionProvider returns the current permission set of a user.
// PermissionCache is the production implementation.
type PermissionProvider interface {
	Get(ctx context.Context, userID string) (PermissionSet, error)
}

// SessionMeta describes the client opening or refreshing a session.
type SessionMeta struct {
	IPAddress string
	UserAgent string
}

// TokenPair is an access token plus the opaque refresh credential backing it.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	SessionID        string    `json:"session_id"`
}

// LoginResult is returned by Login and Refresh.
type LoginResult struct {
	Tokens TokenPair
	Claims *Claims
}

// Service authenticates users and manages their sessions.
type Service struct {
	store      Store
	perms      PermissionProvider
	tokens     *TokenIssuer
	policy     Policy
	audit      AuditNotifier
	now        func() time.Time
	refreshTTL time.Duration
	grace      time.Duration
	dbTimeout  time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithRefreshTTL configures how long a session stays refreshable.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithPermissionGrace sets how far a token's permission version may lag the
// user's current version before the token is rejected as stale. A shorter
// window forces more re-logins; a longer one keeps revoked access alive
// longer. Zero rejects any lag.
func WithPermissionGrace(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d < 0 {
			return errors.New("auth: permission grace must not be negative")
		}
		s.grace = d
		return nil
	}
}

// WithDBTimeout bounds the store round-trips of one verification.
func WithDBTimeout(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d > 0 {
			s.dbTimeout = d
		}
		return nil
	}
}

// WithPolicy sets the system-admin and cross-department permissions.
func WithPolicy(p Policy) ServiceOption {
	return func(s *Service) error {
		s.policy = p
		return nil
	}
}

// WithAuditNotifier sets the receiver of authentication events.
func WithAuditNotifier(n AuditNotifier) ServiceOption {
	return func(s *Service) error {
		if n != nil {
			s.audit = n
		}
		return nil
	}
}

// NewService constructs Service.
func NewService(store Store, perms PermissionProvider, tokens *TokenIssuer, opts ...ServiceOption) (*Service, error) {
	if store == nil || perms == nil || tokens == nil {
		return nil, errors.New("auth: store, permission provider and token issuer are required")
	}
	svc := &Service{
		store:      store,
		perms:      perms,
		tokens:     tokens,
		policy:     DefaultPolicy(),
		audit:      nopNotifier{},
		now:        time.Now,
		refreshTTL: defaultRefreshTTL,
		grace:      defaultPermissionGrace,
		dbTimeout:  defaultDBTimeout,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// Policy returns the decision policy claims are built with.
func (s *Service) Policy() Policy { return s.policy }

// Login checks credentials, opens a session and issues a token pair. Unknown
// users, wrong passwords and inactive accounts all yield ErrUnauthenticated.
func (s *Service) Login(ctx context.Context, username, password string, meta SessionMeta) (LoginResult, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return LoginResult{}, ErrUnauthenticated
	}
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			burnPasswordCheck(password)
			s.notify(ctx, AuditEvent{Action: ActionLoginFailed, ResourceType: "user", Metadata: map[string]string{"username": username}})
			return LoginResult{}, ErrUnauthenticated
		}
		return LoginResult{}, fmt.Errorf("load user: %w", err)
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		s.notify(ctx, AuditEvent{Action: ActionLoginFailed, ResourceType: "user", ResourceID: user.ID})
		return LoginResult{}, ErrUnauthenticated
	}
	if !user.IsActive {
		s.notify(ctx, AuditEvent{Action: ActionLoginFailed, ResourceType: "user", ResourceID: user.ID, Metadata: map[string]string{"reason": "inactive"}})
		return LoginResult{}, ErrUnauthenticated
	}

	set, err := s.perms.Get(ctx, user.ID)
	if err != nil {
		return LoginResult{}, err
	}

	now := s.now().UTC()
	secret, hash, err := newRefreshSecret()
	if err != nil {
		return LoginResult{}, err
	}
	session := Session{
		ID:               ids.NewSessionID(),
		UserID:           user.ID,
		RefreshTokenHash: hash,
		ExpiresAt:        now.Add(s.refreshTTL),
		IsActive:         true,
		LastActivity:     now,
		CreatedAt:        now,
		IPAddress:        meta.IPAddress,
		UserAgent:        meta.UserAgent,
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return LoginResult{}, fmt.Errorf("create session: %w", err)
	}

	result, err := s.issue(user, set, session, secret)
	if err != nil {
		return LoginResult{}, err
	}
	s.notify(ctx, AuditEvent{
		Action:       ActionLogin,
		ActorUserID:  user.ID,
		ActorOrgID:   user.OrganizationID,
		ResourceType: "session",
		ResourceID:   session.ID,
		Metadata:     map[string]string{"ip": meta.IPAddress},
	})
	return result, nil
}

// Refresh exchanges a refresh credential for a new token pair. The secret is
// rotated on every use and a mismatching secret revokes the session.
func (s *Service) Refresh(ctx context.Context, credential string, meta SessionMeta) (LoginResult, error) {
	sessionID, secret, err := splitRefreshCredential(credential)
	if err != nil {
		return LoginResult{}, ErrSessionInvalid
	}
	now := s.now().UTC()
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return LoginResult{}, ErrSessionInvalid
		}
		return LoginResult{}, fmt.Errorf("%w: load session: %v", ErrResolutionFailed, err)
	}
	if session.State(now) != SessionActive {
		return LoginResult{}, ErrSessionInvalid
	}
	if !secureCompareHash(session.RefreshTokenHash, secret) {
		s.revoke(ctx, session, "refresh_mismatch")
		return LoginResult{}, ErrSessionInvalid
	}

	user, err := s.store.GetUser(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.revoke(ctx, session, "user_missing")
			return LoginResult{}, ErrUnauthenticated
		}
		return LoginResult{}, fmt.Errorf("%w: load user: %v", ErrResolutionFailed, err)
	}
	if !user.IsActive {
		s.revoke(ctx, session, "user_inactive")
		return LoginResult{}, ErrUnauthenticated
	}

	set, err := s.perms.Get(ctx, user.ID)
	if err != nil {
		return LoginResult{}, err
	}

	newSecret, hash, err := newRefreshSecret()
	if err != nil {
		return LoginResult{}, err
	}
	if err := s.store.RotateSessionSecret(ctx, session.ID, session.RefreshTokenHash, hash, now); err != nil {
		if errors.Is(err, ErrNotFound) {
			// Another refresh already consumed this secret.
			s.revoke(ctx, session, "refresh_reuse")
			return LoginResult{}, ErrSessionInvalid
		}
		return LoginResult{}, fmt.Errorf("%w: rotate session: %v", ErrResolutionFailed, err)
	}
	session.RefreshTokenHash = hash
	session.LastActivity = now

	result, err := s.issue(user, set, session, newSecret)
	if err != nil {
		return LoginResult{}, err
	}
	s.notify(ctx, AuditEvent{
		Action:       ActionRefresh,
		ActorUserID:  user.ID,
		ActorOrgID:   user.OrganizationID,
		ResourceType: "session",
		ResourceID:   session.ID,
		Metadata:     map[string]string{"ip": meta.IPAddress},
	})
	return result, nil
}

// Logout revokes a session. Logging out of a session that is already
// terminal succeeds without changing it.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return ErrSessionInvalid
	}
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrSessionInvalid
		}
		return err
	}
	now := s.now().UTC()
	if !session.Revoke(now) {
		return nil
	}
	if err := s.store.RevokeSession(ctx, session.ID, now); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	s.notify(ctx, AuditEvent{Action: ActionLogout, ActorUserID: session.UserID, ResourceType: "session", ResourceID: session.ID})
	return nil
}

// RevokeUserSessions revokes every active session of userID.
func (s *Service) RevokeUserSessions(ctx context.Context, userID string) (int64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	n, err := s.store.RevokeUserSessions(ctx, userID, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("revoke sessions: %w", err)
	}
	s.notify(ctx, AuditEvent{
		Action:       ActionSessionRevoked,
		ResourceType: "user",
		ResourceID:   userID,
		Metadata:     map[string]string{"reason": "admin", "count": fmt.Sprint(n)},
	})
	return n, nil
}

// Authenticate verifies a raw access token and returns the caller's claims.
//
// Cookie-delivered tokens must name a session, and that session must be
// active. Bearer tokens are checked against their session when they carry
// one. The token is rejected with ErrPermissionsChanged, and its session
// revoked, when its permission version lags the user's by more than the
// grace window.
func (s *Service) Authenticate(ctx context.Context, raw string, transport Transport) (*Claims, error) {
	ac, err := s.tokens.Parse(raw)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			obs.TokenVerified("expired")
		} else {
			obs.TokenVerified("invalid")
		}
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.dbTimeout)
	defer cancel()
	now := s.now().UTC()

	var session *Session
	if transport == TransportCookie && ac.SessionID == "" {
		obs.TokenVerified("session_invalid")
		return nil, ErrSessionInvalid
	}
	if ac.SessionID != "" {
		sess, err := s.store.GetSession(ctx, ac.SessionID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				obs.TokenVerified("session_invalid")
				return nil, ErrSessionInvalid
			}
			obs.TokenVerified("error")
			return nil, fmt.Errorf("%w: load session: %v", ErrResolutionFailed, err)
		}
		if sess.UserID != ac.Subject || sess.State(now) != SessionActive {
			obs.TokenVerified("session_invalid")
			return nil, ErrSessionInvalid
		}
		session = &sess
	}

	user, err := s.store.GetUser(ctx, ac.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.TokenVerified("invalid")
			return nil, ErrUnauthenticated
		}
		obs.TokenVerified("error")
		return nil, fmt.Errorf("%w: load user: %v", ErrResolutionFailed, err)
	}
	if !user.IsActive {
		if session != nil {
			s.revoke(ctx, *session, "user_inactive")
		}
		obs.TokenVerified("inactive")
		return nil, ErrUnauthenticated
	}
	if s.isStale(ac.PermissionVersion, user.PermissionVersion()) {
		if session != nil {
			s.revoke(ctx, *session, "permissions_changed")
		}
		obs.TokenVerified("stale")
		return nil, ErrPermissionsChanged
	}

	if session != nil {
		if err := s.store.TouchSession(ctx, session.ID, now); err != nil {
			obs.Logger().Warn("touch session failed", zap.String("session_id", session.ID), zap.Error(err))
		}
	}
	obs.TokenVerified("ok")
	return s.policy.FromAccessClaims(ac), nil
}

func (s *Service) isStale(tokenVersion, currentVersion int64) bool {
	return currentVersion-tokenVersion > int64(s.grace/time.Second)
}

func (s *Service) issue(user User, set PermissionSet, session Session, secret string) (LoginResult, error) {
	token, err := s.tokens.Issue(user, set.Permissions, set.Roles, session.ID)
	if err != nil {
		return LoginResult{}, err
	}
	claims := s.policy.NewClaims(user.ID, user.Username, user.OrganizationID, user.DepartmentID,
		set.Permissions.Sorted(), set.Roles.Sorted())
	claims.SessionID = session.ID
	claims.TokenID = token.ID
	claims.PermissionVersion = user.PermissionVersion()
	return LoginResult{
		Tokens: TokenPair{
			AccessToken:      token.Token,
			AccessExpiresAt:  token.ExpiresAt,
			RefreshToken:     session.ID + "." + secret,
			RefreshExpiresAt: session.ExpiresAt,
			SessionID:        session.ID,
		},
		Claims: claims,
	}, nil
}

// revoke terminates session as a side effect of a failed check. Failures are
// logged; the caller is rejected either way.
func (s *Service) revoke(ctx context.Context, session Session, reason string) {
	now := s.now().UTC()
	if !session.Revoke(now) {
		return
	}
	if err := s.store.RevokeSession(ctx, session.ID, now); err != nil {
		obs.Logger().Warn("revoke session failed",
			zap.String("session_id", session.ID), zap.String("reason", reason), zap.Error(err))
		return
	}
	s.notify(ctx, AuditEvent{
		Action:       ActionSessionRevoked,
		ActorUserID:  session.UserID,
		ResourceType: "session",
		ResourceID:   session.ID,
		Metadata:     map[string]string{"reason": reason},
	})
}

func (s *Service) notify(ctx context.Context, event AuditEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now().UTC()
	}
	s.audit.Notify(ctx, event)
}

func newRefreshSecret() (secret, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate refresh secret: %w", err)
	}
	secret = base64.RawURLEncoding.EncodeToString(buf)
	return secret, hashSecret(secret), nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func splitRefreshCredential(raw string) (id, secret string, err error) {
	id, secret, ok := strings.Cut(strings.TrimSpace(raw), ".")
	if !ok || id == "" || secret == "" || strings.Contains(secret, ".") {
		return "", "", errors.New("invalid refresh credential format")
	}
	return id, secret, nil
}

func secureCompareHash(expectedHash, secret string) bool {
	actual := hashSecret(secret)
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}
