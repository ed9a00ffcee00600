package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/namphuong20146470/BE-IOMT-sub005/internal/auth"
)

type loginRequest struct {
	Username string `json:"username" validate:"required,max=128"`
	Password string `json:"password" validate:"required,max=256"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"max=512"`
}

type tokenResponse struct {
	auth.TokenPair
	TokenType string       `json:"token_type"`
	User      userResponse `json:"user"`
}

type userResponse struct {
	ID             string   `json:"id"`
	Username       string   `json:"username"`
	OrganizationID string   `json:"organization_id,omitempty"`
	DepartmentID   string   `json:"department_id,omitempty"`
	SessionID      string   `json:"session_id,omitempty"`
	Roles          []string `json:"roles"`
	Permissions    []string `json:"permissions"`
}

func toUserResponse(c *auth.Claims) userResponse {
	return userResponse{
		ID:             c.UserID,
		Username:       c.Username,
		OrganizationID: c.OrganizationID,
		DepartmentID:   c.DepartmentID,
		SessionID:      c.SessionID,
		Roles:          c.Roles(),
		Permissions:    c.Permissions(),
	}
}

func sessionMeta(r *http.Request) auth.SessionMeta {
	return auth.SessionMeta{IPAddress: clientIP(r), UserAgent: r.UserAgent()}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !a.decodeValid(w, r, &req) {
		return
	}
	res, err := a.authn.Login(r.Context(), strings.TrimSpace(req.Username), req.Password, sessionMeta(r))
	if err != nil {
		handleError(w, r, err)
		return
	}
	a.setAuthCookies(w, res.Tokens)
	writeJSON(w, http.StatusOK, tokenResponse{TokenPair: res.Tokens, TokenType: "Bearer", User: toUserResponse(res.Claims)})
}

// handleRefresh takes the refresh credential from the body, then the
// Authorization header, then the refresh cookie. Cookies are renewed only for
// the cookie flow.
func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	if err := a.validate.Struct(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", validationMessage(err))
		return
	}

	credential := strings.TrimSpace(req.RefreshToken)
	viaCookie := false
	if credential == "" {
		if h := r.Header.Get(authHeader); h != "" {
			credential, _ = extractBearerToken(h)
		}
	}
	if credential == "" {
		if c, err := r.Cookie(refreshCookieName); err == nil {
			credential = c.Value
			viaCookie = credential != ""
		}
	}
	if credential == "" {
		unauthorized(w, r, "UNAUTHENTICATED", "refresh token is required")
		return
	}

	res, err := a.authn.Refresh(r.Context(), credential, sessionMeta(r))
	if err != nil {
		if viaCookie {
			a.clearAuthCookies(w)
		}
		handleError(w, r, err)
		return
	}
	if viaCookie {
		a.setAuthCookies(w, res.Tokens)
	}
	writeJSON(w, http.StatusOK, tokenResponse{TokenPair: res.Tokens, TokenType: "Bearer", User: toUserResponse(res.Claims)})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	if claims.SessionID != "" {
		if err := a.authn.Logout(r.Context(), claims.SessionID); err != nil {
			handleError(w, r, err)
			return
		}
	}
	a.clearAuthCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toUserResponse(claimsFrom(r)))
}

func (a *API) setAuthCookies(w http.ResponseWriter, t auth.TokenPair) {
	http.SetCookie(w, a.cookie(accessCookieName, t.AccessToken, "/", t.AccessExpiresAt))
	http.SetCookie(w, a.cookie(refreshCookieName, t.RefreshToken, refreshCookiePath, t.RefreshExpiresAt))
}

func (a *API) clearAuthCookies(w http.ResponseWriter) {
	for _, c := range []*http.Cookie{
		a.cookie(accessCookieName, "", "/", time.Time{}),
		a.cookie(refreshCookieName, "", refreshCookiePath, time.Time{}),
	} {
		c.MaxAge = -1
		http.SetCookie(w, c)
	}
}

func (a *API) cookie(name, value, path string, expires time.Time) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	}
	if !expires.IsZero() {
		c.Expires = expires.UTC()
		c.MaxAge = int(expires.Sub(a.now()).Seconds())
		if c.MaxAge <= 0 {
			c.MaxAge = -1
		}
	}
	return c
}
