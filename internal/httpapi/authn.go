package httpapi

import (
	"net/http"
	"strings"

	"github.com/namphuong20146470/BE-IOMT-sub005/internal/auth"
)

const (
	authHeader        = "Authorization"
	bearer            = "Bearer "
	accessCookieName  = "access_token"
	refreshCookieName = "refresh_token"
	refreshCookiePath = "/v1/auth"
)

// withAuth authenticates the request. The Authorization header wins over the
// access_token cookie; the transport decides how strictly the session is
// checked.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, transport, ok := accessToken(r)
		if !ok {
			unauthorized(w, r, "UNAUTHENTICATED", "missing bearer token")
			return
		}
		if raw == "" {
			unauthorized(w, r, "UNAUTHENTICATED", "invalid authorization scheme")
			return
		}
		claims, err := a.authn.Authenticate(r.Context(), raw, transport)
		if err != nil {
			handleError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithClaims(r.Context(), claims)))
	})
}

// accessToken returns the raw token and how it arrived. ok is false when no
// credential was presented; an empty token with ok set means a malformed
// Authorization header.
func accessToken(r *http.Request) (string, auth.Transport, bool) {
	if h := strings.TrimSpace(r.Header.Get(authHeader)); h != "" {
		token, _ := extractBearerToken(h)
		return token, auth.TransportBearer, true
	}
	if c, err := r.Cookie(accessCookieName); err == nil && c.Value != "" {
		return c.Value, auth.TransportCookie, true
	}
	return "", auth.TransportBearer, false
}

func extractBearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearer):])
	return token, token != ""
}

// RequirePermission gates a route on an exact permission held in the
// request's claims. System admins pass.
func RequirePermission(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := auth.ClaimsFromContext(r.Context())
			if !ok {
				unauthorized(w, r, "UNAUTHENTICATED", "authentication required")
				return
			}
			if d := auth.Authorize(claims, permission, auth.Scope{}); !d.Allowed {
				writeDenied(w, r, d)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireRole gates a route on any of the named roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := auth.ClaimsFromContext(r.Context())
			if !ok {
				unauthorized(w, r, "UNAUTHENTICATED", "authentication required")
				return
			}
			for _, role := range roles {
				if claims.HasRole(role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope"`)
			writeError(w, r, http.StatusForbidden, string(auth.ReasonInsufficientPermission), "required role missing")
		})
	}
}

func claimsFrom(r *http.Request) *auth.Claims {
	claims, _ := auth.ClaimsFromContext(r.Context())
	return claims
}
