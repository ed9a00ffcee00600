package httpapi

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/namphuong20146470/BE-IOMT-sub005/internal/audit"
	"github.com/namphuong20146470/BE-IOMT-sub005/internal/auth"
	"github.com/namphuong20146470/BE-IOMT-sub005/internal/obs"
)

type errorBody struct {
	Error              string      `json:"error"`
	Code               string      `json:"code"`
	RequestID          string      `json:"request_id,omitempty"`
	RequiredPermission string      `json:"required_permission,omitempty"`
	Scope              *auth.Scope `json:"scope,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorBody{
		Error:     msg,
		Code:      code,
		RequestID: audit.RequestIDFromContext(r.Context()),
	})
}

func writeDenied(w http.ResponseWriter, r *http.Request, d auth.Decision) {
	msg := (&auth.DeniedError{Decision: d}).Error()
	writeJSON(w, http.StatusForbidden, errorBody{
		Error:              msg,
		Code:               string(d.Reason),
		RequestID:          audit.RequestIDFromContext(r.Context()),
		RequiredPermission: d.RequiredPermission,
		Scope:              d.Scope,
	})
}

func unauthorized(w http.ResponseWriter, r *http.Request, code, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="iomt"`)
	writeError(w, r, http.StatusUnauthorized, code, msg)
}

// handleError maps auth errors onto the HTTP error taxonomy. Unknown errors
// are logged and reported as a generic 500.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	var denied *auth.DeniedError
	switch {
	case errors.As(err, &denied):
		if denied.Decision.Reason == auth.ReasonUnauthenticated {
			unauthorized(w, r, "UNAUTHENTICATED", "authentication required")
			return
		}
		writeDenied(w, r, denied.Decision)
	case errors.Is(err, auth.ErrTokenExpired):
		unauthorized(w, r, "TOKEN_EXPIRED", "access token expired")
	case errors.Is(err, auth.ErrPermissionsChanged):
		unauthorized(w, r, "PERMISSIONS_CHANGED", "permissions changed, sign in again")
	case errors.Is(err, auth.ErrSessionInvalid):
		unauthorized(w, r, "SESSION_INVALID", "session is no longer valid")
	case errors.Is(err, auth.ErrResolutionFailed):
		obs.Logger().Error("permission resolution failed",
			zap.String("request_id", audit.RequestIDFromContext(r.Context())), zap.Error(err))
		unauthorized(w, r, "RESOLUTION_FAILED", "could not verify permissions")
	case errors.Is(err, auth.ErrUnauthenticated), errors.Is(err, auth.ErrTokenInvalid):
		unauthorized(w, r, "UNAUTHENTICATED", "authentication required")
	case errors.Is(err, auth.ErrHiddenPermission):
		writeError(w, r, http.StatusForbidden, "HIDDEN_PERMISSION", "permission cannot be managed")
	case errors.Is(err, auth.ErrSystemRoleProtected):
		writeError(w, r, http.StatusForbidden, "SYSTEM_ROLE_PROTECTED", err.Error())
	case errors.Is(err, auth.ErrSystemPermissionProtected):
		writeError(w, r, http.StatusForbidden, "SYSTEM_PERMISSION_PROTECTED", err.Error())
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "FORBIDDEN", "access denied")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	default:
		obs.Logger().Error("request failed",
			zap.String("request_id", audit.RequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}
