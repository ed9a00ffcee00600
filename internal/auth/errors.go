package auth

import "errors"

var (
	ErrNotFound     = errors.New("auth: not found")
	ErrConflict     = errors.New("auth: conflict")
	ErrInvalidInput = errors.New("auth: invalid input")
	ErrForbidden    = errors.New("auth: forbidden")

	// ErrUnauthenticated covers missing credentials, bad passwords and
	// inactive accounts. Callers must not distinguish these to clients.
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	ErrTokenExpired    = errors.New("auth: token expired")
	ErrTokenInvalid    = errors.New("auth: token invalid")
	ErrSessionInvalid  = errors.New("auth: session invalid")
	// ErrPermissionsChanged means the token's permission snapshot is older
	// than the grace window allows. The session has been revoked.
	ErrPermissionsChanged = errors.New("auth: permissions changed")
	// ErrResolutionFailed wraps persistence failures and timeouts while
	// resolving permissions. It never implies a grant.
	ErrResolutionFailed = errors.New("auth: permission resolution failed")

	ErrHiddenPermission    = errors.New("auth: hidden permission")
	ErrSystemRoleProtected = errors.New("auth: system role protected")
	// ErrSystemPermissionProtected rejects deleting a built-in permission.
	ErrSystemPermissionProtected = errors.New("auth: system permission protected")
)
