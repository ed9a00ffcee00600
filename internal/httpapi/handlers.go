package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"

	"github.com/namphuong20146470/BE-IOMT-sub005/internal/auth"
	"github.com/namphuong20146470/BE-IOMT-sub005/internal/obs"
)

const serviceName = "iomt-auth"

var errEmptyBody = errors.New("request body is required")

// Authenticator is the session surface of auth.Service.
type Authenticator interface {
	Login(ctx context.Context, username, password string, meta auth.SessionMeta) (auth.LoginResult, error)
	Refresh(ctx context.Context, credential string, meta auth.SessionMeta) (auth.LoginResult, error)
	Logout(ctx context.Context, sessionID string) error
	Authenticate(ctx context.Context, raw string, transport auth.Transport) (*auth.Claims, error)
}

// RBAC is the administrative surface of auth.RBACService.
type RBAC interface {
	ListPermissions(ctx context.Context, caller *auth.Claims) ([]auth.Permission, error)
	CreatePermission(ctx context.Context, caller *auth.Claims, in auth.PermissionInput) (auth.Permission, error)
	DeletePermission(ctx context.Context, caller *auth.Claims, name string) error
	ListRoles(ctx context.Context, caller *auth.Claims, organizationID string) ([]auth.Role, error)
	CreateRole(ctx context.Context, caller *auth.Claims, in auth.RoleInput) (auth.Role, error)
	DeleteRole(ctx context.Context, caller *auth.Claims, roleID string) error
	RolePermissions(ctx context.Context, caller *auth.Claims, roleID string) ([]auth.Permission, error)
	AssignPermissions(ctx context.Context, caller *auth.Claims, roleID string, names ...string) error
	RemovePermissions(ctx context.Context, caller *auth.Claims, roleID string, names ...string) error
	AssignRole(ctx context.Context, caller *auth.Claims, userID, roleID string, validUntil *time.Time) (auth.UserRole, error)
	RevokeRole(ctx context.Context, caller *auth.Claims, userID, roleID string) error
}

// ReadyProbe checks the dependencies the API needs to serve traffic.
type ReadyProbe struct {
	DB    *sql.DB
	Redis *redis.Client
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

// API is the HTTP layer.
type API struct {
	router       chi.Router
	authn        Authenticator
	rbac         RBAC
	readyProbe   ReadyProbe
	version      string
	cookieSecure bool
	production   bool
	ratePerSec   int
	rateBurst    int
	validate     *validator.Validate
	now          func() time.Time
}

// Option configures the API.
type Option func(*API)

func WithReadyProbe(rp ReadyProbe) Option { return func(a *API) { a.readyProbe = rp } }

func WithVersion(v string) Option { return func(a *API) { a.version = v } }

// WithCookieSecure sets the Secure attribute on auth cookies.
func WithCookieSecure(secure bool) Option { return func(a *API) { a.cookieSecure = secure } }

// WithProduction enables HTTPS redirects and HSTS.
func WithProduction(on bool) Option { return func(a *API) { a.production = on } }

// WithLoginRateLimit throttles login and refresh per client IP.
func WithLoginRateLimit(perSecond, burst int) Option {
	return func(a *API) {
		if perSecond > 0 {
			a.ratePerSec = perSecond
		}
		if burst > 0 {
			a.rateBurst = burst
		}
	}
}

func WithHTTPClock(fn func() time.Time) Option {
	return func(a *API) {
		if fn != nil {
			a.now = fn
		}
	}
}

func New(authn Authenticator, rbac RBAC, opts ...Option) *API {
	a := &API{
		authn:        authn,
		rbac:         rbac,
		version:      "dev",
		cookieSecure: true,
		ratePerSec:   5,
		rateBurst:    10,
		validate:     newValidator(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(obs.Instrument, RequestID, middleware.RealIP, LoggingJSON, middleware.Recoverer, SecurityHeaders(a.production), CORS)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(RateLimit(a.rateBurst, a.ratePerSec))
			r.Post("/auth/login", a.handleLogin)
			r.Post("/auth/refresh", a.handleRefresh)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.withAuth)
			r.Post("/auth/logout", a.handleLogout)
			r.Get("/auth/me", a.handleMe)
			r.Post("/authz/check", a.handleAuthzCheck)

			r.With(RequirePermission(auth.PermPermissionRead)).Get("/permissions", a.handleListPermissions)
			r.With(RequirePermission(auth.PermPermissionManage)).Post("/permissions", a.handleCreatePermission)
			r.With(RequirePermission(auth.PermPermissionManage)).Delete("/permissions/{name}", a.handleDeletePermission)

			r.With(RequirePermission(auth.PermRoleRead)).Get("/roles", a.handleListRoles)
			r.With(RequirePermission(auth.PermRoleManage)).Post("/roles", a.handleCreateRole)
			r.With(RequirePermission(auth.PermRoleManage)).Delete("/roles/{id}", a.handleDeleteRole)
			r.With(RequirePermission(auth.PermRoleRead)).Get("/roles/{id}/permissions", a.handleRolePermissions)
			r.With(RequirePermission(auth.PermRoleManage)).Post("/roles/{id}/permissions", a.handleAssignPermissions)
			r.With(RequirePermission(auth.PermRoleManage)).Delete("/roles/{id}/permissions", a.handleRemovePermissions)

			r.With(RequirePermission(auth.PermUserManageRoles)).Post("/users/{id}/roles", a.handleAssignRole)
			r.With(RequirePermission(auth.PermUserManageRoles)).Delete("/users/{id}/roles/{roleID}", a.handleRevokeRole)
		})
	})
	return r
}

// Handler returns the router for the HTTP server.
func (a *API) Handler() http.Handler {
	return a.router
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// decodeValid decodes the body and runs struct validation. On failure it
// writes a 400 and returns false.
func (a *API) decodeValid(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, dst); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return false
	}
	if err := a.validate.Struct(dst); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_INPUT", validationMessage(err))
		return false
	}
	return true
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "max":
		return fe.Field() + " is too long"
	default:
		return fe.Field() + " is invalid"
	}
}
