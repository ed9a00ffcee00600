package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const defaultResolveTimeout = 3 * time.Second

// Resolver flattens a user's in-effect role assignments into permission and
// role name sets.
type Resolver struct {
	users   UserStore
	graph   GraphStore
	hidden  HiddenFilter
	timeout time.Duration
	now     func() time.Time
}

// ResolverOption configures Resolver.
type ResolverOption func(*Resolver)

// WithResolveTimeout bounds the persistence round-trips of one resolution.
func WithResolveTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithResolverClock overrides the time used to evaluate assignment expiry.
func WithResolverClock(fn func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewResolver constructs a Resolver.
func NewResolver(users UserStore, graph GraphStore, hidden HiddenFilter, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		users:   users,
		graph:   graph,
		hidden:  hidden,
		timeout: defaultResolveTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the union of permission names over every in-effect role of
// userID, minus hidden names. A user with no roles gets empty sets. A missing
// user yields ErrNotFound; any other failure yields ErrResolutionFailed.
func (r *Resolver) Resolve(ctx context.Context, userID string) (PermissionSet, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return PermissionSet{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if _, err := r.users.GetUser(ctx, userID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return PermissionSet{}, err
		}
		return PermissionSet{}, fmt.Errorf("%w: load user: %v", ErrResolutionFailed, err)
	}

	roles, err := r.graph.ActiveRoles(ctx, userID, r.now())
	if err != nil {
		return PermissionSet{}, fmt.Errorf("%w: load roles: %v", ErrResolutionFailed, err)
	}

	set := PermissionSet{
		Permissions: make(StringSet),
		Roles:       make(StringSet, len(roles)),
	}
	for _, role := range roles {
		set.Roles.Add(role.Name)
		perms, err := r.graph.PermissionsForRole(ctx, role.ID)
		if err != nil {
			return PermissionSet{}, fmt.Errorf("%w: load permissions for role %s: %v", ErrResolutionFailed, role.ID, err)
		}
		for _, p := range perms {
			set.Permissions.Add(p.Name)
		}
	}
	set.Permissions = r.hidden.Filter(set.Permissions)
	return set, nil
}
