package auth

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store used by the package tests.
type memStore struct {
	mu          sync.Mutex
	users       map[string]User
	roles       map[string]Role
	perms       map[string]Permission // by id
	rolePerms   map[string]map[string]bool
	assignments map[string]map[string]UserRole // user -> role -> assignment
	sessions    map[string]Session

	failGraph    error
	failUser     error
	failSession  error
	failMembers  error
	graphDelay   time.Duration
	resolveCalls int
}

func newMemStore() *memStore {
	return &memStore{
		users:       map[string]User{},
		roles:       map[string]Role{},
		perms:       map[string]Permission{},
		rolePerms:   map[string]map[string]bool{},
		assignments: map[string]map[string]UserRole{},
		sessions:    map[string]Session{},
	}
}

func (m *memStore) addUser(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *memStore) addRole(r Role, permNames ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[r.ID] = r
	if m.rolePerms[r.ID] == nil {
		m.rolePerms[r.ID] = map[string]bool{}
	}
	for _, name := range permNames {
		id := "perm-" + name
		if _, ok := m.perms[id]; !ok {
			resource, action, _ := ParsePermissionName(name)
			m.perms[id] = Permission{ID: id, Name: name, Resource: resource, Action: action}
		}
		m.rolePerms[r.ID][id] = true
	}
}

func (m *memStore) addPermission(p Permission) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.perms[p.ID] = p
}

func (m *memStore) assign(userID, roleID string, validUntil *time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.assignments[userID] == nil {
		m.assignments[userID] = map[string]UserRole{}
	}
	m.assignments[userID][roleID] = UserRole{UserID: userID, RoleID: roleID, IsActive: true, ValidUntil: validUntil}
}

func (m *memStore) session(id string) Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

func (m *memStore) GetUser(_ context.Context, id string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUser != nil {
		return User{}, m.failUser
	}
	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *memStore) GetUserByUsername(_ context.Context, username string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUser != nil {
		return User{}, m.failUser
	}
	for _, u := range m.users {
		if u.Username == username {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (m *memStore) ActiveRoles(ctx context.Context, userID string, now time.Time) ([]Role, error) {
	m.mu.Lock()
	delay := m.graphDelay
	m.resolveCalls++
	m.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGraph != nil {
		return nil, m.failGraph
	}
	var out []Role
	for roleID, a := range m.assignments[userID] {
		if a.State(now) != AssignmentActive {
			continue
		}
		if r, ok := m.roles[roleID]; ok {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) PermissionsForRole(_ context.Context, roleID string) ([]Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGraph != nil {
		return nil, m.failGraph
	}
	var out []Permission
	for id := range m.rolePerms[roleID] {
		out = append(out, m.perms[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) ListPermissions(context.Context) ([]Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Permission, 0, len(m.perms))
	for _, p := range m.perms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) PermissionsByName(_ context.Context, names []string) ([]Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := NewStringSet(names...)
	var out []Permission
	for _, p := range m.perms {
		if want.Has(p.Name) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) CreatePermission(_ context.Context, p Permission) (Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.perms {
		if existing.Name == p.Name {
			return Permission{}, ErrConflict
		}
	}
	m.perms[p.ID] = p
	return p, nil
}

func (m *memStore) DeletePermission(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.perms {
		if p.Name == name {
			delete(m.perms, id)
			for _, set := range m.rolePerms {
				delete(set, id)
			}
			return nil
		}
	}
	return ErrNotFound
}

func (m *memStore) ListRoles(_ context.Context, orgID string) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Role
	for _, r := range m.roles {
		if orgID == "" || r.OrganizationID == "" || r.OrganizationID == orgID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) GetRole(_ context.Context, id string) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	return r, nil
}

func (m *memStore) CreateRole(_ context.Context, r Role) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[r.ID] = r
	m.rolePerms[r.ID] = map[string]bool{}
	return r, nil
}

func (m *memStore) DeleteRole(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[id]; !ok {
		return ErrNotFound
	}
	delete(m.roles, id)
	delete(m.rolePerms, id)
	for _, set := range m.assignments {
		delete(set, id)
	}
	return nil
}

func (m *memStore) AddRolePermissions(_ context.Context, roleID string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.rolePerms[roleID][id] = true
	}
	return nil
}

func (m *memStore) RemoveRolePermissions(_ context.Context, roleID string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.rolePerms[roleID], id)
	}
	return nil
}

func (m *memStore) RolesWithPermission(_ context.Context, permissionID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for roleID, set := range m.rolePerms {
		if set[permissionID] {
			out = append(out, roleID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *memStore) AssignRole(_ context.Context, a UserRole) (UserRole, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.assignments[a.UserID] == nil {
		m.assignments[a.UserID] = map[string]UserRole{}
	}
	m.assignments[a.UserID][a.RoleID] = a
	return a, nil
}

func (m *memStore) RevokeRole(_ context.Context, userID, roleID string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[userID][roleID]
	if !ok {
		return ErrNotFound
	}
	a.IsActive = false
	m.assignments[userID][roleID] = a
	return nil
}

func (m *memStore) UsersWithRole(_ context.Context, roleID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failMembers != nil {
		return nil, m.failMembers
	}
	var out []string
	for userID, set := range m.assignments {
		if a, ok := set[roleID]; ok && a.IsActive {
			out = append(out, userID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *memStore) CreateSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *memStore) GetSession(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSession != nil {
		return Session{}, m.failSession
	}
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (m *memStore) TouchSession(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.LastActivity = at
	m.sessions[id] = s
	return nil
}

func (m *memStore) RotateSessionSecret(_ context.Context, id, oldHash, newHash string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.RefreshTokenHash != oldHash || s.State(at) != SessionActive {
		return ErrNotFound
	}
	s.RefreshTokenHash = newHash
	s.LastActivity = at
	m.sessions[id] = s
	return nil
}

func (m *memStore) RevokeSession(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.IsActive = false
	s.RevokedAt = &at
	m.sessions[id] = s
	return nil
}

func (m *memStore) RevokeUserSessions(_ context.Context, userID string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.sessions {
		if s.UserID == userID && s.IsActive {
			s.IsActive = false
			s.RevokedAt = &at
			m.sessions[id] = s
			n++
		}
	}
	return n, nil
}

// recordingInvalidator captures invalidation calls made by RBACService.
type recordingInvalidator struct {
	mu      sync.Mutex
	users   []string
	roles   []string
	flushes int
	roleErr error
}

func (r *recordingInvalidator) Invalidate(_ context.Context, userIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, userIDs...)
}

func (r *recordingInvalidator) InvalidateByRole(_ context.Context, roleID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles = append(r.roles, roleID)
	return r.roleErr
}

func (r *recordingInvalidator) InvalidateAll(context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes++
}

// recordingNotifier captures audit events.
type recordingNotifier struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (r *recordingNotifier) Notify(_ context.Context, e AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingNotifier) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Action)
	}
	return out
}

var errBoom = errors.New("boom")

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
