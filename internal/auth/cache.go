package auth

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/namphuong20146470/BE-IOMT-sub005/internal/obs"
)

const (
	defaultCacheTTL      = 5 * time.Minute
	defaultSweepInterval = time.Minute
)

// PermissionSource resolves a user's permission set from the store.
type PermissionSource interface {
	Resolve(ctx context.Context, userID string) (PermissionSet, error)
}

// RoleMembership lists the users holding a role.
type RoleMembership interface {
	UsersWithRole(ctx context.Context, roleID string) ([]string, error)
}

// Invalidator is implemented by every permission cache. Mutation paths call it
// synchronously after the store write commits.
type Invalidator interface {
	Invalidate(ctx context.Context, userIDs ...string)
	InvalidateByRole(ctx context.Context, roleID string) error
	InvalidateAll(ctx context.Context)
}

type cacheEntry struct {
	set       PermissionSet
	expiresAt time.Time
}

// PermissionCache memoizes resolved permission sets per user for a fixed TTL.
// Get checks expiry itself; the background sweep only bounds memory.
//
// Concurrent misses for the same user share one resolution. Any invalidation
// bumps the cache epoch, so a Get issued after an invalidation never joins or
// stores a resolution that started before it.
type PermissionCache struct {
	source  PermissionSource
	members RoleMembership
	bus     InvalidationBus
	ttl     time.Duration
	sweep   time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
	epoch   uint64
	group   singleflight.Group

	startOnce sync.Once
	stopOnce  sync.Once
	running   atomic.Bool
	stop      chan struct{}
	done      chan struct{}
}

// CacheOption configures PermissionCache.
type CacheOption func(*PermissionCache)

// WithCacheTTL sets how long a resolved set is served without re-resolving.
func WithCacheTTL(d time.Duration) CacheOption {
	return func(c *PermissionCache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithSweepInterval sets how often expired entries are dropped.
func WithSweepInterval(d time.Duration) CacheOption {
	return func(c *PermissionCache) {
		if d > 0 {
			c.sweep = d
		}
	}
}

// WithCacheClock overrides the time source.
func WithCacheClock(fn func() time.Time) CacheOption {
	return func(c *PermissionCache) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithRoleMembership enables InvalidateByRole to target the holders of a role
// instead of flushing everything.
func WithRoleMembership(m RoleMembership) CacheOption {
	return func(c *PermissionCache) {
		c.members = m
	}
}

// WithInvalidationBus fans local invalidations out to other instances.
func WithInvalidationBus(bus InvalidationBus) CacheOption {
	return func(c *PermissionCache) {
		c.bus = bus
	}
}

// NewPermissionCache constructs a cache in front of source. Call Start to run
// the sweep and Close on shutdown.
func NewPermissionCache(source PermissionSource, opts ...CacheOption) *PermissionCache {
	c := &PermissionCache{
		source:  source,
		ttl:     defaultCacheTTL,
		sweep:   defaultSweepInterval,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached set for userID or resolves it on miss or expiry.
// Errors are never cached.
func (c *PermissionCache) Get(ctx context.Context, userID string) (PermissionSet, error) {
	now := c.now()
	c.mu.Lock()
	if e, ok := c.entries[userID]; ok && now.Before(e.expiresAt) {
		c.mu.Unlock()
		obs.CacheLookup(true)
		return e.set.Clone(), nil
	}
	epoch := c.epoch
	c.mu.Unlock()
	obs.CacheLookup(false)

	key := userID + "#" + strconv.FormatUint(epoch, 10)
	// The resolution is shared, so one caller going away must not fail the rest.
	// The resolver's own timeout still bounds it.
	shared := context.WithoutCancel(ctx)
	v, err, _ := c.group.Do(key, func() (any, error) {
		set, err := c.source.Resolve(shared, userID)
		if err != nil {
			return PermissionSet{}, err
		}
		c.mu.Lock()
		if c.epoch == epoch {
			c.entries[userID] = cacheEntry{set: set, expiresAt: c.now().Add(c.ttl)}
		}
		c.mu.Unlock()
		return set, nil
	})
	if err != nil {
		return PermissionSet{}, err
	}
	return v.(PermissionSet).Clone(), nil
}

// Invalidate drops the entries of the given users and publishes the change.
func (c *PermissionCache) Invalidate(ctx context.Context, userIDs ...string) {
	if len(userIDs) == 0 {
		return
	}
	c.invalidateLocal(userIDs)
	c.publish(ctx, InvalidationEvent{Scope: ScopeUsers, UserIDs: userIDs})
}

// InvalidateByRole drops the entries of every user holding roleID. When the
// holders cannot be determined the whole cache is flushed instead.
func (c *PermissionCache) InvalidateByRole(ctx context.Context, roleID string) error {
	if c.members == nil {
		c.InvalidateAll(ctx)
		return nil
	}
	users, err := c.members.UsersWithRole(ctx, roleID)
	if err != nil {
		obs.Logger().Warn("permission cache: role members lookup failed, flushing all",
			zap.String("role_id", roleID), zap.Error(err))
		c.InvalidateAll(ctx)
		return err
	}
	obs.CacheInvalidated("role")
	if len(users) == 0 {
		return nil
	}
	c.Invalidate(ctx, users...)
	return nil
}

// InvalidateAll drops every entry.
func (c *PermissionCache) InvalidateAll(ctx context.Context) {
	c.invalidateAllLocal()
	c.publish(ctx, InvalidationEvent{Scope: ScopeAll})
}

// Apply handles an invalidation received from another instance without
// republishing it.
func (c *PermissionCache) Apply(event InvalidationEvent) {
	switch event.Scope {
	case ScopeAll:
		c.invalidateAllLocal()
	case ScopeUsers:
		c.invalidateLocal(event.UserIDs)
	}
}

func (c *PermissionCache) invalidateLocal(userIDs []string) {
	c.mu.Lock()
	c.epoch++
	for _, id := range userIDs {
		delete(c.entries, id)
	}
	c.mu.Unlock()
	obs.CacheInvalidated("user")
}

func (c *PermissionCache) invalidateAllLocal() {
	c.mu.Lock()
	c.epoch++
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
	obs.CacheInvalidated("all")
}

func (c *PermissionCache) publish(ctx context.Context, event InvalidationEvent) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(ctx, event); err != nil {
		obs.Logger().Warn("permission cache: publish invalidation failed",
			zap.String("scope", string(event.Scope)), zap.Error(err))
	}
}

// Len returns the number of entries, expired or not.
func (c *PermissionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Start runs the background sweep until Close.
func (c *PermissionCache) Start() {
	c.startOnce.Do(func() {
		c.running.Store(true)
		go c.sweepLoop()
	})
}

// Close stops the sweep and waits for it to exit. A cache that was never
// started cannot be started afterwards.
func (c *PermissionCache) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	c.startOnce.Do(func() {})
	if c.running.Load() {
		<-c.done
	}
}

func (c *PermissionCache) sweepLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweepExpired()
		case <-c.stop:
			return
		}
	}
}

func (c *PermissionCache) sweepExpired() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}
