package directory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/upb/authz-gateway/internal/observability"
	"github.com/upb/authz-gateway/models"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultTimeout bounds each backend call when Config.Timeout is unset.
const DefaultTimeout = 10 * time.Second

const loadKey = "load"

// Config holds configuration for Cache
type Config struct {
	Timeout time.Duration
}

// Cache is a process-wide copy of the user directory.
//
// It is filled in full once, on the first EnsureLoaded call, and afterwards only
// individual records are replaced, each one re-read from the backend right after
// it was written. There is no expiry. Records handed out are copies.
type Cache struct {
	backend Backend
	timeout time.Duration

	loaded atomic.Bool
	group  singleflight.Group

	mu      sync.RWMutex
	byID    map[string]*models.User
	byEmail map[string]string

	// locks holds one *sync.Mutex per user id, serializing writes to that record only
	locks sync.Map

	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewCache creates an empty, unloaded Cache
func NewCache(backend Backend, cfg Config, logger *zap.Logger, metrics *observability.Metrics) *Cache {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Cache{
		backend: backend,
		timeout: cfg.Timeout,
		byID:    make(map[string]*models.User),
		byEmail: make(map[string]string),
		logger:  logger,
		metrics: metrics,
	}
}

// EnsureLoaded fills the cache from the backend unless it is already loaded.
//
// Concurrent callers share one backend fetch. The fetch is not cancelled when
// the caller that started it goes away, but it is bounded by the configured
// timeout. A failed load leaves the cache empty so the next call retries.
func (c *Cache) EnsureLoaded(ctx context.Context) error {
	if c.loaded.Load() {
		return nil
	}

	ch := c.group.DoChan(loadKey, func() (any, error) {
		if c.loaded.Load() {
			return nil, nil
		}
		return nil, c.load(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
	case res := <-ch:
		return res.Err
	}
}

// Loaded reports whether the initial fill has completed.
func (c *Cache) Loaded() bool {
	return c.loaded.Load()
}

// Len returns the number of cached users.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}

// FindByEmail returns a copy of the user with exactly this email.
func (c *Cache) FindByEmail(email string) (*models.User, error) {
	if !c.loaded.Load() {
		return nil, fmt.Errorf("%w: cache not loaded", ErrUnavailable)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	id, ok := c.byEmail[email]
	if !ok {
		return nil, ErrUserNotFound
	}
	return c.byID[id].Clone(), nil
}

// Get returns a copy of the user with this id.
func (c *Cache) Get(id string) (*models.User, error) {
	if !c.loaded.Load() {
		return nil, fmt.Errorf("%w: cache not loaded", ErrUnavailable)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	user, ok := c.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return user.Clone(), nil
}

// ApplyUpdate writes key=value on user id through the backend, then re-reads
// the record and replaces the cached entry. The returned user is the re-read record.
//
// Only the record being written is locked; updates to other users proceed in
// parallel. If the write succeeds but the re-read fails, the cached entry is
// patched with the written value and ErrUnavailable is returned.
func (c *Cache) ApplyUpdate(ctx context.Context, id, key string, value any) (*models.User, error) {
	lock := c.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	// The write and the re-read must both finish once the write was sent.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	started := time.Now()
	err := classify(c.backend.UpdateUser(ctx, id, key, value))
	c.metrics.RecordDirectoryCall("update_user", outcome(err), started)
	if err != nil {
		c.logger.Warn("directory update failed",
			zap.String("user_id", id),
			zap.String("key", key),
			zap.Error(err))
		return nil, err
	}

	started = time.Now()
	user, err := c.backend.GetUser(ctx, id)
	err = classify(err)
	c.metrics.RecordDirectoryCall("get_user", outcome(err), started)
	if err != nil {
		c.patch(id, key, value)
		c.logger.Warn("directory re-read after update failed",
			zap.String("user_id", id),
			zap.Error(err))
		return nil, fmt.Errorf("%w: refresh after update: %w", ErrUnavailable, err)
	}

	c.store(user)
	c.logger.Debug("directory record refreshed",
		zap.String("user_id", id),
		zap.String("key", key))
	return user.Clone(), nil
}

func (c *Cache) load(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	started := time.Now()
	users, err := c.backend.GetUsers(ctx)
	err = classify(err)
	c.metrics.RecordDirectoryCall("get_users", outcome(err), started)
	if err != nil {
		c.logger.Warn("directory load failed", zap.Error(err))
		return err
	}

	byID := make(map[string]*models.User, len(users))
	byEmail := make(map[string]string, len(users))
	for _, u := range users {
		if u == nil || u.ID == "" {
			continue
		}
		byID[u.ID] = u.Clone()
		if u.Email != "" {
			byEmail[u.Email] = u.ID
		}
	}

	c.mu.Lock()
	c.byID = byID
	c.byEmail = byEmail
	c.mu.Unlock()
	c.loaded.Store(true)

	c.logger.Info("directory loaded",
		zap.Int("users", len(byID)),
		zap.Duration("duration", time.Since(started)))
	return nil
}

func (c *Cache) store(user *models.User) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.byID[user.ID]; ok && prev.Email != user.Email {
		delete(c.byEmail, prev.Email)
	}
	c.byID[user.ID] = user.Clone()
	if user.Email != "" {
		c.byEmail[user.Email] = user.ID
	}
}

func (c *Cache) patch(id, key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	user, ok := c.byID[id]
	if !ok {
		return
	}
	patched := user.Clone()
	if patched.Attributes == nil {
		patched.Attributes = map[string]any{}
	}
	patched.Attributes[key] = value
	c.byID[id] = patched
}

func (c *Cache) lockFor(id string) *sync.Mutex {
	lock, _ := c.locks.LoadOrStore(id, &sync.Mutex{})
	return lock.(*sync.Mutex)
}
