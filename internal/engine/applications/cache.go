package applications

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"keyauth/internal/platform/models"
)

const loadTimeout = 10 * time.Second

type cachedApplication struct {
	app      *models.Application
	cachedAt time.Time
}

// CredentialCache maps application credentials to applications for the
// redemption path. Misses are not cached so a new application is visible
// immediately.
type CredentialCache struct {
	store sync.Map // map[credential]*cachedApplication
	ttl   time.Duration
	group singleflight.Group
	// generation advances on every invalidation; a load that spans one is
	// not cached.
	generation atomic.Uint64
}

func NewCredentialCache(ttl time.Duration) *CredentialCache {
	return &CredentialCache{ttl: ttl}
}

func (c *CredentialCache) Get(credential string) (*models.Application, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	val, ok := c.store.Load(credential)
	if !ok {
		return nil, false
	}

	entry := val.(*cachedApplication)
	if time.Since(entry.cachedAt) > c.ttl {
		c.store.Delete(credential)
		return nil, false
	}
	return entry.app, true
}

func (c *CredentialCache) Set(app *models.Application) {
	if c.ttl <= 0 || app == nil {
		return
	}
	c.store.Store(app.APIKey, &cachedApplication{app: app, cachedAt: time.Now()})
}

func (c *CredentialCache) Invalidate(credential string) {
	c.generation.Add(1)
	c.group.Forget(credential)
	c.store.Delete(credential)
}

// Load returns the cached application or calls load once per credential
// across concurrent callers. The shared load is detached from the first
// caller's cancellation.
func (c *CredentialCache) Load(ctx context.Context, credential string, load func(context.Context, string) (*models.Application, error)) (*models.Application, error) {
	if app, ok := c.Get(credential); ok {
		return app, nil
	}

	v, err, _ := c.group.Do(credential, func() (interface{}, error) {
		gen := c.generation.Load()

		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()

		app, err := load(loadCtx, credential)
		if err != nil {
			return nil, err
		}
		if c.generation.Load() == gen {
			c.Set(app)
		}
		return app, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Application), nil
}
