package secrets

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/oraclepay/internal/pkg/metrics"
)

// DefaultTTL is how long a fetched secret is served from memory.
const DefaultTTL = 5 * time.Minute

type entry struct {
	value     string
	expiresAt time.Time
}

// Cache is a time-bounded, process-wide cache of provider credentials.
// Concurrent callers may refetch the same secret; that is harmless.
type Cache struct {
	store Store
	ttl   time.Duration
	now   func() time.Time

	mu      sync.RWMutex
	entries map[string]entry
}

// NewCache wraps store with a TTL cache. ttl <= 0 selects DefaultTTL.
func NewCache(store Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		store:   store,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

// Get returns the cached secret while it is fresh, otherwise refetches it.
func (c *Cache) Get(ctx context.Context, name string) (string, error) {
	now := c.now()

	c.mu.RLock()
	e, ok := c.entries[name]
	c.mu.RUnlock()
	if ok && now.Before(e.expiresAt) {
		metrics.SecretLookupsTotal.WithLabelValues("hit").Inc()
		return e.value, nil
	}

	value, err := c.store.AccessSecret(ctx, name)
	if err != nil {
		metrics.SecretLookupsTotal.WithLabelValues("error").Inc()
		if !errors.Is(err, ErrSecretNotFound) {
			log.Errorf("[SecretCache] failed to access %s: %v", name, err)
		}
		return "", err
	}
	if value == "" {
		metrics.SecretLookupsTotal.WithLabelValues("error").Inc()
		return "", ErrSecretNotFound
	}
	metrics.SecretLookupsTotal.WithLabelValues("miss").Inc()

	c.mu.Lock()
	c.entries[name] = entry{value: value, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()
	return value, nil
}

// GetMany resolves several secrets, failing on the first missing one.
func (c *Cache) GetMany(ctx context.Context, names ...string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, n := range names {
		v, err := c.Get(ctx, n)
		if err != nil {
			return nil, &MissingError{Name: n, Err: err}
		}
		out[n] = v
	}
	return out, nil
}

// Invalidate drops a cached entry so the next Get refetches it.
func (c *Cache) Invalidate(name string) {
	c.mu.Lock()
	delete(c.entries, name)
	c.mu.Unlock()
}

// MissingError names the secret that could not be resolved.
type MissingError struct {
	Name string
	Err  error
}

func (e *MissingError) Error() string { return "secret " + e.Name + " unavailable: " + e.Err.Error() }

func (e *MissingError) Unwrap() error { return e.Err }
