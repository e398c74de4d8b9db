// Package session caches signed-in site sessions per account so a burst of
// jobs for one account logs in once, not once per job.
package session

import (
	"context"
	"sync"
	"time"

	"repub/internal/site"
	logx "repub/pkg/logx"
)

// LoginFunc establishes a fresh session for an account. The cache calls it
// under the account's entry lock, so at most one login per account runs at
// a time; other accounts are not held up.
type LoginFunc func(ctx context.Context) (*site.Session, error)

// Cache holds one live session per account.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	ttl     time.Duration
	log     logx.Logger
	now     func() time.Time
}

type entry struct {
	mu   sync.Mutex
	sess *site.Session
}

// New returns a cache whose sessions expire ttl after login.
func New(ttl time.Duration, log logx.Logger) *Cache {
	if ttl <= 0 {
		ttl = 20 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Cache{
		entries: make(map[string]*entry),
		ttl:     ttl,
		log:     log,
		now:     time.Now,
	}
}

// SetTTL changes the expiry for future Acquire calls. Sessions already in
// the cache are judged against the new value on their next use.
func (c *Cache) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.ttl = ttl
	c.mu.Unlock()
}

func (c *Cache) maxAge() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ttl
}

func (c *Cache) entryFor(accountID string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[accountID]
	if !ok {
		e = &entry{}
		c.entries[accountID] = e
	}
	return e
}

// Acquire returns a live session for the account, logging in when the
// cached one is missing or older than the TTL. Concurrent calls for the
// same account serialize on the account's entry; the second caller reuses
// the session the first one established.
func (c *Cache) Acquire(ctx context.Context, accountID string, login LoginFunc) (*site.Session, error) {
	e := c.entryFor(accountID)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sess != nil && c.now().Sub(e.sess.CreatedAt) < c.maxAge() {
		return e.sess, nil
	}
	if e.sess != nil {
		c.log.Debug("session expired by ttl", logx.String("account", accountID))
		e.sess = nil
	}

	sess, err := login(ctx)
	if err != nil {
		return nil, err
	}
	e.sess = sess
	c.log.Debug("session established", logx.String("account", accountID))
	return sess, nil
}

// Invalidate drops the cached session for the account, forcing the next
// Acquire to log in again. Used when the site stops accepting the cookies.
func (c *Cache) Invalidate(accountID string) {
	e := c.entryFor(accountID)
	e.mu.Lock()
	e.sess = nil
	e.mu.Unlock()
}

// Purge drops every cached session. Used when site configuration changes.
func (c *Cache) Purge() {
	c.mu.Lock()
	entries := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.Unlock()
	for _, e := range entries {
		e.mu.Lock()
		e.sess = nil
		e.mu.Unlock()
	}
}
