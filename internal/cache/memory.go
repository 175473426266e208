package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Memory is a process-local cache. Expired entries are dropped lazily when read.
type Memory struct {
	mu    sync.RWMutex
	store map[string]entry
	gens  map[string]int64
	now   func() time.Time
}

type entry struct {
	v   []byte
	ts  time.Time
	ttl time.Duration
}

func NewMemory() *Memory {
	return &Memory{store: make(map[string]entry), gens: make(map[string]int64), now: time.Now}
}

func (c *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	e, ok := c.store[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if c.now().Sub(e.ts) > e.ttl {
		c.mu.Lock()
		// another writer may have refreshed the key meanwhile
		if cur, ok := c.store[key]; ok && cur.ts.Equal(e.ts) {
			delete(c.store, key)
		}
		c.mu.Unlock()
		return nil, false, nil
	}
	return e.v, true, nil
}

func (c *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	c.store[key] = entry{v: value, ts: c.now(), ttl: ttl}
	c.mu.Unlock()
	return nil
}

func (c *Memory) InvalidatePrefix(_ context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[prefix]++
	for k := range c.store {
		if strings.HasPrefix(k, prefix) {
			delete(c.store, k)
		}
	}
	return nil
}

func (c *Memory) Generation(_ context.Context, prefix string) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gens[prefix], nil
}

// Len reports the number of stored entries, expired ones included.
func (c *Memory) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}
