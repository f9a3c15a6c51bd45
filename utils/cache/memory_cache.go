/*
 * Copyright 2024 The RuleGo Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package cache provides a typed in-memory cache with optional expiration.
package cache

import (
	"strings"
	"sync"
	"time"
)

// MemoryCache is a concurrency safe string keyed cache.
// Items expire ttl after they were stored, a ttl of 0 keeps them forever.
type MemoryCache[V any] struct {
	items  map[string]item[V]
	mu     sync.RWMutex
	ttl    time.Duration
	now    func() time.Time
	stopGc chan struct{}
	ticker *time.Ticker
}

type item[V any] struct {
	value      V
	expiration int64
}

func (i item[V]) expired(now int64) bool {
	return i.expiration > 0 && now > i.expiration
}

// NewMemoryCache creates a cache. GC is not started automatically, call StartGC.
func NewMemoryCache[V any](ttl time.Duration) *MemoryCache[V] {
	return &MemoryCache[V]{
		items: make(map[string]item[V]),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Set stores value under key.
func (c *MemoryCache[V]) Set(key string, value V) {
	var expiration int64
	if c.ttl > 0 {
		expiration = c.now().Add(c.ttl).UnixNano()
	}
	c.mu.Lock()
	c.items[key] = item[V]{value: value, expiration: expiration}
	c.mu.Unlock()
}

// Get returns the value stored under key if present and not expired.
func (c *MemoryCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	it, found := c.items[key]
	c.mu.RUnlock()
	if !found || it.expired(c.now().UnixNano()) {
		var zero V
		return zero, false
	}
	return it.value, true
}

// GetOrLoad returns the cached value or stores and returns load(key).
// Concurrent misses on the same key may call load more than once.
func (c *MemoryCache[V]) GetOrLoad(key string, load func(key string) V) V {
	if v, ok := c.Get(key); ok {
		return v
	}
	v := load(key)
	c.Set(key, v)
	return v
}

// Has reports whether key is present and not expired.
func (c *MemoryCache[V]) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Delete removes key.
func (c *MemoryCache[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// DeleteByPrefix removes every key with the given prefix.
func (c *MemoryCache[V]) DeleteByPrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.items {
		if strings.HasPrefix(k, prefix) {
			delete(c.items, k)
		}
	}
}

// Len returns the number of stored items, expired items included until the next GC.
func (c *MemoryCache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// StartGC periodically removes expired items. It is a no-op without a ttl or when already running.
func (c *MemoryCache[V]) StartGC(interval time.Duration) {
	c.mu.Lock()
	if c.ticker != nil || c.ttl <= 0 {
		c.mu.Unlock()
		return
	}
	if interval <= 0 {
		interval = c.ttl
	}
	ticker := time.NewTicker(interval)
	stop := make(chan struct{})
	c.ticker = ticker
	c.stopGc = stop
	c.mu.Unlock()

	go func() {
		for {
			select {
			case <-ticker.C:
				c.deleteExpired()
			case <-stop:
				ticker.Stop()
				return
			}
		}
	}()
}

// StopGC stops the GC goroutine. It is safe to call more than once.
func (c *MemoryCache[V]) StopGC() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ticker == nil {
		return
	}
	close(c.stopGc)
	c.ticker = nil
	c.stopGc = nil
}

func (c *MemoryCache[V]) deleteExpired() {
	now := c.now().UnixNano()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range c.items {
		if v.expired(now) {
			delete(c.items, k)
		}
	}
}
