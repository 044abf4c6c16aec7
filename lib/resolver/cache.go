/*
Copyright 2020-2022 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package resolver

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/egressd"
	"github.com/gravitational/egressd/lib/defaults"
	"github.com/gravitational/egressd/lib/logging"
)

// entry is the cache's internal unit: the record plus a per-key mutex and a
// single-refresh-in-flight guard, so concurrent queries for the same name
// never trigger more than one background refresh.
type entry struct {
	mu sync.Mutex
	record Record
	refreshing bool
}

// Config configures a Cache.
type Config struct {
	Driver Driver
	// Capacity bounds the number of distinct (family, name) keys cached.
	Capacity int
	Clock clockwork.Clock
	Log *logrus.Entry
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Driver == nil {
		c.Driver = DenyAllDriver{}
	}
	if c.Capacity <= 0 {
		c.Capacity = 4096
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logging.Component(egressd.ComponentResolver, "cache")
	}
	return nil
}

// Cache is a single-writer/multiple-reader name cache fronting a Driver,
// implementing TTL table, stale-serving window, and
// vanish eviction. Per-record locking (via *entry, not a cache-wide lock)
// lets concurrent lookups for different names proceed independently.
type Cache struct {
	cfg Config
	lru *lru.Cache
	mu sync.Mutex // guards lru only; entry.mu guards record contents
}

// NewCache builds a Cache from cfg.
func NewCache(cfg Config) (*Cache, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, err
	}
	l, err := lru.New(cfg.Capacity)
	if err != nil {
		return nil, err
	}
	return &Cache{cfg: cfg, lru: l}, nil
}

func (c *Cache) getEntry(k key) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.lru.Get(k); ok {
		return v.(*entry)
	}
	e := &entry{}
	c.lru.Add(k, e)
	return e
}

// Query resolves name for family: returns a cached record (fresh or stale,
// triggering an async refresh if stale) or performs a synchronous driver
// lookup on a cold cache, bounded by ProtectiveQueryTimeout.
func (c *Cache) Query(ctx context.Context, name string, family Family) (Record, error) {
	k := key{family: family, name: name}
	e := c.getEntry(k)

	e.mu.Lock()
	st := e.record.state(c.cfg.Clock)
	switch st {
	case stateFresh:
		rec := e.record
		e.mu.Unlock()
		return rec, nil
	case stateStale:
		rec := e.record
		if !e.refreshing {
			e.refreshing = true
			go c.refresh(k, e)
		}
		e.mu.Unlock()
		return rec, nil
	default: // vanished or never fetched
		e.mu.Unlock()
	}

	return c.fetchAndStore(ctx, k, e)
}

func (c *Cache) fetchAndStore(ctx context.Context, k key, e *entry) (Record, error) {
	qctx, cancel := context.WithTimeout(ctx, defaults.ProtectiveQueryTimeout)
	defer cancel()

	answer, err := c.cfg.Driver.Lookup(qctx, k.name, k.family)
	now := c.cfg.Clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.record = NewNegativeRecord(k.name, k.family, now)
		return e.record, nil
	}
	e.record = NewPositiveRecord(k.name, k.family, answer.Addresses, answer.TTL, now)
	return e.record, nil
}

// refresh runs a background lookup for a stale record; on failure the
// stale record is left in place and keeps being served until it vanishes,
// per.
func (c *Cache) refresh(k key, e *entry) {
	defer func() {
		e.mu.Lock()
		e.refreshing = false
		e.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), defaults.ProtectiveQueryTimeout)
	defer cancel()

	answer, err := c.cfg.Driver.Lookup(ctx, k.name, k.family)
	if err != nil {
		c.cfg.Log.WithError(err).WithField("name", k.name).Debug("background refresh failed, serving stale record")
		return
	}
	now := c.cfg.Clock.Now()
	e.mu.Lock()
	e.record = NewPositiveRecord(k.name, k.family, answer.Addresses, answer.TTL, now)
	e.mu.Unlock()
}

// Sweep evicts vanished entries; intended to be called periodically (e.g.
// every CacheVanishPollInterval) by the owning Resolver.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.lru.Keys() {
		v, ok := c.lru.Peek(k)
		if !ok {
			continue
		}
		e := v.(*entry)
		e.mu.Lock()
		vanished := e.record.state(c.cfg.Clock) == stateVanished && !e.record.FetchedAt.IsZero()
		e.mu.Unlock()
		if vanished {
			c.lru.Remove(k)
		}
	}
}
