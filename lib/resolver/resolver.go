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

// Package resolver implements the cache-fronted name resolution layer:
// driver variants (classic, hickory-style multi-transport, fail-over),
// TTL window math, stale serving and vanish eviction, and strategy-based
// family ordering.
package resolver

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/gravitational/egressd"
	"github.com/gravitational/egressd/lib/defaults"
	"github.com/gravitational/egressd/lib/logging"
)

// Resolver is the top-level name-resolution facade handed to escapers: it
// wires a Driver (typically a FailoverDriver) behind a Cache and exposes
// single-family and strategy-based multi-family queries.
type Resolver struct {
	cache *Cache
	clock clockwork.Clock
	log *logrus.Entry

	closeOnce sync.Once
	stopSweep chan struct{}
}

// Config configures a Resolver.
type Config struct {
	Driver Driver
	CacheCapacity int
	Clock clockwork.Clock
	Log *logrus.Entry
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logging.Component(egressd.ComponentResolver)
	}
	return nil
}

// New builds a Resolver and starts its background vanish-sweeper.
func New(cfg Config) (*Resolver, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, err
	}
	cache, err := NewCache(cfg.cacheConfig())
	if err != nil {
		return nil, err
	}
	r := &Resolver{
		cache: cache,
		clock: cfg.Clock,
		log: cfg.Log,
		stopSweep: make(chan struct{}),
	}
	go r.sweepLoop()
	return r, nil
}

// cacheConfig adapts a resolver Config into the cache package's Config.
func (c Config) cacheConfig() Config {
	return Config{
		Driver: c.Driver,
		Capacity: c.CacheCapacity,
		Clock: c.Clock,
		Log: c.Log,
	}
}

func (r *Resolver) sweepLoop() {
	ticker := r.clock.NewTicker(defaults.CacheVanishPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			r.cache.Sweep()
		case <-r.stopSweep:
			return
		}
	}
}

// Close stops the background sweeper. Idempotent.
func (r *Resolver) Close() error {
	r.closeOnce.Do(func() {
		close(r.stopSweep)
	})
	return nil
}

// Query resolves name for a single family and returns its cached record.
func (r *Resolver) Query(ctx context.Context, name string, family Family) (Record, error) {
	return r.cache.Query(ctx, name, family)
}

// QueryStrategy resolves name per strategy, querying every family the
// strategy needs concurrently and returning addresses ordered per the
// strategy's preference. A family that yields no addresses does not fail
// the whole query as long as at least one family did.
func (r *Resolver) QueryStrategy(ctx context.Context, name string, strategy Strategy) ([]net.IP, error) {
	families := strategy.families()

	var v4, v6 []net.IP
	var errs [2]error

	g, ctx := errgroup.WithContext(ctx)
	for _, f := range families {
		f := f
		g.Go(func() error {
			rec, err := r.cache.Query(ctx, name, f)
			if err != nil {
				if f == FamilyV4 {
					errs[0] = err
				} else {
					errs[1] = err
				}
				return nil
			}
			if rec.Negative {
				if f == FamilyV4 {
					errs[0] = trace.NotFound("no addresses found for %s", name)
				} else {
					errs[1] = trace.NotFound("no addresses found for %s", name)
				}
				return nil
			}
			if f == FamilyV4 {
				v4 = rec.Addresses
			} else {
				v6 = rec.Addresses
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ordered := strategy.order(v4, v6)
	if len(ordered) == 0 {
		if errs[0] != nil {
			return nil, errs[0]
		}
		return nil, errs[1]
	}
	return ordered, nil
}

type familyResult struct {
	addrs []net.IP
	err error
}

func (r *Resolver) queryFamily(ctx context.Context, name string, f Family) <-chan familyResult {
	ch := make(chan familyResult, 1)
	go func() {
		rec, err := r.cache.Query(ctx, name, f)
		switch {
		case err != nil:
			ch <- familyResult{err: err}
		case rec.Negative:
			ch <- familyResult{err: trace.NotFound("no addresses found for %s", name)}
		default:
			ch <- familyResult{addrs: rec.Addresses}
		}
	}()
	return ch
}

// QueryStrategyRacing resolves name per strategy like QueryStrategy, but
// for a two-family strategy it does not wait for both families to
// complete: it returns as soon as the primary family (the strategy's
// preferred family) resolves, racing only a bounded resolutionDelay wait
// for the secondary family rather than blocking on both. If the secondary
// family is still outstanding once resolutionDelay elapses, the primary
// family's addresses are returned alone and the secondary's result, once
// it eventually arrives, is simply discarded. resolutionDelay <= 0 or a
// single-family strategy falls back to QueryStrategy's full-wait
// behavior.
func (r *Resolver) QueryStrategyRacing(ctx context.Context, name string, strategy Strategy, resolutionDelay time.Duration) ([]net.IP, error) {
	families := strategy.families()
	if len(families) < 2 || resolutionDelay <= 0 {
		return r.QueryStrategy(ctx, name, strategy)
	}

	primary := strategy.primary()
	secondary := FamilyV6
	if primary == FamilyV6 {
		secondary = FamilyV4
	}

	primCh := r.queryFamily(ctx, name, primary)
	secCh := r.queryFamily(ctx, name, secondary)

	var primRes familyResult
	select {
	case primRes = <-primCh:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var secRes familyResult
	secResolved := false
	timer := time.NewTimer(resolutionDelay)
	defer timer.Stop()
	select {
	case secRes = <-secCh:
		secResolved = true
	case <-timer.C:
		// Proceed with just the primary family; dialing can start right
		// away instead of waiting on a slow or unresponsive secondary
		// lookup.
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var v4, v6 []net.IP
	assign := func(f Family, res familyResult) {
		if f == FamilyV4 {
			v4 = res.addrs
		} else {
			v6 = res.addrs
		}
	}
	assign(primary, primRes)
	if secResolved {
		assign(secondary, secRes)
	}

	ordered := strategy.order(v4, v6)
	if len(ordered) > 0 {
		return ordered, nil
	}
	if primRes.err != nil {
		return nil, primRes.err
	}
	if secResolved && secRes.err != nil {
		return nil, secRes.err
	}
	return nil, trace.NotFound("no addresses found for %s", name)
}
