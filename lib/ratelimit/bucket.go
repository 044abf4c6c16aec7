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

// Package ratelimit implements the single token-bucket primitive shared by
// the user registry's request/connection rate limits and the relay's
// per-socket and process-wide speed limiters. The shape is grounded on
// gravitational/oxy/ratelimit's bucket-plus-refill idiom, reparameterized
// from request counts to a (shift_ms, bytes_per_slice) slice model.
package ratelimit

import (
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Bucket is a token bucket parameterized as a slice duration (2^ShiftMS ms)
// and a budget of units replenished every slice. An UnitsPerSlice of 0
// means "delay forever": Delay reports an effectively unbounded wait and
// Take never returns.
type Bucket struct {
	mu sync.Mutex

	shiftMS uint
	unitsPerSlice int64
	maxBurst int64

	clock clockwork.Clock
	available int64
	lastFill time.Time
}

// Config configures a Bucket.
type Config struct {
	// ShiftMS is the bucket's slice duration expressed as a power-of-two
	// number of milliseconds: a slice lasts 2^ShiftMS ms, so 0 gives 1ms
	// slices.
	ShiftMS uint
	// UnitsPerSlice is the number of units (bytes, packets, requests,
	// connections) granted every slice. 0 grants nothing (delay forever).
	UnitsPerSlice int64
	// MaxBurst caps the number of banked units; defaults to UnitsPerSlice.
	MaxBurst int64
	// Clock is the time source, overridable in tests.
	Clock clockwork.Clock
}

// New constructs a Bucket from cfg.
func New(cfg Config) (*Bucket, error) {
	if cfg.UnitsPerSlice < 0 {
		return nil, trace.BadParameter("units per slice must be >= 0")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxBurst <= 0 {
		cfg.MaxBurst = cfg.UnitsPerSlice
	}
	return &Bucket{
		shiftMS: cfg.ShiftMS,
		unitsPerSlice: cfg.UnitsPerSlice,
		maxBurst: cfg.MaxBurst,
		clock: cfg.Clock,
		available: cfg.MaxBurst,
		lastFill: cfg.Clock.Now(),
	}, nil
}

// sliceDuration returns the bucket's slice length, 2^ShiftMS ms.
func (b *Bucket) sliceDuration() time.Duration {
	return time.Duration(1<<b.shiftMS) * time.Millisecond
}

// refill tops up available units for elapsed whole slices since lastFill.
// Caller must hold mu.
func (b *Bucket) refill() {
	slice := b.sliceDuration()
	now := b.clock.Now()
	elapsed := now.Sub(b.lastFill)
	slices := int64(elapsed / slice)
	if slices <= 0 {
		return
	}
	b.available += slices * b.unitsPerSlice
	if b.available > b.maxBurst {
		b.available = b.maxBurst
	}
	b.lastFill = b.lastFill.Add(time.Duration(slices) * slice)
}

// Delay returns how long the caller must wait before n units are available,
// without consuming them. An UnitsPerSlice of 0 returns a very large
// duration, signaling "delay forever".
func (b *Bucket) Delay(n int64) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.unitsPerSlice <= 0 {
		return time.Duration(1<<62)
	}
	b.refill()
	if b.available >= n {
		return 0
	}
	deficit := n - b.available
	slice := b.sliceDuration()
	slicesNeeded := (deficit + b.unitsPerSlice - 1) / b.unitsPerSlice
	return time.Duration(slicesNeeded) * slice
}

// TryTake attempts to consume n units immediately, returning true on
// success. Used for "max burst" admission checks (e.g. connection-rate
// limiting) where blocking is not wanted.
func (b *Bucket) TryTake(n int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.available < n {
		return false
	}
	b.available -= n
	return true
}

// Take blocks (respecting ctx-less deadline-free usage — callers that need
// cancellation should race Delay against their own context) until n units
// are available, then consumes them.
func (b *Bucket) Take(n int64) {
	for {
		d := b.Delay(n)
		if d <= 0 {
			if b.TryTake(n) {
				return
			}
			continue
		}
		time.Sleep(d)
	}
}
