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
	"net"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/gravitational/egressd/lib/defaults"
)

// Family is the address family a record was fetched for.
type Family int

const (
	FamilyV4 Family = iota
	FamilyV6
)

func (f Family) String() string {
	if f == FamilyV4 {
		return "v4"
	}
	return "v6"
}

// key identifies a cached record, keyed by (family, name).
type key struct {
	family Family
	name string
}

// Record is a cached resolver entry.
type Record struct {
	Name string
	Family Family
	Addresses []net.IP
	FetchedAt time.Time
	ExpireTTL time.Duration
	VanishTTL time.Duration
	// Negative is true for a cached lookup failure (no stale-serving).
	Negative bool
}

// expiresAt is the instant the record stops being served fresh and a
// background refresh is triggered (still served stale until vanishesAt).
func (r Record) expiresAt() time.Time {
	return r.FetchedAt.Add(r.ExpireTTL)
}

// vanishesAt is the instant the record is evicted from the cache.
func (r Record) vanishesAt() time.Time {
	return r.FetchedAt.Add(r.VanishTTL)
}

// state classifies a record relative to now.
type recordState int

const (
	stateFresh recordState = iota
	stateStale
	stateVanished
)

func (r Record) state(clock clockwork.Clock) recordState {
	now := clock.Now()
	if r.Negative {
		if now.Before(r.vanishesAt()) {
			return stateFresh
		}
		return stateVanished
	}
	switch {
	case now.Before(r.expiresAt()):
		return stateFresh
	case now.Before(r.vanishesAt()):
		return stateStale
	default:
		return stateVanished
	}
}

// TTLWindow computes (expire_ttl, vanish_ttl) for a positive record fetched
// with server TTL t, per table:
//
//	t > pmax+pmin: expire=pmax, vanish=t
//	t > 2*pmin: expire=t-pmin, vanish=t
//	t > pmin: expire=pmin, vanish=t
//	otherwise: expire=pmin, vanish=pmin+1
func TTLWindow(t, pmin, pmax time.Duration) (expireTTL, vanishTTL time.Duration) {
	switch {
	case t > pmax+pmin:
		return pmax, t
	case t > 2*pmin:
		return t - pmin, t
	case t > pmin:
		return pmin, t
	default:
		return pmin, pmin + time.Second
	}
}

// NewPositiveRecord builds a Record from a driver's answer and the
// process-wide positive TTL bounds.
func NewPositiveRecord(name string, family Family, addrs []net.IP, serverTTL time.Duration, now time.Time) Record {
	expire, vanish := TTLWindow(serverTTL, defaults.PositiveMinTTL, defaults.PositiveMaxTTL)
	return Record{
		Name: name,
		Family: family,
		Addresses: addrs,
		FetchedAt: now,
		ExpireTTL: expire,
		VanishTTL: vanish,
	}
}

// NewNegativeRecord builds a cached-failure Record, served only for
// NegativeMinTTL with no stale-serving window.
func NewNegativeRecord(name string, family Family, now time.Time) Record {
	return Record{
		Name: name,
		Family: family,
		FetchedAt: now,
		ExpireTTL: defaults.NegativeMinTTL,
		VanishTTL: defaults.NegativeMinTTL,
		Negative: true,
	}
}
