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
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestCacheServesStaleWhileRefreshing(t *testing.T) {
	clock := clockwork.NewFakeClock()
	driver := &fakeDriver{v4: []net.IP{net.ParseIP("10.0.0.1")}}
	cache, err := NewCache(Config{Driver: driver, Clock: clock})
	require.NoError(t, err)

	rec, err := cache.Query(context.Background(), "example.com", FamilyV4)
	require.NoError(t, err)
	require.Equal(t, stateFresh, rec.state(clock))

	clock.Advance(rec.ExpireTTL + time.Second)
	rec2, err := cache.Query(context.Background(), "example.com", FamilyV4)
	require.NoError(t, err)
	require.Equal(t, rec.Addresses, rec2.Addresses)
}

func TestCacheEvictsVanishedRecord(t *testing.T) {
	clock := clockwork.NewFakeClock()
	driver := &fakeDriver{v4: []net.IP{net.ParseIP("10.0.0.1")}}
	cache, err := NewCache(Config{Driver: driver, Clock: clock})
	require.NoError(t, err)

	_, err = cache.Query(context.Background(), "example.com", FamilyV4)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	cache.Sweep()

	e := cache.getEntry(key{family: FamilyV4, name: "example.com"})
	require.True(t, e.record.FetchedAt.IsZero())
}

func TestCacheNegativeRecordNotServedStale(t *testing.T) {
	clock := clockwork.NewFakeClock()
	driver := &fakeDriver{err: errLookupFailed}
	cache, err := NewCache(Config{Driver: driver, Clock: clock})
	require.NoError(t, err)

	rec, err := cache.Query(context.Background(), "missing.example.com", FamilyV4)
	require.NoError(t, err)
	require.True(t, rec.Negative)

	clock.Advance(rec.VanishTTL + time.Second)
	require.Equal(t, stateVanished, rec.state(clock))
}

var errLookupFailed = &lookupFailedErr{}

type lookupFailedErr struct{}

func (e *lookupFailedErr) Error() string { return "lookup failed" }
