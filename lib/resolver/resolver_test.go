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
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// fakeDriver answers with a fixed set of addresses per family and counts
// how many times it was invoked.
type fakeDriver struct {
	calls int32
	v4    []net.IP
	v6    []net.IP
	err   error

	// slowFamily, if non-zero-value alongside slowDelay, sleeps before
	// answering that family's lookup, simulating a lagging upstream.
	slowFamily Family
	slowDelay  time.Duration
}

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) Lookup(ctx context.Context, name string, family Family) (Answer, error) {
	atomic.AddInt32(&d.calls, 1)
	if d.slowDelay > 0 && family == d.slowFamily {
		time.Sleep(d.slowDelay)
	}
	if d.err != nil {
		return Answer{}, d.err
	}
	if family == FamilyV4 {
		return Answer{Addresses: d.v4, TTL: 30 * time.Second}, nil
	}
	return Answer{Addresses: d.v6, TTL: 30 * time.Second}, nil
}

func TestResolverQueryStrategyOrdering(t *testing.T) {
	driver := &fakeDriver{
		v4: []net.IP{net.ParseIP("10.0.0.1")},
		v6: []net.IP{net.ParseIP("::1")},
	}
	clock := clockwork.NewFakeClock()
	r, err := New(Config{Driver: driver, Clock: clock})
	require.NoError(t, err)
	defer r.Close()

	addrs, err := r.QueryStrategy(context.Background(), "example.com", StrategyV4First)
	require.NoError(t, err)
	require.Equal(t, []net.IP{net.ParseIP("10.0.0.1"), net.ParseIP("::1")}, addrs)

	addrs, err = r.QueryStrategy(context.Background(), "example.com", StrategyV6First)
	require.NoError(t, err)
	require.Equal(t, []net.IP{net.ParseIP("::1"), net.ParseIP("10.0.0.1")}, addrs)
}

func TestResolverQueryCachesFreshRecord(t *testing.T) {
	driver := &fakeDriver{v4: []net.IP{net.ParseIP("10.0.0.1")}}
	clock := clockwork.NewFakeClock()
	r, err := New(Config{Driver: driver, Clock: clock})
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Query(context.Background(), "example.com", FamilyV4)
	require.NoError(t, err)
	_, err = r.Query(context.Background(), "example.com", FamilyV4)
	require.NoError(t, err)

	require.EqualValues(t, 1, atomic.LoadInt32(&driver.calls))
}

func TestResolverQueryStrategyRacingDoesNotWaitForSlowSecondaryFamily(t *testing.T) {
	driver := &fakeDriver{
		v4:         []net.IP{net.ParseIP("10.0.0.1")},
		v6:         []net.IP{net.ParseIP("::1")},
		slowFamily: FamilyV6,
		slowDelay:  time.Second,
	}
	clock := clockwork.NewFakeClock()
	r, err := New(Config{Driver: driver, Clock: clock})
	require.NoError(t, err)
	defer r.Close()

	start := time.Now()
	addrs, err := r.QueryStrategyRacing(context.Background(), "example.com", StrategyV4First, 20*time.Millisecond)
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Equal(t, []net.IP{net.ParseIP("10.0.0.1")}, addrs)
	require.Less(t, elapsed, 200*time.Millisecond)
}

func TestResolverQueryStrategyRacingIncludesSecondaryWhenFastEnough(t *testing.T) {
	driver := &fakeDriver{
		v4: []net.IP{net.ParseIP("10.0.0.1")},
		v6: []net.IP{net.ParseIP("::1")},
	}
	clock := clockwork.NewFakeClock()
	r, err := New(Config{Driver: driver, Clock: clock})
	require.NoError(t, err)
	defer r.Close()

	addrs, err := r.QueryStrategyRacing(context.Background(), "example.com", StrategyV4First, 50*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, []net.IP{net.ParseIP("10.0.0.1"), net.ParseIP("::1")}, addrs)
}

func TestResolverV4OnlyStrategySkipsV6(t *testing.T) {
	driver := &fakeDriver{v4: []net.IP{net.ParseIP("10.0.0.1")}}
	clock := clockwork.NewFakeClock()
	r, err := New(Config{Driver: driver, Clock: clock})
	require.NoError(t, err)
	defer r.Close()

	addrs, err := r.QueryStrategy(context.Background(), "example.com", StrategyV4Only)
	require.NoError(t, err)
	require.Equal(t, []net.IP{net.ParseIP("10.0.0.1")}, addrs)
}
