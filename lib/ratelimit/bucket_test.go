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

package ratelimit

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestBucketBurstThenDelay(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b, err := New(Config{ShiftMS: 10, UnitsPerSlice: 100, MaxBurst: 100, Clock: clock})
	require.NoError(t, err)

	require.True(t, b.TryTake(100))
	require.False(t, b.TryTake(1), "bucket should be empty after burst is consumed")

	d := b.Delay(50)
	require.Greater(t, d, time.Duration(0))

	clock.Advance(time.Duration(1<<10) * time.Millisecond)
	require.True(t, b.TryTake(50))
}

func TestBucketZeroUnitsDelaysForever(t *testing.T) {
	b, err := New(Config{ShiftMS: 0, UnitsPerSlice: 0, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)
	require.Greater(t, b.Delay(1), 24*time.Hour)
}

func TestBucketRefillCapsAtMaxBurst(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b, err := New(Config{ShiftMS: 0, UnitsPerSlice: 10, MaxBurst: 20, Clock: clock})
	require.NoError(t, err)

	require.True(t, b.TryTake(20))
	clock.Advance(10 * time.Second)
	require.True(t, b.TryTake(20))
	require.False(t, b.TryTake(1))
}
