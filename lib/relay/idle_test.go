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

package relay

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type fakeStats struct {
	up, down int64
}

func (f *fakeStats) Stats() (int64, int64) {
	return atomic.LoadInt64(&f.up), atomic.LoadInt64(&f.down)
}

func TestIdleCheckerClosesAfterMaxConsecutiveIdleProbes(t *testing.T) {
	clock := clockwork.NewFakeClock()
	src := &fakeStats{}
	closed := make(chan struct{})

	checker := &IdleChecker{
		Source:        src,
		Clock:         clock,
		CheckInterval: time.Second,
		MaxCount:      3,
		Close:         func() { close(closed) },
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go checker.Run(ctx)

	clock.BlockUntil(1)
	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		clock.BlockUntil(1)
	}

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("expected idle checker to close after max consecutive idle probes")
	}
}

func TestIdleCheckerResetsCountOnActivity(t *testing.T) {
	clock := clockwork.NewFakeClock()
	src := &fakeStats{}
	closed := make(chan struct{})

	checker := &IdleChecker{
		Source:        src,
		Clock:         clock,
		CheckInterval: time.Second,
		MaxCount:      2,
		Close:         func() { close(closed) },
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go checker.Run(ctx)

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	clock.BlockUntil(1)

	atomic.AddInt64(&src.up, 100)

	clock.Advance(time.Second)
	clock.BlockUntil(1)

	select {
	case <-closed:
		t.Fatal("did not expect idle checker to close after intervening activity")
	case <-time.After(50 * time.Millisecond):
	}
}
