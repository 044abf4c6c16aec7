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
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/gravitational/egressd/lib/defaults"
)

// StatsSource is implemented by Channel and UDPChannel: cumulative bytes
// transferred in each direction since the relay started.
type StatsSource interface {
	Stats() (up, down int64)
}

// IdleChecker polls a StatsSource on a fixed interval and calls Close once
// both directions have moved zero bytes for MaxCount consecutive probes.
// Each probe inspects per-direction transferred-bytes counters; if both
// deltas are zero since the last probe it counts as idle, and once
// MaxCount consecutive probes come back idle the task is closed.
type IdleChecker struct {
	Source StatsSource
	Clock clockwork.Clock

	// CheckInterval and MaxCount default to
	// defaults.TaskIdleCheckInterval/TaskIdleMaxCount when zero.
	CheckInterval time.Duration
	MaxCount int

	// Close is invoked exactly once, from the Run goroutine, when the
	// idle threshold is reached.
	Close func()
}

func (c *IdleChecker) checkAndSetDefaults() {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = defaults.TaskIdleCheckInterval
	}
	if c.MaxCount <= 0 {
		c.MaxCount = defaults.TaskIdleMaxCount
	}
}

// Run polls until ctx is canceled or the idle threshold triggers Close.
// It blocks, so callers run it in its own goroutine.
func (c *IdleChecker) Run(ctx context.Context) {
	c.checkAndSetDefaults()

	ticker := c.Clock.NewTicker(c.CheckInterval)
	defer ticker.Stop()

	lastUp, lastDown := c.Source.Stats()
	idleCount := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			up, down := c.Source.Stats()
			if up == lastUp && down == lastDown {
				idleCount++
				if idleCount >= c.MaxCount {
					if c.Close != nil {
						c.Close()
					}
					return
				}
			} else {
				idleCount = 0
			}
			lastUp, lastDown = up, down
		}
	}
}
