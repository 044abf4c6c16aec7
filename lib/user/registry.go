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

package user

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/egressd"
	"github.com/gravitational/egressd/lib/logging"
	"github.com/gravitational/egressd/lib/ratelimit"
)

// DynamicSource produces the current dynamic user set, e.g. fetched from a
// control-plane API on an interval. Implementations are supplied by the
// daemon's configuration loader.
type DynamicSource interface {
	Fetch(ctx context.Context) ([]*User, error)
}

// snapshot is the registry's copy-on-write unit: swapped atomically by
// refresh() so readers never observe a partially updated user set.
type snapshot struct {
	static map[string]*User
	dynamic map[string]*User
	anonymous *User
}

// Group is a named registry of users plus an ordered lookup rule:
// static, then dynamic, then anonymous.
type Group struct {
	Name string
	Source DynamicSource
	Clock clockwork.Clock
	Log *logrus.Entry

	snap atomic.Pointer[snapshot]
	mu sync.Mutex // serializes refresh() calls only
}

// NewGroup builds a Group seeded with a static user set and, optionally, an
// anonymous fallback user (nil if anonymous access is not configured).
func NewGroup(name string, static []*User, anonymous *User) *Group {
	g := &Group{Name: name, Clock: clockwork.NewRealClock(), Log: logging.Component(egressd.ComponentAuth, name)}
	s := &snapshot{static: indexUsers(static), dynamic: map[string]*User{}, anonymous: anonymous}
	g.snap.Store(s)
	return g
}

func indexUsers(users []*User) map[string]*User {
	m := make(map[string]*User, len(users))
	for _, u := range users {
		if u.live == nil {
			live, err := newLiveLimits(u.Limits)
			if err == nil {
				u.live = live
			}
		}
		m[u.Name] = u
	}
	return m
}

// Refresh fetches the current dynamic set from Source and atomically
// replaces it refresh() operation. The static set and
// anonymous user are untouched.
func (g *Group) Refresh(ctx context.Context) error {
	if g.Source == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	users, err := g.Source.Fetch(ctx)
	if err != nil {
		return trace.Wrap(err, "refreshing dynamic user set for group %s", g.Name)
	}

	old := g.snap.Load()
	next := &snapshot{
		static: old.static,
		dynamic: indexUsers(users),
		anonymous: old.anonymous,
	}
	g.snap.Store(next)
	g.Log.WithField("count", len(next.dynamic)).Debug("refreshed dynamic user set")
	return nil
}

// lookup implements lookup order: static, then dynamic,
// then anonymous (only when creds carry no username).
func (g *Group) lookup(creds Credentials) (*User, bool) {
	s := g.snap.Load()
	if creds.Username != "" {
		if u, ok := s.static[creds.Username]; ok {
			return u, true
		}
		if u, ok := s.dynamic[creds.Username]; ok {
			return u, true
		}
		return nil, false
	}
	if s.anonymous != nil {
		return s.anonymous, true
	}
	return nil, false
}

// Authenticate implements authenticate() operation.
func (g *Group) Authenticate(creds Credentials, facts ClientFacts) Verdict {
	u, ok := g.lookup(creds)
	if !ok {
		return Forbid("no matching user")
	}

	// Network filter runs before anything else so that rejected-anonymous
	// traffic reports as an authentication failure, not a forbidden-anon
	// stat.
	if !u.IngressNetworkFilter.Allows(facts.RemoteAddr) {
		return Forbid("client address rejected by ingress network filter")
	}

	now := g.Clock.Now()
	if u.expired(now) {
		return Forbid("user expired")
	}

	// A blocked user (block_and_delay set) is forbidden unconditionally,
	// independent of whatever credentials it presents; this is a forbid,
	// not an auth failure, and carries its own delay rather than any
	// delay a failed check below would have applied.
	if u.live != nil && u.live.blockDelay > 0 {
		return DelayForbid("user blocked", u.live.blockDelay)
	}

	if u.Verifier.Kind != VerifierNull {
		if !u.Verifier.Verify(creds.Password) {
			return Forbid("invalid credentials")
		}
	}

	if u.live != nil && u.live.connRate != nil {
		if !u.live.connRate.TryTake(1) {
			return Forbid("connection rate limit exceeded")
		}
	}

	return Allow(u)
}

// BeginRequest admits one more concurrently-alive request for u, returning
// false if request_max_alive would be exceeded. EndRequest must be called
// exactly once per successful BeginRequest.
func (u *User) BeginRequest() bool {
	if u.live == nil || u.live.maxAlive <= 0 {
		return true
	}
	if atomic.AddInt64(&u.live.aliveCount, 1) > u.live.maxAlive {
		atomic.AddInt64(&u.live.aliveCount, -1)
		return false
	}
	return true
}

func (u *User) EndRequest() {
	if u.live == nil {
		return
	}
	atomic.AddInt64(&u.live.aliveCount, -1)
}

// TryTakeRequest consumes the request_rate_limit bucket.
func (u *User) TryTakeRequest() bool {
	if u.live == nil || u.live.reqRate == nil {
		return true
	}
	return u.live.reqRate.TryTake(1)
}

// TCPSpeedBucket and UDPSpeedBucket expose the user's configured
// tcp_sock_speed_limit/udp_sock_speed_limit buckets to the relay.
func (u *User) TCPSpeedBucket() *ratelimit.Bucket {
	if u.live == nil {
		return nil
	}
	return u.live.tcpSpeed
}

func (u *User) UDPSpeedBucket() *ratelimit.Bucket {
	if u.live == nil {
		return nil
	}
	return u.live.udpSpeed
}
