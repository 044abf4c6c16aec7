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

package escaper

import (
	"net"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/egressd/lib/resolver"
)

// DirectFixed is the direct-fixed leaf: dials the
// resolved target from a fixed bind-IP list.
type DirectFixed struct {
	NameStr string
	BindIPs []net.IP
	Resolver *resolver.Resolver
	Strategy resolver.Strategy
	Filter EgressNetworkFilter
	Happy HappyEyeballsConfig
}

func (d *DirectFixed) Name() string { return d.NameStr }

func (d *DirectFixed) bindIP(hint SelectionHint) net.IP {
	if len(d.BindIPs) == 0 {
		return nil
	}
	if hint.Kind == SelectionHintNumericID && hint.NumericID >= 0 && hint.NumericID < len(d.BindIPs) {
		return d.BindIPs[hint.NumericID]
	}
	return d.BindIPs[0]
}

func (d *DirectFixed) Open(ctx *EgressContext) (*Conn, error) {
	happy := d.Happy
	happy.setDefaults()

	addrs, err := ResolveRacing(ctx.Context, d.Resolver, ctx.UpstreamHost, d.Strategy, happy.ResolutionDelay)
	if err != nil {
		return nil, err
	}
	addrs = filterAddrs(addrs, d.Filter)
	if len(addrs) == 0 {
		return nil, newOpenError(ErrForbiddenByFilter, trace.BadParameter("all resolved addresses denied by egress network filter"))
	}

	happy.BindIP = d.bindIP(ctx.Hint)
	conn, ip, err := DialHappyEyeballs(ctx.Context, ctx.UpstreamPort, addrs, happy)
	if err != nil {
		return nil, err
	}
	return &Conn{Conn: conn, RemoteIP: ip}, nil
}

// FloatBindSet is the dynamically published bind-IP set consumed by
// DirectFloat, supplied at runtime by an external agent along with its
// expiry instant.
type FloatBindSet struct {
	IPs []net.IP
	ExpiresAt time.Time
}

// FloatPublisher is implemented by whatever transport receives the
// external agent's published state (e.g. an out-of-band control API);
// DirectFloat only needs the latest accepted value. This package provides
// only the in-memory staticFloatPublisher.
type FloatPublisher interface {
	Current() (FloatBindSet, bool)
}

// staticFloatPublisher is a trivial in-memory FloatPublisher used by
// tests and by configurations that push updates directly rather than
// through a network oracle.
type staticFloatPublisher struct {
	mu sync.RWMutex
	set FloatBindSet
	ok bool
}

func NewStaticFloatPublisher() *staticFloatPublisher {
	return &staticFloatPublisher{}
}

func (p *staticFloatPublisher) Publish(set FloatBindSet) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.set = set
	p.ok = true
}

func (p *staticFloatPublisher) Current() (FloatBindSet, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.set, p.ok
}

// DirectFloat is the direct-float leaf: identical to DirectFixed except
// its bind-IP set comes from a FloatPublisher and is re-read on every
// Open call, expiring per FloatBindSet.ExpiresAt.
type DirectFloat struct {
	NameStr string
	Publisher FloatPublisher
	Clock interface{ Now() time.Time }
	Resolver *resolver.Resolver
	Strategy resolver.Strategy
	Filter EgressNetworkFilter
	Happy HappyEyeballsConfig
}

func (d *DirectFloat) Name() string { return d.NameStr }

func (d *DirectFloat) currentBindIPs() ([]net.IP, error) {
	set, ok := d.Publisher.Current()
	if !ok {
		return nil, trace.NotFound("no bind-IP set has been published yet")
	}
	if d.Clock != nil && d.Clock.Now().After(set.ExpiresAt) {
		return nil, trace.NotFound("published bind-IP set expired")
	}
	return set.IPs, nil
}

func (d *DirectFloat) Open(ctx *EgressContext) (*Conn, error) {
	bindIPs, err := d.currentBindIPs()
	if err != nil {
		return nil, newOpenError(ErrNextHopUnavailable, err)
	}

	happy := d.Happy
	happy.setDefaults()

	addrs, err := ResolveRacing(ctx.Context, d.Resolver, ctx.UpstreamHost, d.Strategy, happy.ResolutionDelay)
	if err != nil {
		return nil, err
	}
	addrs = filterAddrs(addrs, d.Filter)
	if len(addrs) == 0 {
		return nil, newOpenError(ErrForbiddenByFilter, trace.BadParameter("all resolved addresses denied by egress network filter"))
	}

	if len(bindIPs) > 0 {
		idx := 0
		if ctx.Hint.Kind == SelectionHintNumericID && ctx.Hint.NumericID >= 0 && ctx.Hint.NumericID < len(bindIPs) {
			idx = ctx.Hint.NumericID
		}
		happy.BindIP = bindIPs[idx]
	}

	conn, ip, err := DialHappyEyeballs(ctx.Context, ctx.UpstreamPort, addrs, happy)
	if err != nil {
		return nil, err
	}
	return &Conn{Conn: conn, RemoteIP: ip}, nil
}
