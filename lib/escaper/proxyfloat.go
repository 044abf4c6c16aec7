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
	"sync"
	"time"

	"github.com/gravitational/trace"
)

// NextHop is one entry in a proxy-float leaf's published list.
type NextHop struct {
	Addr string
	ExpiresAt time.Time
}

// NextHopPublisher is the proxy-float counterpart of FloatPublisher.
type NextHopPublisher interface {
	Current() ([]NextHop, bool)
}

type staticNextHopPublisher struct {
	mu sync.RWMutex
	hops []NextHop
	ok bool
}

func NewStaticNextHopPublisher() *staticNextHopPublisher { return &staticNextHopPublisher{} }

func (p *staticNextHopPublisher) Publish(hops []NextHop) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hops = hops
	p.ok = true
}

func (p *staticNextHopPublisher) Current() ([]NextHop, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.hops, p.ok
}

// ProxyFloat is the proxy-float leaf: like ProxyLeaf but the upstream
// proxy address is picked from a dynamically published list each Open
// call. Template carries every other ProxyLeaf field (scheme, TLS
// config, auth); its UpstreamAddr is overwritten per-call.
type ProxyFloat struct {
	NameStr string
	Publisher NextHopPublisher
	Now func() time.Time
	Template ProxyLeaf
}

func (p *ProxyFloat) Name() string { return p.NameStr }

func (p *ProxyFloat) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// pick selects a next hop honoring a numeric or string selection hint
// (index or address match); otherwise the first unexpired entry.
func (p *ProxyFloat) pick(hint SelectionHint) (string, error) {
	hops, ok := p.Publisher.Current()
	if !ok || len(hops) == 0 {
		return "", trace.NotFound("no next hops have been published")
	}
	now := p.now()

	live := make([]NextHop, 0, len(hops))
	for _, h := range hops {
		if now.Before(h.ExpiresAt) {
			live = append(live, h)
		}
	}
	if len(live) == 0 {
		return "", trace.NotFound("all published next hops have expired")
	}

	switch hint.Kind {
	case SelectionHintNumericID:
		if hint.NumericID >= 0 && hint.NumericID < len(live) {
			return live[hint.NumericID].Addr, nil
		}
	case SelectionHintStringID:
		for _, h := range live {
			if h.Addr == hint.StringID {
				return h.Addr, nil
			}
		}
	}
	return live[0].Addr, nil
}

func (p *ProxyFloat) Open(ctx *EgressContext) (*Conn, error) {
	addr, err := p.pick(ctx.Hint)
	if err != nil {
		return nil, newOpenError(ErrNextHopUnavailable, err)
	}
	leaf := p.Template
	leaf.NameStr = p.NameStr
	leaf.UpstreamAddr = addr
	return leaf.Open(ctx)
}
