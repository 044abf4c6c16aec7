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

package audit

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"time"

	"github.com/gravitational/trace"
	"github.com/gravitational/ttlmap"
	"golang.org/x/sync/singleflight"

	"github.com/gravitational/egressd/lib/defaults"
)

// negativeEntry marks a host whose generation recently failed, so a burst
// of connections to an unreachable agent doesn't retry on every one.
type negativeEntry struct{}

// CertCacheConfig bounds the two TTL floors the cache enforces regardless
// of what the agent or a failed lookup would otherwise prescribe.
type CertCacheConfig struct {
	Agent CertAgent

	// MinTTL is the floor applied to an agent-granted lease; a lease
	// shorter than this is rounded up, trading a little generation
	// staleness for fewer agent round-trips.
	MinTTL time.Duration

	// NegativeTTL is how long a failed generation is cached before the
	// next connection to that host retries the agent.
	NegativeTTL time.Duration

	Capacity int
}

func (c *CertCacheConfig) checkAndSetDefaults() error {
	if c.Agent == nil {
		return trace.BadParameter("missing parameter Agent")
	}
	if c.MinTTL == 0 {
		c.MinTTL = defaults.CertCacheMinTTL
	}
	if c.NegativeTTL == 0 {
		c.NegativeTTL = defaults.CertCacheVanishWait
	}
	if c.Capacity == 0 {
		c.Capacity = 4096
	}
	return nil
}

// CertCache is a dual-TTL cache of generated leaf certificates keyed by
// host, backed by ttlmap and single-flighted so concurrent first
// connections to the same host collapse into one agent call.
type CertCache struct {
	cfg CertCacheConfig
	positive *ttlmap.TTLMap
	negative *ttlmap.TTLMap
	flight singleflight.Group
}

// NewCertCache builds a CertCache from cfg.
func NewCertCache(cfg CertCacheConfig) (*CertCache, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	positive, err := ttlmap.New(cfg.Capacity)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	negative, err := ttlmap.New(cfg.Capacity)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &CertCache{cfg: cfg, positive: positive, negative: negative}, nil
}

// Get returns the cached leaf certificate for host, generating (and
// caching) one via the agent if none is cached, unless host has a
// recent negative entry, in which case an error reporting the recent
// failure is returned immediately without calling the agent.
func (c *CertCache) Get(ctx context.Context, host string, realLeaf *x509.Certificate) (tls.Certificate, error) {
	if _, ok := c.negative.Get(host); ok {
		return tls.Certificate{}, trace.Errorf("cert generation for %s failed recently, not retrying yet", host)
	}
	if v, ok := c.positive.Get(host); ok {
		return v.(tls.Certificate), nil
	}

	v, err, _ := c.flight.Do(host, func() (interface{}, error) {
		lease, err := c.cfg.Agent.Generate(ctx, host, realLeaf)
		if err != nil {
			c.negative.Set(host, negativeEntry{}, int(c.cfg.NegativeTTL.Seconds()))
			return nil, trace.Wrap(err)
		}
		ttl := lease.TTL
		if ttl < c.cfg.MinTTL {
			ttl = c.cfg.MinTTL
		}
		if err := c.positive.Set(host, lease.Cert, int(ttl.Seconds())); err != nil {
			return nil, trace.Wrap(err)
		}
		return lease.Cert, nil
	})
	if err != nil {
		return tls.Certificate{}, trace.Wrap(err)
	}
	return v.(tls.Certificate), nil
}
