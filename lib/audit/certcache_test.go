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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingAgent struct {
	calls int32
	fail bool
}

func (a *countingAgent) Generate(ctx context.Context, host string, realLeaf *x509.Certificate) (CertLease, error) {
	atomic.AddInt32(&a.calls, 1)
	if a.fail {
		return CertLease{}, errTest
	}
	return CertLease{Cert: tls.Certificate{Certificate: [][]byte{[]byte(host)}}, TTL: time.Minute}, nil
}

var errTest = testError("generation failed")

type testError string

func (e testError) Error() string { return string(e) }

func TestCertCacheSingleFlight(t *testing.T) {
	agent := &countingAgent{}
	cache, err := NewCertCache(CertCacheConfig{Agent: agent})
	require.NoError(t, err)

	const n = 20
	results := make(chan tls.Certificate, n)
	for i := 0; i < n; i++ {
		go func() {
			cert, err := cache.Get(context.Background(), "example.com", nil)
			require.NoError(t, err)
			results <- cert
		}()
	}
	for i := 0; i < n; i++ {
		<-results
	}

	require.LessOrEqual(t, atomic.LoadInt32(&agent.calls), int32(2), "concurrent requests for the same host should collapse into at most a couple of agent calls")
}

func TestCertCacheNegativeEntry(t *testing.T) {
	agent := &countingAgent{fail: true}
	cache, err := NewCertCache(CertCacheConfig{Agent: agent, NegativeTTL: time.Minute})
	require.NoError(t, err)

	_, err = cache.Get(context.Background(), "bad.example.com", nil)
	require.Error(t, err)

	calls := atomic.LoadInt32(&agent.calls)
	_, err = cache.Get(context.Background(), "bad.example.com", nil)
	require.Error(t, err)
	require.Equal(t, calls, atomic.LoadInt32(&agent.calls), "a cached negative entry should short-circuit without calling the agent again")
}

func TestCertCacheMinTTLFloor(t *testing.T) {
	agent := &countingAgent{}
	cache, err := NewCertCache(CertCacheConfig{Agent: agent, MinTTL: time.Hour})
	require.NoError(t, err)

	_, err = cache.Get(context.Background(), "example.com", nil)
	require.NoError(t, err)

	_, ok := cache.positive.Get("example.com")
	require.True(t, ok)
}
