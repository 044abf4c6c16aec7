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
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/egressd/lib/defaults"
)

// HappyEyeballsConfig parameterizes DialHappyEyeballs.
type HappyEyeballsConfig struct {
	// ConnectionAttemptDelay gates when the next address is tried,
	// 100ms <= d <= 2s, default 250ms.
	ConnectionAttemptDelay time.Duration
	// ResolutionDelay bounds how long the secondary address family is
	// waited for if its resolution lags behind the primary family,
	// default 50ms. Not consumed by DialHappyEyeballs itself (addrs is
	// already resolved by the time it is called); the direct leaves pass
	// it to resolver.Resolver.QueryStrategyRacing so the primary family's
	// addresses can start dialing without waiting on a slow secondary
	// lookup.
	ResolutionDelay time.Duration
	EachTimeout time.Duration
	MaxRetry int
	BindIP net.IP
	Dialer *net.Dialer
}

func (c *HappyEyeballsConfig) setDefaults() {
	if c.ConnectionAttemptDelay <= 0 {
		c.ConnectionAttemptDelay = defaults.ConnectionAttemptDelayDefault
	} else if c.ConnectionAttemptDelay < defaults.ConnectionAttemptDelayMin {
		c.ConnectionAttemptDelay = defaults.ConnectionAttemptDelayMin
	} else if c.ConnectionAttemptDelay > defaults.ConnectionAttemptDelayMax {
		c.ConnectionAttemptDelay = defaults.ConnectionAttemptDelayMax
	}
	if c.ResolutionDelay <= 0 {
		c.ResolutionDelay = defaults.ResolutionDelayDefault
	}
	if c.EachTimeout <= 0 {
		c.EachTimeout = defaults.EachUpstreamTimeout
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = defaults.MaxRetryDefault
	}
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{}
	}
}

type dialResult struct {
	conn net.Conn
	addr net.IP
	err error
}

// DialHappyEyeballs implements Happy-Eyeballs dial
// procedure (RFC 8305): addrs is already ordered per the caller's
// preferred-family-first strategy. One attempt is started immediately;
// subsequent attempts start every ConnectionAttemptDelay until an attempt
// succeeds, the EachTimeout budget runs out, ctx is canceled, or
// 1+MaxRetry attempts have been made (each address tried at most once).
// The first successful connection wins; every other in-flight attempt is
// canceled.
func DialHappyEyeballs(parent context.Context, port int, addrs []net.IP, cfg HappyEyeballsConfig) (net.Conn, net.IP, error) {
	cfg.setDefaults()
	if len(addrs) == 0 {
		return nil, nil, newOpenError(ErrResolveFail, trace.BadParameter("no addresses to dial"))
	}

	maxTries := len(addrs)
	if 1+cfg.MaxRetry < maxTries {
		maxTries = 1 + cfg.MaxRetry
	}

	ctx, cancel := context.WithTimeout(parent, cfg.EachTimeout)
	defer cancel()

	results := make(chan dialResult, maxTries)
	var wg sync.WaitGroup
	ticker := time.NewTicker(cfg.ConnectionAttemptDelay)
	defer ticker.Stop()

	started := 0
	startNext := func() bool {
		if started >= maxTries {
			return false
		}
		addr := addrs[started]
		started++
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := dialOne(ctx, cfg.Dialer, cfg.BindIP, addr, port)
			select {
			case results <- dialResult{conn: conn, addr: addr, err: err}:
			case <-ctx.Done():
				if conn != nil {
					conn.Close()
				}
			}
		}()
		return true
	}

	startNext()

	var errs []error
	pending := 1
	for pending > 0 {
		select {
		case r := <-results:
			pending--
			if r.err == nil {
				go drainAndClose(results, &wg)
				return r.conn, r.addr, nil
			}
			errs = append(errs, trace.Wrap(r.err, "dial %s", r.addr))
			if startNext() {
				pending++
			}
		case <-ticker.C:
			if startNext() {
				pending++
			}
		case <-ctx.Done():
			wg.Wait()
			if len(errs) == 0 {
				return nil, nil, newOpenError(ErrTimeout, ctx.Err())
			}
			return nil, nil, newOpenError(ErrNextHopUnavailable, trace.NewAggregate(errs...))
		}
	}
	return nil, nil, newOpenError(ErrNextHopUnavailable, trace.NewAggregate(errs...))
}

func dialOne(ctx context.Context, dialer *net.Dialer, bind net.IP, ip net.IP, port int) (net.Conn, error) {
	d := *dialer
	if bind != nil {
		d.LocalAddr = &net.TCPAddr{IP: bind}
	}
	return d.DialContext(ctx, "tcp", net.JoinHostPort(ip.String(), strconv.Itoa(port)))
}

// drainAndClose closes every late-arriving loser connection once a winner
// has already been returned.
func drainAndClose(results chan dialResult, wg *sync.WaitGroup) {
	wg.Wait()
	close(results)
	for r := range results {
		if r.conn != nil {
			r.conn.Close()
		}
	}
}
