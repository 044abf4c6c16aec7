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
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/egressd/lib/defaults"
)

// RouteFailover is route-failover: tries the primary
// child; if it hasn't opened a connection within FallbackDelay (or failed
// outright), the standby is raced concurrently. The first successful
// child wins; the loser's connection, if it completes late, is closed.
// The shape mirrors lib/resolver's FailoverDriver.
type RouteFailover struct {
	NameStr string
	Primary Escaper
	Standby Escaper
	FallbackDelay time.Duration
}

func (r *RouteFailover) Name() string { return r.NameStr }

type openResult struct {
	who string
	conn *Conn
	err error
}

func (r *RouteFailover) Open(ctx *EgressContext) (*Conn, error) {
	results := make(chan openResult, 2)

	go func() {
		conn, err := r.Primary.Open(ctx)
		results <- openResult{who: "primary", conn: conn, err: err}
	}()

	standbyStarted := false
	startStandby := func() bool {
		if standbyStarted {
			return false
		}
		standbyStarted = true
		go func() {
			conn, err := r.Standby.Open(ctx)
			results <- openResult{who: "standby", conn: conn, err: err}
		}()
		return true
	}

	delay := r.FallbackDelay
	if delay <= 0 {
		delay = defaults.RouteFailoverDelayDefault
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	var errs []error
	pending := 1
	for pending > 0 {
		select {
		case <-timer.C:
			if startStandby() {
				pending++
			}
		case res := <-results:
			pending--
			if res.err == nil {
				go func(n int) {
					for ; n > 0; n-- {
						if late := <-results; late.err == nil && late.conn != nil && late.conn.Conn != nil {
							late.conn.Close()
						}
					}
				}(pending)
				return res.conn, nil
			}
			errs = append(errs, trace.Wrap(res.err, res.who))
			if startStandby() {
				pending++
			}
		case <-ctx.Context.Done():
			return nil, newOpenError(ErrCanceled, trace.Wrap(ctx.Context.Err()))
		}
	}
	return nil, newOpenError(ErrNextHopUnavailable, trace.NewAggregate(errs...))
}
