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

package resolver

import (
	"context"
	"net"
	"time"

	"github.com/gravitational/trace"
)

// Answer is what a Driver returns for a single successful lookup.
type Answer struct {
	Addresses []net.IP
	TTL time.Duration
}

// Driver performs the actual name lookup across driver variants. The
// cache layer (cache.go) is the only caller.
type Driver interface {
	// Lookup resolves name for family, returning a driver-level error if
	// the lookup fails (timeout, NXDOMAIN, transport error).
	Lookup(ctx context.Context, name string, family Family) (Answer, error)
	// Name identifies the driver for logging.
	Name() string
}

// DenyAllDriver refuses every lookup. Used where a resolver is wired but
// name resolution should never succeed (e.g. an escaper that only ever
// dials literal IPs).
type DenyAllDriver struct{}

func (DenyAllDriver) Name() string { return "deny-all" }

func (DenyAllDriver) Lookup(context.Context, string, Family) (Answer, error) {
	return Answer{}, trace.AccessDenied("name resolution denied by deny-all driver")
}

// FailoverDriver races a primary driver against a standby: the primary is
// always tried first; if it hasn't answered within delay, the standby is
// started concurrently. The first positive answer wins; if both fail, a
// composite error is returned.
type FailoverDriver struct {
	Primary Driver
	Standby Driver
	Delay time.Duration
}

func (f FailoverDriver) Name() string { return "fail-over(" + f.Primary.Name() + "," + f.Standby.Name() + ")" }

type driverResult struct {
	driver string
	answer Answer
	err error
}

func (f FailoverDriver) Lookup(ctx context.Context, name string, family Family) (Answer, error) {
	results := make(chan driverResult, 2)

	go func() {
		a, err := f.Primary.Lookup(ctx, name, family)
		results <- driverResult{driver: f.Primary.Name(), answer: a, err: err}
	}()

	standbyStarted := false
	startStandby := func() bool {
		if standbyStarted {
			return false
		}
		standbyStarted = true
		go func() {
			a, err := f.Standby.Lookup(ctx, name, family)
			results <- driverResult{driver: f.Standby.Name(), answer: a, err: err}
		}()
		return true
	}

	timer := time.NewTimer(f.Delay)
	defer timer.Stop()

	var errs []error
	pending := 1
	for pending > 0 {
		select {
		case <-timer.C:
			if startStandby() {
				pending++
			}
		case r := <-results:
			pending--
			if r.err == nil {
				return r.answer, nil
			}
			errs = append(errs, trace.Wrap(r.err, "driver %s", r.driver))
			if startStandby() {
				pending++
			}
		case <-ctx.Done():
			return Answer{}, trace.Wrap(ctx.Err())
		}
	}
	return Answer{}, trace.NewAggregate(errs...)
}
