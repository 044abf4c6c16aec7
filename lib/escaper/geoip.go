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

	"github.com/gravitational/trace"

	"github.com/gravitational/egressd/lib/resolver"
)

// GeoIPLocator answers "what location code is this IP in" for
// route-geoip. A concrete implementation (MaxMind file lookup, a
// remote IP-locate HTTP service, etc) is supplied by the daemon's
// configuration loader.
type GeoIPLocator interface {
	Locate(ip net.IP) (string, error)
}

// RouteGeoIP is route-geoip: resolves the target, asks a GeoIPLocator for
// the resolved address's location code, and dispatches on that code.
type RouteGeoIP struct {
	NameStr string
	Resolver *resolver.Resolver
	Strategy resolver.Strategy
	Locator GeoIPLocator
	Targets map[string]Escaper
	Default Escaper
}

func (r *RouteGeoIP) Name() string { return r.NameStr }

func (r *RouteGeoIP) Open(ctx *EgressContext) (*Conn, error) {
	addrs, err := Resolve(ctx.Context, r.Resolver, ctx.UpstreamHost, r.Strategy)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, newOpenError(ErrResolveFail, trace.NotFound("no addresses resolved for %s", ctx.UpstreamHost))
	}
	ctx.UpstreamIP = addrs[0]

	code, err := r.Locator.Locate(addrs[0])
	if err == nil {
		if child, ok := r.Targets[code]; ok {
			return child.Open(ctx)
		}
	}
	if r.Default == nil {
		return nil, newOpenError(ErrForbiddenByFilter, trace.BadParameter("route-geoip found no mapping for location %q", code))
	}
	return r.Default.Open(ctx)
}
