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
	"regexp"

	"github.com/gravitational/trace"

	"github.com/gravitational/egressd/lib/resolver"
)

// HostMatcher matches a destination host using exactly one of its fields,
// shared by route-upstream's five host-matching shapes.
type HostMatcher struct {
	Exact string
	ChildDomain string
	WildcardDomain string
	Regex *regexp.Regexp
	Subnet *net.IPNet
}

func (m HostMatcher) matches(host string) bool {
	switch {
	case m.Exact != "":
		return host == m.Exact
	case m.ChildDomain != "":
		return host == m.ChildDomain || (len(host) > len(m.ChildDomain)+1 && host[len(host)-len(m.ChildDomain)-1:] == "."+m.ChildDomain)
	case m.WildcardDomain != "":
		suffix := "." + m.WildcardDomain
		return len(host) > len(suffix) && host[len(host)-len(suffix):] == suffix
	case m.Regex != nil:
		return m.Regex.MatchString(host)
	case m.Subnet != nil:
		ip := net.ParseIP(host)
		return ip != nil && m.Subnet.Contains(ip)
	default:
		return false
	}
}

// RouteUpstream is route-upstream: dispatches on the request's destination
// host (exact, child-domain, wildcard domain, regex, subnet).
type RouteUpstream struct {
	NameStr string
	Rules []struct {
		Matcher HostMatcher
		Child Escaper
	}
	Default Escaper
}

func (r *RouteUpstream) Name() string { return r.NameStr }

func (r *RouteUpstream) Open(ctx *EgressContext) (*Conn, error) {
	for _, rule := range r.Rules {
		if rule.Matcher.matches(ctx.UpstreamHost) {
			return rule.Child.Open(ctx)
		}
	}
	if r.Default == nil {
		return nil, newOpenError(ErrForbiddenByFilter, trace.BadParameter("no route-upstream rule matched %s and no default child configured", ctx.UpstreamHost))
	}
	return r.Default.Open(ctx)
}

// RouteClient is route-client: dispatches on the client's IP (exact or
// subnet).
type RouteClient struct {
	NameStr string
	Rules []struct {
		Exact net.IP
		Subnet *net.IPNet
		Child Escaper
	}
	Default Escaper
}

func (r *RouteClient) Name() string { return r.NameStr }

func (r *RouteClient) Open(ctx *EgressContext) (*Conn, error) {
	for _, rule := range r.Rules {
		if rule.Exact != nil && rule.Exact.Equal(ctx.Client.RemoteAddr) {
			return rule.Child.Open(ctx)
		}
		if rule.Subnet != nil && rule.Subnet.Contains(ctx.Client.RemoteAddr) {
			return rule.Child.Open(ctx)
		}
	}
	if r.Default == nil {
		return nil, newOpenError(ErrForbiddenByFilter, trace.BadParameter("no route-client rule matched %s", ctx.Client.RemoteAddr))
	}
	return r.Default.Open(ctx)
}

// RouteResolved is route-resolved: resolves the target, then dispatches on
// the first resolved address's subnet/family.
type RouteResolved struct {
	NameStr string
	Resolver *resolver.Resolver
	Strategy resolver.Strategy
	Rules []struct {
		Subnet *net.IPNet
		Family resolver.Family
		Child Escaper
	}
	Default Escaper
}

func (r *RouteResolved) Name() string { return r.NameStr }

func (r *RouteResolved) Open(ctx *EgressContext) (*Conn, error) {
	addrs, err := Resolve(ctx.Context, r.Resolver, ctx.UpstreamHost, r.Strategy)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, newOpenError(ErrResolveFail, trace.NotFound("no addresses resolved for %s", ctx.UpstreamHost))
	}
	first := addrs[0]
	ctx.UpstreamIP = first

	for _, rule := range r.Rules {
		if rule.Subnet != nil && !rule.Subnet.Contains(first) {
			continue
		}
		if rule.Family == resolver.FamilyV6 && first.To4() != nil {
			continue
		}
		if rule.Family == resolver.FamilyV4 && first.To4() == nil {
			continue
		}
		return rule.Child.Open(ctx)
	}
	if r.Default == nil {
		return nil, newOpenError(ErrForbiddenByFilter, trace.BadParameter("no route-resolved rule matched %s", first))
	}
	return r.Default.Open(ctx)
}

// RouteMapping is route-mapping: dispatches on an explicit id supplied in
// the request's selection hint map.
type RouteMapping struct {
	NameStr string
	Key string // the map key consulted in the hint
	Targets map[string]Escaper
	Default Escaper
}

func (r *RouteMapping) Name() string { return r.NameStr }

func (r *RouteMapping) Open(ctx *EgressContext) (*Conn, error) {
	if ctx.Hint.Kind == SelectionHintMap {
		if id, ok := ctx.Hint.Map[r.Key]; ok {
			if child, ok := r.Targets[id]; ok {
				return child.Open(ctx)
			}
		}
	}
	if r.Default == nil {
		return nil, newOpenError(ErrForbiddenByFilter, trace.BadParameter("route-mapping found no id in hint and no default child configured"))
	}
	return r.Default.Open(ctx)
}

