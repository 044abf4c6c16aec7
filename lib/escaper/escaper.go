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

// Package escaper implements the egress graph: leaf nodes that actually
// dial an upstream and routing nodes that pick among children.
//
package escaper

import (
	"context"
	"net"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/egressd/lib/resolver"
	"github.com/gravitational/egressd/lib/user"
)

// ErrorCategory classifies why open() failed.
type ErrorCategory int

const (
	ErrResolveFail ErrorCategory = iota
	ErrForbiddenByFilter
	ErrNextHopUnavailable
	ErrProtocolError
	ErrCanceled
	ErrTimeout
)

func (c ErrorCategory) String() string {
	switch c {
	case ErrResolveFail:
		return "resolve-fail"
	case ErrForbiddenByFilter:
		return "forbidden-by-filter"
	case ErrNextHopUnavailable:
		return "next-hop-unavailable"
	case ErrProtocolError:
		return "protocol-error"
	case ErrCanceled:
		return "canceled"
	case ErrTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// OpenError wraps an escaper failure with its category, so callers (server
// engines, audit logging) can branch on outcome without string matching.
type OpenError struct {
	Category ErrorCategory
	Cause error
}

func (e *OpenError) Error() string { return e.Category.String() + ": " + e.Cause.Error() }
func (e *OpenError) Unwrap() error { return e.Cause }

func newOpenError(cat ErrorCategory, err error) error {
	return trace.Wrap(&OpenError{Category: cat, Cause: err})
}

// SelectionHintKind distinguishes the shapes a path-selection hint may
// take.
type SelectionHintKind int

const (
	SelectionHintNone SelectionHintKind = iota
	SelectionHintNumericID
	SelectionHintStringID
	SelectionHintMap
	SelectionHintEgressUpstream
)

// SelectionHint is the request-carried routing/leaf hint that flows down
// the graph.
type SelectionHint struct {
	Kind SelectionHintKind
	NumericID int
	StringID string
	Map map[string]string
	// EgressUpstream fields, used only when Kind == SelectionHintEgressUpstream.
	UpstreamAddr string
	StickyHashKey string
}

// ClientFacts mirrors user.ClientFacts but is named independently here
// since escaper decisions (route-client, consistent-hash keys) use it
// without needing the rest of the user package's authentication concerns.
type ClientFacts = user.ClientFacts

// EgressContext carries everything an escaper needs to open an upstream
// connection.
type EgressContext struct {
	Context context.Context

	UpstreamHost string
	UpstreamPort int
	// UpstreamIP is set once a routing/leaf node has resolved a concrete
	// address (route-resolved reads this).
	UpstreamIP net.IP

	User *user.User
	Client ClientFacts

	Hint SelectionHint

	// ServerIP is the listening server's own address, used by stream
	// forwarders' consistent-hash key (client-ip + server-ip).
	ServerIP net.IP
	// StreamForwarder distinguishes stream forwarders (whose
	// consistent-hash key is client-ip + server-ip) from client-oriented
	// servers (client-ip alone).
	StreamForwarder bool
}

func (c *EgressContext) hashKey() string {
	key := c.Client.RemoteAddr.String()
	if c.StreamForwarder {
		key += "|" + c.ServerIP.String()
	}
	return key
}

// Conn is an established egress connection plus the concrete address it
// connected to, for auditing/logging.
type Conn struct {
	net.Conn
	RemoteIP net.IP
}

// Escaper is the public contract every leaf and routing node implements.
type Escaper interface {
	Name() string
	Open(ctx *EgressContext) (*Conn, error)
}

// Resolve performs a name lookup through r for host using strategy,
// returning the ordered address list or a wrapped resolve-fail error.
// Shared by every leaf that resolves names.
func Resolve(ctx context.Context, r *resolver.Resolver, host string, strategy resolver.Strategy) ([]net.IP, error) {
	return ResolveRacing(ctx, r, host, strategy, 0)
}

// ResolveRacing is Resolve, but a non-zero resolutionDelay bounds how long
// a two-family strategy waits on its secondary family: the primary
// family's addresses are returned as soon as they resolve, racing only a
// bounded wait for the secondary rather than blocking on both. Used by
// the direct leaves, which dial the result with DialHappyEyeballs and so
// want the first address available as early as possible.
func ResolveRacing(ctx context.Context, r *resolver.Resolver, host string, strategy resolver.Strategy, resolutionDelay time.Duration) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	addrs, err := r.QueryStrategyRacing(ctx, host, strategy, resolutionDelay)
	if err != nil {
		return nil, newOpenError(ErrResolveFail, err)
	}
	return addrs, nil
}

// EgressNetworkFilter restricts which resolved upstream IPs a direct leaf
// is willing to connect to.
type EgressNetworkFilter struct {
	DeniedSubnets []*net.IPNet
}

func (f EgressNetworkFilter) allows(ip net.IP) bool {
	for _, n := range f.DeniedSubnets {
		if n.Contains(ip) {
			return false
		}
	}
	return true
}

// filterAddrs drops every address denied by f, preserving order.
func filterAddrs(addrs []net.IP, f EgressNetworkFilter) []net.IP {
	out := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		if f.allows(a) {
			out = append(out, a)
		}
	}
	return out
}
