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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRouteUpstreamWildcardDomainMatch(t *testing.T) {
	matched := &nameOnlyEscaper{"matched"}
	fallback := &nameOnlyEscaper{"fallback"}
	r := &RouteUpstream{
		NameStr: "upstream",
		Rules: []struct {
			Matcher HostMatcher
			Child   Escaper
		}{
			{Matcher: HostMatcher{WildcardDomain: "internal.example.com"}, Child: matched},
		},
		Default: fallback,
	}

	ctx := &EgressContext{Context: context.Background(), UpstreamHost: "svc.internal.example.com"}
	_, err := r.Open(ctx)
	require.NoError(t, err)

	ctx2 := &EgressContext{Context: context.Background(), UpstreamHost: "outside.example.org"}
	_, err = r.Open(ctx2)
	require.NoError(t, err)
}

func TestRouteMappingUsesHintMap(t *testing.T) {
	a := &nameOnlyEscaper{"a"}
	r := &RouteMapping{
		NameStr: "mapping",
		Key:     "pool",
		Targets: map[string]Escaper{"x": a},
	}
	ctx := &EgressContext{
		Context: context.Background(),
		Hint:    SelectionHint{Kind: SelectionHintMap, Map: map[string]string{"pool": "x"}},
	}
	conn, err := r.Open(ctx)
	require.NoError(t, err)
	_ = conn
}

func TestRouteMappingForbidsWithNoDefaultAndNoMatch(t *testing.T) {
	r := &RouteMapping{NameStr: "mapping", Key: "pool", Targets: map[string]Escaper{}}
	ctx := &EgressContext{Context: context.Background()}
	_, err := r.Open(ctx)
	require.Error(t, err)
}

func TestRouteClientSubnetMatch(t *testing.T) {
	_, subnet, _ := net.ParseCIDR("10.0.0.0/8")
	matched := &nameOnlyEscaper{"matched"}
	r := &RouteClient{
		NameStr: "client",
		Rules: []struct {
			Exact  net.IP
			Subnet *net.IPNet
			Child  Escaper
		}{
			{Subnet: subnet, Child: matched},
		},
	}
	ctx := &EgressContext{Context: context.Background(), Client: ClientFacts{RemoteAddr: net.ParseIP("10.1.2.3")}}
	_, err := r.Open(ctx)
	require.NoError(t, err)
}
