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

type nameOnlyEscaper struct{ name string }

func (n *nameOnlyEscaper) Name() string { return n.name }
func (n *nameOnlyEscaper) Open(ctx *EgressContext) (*Conn, error) { return nil, nil }

func TestRouteSelectRoundRobinCyclesChildren(t *testing.T) {
	children := []Escaper{&nameOnlyEscaper{"a"}, &nameOnlyEscaper{"b"}, &nameOnlyEscaper{"c"}}
	r := &RouteSelect{NameStr: "rr", Policy: SelectRoundRobin, Children: children}
	ctx := &EgressContext{Context: context.Background(), Client: ClientFacts{RemoteAddr: net.ParseIP("10.0.0.1")}}

	var seen []string
	for i := 0; i < 6; i++ {
		c, err := r.pick(ctx)
		require.NoError(t, err)
		seen = append(seen, c.Name())
	}
	require.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, seen)
}

func TestRouteSelectRendezvousStableForSameKey(t *testing.T) {
	children := []Escaper{&nameOnlyEscaper{"a"}, &nameOnlyEscaper{"b"}, &nameOnlyEscaper{"c"}}
	r := &RouteSelect{NameStr: "rendez", Policy: SelectRendezvous, Children: children}
	ctx := &EgressContext{Context: context.Background(), Client: ClientFacts{RemoteAddr: net.ParseIP("10.0.0.5")}}

	c1, err := r.pick(ctx)
	require.NoError(t, err)
	c2, err := r.pick(ctx)
	require.NoError(t, err)
	require.Equal(t, c1.Name(), c2.Name())
}

func TestRouteSelectKetamaStableForSameKey(t *testing.T) {
	children := []Escaper{&nameOnlyEscaper{"a"}, &nameOnlyEscaper{"b"}, &nameOnlyEscaper{"c"}}
	r := &RouteSelect{NameStr: "ketama", Policy: SelectKetama, Children: children}
	ctx := &EgressContext{Context: context.Background(), Client: ClientFacts{RemoteAddr: net.ParseIP("10.0.0.9")}}

	c1, err := r.pick(ctx)
	require.NoError(t, err)
	c2, err := r.pick(ctx)
	require.NoError(t, err)
	require.Equal(t, c1.Name(), c2.Name())
}

func TestJumpHashDistributesWithinRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		idx := jumpHash(uint32(i), 5)
		require.True(t, idx >= 0 && idx < 5)
	}
}
