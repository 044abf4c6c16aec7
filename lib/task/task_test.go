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

package task

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/egressd/lib/escaper"
	"github.com/gravitational/egressd/lib/user"
)

func TestNewTaskHasDistinctID(t *testing.T) {
	t1 := New(context.Background(), ClientFacts{RemoteAddr: net.ParseIP("10.0.0.1")})
	t2 := New(context.Background(), ClientFacts{RemoteAddr: net.ParseIP("10.0.0.2")})
	require.NotEqual(t, t1.ID, t2.ID)
}

func TestCancelPropagatesToContext(t *testing.T) {
	tsk := New(context.Background(), ClientFacts{})
	tsk.Cancel()
	select {
	case <-tsk.Context().Done():
	default:
		t.Fatal("expected context to be done after Cancel")
	}
}

func TestEscaperPathAccumulates(t *testing.T) {
	tsk := New(context.Background(), ClientFacts{})
	tsk.AppendEscaperPath("route-upstream")
	tsk.AppendEscaperPath("direct-fixed")
	require.Equal(t, []string{"route-upstream", "direct-fixed"}, tsk.EscaperPath())
}

func TestNewEgressContextCarriesUserAndHint(t *testing.T) {
	tsk := New(context.Background(), ClientFacts{RemoteAddr: net.ParseIP("10.0.0.1")})
	u := &user.User{Name: "alice"}
	tsk.SetUser(u)

	hint := escaper.SelectionHint{Kind: escaper.SelectionHintStringID, StringID: "pool-a"}
	ctx := tsk.NewEgressContext("example.com", 443, hint, net.ParseIP("192.168.1.1"), false)

	require.Equal(t, "alice", ctx.User.Name)
	require.Equal(t, "example.com", ctx.UpstreamHost)
	require.Equal(t, 443, ctx.UpstreamPort)
	require.Equal(t, "pool-a", ctx.Hint.StringID)
}
