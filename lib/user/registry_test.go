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

package user

import (
	"context"
	"crypto/sha1"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func staticUser(name, password string) *User {
	sum := sha1.Sum([]byte("s" + password))
	return &User{
		Name:     name,
		Verifier: TokenVerifier{Kind: VerifierFastHash, Salt: "s", Algo: FastHashSHA1, Digests: []string{encodeHex(sum[:])}},
	}
}

func TestAuthenticateStaticUserBeforeDynamic(t *testing.T) {
	g := NewGroup("default", []*User{staticUser("alice", "hunter2")}, nil)
	g.Source = staticDynamicSource{users: []*User{staticUser("alice", "other")}}
	require.NoError(t, g.Refresh(context.Background()))

	v := g.Authenticate(Credentials{Username: "alice", Password: "hunter2"}, ClientFacts{RemoteAddr: net.ParseIP("10.0.0.1")})
	require.Equal(t, VerdictAllow, v.Kind)
	require.Equal(t, "alice", v.User.Name)
}

func TestAuthenticateWrongPasswordForbids(t *testing.T) {
	g := NewGroup("default", []*User{staticUser("alice", "hunter2")}, nil)

	v := g.Authenticate(Credentials{Username: "alice", Password: "wrong"}, ClientFacts{RemoteAddr: net.ParseIP("10.0.0.1")})
	require.Equal(t, VerdictForbid, v.Kind)
}

func TestAuthenticateAnonymousFallback(t *testing.T) {
	anon := &User{Name: "anonymous"}
	g := NewGroup("default", nil, anon)

	v := g.Authenticate(Credentials{}, ClientFacts{RemoteAddr: net.ParseIP("10.0.0.1")})
	require.Equal(t, VerdictAllow, v.Kind)
	require.Equal(t, "anonymous", v.User.Name)
}

func TestAuthenticateExpiredUserForbidden(t *testing.T) {
	clock := clockwork.NewFakeClock()
	u := staticUser("alice", "hunter2")
	u.ExpiresAt = clock.Now().Add(-time.Second)
	g := NewGroup("default", []*User{u}, nil)
	g.Clock = clock

	v := g.Authenticate(Credentials{Username: "alice", Password: "hunter2"}, ClientFacts{RemoteAddr: net.ParseIP("10.0.0.1")})
	require.Equal(t, VerdictForbid, v.Kind)
}

func TestAuthenticateNetworkFilterRejectsBeforeCredentials(t *testing.T) {
	_, subnet, _ := net.ParseCIDR("192.168.0.0/24")
	u := staticUser("alice", "hunter2")
	u.IngressNetworkFilter = NetworkFilter{AllowedSubnets: []*net.IPNet{subnet}}
	g := NewGroup("default", []*User{u}, nil)

	v := g.Authenticate(Credentials{Username: "alice", Password: "hunter2"}, ClientFacts{RemoteAddr: net.ParseIP("10.0.0.1")})
	require.Equal(t, VerdictForbid, v.Kind)
}

type staticDynamicSource struct{ users []*User }

func (s staticDynamicSource) Fetch(ctx context.Context) ([]*User, error) { return s.users, nil }

func TestRefreshReplacesDynamicSetAtomically(t *testing.T) {
	g := NewGroup("default", nil, nil)
	g.Source = staticDynamicSource{users: []*User{staticUser("bob", "pw")}}

	require.NoError(t, g.Refresh(context.Background()))

	v := g.Authenticate(Credentials{Username: "bob", Password: "pw"}, ClientFacts{RemoteAddr: net.ParseIP("10.0.0.1")})
	require.Equal(t, VerdictAllow, v.Kind)
}

func TestAuthenticateBlockedUserForbidsWithDelayEvenOnValidCredentials(t *testing.T) {
	u := staticUser("alice", "hunter2")
	u.Limits.BlockAndDelay = 5 * time.Second
	g := NewGroup("default", []*User{u}, nil)

	v := g.Authenticate(Credentials{Username: "alice", Password: "hunter2"}, ClientFacts{RemoteAddr: net.ParseIP("10.0.0.1")})
	require.Equal(t, VerdictDelayForbid, v.Kind)
	require.Equal(t, 5*time.Second, v.Delay)
}

func TestAuthenticateBlockedUserForbidsWithDelayOnInvalidCredentials(t *testing.T) {
	u := staticUser("alice", "hunter2")
	u.Limits.BlockAndDelay = 5 * time.Second
	g := NewGroup("default", []*User{u}, nil)

	v := g.Authenticate(Credentials{Username: "alice", Password: "wrong"}, ClientFacts{RemoteAddr: net.ParseIP("10.0.0.1")})
	require.Equal(t, VerdictDelayForbid, v.Kind)
	require.Equal(t, 5*time.Second, v.Delay)
}

func TestBeginRequestRespectsMaxAlive(t *testing.T) {
	u := staticUser("alice", "hunter2")
	u.Limits.RequestMaxAlive = 1
	g := NewGroup("default", []*User{u}, nil)
	live := g.snap.Load().static["alice"]

	require.True(t, live.BeginRequest())
	require.False(t, live.BeginRequest())
	live.EndRequest()
	require.True(t, live.BeginRequest())
}
