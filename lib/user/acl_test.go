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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestACLFirstMatchWins(t *testing.T) {
	acl := &ACL{
		Rules: []Rule{
			{Kind: RuleDestinationHost, Exact: "blocked.example.com", Action: ActionForbid},
			{Kind: RuleDestinationHost, WildcardDomain: "example.com", Action: ActionPermit},
		},
		Default: ActionForbid,
	}

	require.Equal(t, ActionForbid, acl.Evaluate(Request{DestinationHost: "blocked.example.com"}))
	require.Equal(t, ActionPermit, acl.Evaluate(Request{DestinationHost: "www.example.com"}))
	require.Equal(t, ActionForbid, acl.Evaluate(Request{DestinationHost: "unrelated.org"}))
}

func TestACLChildDomainMatchesExactAndSubdomains(t *testing.T) {
	rule := Rule{Kind: RuleDestinationHost, ChildDomain: "example.com", Action: ActionPermit}
	require.True(t, rule.matchesHost("example.com"))
	require.True(t, rule.matchesHost("api.example.com"))
	require.False(t, rule.matchesHost("notexample.com"))
}

func TestStrictestDefaultPicksForbidOverPermit(t *testing.T) {
	require.Equal(t, ActionForbid, StrictestDefault(ActionPermit, ActionForbid, ActionPermitLog))
}
