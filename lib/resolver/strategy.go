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

import "net"

// Strategy selects which address families to query and how to order the
// combined result.
type Strategy int

const (
	// StrategyV4Only queries A records only.
	StrategyV4Only Strategy = iota
	// StrategyV6Only queries AAAA records only.
	StrategyV6Only
	// StrategyV4First queries both families and returns v4 addresses first.
	StrategyV4First
	// StrategyV6First queries both families and returns v6 addresses first.
	StrategyV6First
)

func (s Strategy) String() string {
	switch s {
	case StrategyV4Only:
		return "v4-only"
	case StrategyV6Only:
		return "v6-only"
	case StrategyV4First:
		return "v4-first"
	case StrategyV6First:
		return "v6-first"
	default:
		return "unknown"
	}
}

// families reports which families a strategy needs queried.
func (s Strategy) families() []Family {
	switch s {
	case StrategyV4Only:
		return []Family{FamilyV4}
	case StrategyV6Only:
		return []Family{FamilyV6}
	case StrategyV4First, StrategyV6First:
		return []Family{FamilyV4, FamilyV6}
	default:
		return []Family{FamilyV4}
	}
}

// primary reports which family a two-family strategy should resolve and
// start dialing first; the other family is secondary. Meaningless for the
// *Only strategies, whose families() has only one entry.
func (s Strategy) primary() Family {
	if s == StrategyV6Only || s == StrategyV6First {
		return FamilyV6
	}
	return FamilyV4
}

// order concatenates per-family address lists in the strategy's preferred
// order, dropping families that produced nothing.
func (s Strategy) order(v4, v6 []net.IP) []net.IP {
	if s == StrategyV6First {
		return append(append([]net.IP{}, v6...), v4...)
	}
	return append(append([]net.IP{}, v4...), v6...)
}
