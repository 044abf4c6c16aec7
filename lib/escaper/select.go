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
	"crypto/sha1"
	"encoding/binary"
	"math/rand"
	"sort"
	"sync/atomic"

	"github.com/dgryski/go-rendezvous"
	"github.com/gravitational/trace"
)

// SelectPolicy is route-select's load-balancing policy.
type SelectPolicy int

const (
	SelectRandom SelectPolicy = iota
	SelectSequence
	SelectRoundRobin
	SelectKetama
	SelectRendezvous
	SelectJumpHash
)

// RouteSelect is route-select: load-balances across its children using
// one of six policies. Consistent-hash policies (ketama, rendezvous,
// jump-hash) hash client-ip for client-oriented servers, client-ip
// concatenated with server-ip for stream forwarders, or the request's
// selection hint when supplied.
type RouteSelect struct {
	NameStr string
	Policy SelectPolicy
	Children []Escaper

	counter uint64 // round-robin/sequence cursor

	rendez *rendezvous.Rendezvous
}

func (r *RouteSelect) Name() string { return r.NameStr }

// ensureRendezvous lazily builds the rendezvous ring from the children's
// names, the first time it's needed.
func (r *RouteSelect) ensureRendezvous() {
	if r.rendez != nil {
		return
	}
	names := make([]string, len(r.Children))
	for i, c := range r.Children {
		names[i] = c.Name()
	}
	r.rendez = rendezvous.New(names, xxhashSeed)
}

func xxhashSeed(s string) uint64 {
	h := sha1.Sum([]byte(s))
	return binary.BigEndian.Uint64(h[:8])
}

func (r *RouteSelect) stickyKey(ctx *EgressContext) string {
	if ctx.Hint.Kind == SelectionHintEgressUpstream && ctx.Hint.StickyHashKey != "" {
		return ctx.Hint.StickyHashKey
	}
	return ctx.hashKey()
}

func (r *RouteSelect) pick(ctx *EgressContext) (Escaper, error) {
	if len(r.Children) == 0 {
		return nil, trace.BadParameter("route-select has no children configured")
	}

	switch r.Policy {
	case SelectRandom:
		return r.Children[rand.Intn(len(r.Children))], nil
	case SelectSequence:
		idx := atomic.AddUint64(&r.counter, 1) - 1
		return r.Children[idx%uint64(len(r.Children))], nil
	case SelectRoundRobin:
		idx := atomic.AddUint64(&r.counter, 1) - 1
		return r.Children[idx%uint64(len(r.Children))], nil
	case SelectKetama:
		return r.pickKetama(r.stickyKey(ctx)), nil
	case SelectRendezvous:
		r.ensureRendezvous()
		name := r.rendez.Lookup(r.stickyKey(ctx))
		for _, c := range r.Children {
			if c.Name() == name {
				return c, nil
			}
		}
		return r.Children[0], nil
	case SelectJumpHash:
		idx := jumpHash(hashString(r.stickyKey(ctx)), int32(len(r.Children)))
		return r.Children[idx], nil
	default:
		return nil, trace.BadParameter("unknown route-select policy %d", r.Policy)
	}
}

func (r *RouteSelect) Open(ctx *EgressContext) (*Conn, error) {
	child, err := r.pick(ctx)
	if err != nil {
		return nil, newOpenError(ErrForbiddenByFilter, err)
	}
	return child.Open(ctx)
}

// ketamaPoint is one point on the consistent-hash ring.
type ketamaPoint struct {
	hash uint32
	child int
}

// pickKetama builds (once per call — acceptable for the child counts this
// graph deals with) a sorted hash ring over children and returns the
// first child at or after key's hash, wrapping around.
func (r *RouteSelect) pickKetama(key string) Escaper {
	points := make([]ketamaPoint, len(r.Children))
	for i, c := range r.Children {
		points[i] = ketamaPoint{hash: hashString(c.Name()), child: i}
	}
	sort.Slice(points, func(i, j int) bool { return points[i].hash < points[j].hash })

	target := hashString(key)
	for _, p := range points {
		if p.hash >= target {
			return r.Children[p.child]
		}
	}
	return r.Children[points[0].child]
}

func hashString(s string) uint32 {
	h := sha1.Sum([]byte(s))
	return binary.BigEndian.Uint32(h[:4])
}

// jumpHash implements Google's jump consistent hash (Lamping & Veach).
func jumpHash(key uint32, numBuckets int32) int32 {
	var b, j int64 = -1, 0
	k := uint64(key)
	for j < int64(numBuckets) {
		b = j
		k = k*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((k>>33)+1)))
	}
	return int32(b)
}
