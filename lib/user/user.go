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

// Package user implements the authentication/authorization registry:
// static and dynamic user sets, token verification, ACLs, and per-user
// limits.
package user

import (
	"net"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/egressd/lib/ratelimit"
)

// ClientFacts is what the server engines know about an inbound connection
// at authentication time.
type ClientFacts struct {
	RemoteAddr net.IP
	// UserAgent is only populated for L7 (HTTP) ingress paths.
	UserAgent string
}

// Credentials is what a server engine extracted from the wire (HTTP basic
// auth, SOCKS5 username/password, etc).
type Credentials struct {
	Username string
	Password string
}

// VerdictKind classifies an authenticate() outcome.
type VerdictKind int

const (
	VerdictAllow VerdictKind = iota
	VerdictForbid
	VerdictDelayForbid
)

// Verdict is the result of authenticate().
type Verdict struct {
	Kind VerdictKind
	User *User // set only when Kind == VerdictAllow
	Reason string
	// Delay is set only when Kind == VerdictDelayForbid.
	Delay time.Duration
}

func Allow(u *User) Verdict { return Verdict{Kind: VerdictAllow, User: u} }

func Forbid(reason string) Verdict { return Verdict{Kind: VerdictForbid, Reason: reason} }

func DelayForbid(reason string, delay time.Duration) Verdict {
	return Verdict{Kind: VerdictDelayForbid, Reason: reason, Delay: delay}
}

// Limits holds the token-bucket and concurrency limits attached to a
// user or group. A zero-value ratelimit.Config leaves that limit unset:
// no bucket is built and the limit is not applied.
type Limits struct {
	ConnectionRateLimit ratelimit.Config
	RequestRateLimit ratelimit.Config
	RequestMaxAlive int64
	TCPSockSpeedLimit ratelimit.Config
	UDPSockSpeedLimit ratelimit.Config
	// BlockAndDelay, if non-zero, marks this user as blocked: every
	// authenticate() call forbids it after this delay, regardless of the
	// credentials presented. This is a forbid, not an auth failure.
	BlockAndDelay time.Duration
}

// liveLimits is the runtime instantiation of Limits: constructed buckets
// plus an alive-request counter.
type liveLimits struct {
	connRate *ratelimit.Bucket
	reqRate *ratelimit.Bucket
	tcpSpeed *ratelimit.Bucket
	udpSpeed *ratelimit.Bucket
	maxAlive int64
	aliveCount int64
	blockDelay time.Duration
}

func newLiveLimits(l Limits) (*liveLimits, error) {
	ll := &liveLimits{maxAlive: l.RequestMaxAlive, blockDelay: l.BlockAndDelay}
	var err error
	unset := ratelimit.Config{}
	if l.ConnectionRateLimit != unset {
		if ll.connRate, err = ratelimit.New(l.ConnectionRateLimit); err != nil {
			return nil, trace.Wrap(err, "connection_rate_limit")
		}
	}
	if l.RequestRateLimit != unset {
		if ll.reqRate, err = ratelimit.New(l.RequestRateLimit); err != nil {
			return nil, trace.Wrap(err, "request_rate_limit")
		}
	}
	if l.TCPSockSpeedLimit != unset {
		if ll.tcpSpeed, err = ratelimit.New(l.TCPSockSpeedLimit); err != nil {
			return nil, trace.Wrap(err, "tcp_sock_speed_limit")
		}
	}
	if l.UDPSockSpeedLimit != unset {
		if ll.udpSpeed, err = ratelimit.New(l.UDPSockSpeedLimit); err != nil {
			return nil, trace.Wrap(err, "udp_sock_speed_limit")
		}
	}
	return ll, nil
}

// VerifierKind selects how a user's password is checked.
type VerifierKind int

const (
	// VerifierNull means password auth is disabled for this user: any
	// credential check fails, but the user itself is not absent.
	VerifierNull VerifierKind = iota
	VerifierMD5Crypt
	VerifierSHA256Crypt
	VerifierSHA512Crypt
	VerifierFastHash
)

// FastHashAlgo selects the digest used by VerifierFastHash.
type FastHashAlgo int

const (
	FastHashMD5 FastHashAlgo = iota
	FastHashSHA1
	FastHashBlake3
)

// TokenVerifier holds the configuration needed to check a presented
// password against one or more stored digests.
type TokenVerifier struct {
	Kind VerifierKind
	// Encoded holds the crypt(3)-style encoded hash for the *Crypt kinds.
	Encoded string
	// Salt and Digests apply to VerifierFastHash: at least one listed
	// digest must match the salted hash of the presented password.
	Salt string
	Algo FastHashAlgo
	Digests []string
}

// NetworkFilter is a user-level ACL gate applied to the client's remote
// address before any other authentication step runs.
type NetworkFilter struct {
	AllowedSubnets []*net.IPNet
}

func (f NetworkFilter) Allows(ip net.IP) bool {
	if len(f.AllowedSubnets) == 0 {
		return true
	}
	for _, n := range f.AllowedSubnets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// User is a single configured principal: credentials, ACLs, limits, and
// an optional expiry.
type User struct {
	Name string
	Verifier TokenVerifier
	IngressNetworkFilter NetworkFilter
	ACL *ACL
	Limits Limits
	ExpiresAt time.Time // zero means never expires
	EscaperPath string // selection hint consumed by the escaper graph

	// AuditRatio, when non-nil, overrides the auditor's default sampling
	// ratio for this user's tasks.
	AuditRatio *float64

	live *liveLimits
}

func (u *User) expired(now time.Time) bool {
	return !u.ExpiresAt.IsZero() && !now.Before(u.ExpiresAt)
}
