/*
Copyright 2016-2021 Gravitational, Inc.

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

// Package defaults centralizes the timeouts, sizes and delays named
// across the daemon's subsystems, so every component picks them up
// consistently instead of re-declaring magic numbers.
package defaults

import "time"

// Server (ingress) timeouts.
const (
	ProxyProtocolReadTimeout  = 5 * time.Second
	HandshakeReadDeadline     = 10 * time.Second
	HeaderReadTimeout         = 10 * time.Second
	ResponseHeaderReadTimeout = 30 * time.Second
	RequestWaitTimeout        = 5 * time.Second
	RequestRecvTimeout        = 5 * time.Second
	ProtocolDetectionTimeout  = 5 * time.Second

	HeaderMaxSize         = 64 * 1024
	TLSMaxClientHelloSize = 16 * 1024
	PipelineSize          = 10

	TaskIdleCheckInterval = 10 * time.Second
	TaskIdleMaxCount      = 3

	GracefulShutdownGrace = 10 * time.Hour
)

// Escaper / Happy-Eyeballs timings.
const (
	ConnectionAttemptDelayMin     = 100 * time.Millisecond
	ConnectionAttemptDelayDefault = 250 * time.Millisecond
	ConnectionAttemptDelayMax     = 2 * time.Second
	ResolutionDelayDefault        = 50 * time.Millisecond
	EachUpstreamTimeout           = 15 * time.Second
	MaxRetryDefault               = 2

	RouteFailoverDelayDefault = 200 * time.Millisecond
	RouteQueryTimeout         = 500 * time.Millisecond
)

// Resolver timings.
const (
	EachDNSTimeout          = 2 * time.Second
	EachDNSTries            = 2
	ProtectiveQueryTimeout  = 5 * time.Second
	PositiveMinTTL          = 5 * time.Second
	PositiveMaxTTL          = 10 * time.Minute
	NegativeMinTTL          = 5 * time.Second
	CacheVanishPollInterval = 30 * time.Second
)

// Relay runtime.
const (
	TCPCopyBufferSize  = 16 * 1024
	TCPCopyBufferMin   = 4 * 1024
	TCPCopyYieldSize   = 1024 * 1024
	UDPRelayPacketSize = 4096
	UDPRelayBatchSize  = 16
)

// Auditor / interception.
const (
	CertCacheMinTTL     = 1 * time.Minute
	CertCacheVanishWait = 5 * time.Minute
	AuditRatioDefault   = 1.0
)

// Auth/User registry.
const (
	RateLimitReplenishInterval = time.Second
	RateLimitBurstDefault      = 10
)
