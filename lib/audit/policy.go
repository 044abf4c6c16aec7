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

// Package audit implements TLS interception and protocol inspection: a
// per-host fake leaf certificate obtained from an external cert agent,
// HTTP/1.1 request/response inspection with ICAP REQMOD/RESPMOD
// adaptation, and a client for detouring a stream to an external QUIC
// inspection service. Intercepted HTTP/2 connections are relayed without
// frame-level inspection, and the Auditor's interception path does not
// invoke the detour client.
package audit

import (
	"context"
	"math/rand"
	"net"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/egressd/lib/defaults"
	"github.com/gravitational/egressd/lib/escaper"
	"github.com/gravitational/egressd/lib/task"
)

// Protocol identifies one of the inner protocols a policy can name an
// Action for.
type Protocol int

const (
	ProtocolHTTP2 Protocol = iota
	ProtocolWebSocket
	ProtocolSMTP
	ProtocolIMAP
)

func (p Protocol) String() string {
	switch p {
	case ProtocolHTTP2:
		return "http2"
	case ProtocolWebSocket:
		return "websocket"
	case ProtocolSMTP:
		return "smtp"
	case ProtocolIMAP:
		return "imap"
	default:
		return "unknown"
	}
}

// Action is what the auditor does once a protocol has been identified.
type Action int

const (
	ActionIntercept Action = iota
	ActionBypass
	ActionBlock
	ActionDetour
)

// Policy maps each inspected protocol to an Action. Protocols absent from
// Actions default to ActionBypass; HTTP/1.1 is always inspected (it is the
// protocol the auditor exists to adapt) and has no policy entry.
type Policy struct {
	Actions map[Protocol]Action
}

func (p Policy) actionFor(proto Protocol) Action {
	if a, ok := p.Actions[proto]; ok {
		return a
	}
	return ActionBypass
}

// Config is an auditor's full configuration: inspection policy, the TLS
// cert agent and client/upstream TLS settings it terminates connections
// with, optional ICAP endpoints, and an optional stream-detour client.
type Config struct {
	Name string

	Policy Policy

	CertCache *CertCache

	// UpstreamTLSConfig is used to re-handshake with the true origin
	// server once its certificate is needed (SNI, ALPN negotiation) or
	// once inspected traffic must be forwarded on.
	UpstreamTLSConfig *TLSConfigFactory

	ICAPReqmod *ICAPClient
	ICAPRespmod *ICAPClient

	Detour *DetourClient

	// TaskAuditRatio is the fraction of tasks, in [0, 1], sampled for
	// interception. A user's own AuditRatio, if set, multiplies this
	// value rather than replacing it.
	TaskAuditRatio float64

	H1 H1Config
	H2 H2Config

	Log *logrus.Entry
}

// H1Config holds the HTTP/1.1 interception settings. The interception
// loop reads only KeepAlive; HeaderMaxSize and BodyLineMaxSize are not
// enforced by it.
type H1Config struct {
	HeaderMaxSize int
	BodyLineMaxSize int
	KeepAlive bool
}

// H2Config holds HTTP/2 interception settings. The HTTP/2 passthrough
// relay does not read them.
type H2Config struct {
	MaxConcurrentStreams int
}

func (c *Config) checkAndSetDefaults() error {
	if c.Name == "" {
		return trace.BadParameter("missing parameter Name")
	}
	if c.TaskAuditRatio == 0 {
		c.TaskAuditRatio = defaults.AuditRatioDefault
	}
	if c.H1.HeaderMaxSize == 0 {
		c.H1.HeaderMaxSize = defaults.HeaderMaxSize
	}
	if c.Log == nil {
		c.Log = logrus.WithField(trace.Component, "auditor:"+c.Name)
	}
	return nil
}

// effectiveRatio multiplies the auditor's default ratio by the task's
// user-level override, if any, clamped to [0, 1].
func (c *Config) effectiveRatio(tsk *task.Task) float64 {
	ratio := c.TaskAuditRatio
	if u := tsk.User(); u != nil && u.AuditRatio != nil {
		ratio *= *u.AuditRatio
	}
	if ratio < 0 {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}

// sample decides, for one task, whether to intercept at all. Each task
// gets its own independent coin flip; there is no sticky per-user or
// per-host sampling.
func (c *Config) sample(tsk *task.Task) bool {
	ratio := c.effectiveRatio(tsk)
	if ratio >= 1 {
		return true
	}
	if ratio <= 0 {
		return false
	}
	return rand.Float64() < ratio
}

// Auditor implements server.Auditor: it samples whether to intercept a
// tunnel at all, and if so drives the TLS MITM handshake and hands the
// decrypted stream to the matching protocol inspector.
type Auditor struct {
	cfg Config
}

// New builds an Auditor from cfg.
func New(cfg Config) (*Auditor, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Auditor{cfg: cfg}, nil
}

// Intercept is the server.Auditor entry point: conn is already connected
// to the real upstream. If sampling selects this task, Intercept performs
// the TLS MITM handshake and returns a connection that feeds the client's
// plaintext bytes through the configured inspectors; otherwise conn is
// returned unchanged and the relay loop copies ciphertext straight
// through.
func (a *Auditor) Intercept(ctx context.Context, tsk *task.Task, egressCtx *escaper.EgressContext, conn *escaper.Conn) (net.Conn, error) {
	if !a.cfg.sample(tsk) {
		return conn, nil
	}
	return a.interceptTLS(ctx, tsk, egressCtx, conn)
}
