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

// Package server implements the ingress protocol engines: per-protocol
// acceptors and state machines that turn an accepted connection into a
// Task and hand its upstream dial off to an escaper.
package server

import (
	"context"
	"net"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/egressd"
	"github.com/gravitational/egressd/lib/escaper"
	"github.com/gravitational/egressd/lib/logging"
	"github.com/gravitational/egressd/lib/relay"
	"github.com/gravitational/egressd/lib/task"
	"github.com/gravitational/egressd/lib/user"
)

// Auditor is the small surface every engine needs from the interception
// subsystem: given an established tunnel, decide whether (and how) to
// intercept it before the relay loop takes over. A nil Auditor, or one
// whose policy bypasses the protocol, means Intercept is never called.
type Auditor interface {
	// Intercept wraps conn (already connected to upstream) with whatever
	// inspection the auditor's policy calls for, returning the
	// connection the relay loop should actually copy. Implementations
	// that don't want to intercept this flow return conn unchanged.
	Intercept(ctx context.Context, tsk *task.Task, egressCtx *escaper.EgressContext, conn *escaper.Conn) (net.Conn, error)
}

// Config is the shared contract every server engine is built from: a
// name, an assigned escaper, an optional auditor, an optional
// user-group, and listen configuration.
type Config struct {
	Name string
	Escaper escaper.Escaper
	Auditor Auditor
	Group *user.Group
	Listener net.Listener

	// RequireAuth is not read by any engine in this package; the HTTP
	// forward and reverse engines use their own RequireProxyAuth and
	// RequireBasicAuth fields instead.
	RequireAuth bool

	Log *logrus.Entry
}

func (c *Config) checkAndSetDefaults() error {
	if c.Name == "" {
		return trace.BadParameter("missing parameter Name")
	}
	if c.Escaper == nil {
		return trace.BadParameter("missing parameter Escaper")
	}
	if c.Listener == nil {
		return trace.BadParameter("missing parameter Listener")
	}
	if c.Log == nil {
		c.Log = logging.Component(egressd.ComponentServer, c.Name)
	}
	return nil
}

// Engine is implemented by each protocol's state machine.
type Engine interface {
	// ServeConn runs one accepted connection to completion. It owns conn
	// and must close it before returning.
	ServeConn(ctx context.Context, conn net.Conn)
}

// Server accepts connections on Config.Listener and hands each one to an
// Engine, one goroutine per connection.
type Server struct {
	cfg Config
	engine Engine
}

// New builds a Server bound to engine, which is typically produced by one
// of this package's per-protocol constructors (NewHTTPForward,
// NewSOCKS, NewSNIProxy, NewPortChain, NewReverseHTTP).
func New(cfg Config, engine Engine) (*Server, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Server{cfg: cfg, engine: engine}, nil
}

// Serve accepts connections until ctx is canceled or the listener
// returns a fatal error.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.cfg.Listener.Close()
	}()

	for {
		conn, err := s.cfg.Listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return trace.Wrap(err)
		}
		go s.engine.ServeConn(ctx, conn)
	}
}

// Addr returns the server's listening address.
func (s *Server) Addr() net.Addr { return s.cfg.Listener.Addr() }

// newTask builds a Task for an accepted connection, recording the
// client's observed remote address.
func newTask(ctx context.Context, conn net.Conn) *task.Task {
	facts := task.ClientFacts{}
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		facts.RemoteAddr = tcp.IP
		facts.RemotePort = tcp.Port
	}
	return task.New(ctx, facts)
}

// authenticate runs the shared auth step used by every engine that
// requires credentials: the group's Authenticate
// verdict, with delayed-forbid sleeping before the caller replies.
func authenticate(ctx context.Context, group *user.Group, creds user.Credentials, facts user.ClientFacts) user.Verdict {
	if group == nil {
		return user.Allow(nil)
	}
	verdict := group.Authenticate(creds, facts)
	if verdict.Kind == user.VerdictDelayForbid {
		select {
		case <-time.After(verdict.Delay):
		case <-ctx.Done():
		}
	}
	return verdict
}

// runRelay opens the tunnel through egressCtx's upstream, runs it past
// the auditor (if one applies), and relays bytes until either side
// closes. It is the shared tail end of every TCP-tunneling engine
// (CONNECT, SOCKS CONNECT, SNI proxy).
func runRelay(ctx context.Context, tsk *task.Task, esc escaper.Escaper, egressCtx *escaper.EgressContext, auditor Auditor, client net.Conn) error {
	tsk.AppendEscaperPath(esc.Name())
	upstream, err := esc.Open(egressCtx)
	if err != nil {
		return trace.Wrap(err)
	}

	var upstreamConn net.Conn = upstream
	if auditor != nil {
		upstreamConn, err = auditor.Intercept(ctx, tsk, egressCtx, upstream)
		if err != nil {
			upstream.Close()
			return trace.Wrap(err)
		}
	}

	var upLimiter, downLimiter relay.Limiter
	if u := tsk.User(); u != nil {
		if b := u.TCPSpeedBucket(); b != nil {
			upLimiter = b
			downLimiter = b
		}
	}

	ch := &relay.Channel{
		Client: client,
		Upstream: upstreamConn,
		UploadLimiter: upLimiter,
		DownloadLimiter: downLimiter,
	}

	idleCtx, cancelIdle := context.WithCancel(ctx)
	defer cancelIdle()
	idle := &relay.IdleChecker{Source: ch, Close: tsk.Cancel}
	go idle.Run(idleCtx)

	return trace.Wrap(ch.Run())
}
