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

package server

import (
	"bufio"
	"context"
	"net"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/egressd/lib/defaults"
	"github.com/gravitational/egressd/lib/proxyproto"
)

// PortChainConfig configures a plain TCP/TLS port chainer: it forwards
// each accepted socket, optionally extracting a leading PROXY protocol
// header first, straight to a named successor engine.
type PortChainConfig struct {
	Config

	// Next receives every connection this chainer accepts, with any
	// leading PROXY protocol header already stripped.
	Next Engine

	// AcceptProxyProtocol, when true, peeks for a v1/v2 PROXY header
	// before handing the connection to Next.
	AcceptProxyProtocol bool
}

func (c *PortChainConfig) checkAndSetDefaults() error {
	if err := c.Config.checkAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if c.Next == nil {
		return trace.BadParameter("missing parameter Next")
	}
	return nil
}

// PortChainEngine implements plain port chaining.
type PortChainEngine struct {
	cfg PortChainConfig
}

// NewPortChain builds a Server running the port-chaining engine.
func NewPortChain(cfg PortChainConfig) (*Server, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return New(cfg.Config, &PortChainEngine{cfg: cfg})
}

func (e *PortChainEngine) ServeConn(ctx context.Context, conn net.Conn) {
	if !e.cfg.AcceptProxyProtocol {
		e.cfg.Next.ServeConn(ctx, conn)
		return
	}

	br := bufio.NewReader(conn)
	src, dst, _, err := proxyproto.Read(br)
	if err != nil {
		e.cfg.Log.WithError(err).Debug("failed to read PROXY protocol header")
		conn.Close()
		return
	}
	wrapped := &proxyHeaderConn{Conn: conn, br: br, src: src, dst: dst}
	e.cfg.Next.ServeConn(ctx, wrapped)
}

// proxyHeaderConn is conn with its buffered reader preserved (so bytes
// already read ahead past the PROXY header aren't lost) and the
// PROXY-declared addresses available to downstream engines that care
// about the original client/destination rather than the chainer's own
// socket addresses.
type proxyHeaderConn struct {
	net.Conn
	br *bufio.Reader
	src, dst *net.TCPAddr
}

func (c *proxyHeaderConn) Read(p []byte) (int, error) { return c.br.Read(p) }

func (c *proxyHeaderConn) RemoteAddr() net.Addr {
	if c.src != nil {
		return c.src
	}
	return c.Conn.RemoteAddr()
}

// IntelliProxyConfig configures the intelli-proxy engine: it sniffs an
// accepted connection's first byte, within ProtocolDetectionTimeout, to
// decide between the HTTP forward-proxy and SOCKS state machines.
type IntelliProxyConfig struct {
	Config

	HTTP Engine
	SOCKS Engine

	ProtocolDetectionTimeout time.Duration
}

func (c *IntelliProxyConfig) checkAndSetDefaults() error {
	if err := c.Config.checkAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if c.HTTP == nil {
		return trace.BadParameter("missing parameter HTTP")
	}
	if c.SOCKS == nil {
		return trace.BadParameter("missing parameter SOCKS")
	}
	if c.ProtocolDetectionTimeout <= 0 {
		c.ProtocolDetectionTimeout = defaults.ProtocolDetectionTimeout
	}
	return nil
}

// IntelliProxyEngine dispatches each accepted connection to the HTTP
// forward-proxy or SOCKS engine based on its first byte: SOCKS4/5
// requests begin with the version byte (0x04/0x05); anything else is
// treated as an HTTP request line.
type IntelliProxyEngine struct {
	cfg IntelliProxyConfig
}

// NewIntelliProxy builds a Server running the intelli-proxy engine.
func NewIntelliProxy(cfg IntelliProxyConfig) (*Server, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return New(cfg.Config, &IntelliProxyEngine{cfg: cfg})
}

func (e *IntelliProxyEngine) ServeConn(ctx context.Context, conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(e.cfg.ProtocolDetectionTimeout))
	br := bufio.NewReader(conn)
	first, err := br.Peek(1)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return
	}

	prefix := make([]byte, br.Buffered())
	_, _ = br.Read(prefix)
	wrapped := newPrefixConn(conn, prefix)

	switch first[0] {
	case socks4Version, socks5Version:
		e.cfg.SOCKS.ServeConn(ctx, wrapped)
	default:
		e.cfg.HTTP.ServeConn(ctx, wrapped)
	}
}
