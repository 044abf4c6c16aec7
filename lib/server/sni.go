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
	"bytes"
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/egressd/lib/defaults"
	"github.com/gravitational/egressd/lib/escaper"
)

// AllowedHost is one rewrite rule evaluated against the SNI/Host derived
// upstream: exact or child-domain match, optionally rewriting the
// host/port a matched connection is sent to.
type AllowedHost struct {
	ExactMatch []string
	ChildMatch []string
	RedirectHost string // "host:port"; empty means no rewrite
}

func (h AllowedHost) matches(host string) bool {
	for _, m := range h.ExactMatch {
		if strings.EqualFold(m, host) {
			return true
		}
	}
	for _, m := range h.ChildMatch {
		if strings.HasSuffix(host, "."+m) || strings.EqualFold(host, m) {
			return true
		}
	}
	return false
}

// SNIConfig configures the SNI-sniffing transparent proxy engine.
type SNIConfig struct {
	Config

	AllowedHosts []AllowedHost

	RequestWaitTimeout time.Duration
	RequestRecvTimeout time.Duration
	TLSMaxClientHelloSize int
}

func (c *SNIConfig) checkAndSetDefaults() error {
	if err := c.Config.checkAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if c.RequestWaitTimeout <= 0 {
		c.RequestWaitTimeout = defaults.RequestWaitTimeout
	}
	if c.RequestRecvTimeout <= 0 {
		c.RequestRecvTimeout = defaults.RequestRecvTimeout
	}
	if c.TLSMaxClientHelloSize <= 0 {
		c.TLSMaxClientHelloSize = defaults.TLSMaxClientHelloSize
	}
	return nil
}

// SNIEngine implements the SNI-sniffing transparent proxy: it derives an
// upstream from the TLS ClientHello's SNI extension (or, for plaintext
// HTTP, the request line's Host header) without terminating the
// connection, then relays bytes unchanged.
type SNIEngine struct {
	cfg SNIConfig
}

// NewSNIProxy builds a Server running the SNI-sniffing engine.
func NewSNIProxy(cfg SNIConfig) (*Server, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return New(cfg.Config, &SNIEngine{cfg: cfg})
}

func (e *SNIEngine) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	tsk := newTask(ctx, conn)
	defer tsk.Cancel()

	conn.SetReadDeadline(time.Now().Add(e.cfg.RequestWaitTimeout))
	host, port, prefix, err := e.sniffUpstream(conn)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		e.cfg.Log.WithError(err).Debug("failed to derive upstream from client bytes")
		return
	}

	host, port = e.rewrite(host, port)

	wrapped := newPrefixConn(conn, prefix)
	egressCtx := tsk.NewEgressContext(host, port, escaper.SelectionHint{}, serverIP(conn), true)
	if err := runRelay(ctx, tsk, e.cfg.Escaper, egressCtx, e.cfg.Auditor, wrapped); err != nil {
		e.cfg.Log.WithError(err).Debug("SNI proxy relay ended")
	}
}

// sniffUpstream tries TLS ClientHello SNI first, falling back to an
// HTTP/1 request line + Host header. It returns the bytes it consumed so
// they can be replayed ahead of the relay.
func (e *SNIEngine) sniffUpstream(conn net.Conn) (host string, port int, prefix []byte, err error) {
	sniHost, consumed, sniErr := peekSNI(conn, e.cfg.TLSMaxClientHelloSize)
	if sniErr == nil {
		return sniHost, 443, consumed, nil
	}

	// The bytes peekSNI already read off conn while failing to find a
	// valid ClientHello must be replayed ahead of the HTTP fallback
	// parse, or a non-TLS request's opening bytes would be lost.
	conn.SetReadDeadline(time.Now().Add(e.cfg.RequestRecvTimeout))
	capture := &captureConn{Conn: newPrefixConn(conn, consumed), limit: defaults.HeaderMaxSize}
	br := bufio.NewReader(capture)
	line, err := br.ReadString('\n')
	if err != nil {
		return "", 0, nil, trace.Wrap(err)
	}
	reqHost := ""
	for {
		hdr, err := br.ReadString('\n')
		if err != nil || strings.TrimRight(hdr, "\r\n") == "" {
			break
		}
		if k, v, ok := strings.Cut(hdr, ":"); ok && strings.EqualFold(strings.TrimSpace(k), "Host") {
			reqHost = strings.TrimSpace(v)
		}
	}
	_ = line
	if reqHost == "" {
		return "", 0, nil, trace.BadParameter("no Host header observed")
	}
	h, p, splitErr := net.SplitHostPort(reqHost)
	if splitErr != nil {
		h, p = reqHost, "80"
	}
	portNum, convErr := strconv.Atoi(p)
	if convErr != nil {
		return "", 0, nil, trace.Wrap(convErr)
	}
	return h, portNum, capture.buf.Bytes(), nil
}

func (e *SNIEngine) rewrite(host string, port int) (string, int) {
	for _, rule := range e.cfg.AllowedHosts {
		if !rule.matches(host) {
			continue
		}
		if rule.RedirectHost == "" {
			return host, port
		}
		h, p, err := net.SplitHostPort(rule.RedirectHost)
		if err != nil {
			return host, port
		}
		portNum, err := strconv.Atoi(p)
		if err != nil {
			return host, port
		}
		return h, portNum
	}
	return host, port
}

// errSNICaptured aborts tls.Conn.Handshake as soon as GetConfigForClient
// has observed the ClientHello's SNI, before any bytes are written back
// to the client.
var errSNICaptured = trace.Errorf("sni observed, aborting synthetic handshake")

// captureConn records every byte Read returns, without otherwise
// altering behavior, and fails the read that takes the total past limit
// (guarding tls_max_client_hello_size / req_header_max_size style bounds).
type captureConn struct {
	net.Conn
	buf bytes.Buffer
	limit int
}

func (c *captureConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.buf.Write(p[:n])
		if c.buf.Len() > c.limit {
			return n, trace.LimitExceeded("client preamble exceeded size limit")
		}
	}
	return n, err
}

// silentWriteConn discards writes, used while sniffing SNI via an
// aborted TLS handshake so nothing is sent back to the client.
type silentWriteConn struct {
	net.Conn
}

func (silentWriteConn) Write(p []byte) (int, error) { return len(p), nil }

// peekSNI drives a server-side tls.Conn far enough to observe the
// ClientHello's SNI via GetConfigForClient, then aborts before
// completing the handshake. Reads are bounded by maxSize so a client
// that never sends a complete ClientHello can't exhaust memory.
func peekSNI(conn net.Conn, maxSize int) (string, []byte, error) {
	capture := &captureConn{Conn: silentWriteConn{conn}, limit: maxSize}

	var sni string
	tlsConn := tls.Server(capture, &tls.Config{
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			sni = hello.ServerName
			return nil, errSNICaptured
		},
	})
	err := tlsConn.Handshake()
	if sni == "" {
		if err == nil {
			err = trace.BadParameter("no SNI extension in ClientHello")
		}
		return "", capture.buf.Bytes(), trace.Wrap(err)
	}
	return sni, capture.buf.Bytes(), nil
}
