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
	"bufio"
	"crypto/tls"
	"encoding/base64"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/net/proxy"

	"github.com/gravitational/egressd/lib/defaults"
	"github.com/gravitational/egressd/lib/proxyproto"
)

// ProxyScheme selects the upstream-proxy leaf's wire protocol.
type ProxyScheme int

const (
	ProxySchemeHTTP ProxyScheme = iota
	ProxySchemeHTTPS
	ProxySchemeSOCKS5
)

// ProxyLeaf is the proxy-http/proxy-https/proxy-socks5 leaf: it opens a
// tunnel through an upstream proxy.
type ProxyLeaf struct {
	NameStr string
	Scheme ProxyScheme
	UpstreamAddr string // host:port of the upstream proxy itself
	TLSConfig *tls.Config
	Auth *url.Userinfo
	// SendProxyProtocol, when true, writes a PROXY-protocol-v1 preamble to
	// the upstream proxy connection before the tunnel handshake. Only the
	// HTTP and HTTPS schemes send it; the SOCKS5 path ignores this field.
	SendProxyProtocol bool
	DialTimeout time.Duration
}

func (p *ProxyLeaf) Name() string { return p.NameStr }

func (p *ProxyLeaf) dialUpstream(ctx *EgressContext) (net.Conn, error) {
	timeout := p.DialTimeout
	if timeout <= 0 {
		timeout = defaults.EachUpstreamTimeout
	}
	d := &net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx.Context, "tcp", p.UpstreamAddr)
	if err != nil {
		return nil, newOpenError(ErrNextHopUnavailable, trace.Wrap(err))
	}
	if p.Scheme == ProxySchemeHTTPS {
		tlsConn := tls.Client(conn, p.TLSConfig)
		if err := tlsConn.HandshakeContext(ctx.Context); err != nil {
			conn.Close()
			return nil, newOpenError(ErrProtocolError, trace.Wrap(err, "tls handshake with upstream proxy"))
		}
		conn = tlsConn
	}
	if p.SendProxyProtocol {
		src, _ := net.ResolveTCPAddr("tcp", conn.LocalAddr().String())
		dst, _ := net.ResolveTCPAddr("tcp", conn.RemoteAddr().String())
		if err := proxyproto.WriteV1(conn, src, dst); err != nil {
			conn.Close()
			return nil, newOpenError(ErrProtocolError, err)
		}
	}
	return conn, nil
}

// Open implements proxy-http/proxy-https/proxy-socks5:
// forwarding FTP-over-HTTP and HTTPS-via-CONNECT are both expressed as a
// plain CONNECT tunnel (the upstream proxy is always asked to CONNECT to
// the target host:port; what protocol rides inside the tunnel is the
// caller's concern, not the leaf's).
func (p *ProxyLeaf) Open(ctx *EgressContext) (*Conn, error) {
	if p.Scheme == ProxySchemeSOCKS5 {
		return p.openSOCKS5(ctx)
	}

	conn, err := p.dialUpstream(ctx)
	if err != nil {
		return nil, err
	}

	target := net.JoinHostPort(ctx.UpstreamHost, strconv.Itoa(ctx.UpstreamPort))
	req := &http.Request{
		Method: http.MethodConnect,
		URL: &url.URL{Opaque: target},
		Host: target,
		Header: make(http.Header),
	}
	if p.Auth != nil {
		req.Header.Set("Proxy-Authorization", basicAuth(p.Auth))
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, newOpenError(ErrProtocolError, trace.Wrap(err))
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, newOpenError(ErrProtocolError, trace.Wrap(err, "reading CONNECT response"))
	}
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, newOpenError(ErrNextHopUnavailable, trace.Errorf("upstream proxy CONNECT returned %s", resp.Status))
	}

	return &Conn{Conn: conn, RemoteIP: resolvedIPOf(conn)}, nil
}

func (p *ProxyLeaf) openSOCKS5(ctx *EgressContext) (*Conn, error) {
	var auth *proxy.Auth
	if p.Auth != nil {
		user := p.Auth.Username()
		pass, _ := p.Auth.Password()
		auth = &proxy.Auth{User: user, Password: pass}
	}
	dialer, err := proxy.SOCKS5("tcp", p.UpstreamAddr, auth, &net.Dialer{Timeout: defaults.EachUpstreamTimeout})
	if err != nil {
		return nil, newOpenError(ErrNextHopUnavailable, trace.Wrap(err))
	}
	ctxDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, newOpenError(ErrProtocolError, trace.BadParameter("socks5 dialer does not support context"))
	}
	target := net.JoinHostPort(ctx.UpstreamHost, strconv.Itoa(ctx.UpstreamPort))
	conn, err := ctxDialer.DialContext(ctx.Context, "tcp", target)
	if err != nil {
		return nil, newOpenError(ErrNextHopUnavailable, trace.Wrap(err))
	}
	return &Conn{Conn: conn, RemoteIP: resolvedIPOf(conn)}, nil
}

func resolvedIPOf(conn net.Conn) net.IP {
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcpAddr.IP
	}
	return nil
}

func basicAuth(u *url.Userinfo) string {
	pass, _ := u.Password()
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(u.Username()+":"+pass))
}
