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
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/egressd"
	"github.com/gravitational/egressd/lib/defaults"
	"github.com/gravitational/egressd/lib/escaper"
	"github.com/gravitational/egressd/lib/task"
	"github.com/gravitational/egressd/lib/user"
)

// HTTPForwardConfig configures the HTTP/1.1 forward-proxy engine:
// absolute-URI requests, CONNECT tunneling, and optional proxy auth.
type HTTPForwardConfig struct {
	Config

	// LocalServerName, when set, permits "local" requests (Host matches
	// this name) in addition to absolute-URI forward requests and CONNECT.
	LocalServerName string

	// RequireProxyAuth rejects requests that carry no Proxy-Authorization
	// header with 407 instead of falling back to the group's anonymous
	// user (if any).
	RequireProxyAuth bool

	// NoEarlyErrorReply closes the connection instead of writing a
	// protocol-native error response.
	NoEarlyErrorReply bool

	HeaderReadTimeout time.Duration
	ResponseHeaderReadTimeout time.Duration

	ServerACL *user.ACL
}

func (c *HTTPForwardConfig) checkAndSetDefaults() error {
	if err := c.Config.checkAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if c.HeaderReadTimeout <= 0 {
		c.HeaderReadTimeout = defaults.HeaderReadTimeout
	}
	if c.ResponseHeaderReadTimeout <= 0 {
		c.ResponseHeaderReadTimeout = defaults.ResponseHeaderReadTimeout
	}
	return nil
}

// HTTPForwardEngine implements the HTTP forward-proxy and CONNECT state
// machine.
type HTTPForwardEngine struct {
	cfg HTTPForwardConfig
	pool *connPool
}

// NewHTTPForward builds a Server running the HTTP forward-proxy engine.
func NewHTTPForward(cfg HTTPForwardConfig) (*Server, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	engine := &HTTPForwardEngine{cfg: cfg, pool: newConnPool()}
	return New(cfg.Config, engine)
}

func (e *HTTPForwardEngine) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if tlsConn, ok := conn.(*tls.Conn); ok {
		conn.SetReadDeadline(time.Now().Add(defaults.HandshakeReadDeadline))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			e.cfg.Log.WithError(err).Debug("TLS handshake failed")
			return
		}
		conn.SetReadDeadline(time.Time{})
	}

	tsk := newTask(ctx, conn)
	defer tsk.Cancel()

	br := bufio.NewReader(conn)

	pipelined := 0
	for {
		conn.SetReadDeadline(time.Now().Add(e.cfg.HeaderReadTimeout))
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Time{})

		keepAlive, err := e.serveRequest(ctx, tsk, conn, req)
		if err != nil {
			e.cfg.Log.WithError(err).Debug("request failed")
			return
		}
		if !keepAlive {
			return
		}

		pipelined++
		if req.ContentLength != 0 || pipelined > defaults.PipelineSize {
			return
		}
	}
}

// serveRequest runs steps 4-9 of the HTTP forward-proxy state machine for
// one request, returning whether the connection should stay open for a
// further pipelined request.
func (e *HTTPForwardEngine) serveRequest(ctx context.Context, tsk *task.Task, client net.Conn, req *http.Request) (bool, error) {
	// Step 4: authenticate via Proxy-Authorization.
	creds, hasCreds := parseProxyAuth(req)
	if e.cfg.RequireProxyAuth && !hasCreds {
		return false, e.replyError(client, http.StatusProxyAuthRequired, "Proxy authentication required")
	}
	verdict := authenticate(ctx, e.cfg.Group, creds, user.ClientFacts{RemoteAddr: tsk.Client.RemoteAddr, UserAgent: req.UserAgent()})
	if verdict.Kind != user.VerdictAllow {
		return false, e.replyError(client, http.StatusProxyAuthRequired, verdict.Reason)
	}
	tsk.SetUser(verdict.User)

	// Step 5: classify the request.
	isConnect := req.Method == http.MethodConnect
	host, port, err := targetHostPort(req, isConnect)
	if err != nil {
		return false, e.replyError(client, http.StatusBadRequest, err.Error())
	}
	if !isConnect && !req.URL.IsAbs() && (e.cfg.LocalServerName == "" || req.Host != e.cfg.LocalServerName) {
		return false, e.replyError(client, http.StatusBadRequest, "non-absolute URI on a non-local host")
	}

	// Step 6: ACLs.
	if !e.aclAllows(verdict.User, host, port) {
		return false, e.replyError(client, http.StatusForbidden, "forbidden by ACL")
	}

	if isConnect {
		return false, e.serveConnect(ctx, tsk, client, host, port)
	}
	return e.serveForward(ctx, tsk, client, req, host, port)
}

func (e *HTTPForwardEngine) aclAllows(u *user.User, host string, port int) bool {
	req := user.Request{DestinationHost: host, DestinationPort: port, ProxyRequestKind: "http-forward"}
	action := user.ActionPermit
	if e.cfg.ServerACL != nil {
		action = e.cfg.ServerACL.Evaluate(req)
	}
	if u != nil && u.ACL != nil {
		action = user.StrictestDefault(action, u.ACL.Evaluate(req))
	}
	return action.Permitted()
}

// serveConnect implements HTTP CONNECT engine: open a
// raw tunnel via the escaper, reply 200, and relay.
func (e *HTTPForwardEngine) serveConnect(ctx context.Context, tsk *task.Task, client net.Conn, host string, port int) error {
	egressCtx := tsk.NewEgressContext(host, port, escaper.SelectionHint{}, serverIP(client), false)
	if _, err := fmt.Fprintf(client, "HTTP/1.1 200 Connection established\r\n\r\n"); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(runRelay(ctx, tsk, e.cfg.Escaper, egressCtx, e.cfg.Auditor, client))
}

// serveForward implements steps 7-9: acquire a pooled upstream connection
// (or open a new one via the escaper), forward the request, stream the
// response, and report whether the client connection should stay open.
func (e *HTTPForwardEngine) serveForward(ctx context.Context, tsk *task.Task, client net.Conn, req *http.Request, host string, port int) (bool, error) {
	key := connPoolKey{user: userName(tsk.User()), upstream: net.JoinHostPort(host, strconv.Itoa(port)), scheme: req.URL.Scheme}

	upstream := e.pool.get(key)
	if upstream == nil {
		egressCtx := tsk.NewEgressContext(host, port, escaper.SelectionHint{}, serverIP(client), false)
		tsk.AppendEscaperPath(e.cfg.Escaper.Name())
		conn, err := e.cfg.Escaper.Open(egressCtx)
		if err != nil {
			return false, e.replyError(client, http.StatusBadGateway, err.Error())
		}
		upstream = &pooledConn{Conn: conn}
	}

	req.RequestURI = ""
	if err := req.Write(upstream.Conn); err != nil {
		upstream.Close()
		return false, trace.Wrap(err)
	}

	upstream.SetReadDeadline(time.Now().Add(e.cfg.ResponseHeaderReadTimeout))
	resp, err := http.ReadResponse(upstream.reader(), req)
	if err != nil {
		upstream.Close()
		return false, trace.Wrap(err)
	}
	upstream.SetReadDeadline(time.Time{})

	addChainedInfoHeaders(resp.Header, key.upstream)

	if err := resp.Write(client); err != nil {
		upstream.Close()
		return false, trace.Wrap(err)
	}

	keepAlive := resp.Close == false && req.Close == false
	if keepAlive {
		e.pool.put(key, upstream)
	} else {
		upstream.Close()
	}
	return keepAlive, nil
}

func (e *HTTPForwardEngine) replyError(client net.Conn, code int, msg string) error {
	if e.cfg.NoEarlyErrorReply {
		return trace.Errorf("%d %s", code, msg)
	}
	_, err := fmt.Fprintf(client, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n", code, http.StatusText(code))
	return trace.Wrap(err)
}

func parseProxyAuth(req *http.Request) (user.Credentials, bool) {
	h := req.Header.Get("Proxy-Authorization")
	req.Header.Del("Proxy-Authorization")
	const prefix = "Basic "
	if !strings.HasPrefix(h, prefix) {
		return user.Credentials{}, false
	}
	raw, err := base64.StdEncoding.DecodeString(h[len(prefix):])
	if err != nil {
		return user.Credentials{}, false
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return user.Credentials{}, false
	}
	return user.Credentials{Username: parts[0], Password: parts[1]}, true
}

func targetHostPort(req *http.Request, isConnect bool) (string, int, error) {
	authority := req.Host
	if isConnect {
		authority = req.RequestURI
	} else if req.URL.IsAbs() {
		authority = req.URL.Host
	}
	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		host = authority
		portStr = "80"
		if isConnect {
			portStr = "443"
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, trace.BadParameter("invalid port in %q", authority)
	}
	return host, port, nil
}

func addChainedInfoHeaders(h http.Header, upstream string) {
	h.Add(egressd.HeaderUpstreamAddr, upstream)
}

func userName(u *user.User) string {
	if u == nil {
		return ""
	}
	return u.Name
}

func serverIP(conn net.Conn) net.IP {
	if tcp, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		return tcp.IP
	}
	return nil
}
