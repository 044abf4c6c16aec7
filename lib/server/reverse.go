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
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/oxy/forward"
	"github.com/gravitational/oxy/utils"
	"github.com/gravitational/trace"

	"github.com/gravitational/egressd"
	"github.com/gravitational/egressd/lib/defaults"
	"github.com/gravitational/egressd/lib/escaper"
	"github.com/gravitational/egressd/lib/task"
	"github.com/gravitational/egressd/lib/user"
)

// ReverseRoute maps a Host (exact or child-domain) and a URI path prefix
// to an upstream service.
type ReverseRoute struct {
	HostExact string
	HostChild string

	PathPrefix string

	UpstreamHost string
	UpstreamPort int
	UpstreamScheme string // "http" or "https"; defaults to "http"
}

func (r ReverseRoute) matchesHost(host string) bool {
	switch {
	case r.HostExact != "":
		return strings.EqualFold(host, r.HostExact)
	case r.HostChild != "":
		return strings.EqualFold(host, r.HostChild) || strings.HasSuffix(host, "."+r.HostChild)
	default:
		return false
	}
}

func (r ReverseRoute) matchesPath(path string) bool {
	return r.PathPrefix == "" || strings.HasPrefix(path, r.PathPrefix)
}

func (r ReverseRoute) scheme() string {
	if r.UpstreamScheme == "" {
		return "http"
	}
	return r.UpstreamScheme
}

// ReverseConfig configures the reverse HTTP proxy engine. Routes are
// evaluated in order, first match (Host, then path prefix) wins.
type ReverseConfig struct {
	Config

	Routes []ReverseRoute

	// RequireMTLS rejects TLS connections that present no client
	// certificate.
	RequireMTLS bool

	// RequireBasicAuth rejects requests carrying no Authorization header
	// instead of falling back to the group's anonymous user.
	RequireBasicAuth bool

	ResponseHeaderReadTimeout time.Duration
}

func (c *ReverseConfig) checkAndSetDefaults() error {
	if err := c.Config.checkAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if c.ResponseHeaderReadTimeout <= 0 {
		c.ResponseHeaderReadTimeout = defaults.ResponseHeaderReadTimeout
	}
	return nil
}

func (c *ReverseConfig) matchRoute(host, path string) (ReverseRoute, bool) {
	for _, r := range c.Routes {
		if r.matchesHost(host) && r.matchesPath(path) {
			return r, true
		}
	}
	return ReverseRoute{}, false
}

// ReverseEngine implements the reverse HTTP proxy: it terminates the
// client connection (optionally over TLS/mTLS), authenticates via basic
// auth against the configured user group, routes by Host+path, and hands
// the request to an oxy forward.Forwarder backed by a RoundTripper that
// dials the matched upstream through the escaper.
type ReverseEngine struct {
	cfg ReverseConfig
	forwarder *forward.Forwarder
}

// NewReverseHTTP builds a Server running the reverse HTTP proxy engine.
func NewReverseHTTP(cfg ReverseConfig) (*Server, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	engine := &ReverseEngine{cfg: cfg}

	fwd, err := forward.New(
		forward.RoundTripper(&reverseRoundTripper{cfg: cfg}),
		forward.ErrorHandler(utils.ErrorHandlerFunc(engine.handleForwardError)),
		forward.PassHostHeader(true),
	)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	engine.forwarder = fwd
	return New(cfg.Config, engine)
}

func (e *ReverseEngine) handleForwardError(w http.ResponseWriter, req *http.Request, err error) {
	e.cfg.Log.WithError(err).Debug("reverse proxy request failed")
	w.WriteHeader(http.StatusBadGateway)
}

func (e *ReverseEngine) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if tlsConn, ok := conn.(*tls.Conn); ok {
		conn.SetReadDeadline(time.Now().Add(defaults.HandshakeReadDeadline))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			e.cfg.Log.WithError(err).Debug("TLS handshake failed")
			return
		}
		conn.SetReadDeadline(time.Time{})
		if e.cfg.RequireMTLS && len(tlsConn.ConnectionState().PeerCertificates) == 0 {
			e.cfg.Log.Debug("rejecting connection with no client certificate")
			return
		}
	}

	tsk := newTask(ctx, conn)
	defer tsk.Cancel()

	listener := newSingleConnListener(conn)
	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			e.serveHTTP(ctx, tsk, conn, w, req)
		}),
	}
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	_ = srv.Serve(listener)
}

func (e *ReverseEngine) serveHTTP(ctx context.Context, tsk *task.Task, conn net.Conn, w http.ResponseWriter, req *http.Request) {
	u, hasCreds := parseBasicAuth(req)
	if e.cfg.RequireBasicAuth && !hasCreds {
		w.Header().Set("WWW-Authenticate", `Basic realm="restricted"`)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	verdict := authenticate(ctx, e.cfg.Group, u, user.ClientFacts{RemoteAddr: tsk.Client.RemoteAddr, UserAgent: req.UserAgent()})
	if verdict.Kind != user.VerdictAllow {
		w.Header().Set("WWW-Authenticate", `Basic realm="restricted"`)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	tsk.SetUser(verdict.User)

	route, ok := e.cfg.matchRoute(req.Host, req.URL.Path)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	tsk.AppendEscaperPath(e.cfg.Escaper.Name())
	req = req.WithContext(context.WithValue(req.Context(), reverseTaskKey{}, reverseTaskValue{
		task: tsk, route: route, serverIP: serverIP(conn),
	}))
	req.URL.Scheme = route.scheme()
	req.URL.Host = net.JoinHostPort(route.UpstreamHost, strconv.Itoa(route.UpstreamPort))

	w.Header().Set(egressd.HeaderUpstreamAddr, req.URL.Host)
	e.forwarder.ServeHTTP(w, req)
}

func parseBasicAuth(req *http.Request) (user.Credentials, bool) {
	username, password, ok := req.BasicAuth()
	if !ok {
		return user.Credentials{}, false
	}
	return user.Credentials{Username: username, Password: password}, true
}

type reverseTaskKey struct{}

type reverseTaskValue struct {
	task *task.Task
	route ReverseRoute
	serverIP net.IP
}

// reverseRoundTripper dials the upstream matched by serveHTTP's routing
// step through the escaper, rather than using a pooled http.Transport,
// since the upstream varies per request by Host/path.
type reverseRoundTripper struct {
	cfg ReverseConfig
}

func (rt *reverseRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	v, _ := req.Context().Value(reverseTaskKey{}).(reverseTaskValue)
	if v.task == nil {
		return nil, trace.BadParameter("no routing context attached to request")
	}

	egressCtx := v.task.NewEgressContext(v.route.UpstreamHost, v.route.UpstreamPort, escaper.SelectionHint{}, v.serverIP, true)
	conn, err := rt.cfg.Escaper.Open(egressCtx)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, trace.Wrap(err)
	}

	conn.SetReadDeadline(time.Now().Add(rt.cfg.ResponseHeaderReadTimeout))
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, trace.Wrap(err)
	}
	conn.SetReadDeadline(time.Time{})

	resp.Body = &connClosingBody{ReadCloser: resp.Body, conn: conn}
	return resp, nil
}

// connClosingBody closes the upstream connection once the response body
// has been fully consumed or explicitly closed by the forwarder.
type connClosingBody struct {
	io.ReadCloser
	conn net.Conn
}

func (b *connClosingBody) Close() error {
	b.conn.Close()
	return b.ReadCloser.Close()
}

// singleConnListener adapts one already-accepted net.Conn into the
// net.Listener shape http.Server.Serve expects, so the reverse proxy can
// reuse net/http's request parsing and response writing instead of
// hand-rolling an HTTP/1 server loop the way the other engines do (it
// needs http.ResponseWriter semantics for oxy's forward.Forwarder).
type singleConnListener struct {
	ch chan net.Conn
	closed chan struct{}
}

func newSingleConnListener(conn net.Conn) *singleConnListener {
	l := &singleConnListener{ch: make(chan net.Conn, 1), closed: make(chan struct{})}
	l.ch <- conn
	return l
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	select {
	case c, ok := <-l.ch:
		if !ok {
			return nil, io.EOF
		}
		return c, nil
	case <-l.closed:
		return nil, io.EOF
	}
}

func (l *singleConnListener) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}

func (l *singleConnListener) Addr() net.Addr { return singleConnAddr{} }

type singleConnAddr struct{}

func (singleConnAddr) Network() string { return "singleconn" }
func (singleConnAddr) String() string { return "singleconn" }
