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

package audit

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/gravitational/trace"

	"github.com/gravitational/egressd"
	"github.com/gravitational/egressd/lib/escaper"
	"github.com/gravitational/egressd/lib/task"
)

// TLSConfigFactory builds the *tls.Config used to re-handshake with the
// real origin server, overriding ServerName per connection.
type TLSConfigFactory struct {
	Base *tls.Config
}

func (f *TLSConfigFactory) forHost(host string) *tls.Config {
	cfg := f.Base.Clone()
	cfg.ServerName = host
	cfg.NextProtos = []string{egressd.HTTP2NextProtoTLS, egressd.HTTPNextProtoTLS}
	return cfg
}

// interceptTLS terminates the client's TLS connection on an in-process
// pipe (so the relay loop sees a plain net.Conn it can copy into), opens
// the matching TLS connection to the real upstream over conn, and runs
// the negotiated protocol's inspection loop between the two.
//
// The pipe's "front" half is returned to the caller; the relay loop
// writes the client's raw TLS bytes into it (believing it is talking to
// conn directly) and reads the client-facing TLS server's output back
// out. The "back" half is consumed internally to drive the TLS server
// handshake.
func (a *Auditor) interceptTLS(ctx context.Context, tsk *task.Task, egressCtx *escaper.EgressContext, conn *escaper.Conn) (net.Conn, error) {
	front, back := net.Pipe()

	host := egressCtx.UpstreamHost
	var negotiatedHost string
	serverCfg := &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			h := hello.ServerName
			if h == "" {
				h = host
			}
			negotiatedHost = h
			cert, err := a.cfg.CertCache.Get(ctx, h, nil)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			return &cert, nil
		},
		NextProtos: []string{egressd.HTTP2NextProtoTLS, egressd.HTTPNextProtoTLS},
	}
	clientFacing := tls.Server(back, serverCfg)

	go func() {
		defer front.Close()
		defer clientFacing.Close()

		if err := clientFacing.Handshake(); err != nil {
			a.cfg.Log.WithError(err).Debug("interception client-side handshake failed")
			return
		}
		if negotiatedHost == "" {
			negotiatedHost = host
		}

		upstreamCfg := a.cfg.UpstreamTLSConfig.forHost(negotiatedHost)
		upstreamTLS := tls.Client(conn, upstreamCfg)
		if err := upstreamTLS.HandshakeContext(ctx); err != nil {
			a.cfg.Log.WithError(err).Debug("interception upstream handshake failed")
			return
		}
		defer upstreamTLS.Close()

		negotiated := clientFacing.ConnectionState().NegotiatedProtocol
		switch negotiated {
		case egressd.HTTP2NextProtoTLS:
			a.relayRaw(tsk, clientFacing, upstreamTLS)
		default:
			a.serveH1(tsk, negotiatedHost, clientFacing, upstreamTLS)
		}
	}()

	return front, nil
}

// relayRaw copies ciphertext-free bytes straight through without
// per-request inspection, used for HTTP/2 until deeper frame-level
// adaptation is warranted by policy.
func (a *Auditor) relayRaw(tsk *task.Task, client, upstream net.Conn) {
	done := make(chan struct{}, 2)
	go func() { copyUntilClose(upstream, client); done <- struct{}{} }()
	go func() { copyUntilClose(client, upstream); done <- struct{}{} }()
	<-done
	<-done
}
