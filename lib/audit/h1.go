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
	"bufio"
	"io"
	"net"
	"net/http"

	"github.com/gravitational/egressd/lib/task"
)

// serveH1 runs the HTTP/1.1 request/response loop between the
// TLS-terminated client and the TLS-terminated upstream, applying ICAP
// REQMOD/RESPMOD adaptation when configured. host is the SNI the client
// negotiated; the loop itself does not use it.
func (a *Auditor) serveH1(tsk *task.Task, host string, client, upstream net.Conn) {
	clientBR := bufio.NewReader(client)
	upstreamBR := bufio.NewReader(upstream)

	for {
		req, err := http.ReadRequest(clientBR)
		if err != nil {
			return
		}

		if a.cfg.ICAPReqmod != nil {
			if adapted, ok := a.cfg.ICAPReqmod.Reqmod(req); ok {
				req = adapted
			}
		}

		if err := req.Write(upstream); err != nil {
			return
		}

		resp, err := http.ReadResponse(upstreamBR, req)
		if err != nil {
			return
		}

		if a.cfg.ICAPRespmod != nil {
			if adapted, ok := a.cfg.ICAPRespmod.Respmod(req, resp); ok {
				resp = adapted
			}
		}

		if err := resp.Write(client); err != nil {
			resp.Body.Close()
			return
		}
		resp.Body.Close()

		if isWebSocketUpgrade(req, resp) {
			a.relayWebSocket(tsk, client, upstream)
			return
		}

		if !a.cfg.H1.KeepAlive || req.Close || resp.Close {
			return
		}
	}
}

// copyUntilClose copies from src to dst until either reaches EOF or a
// read/write error, used for the raw HTTP/2 passthrough path.
func copyUntilClose(dst io.Writer, src io.Reader) {
	io.Copy(dst, src)
}
