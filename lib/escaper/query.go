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
	"net"
	"time"

	"github.com/gravitational/trace"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/gravitational/egressd/lib/defaults"
)

// queryRequest is the wire body sent to the route-query oracle: enough
// for the oracle to make a routing decision without needing the full
// request context.
type queryRequest struct {
	UpstreamHost string `msgpack:"upstream_host"`
	UpstreamPort int `msgpack:"upstream_port"`
	ClientIP string `msgpack:"client_ip"`
}

// queryResponse is the oracle's answer: the id of the child to route to.
type queryResponse struct {
	TargetID string `msgpack:"target_id"`
}

// RouteQuery is route-query: asks an external msgpack-over-UDP oracle
// which child to use. On oracle failure or timeout, the configured
// Default child is used so a flaky oracle degrades gracefully rather
// than failing every request.
type RouteQuery struct {
	NameStr string
	OracleAddr string
	Timeout time.Duration
	Targets map[string]Escaper
	Default Escaper
}

func (r *RouteQuery) Name() string { return r.NameStr }

func (r *RouteQuery) ask(ctx *EgressContext) (string, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaults.RouteQueryTimeout
	}

	conn, err := net.Dial("udp", r.OracleAddr)
	if err != nil {
		return "", trace.Wrap(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	body, err := msgpack.Marshal(queryRequest{
		UpstreamHost: ctx.UpstreamHost,
		UpstreamPort: ctx.UpstreamPort,
		ClientIP: ctx.Client.RemoteAddr.String(),
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	if _, err := conn.Write(body); err != nil {
		return "", trace.Wrap(err)
	}

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		return "", trace.Wrap(err)
	}

	var resp queryResponse
	if err := msgpack.Unmarshal(buf[:n], &resp); err != nil {
		return "", trace.Wrap(err, "malformed oracle response")
	}
	return resp.TargetID, nil
}

func (r *RouteQuery) Open(ctx *EgressContext) (*Conn, error) {
	id, err := r.ask(ctx)
	if err == nil {
		if child, ok := r.Targets[id]; ok {
			return child.Open(ctx)
		}
	}
	if r.Default == nil {
		return nil, newOpenError(ErrNextHopUnavailable, trace.Wrap(err, "route-query oracle unreachable and no default child configured"))
	}
	return r.Default.Open(ctx)
}
