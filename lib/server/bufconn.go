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
	"bytes"
	"io"
	"net"
)

// prefixConn replays a captured prefix before resuming reads from the
// wrapped connection, used by engines (SNI proxy, intelli-proxy) that
// must sniff a connection's first bytes and then relay them unmodified
// alongside whatever follows.
type prefixConn struct {
	net.Conn
	prefix *bytes.Reader
}

func newPrefixConn(conn net.Conn, prefix []byte) *prefixConn {
	return &prefixConn{Conn: conn, prefix: bytes.NewReader(prefix)}
}

func (c *prefixConn) Read(p []byte) (int, error) {
	if c.prefix.Len() > 0 {
		return c.prefix.Read(p)
	}
	return c.Conn.Read(p)
}

var _ io.Reader = (*prefixConn)(nil)
