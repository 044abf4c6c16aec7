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
	"net"
	"sync"
)

// connPoolKey identifies a reusable keepalive connection, keyed by
// (user, upstream, scheme).
type connPoolKey struct {
	user string
	upstream string
	scheme string
}

// pooledConn pairs an idle upstream connection with the bufio.Reader that
// was reading it, so bytes already buffered ahead of the last response
// aren't discarded between requests sharing the connection.
type pooledConn struct {
	net.Conn
	br *bufio.Reader
}

func (p *pooledConn) reader() *bufio.Reader {
	if p.br == nil {
		p.br = bufio.NewReader(p.Conn)
	}
	return p.br
}

// connPool is a small per-engine keepalive pool. One idle connection per
// key is kept; a second Put for the same key closes the older one rather
// than growing unbounded.
type connPool struct {
	mu sync.Mutex
	conns map[connPoolKey]*pooledConn
}

func newConnPool() *connPool {
	return &connPool{conns: make(map[connPoolKey]*pooledConn)}
}

func (p *connPool) get(key connPoolKey) *pooledConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.conns[key]
	delete(p.conns, key)
	return c
}

func (p *connPool) put(key connPoolKey, conn *pooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.conns[key]; ok {
		old.Close()
	}
	p.conns[key] = conn
}
