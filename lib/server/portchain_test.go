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
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingEngine struct {
	conns chan net.Conn
}

func newRecordingEngine() *recordingEngine {
	return &recordingEngine{conns: make(chan net.Conn, 1)}
}

func (e *recordingEngine) ServeConn(ctx context.Context, conn net.Conn) {
	e.conns <- conn
}

func TestIntelliProxyEngineDispatchesSOCKSByFirstByte(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()

	http := newRecordingEngine()
	socks := newRecordingEngine()
	e := &IntelliProxyEngine{cfg: IntelliProxyConfig{
		HTTP: http,
		SOCKS: socks,
		ProtocolDetectionTimeout: time.Second,
	}}

	go e.ServeConn(context.Background(), srv)

	go func() { client.Write([]byte{socks5Version, 0x01, 0x00}) }()

	select {
	case conn := <-socks.conns:
		buf := make([]byte, 3)
		_, err := io.ReadFull(conn, buf)
		require.NoError(t, err)
		require.Equal(t, []byte{socks5Version, 0x01, 0x00}, buf)
	case <-http.conns:
		t.Fatal("expected dispatch to SOCKS engine, got HTTP")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
}

func TestIntelliProxyEngineDispatchesHTTPByDefault(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()

	http := newRecordingEngine()
	socks := newRecordingEngine()
	e := &IntelliProxyEngine{cfg: IntelliProxyConfig{
		HTTP: http,
		SOCKS: socks,
		ProtocolDetectionTimeout: time.Second,
	}}

	go e.ServeConn(context.Background(), srv)
	go func() { client.Write([]byte("GET http://example.com/ HTTP/1.1\r\n")) }()

	select {
	case <-http.conns:
	case <-socks.conns:
		t.Fatal("expected dispatch to HTTP engine, got SOCKS")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
}

func TestPortChainEnginePassesThroughWithoutProxyProtocol(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()

	next := newRecordingEngine()
	e := &PortChainEngine{cfg: PortChainConfig{Next: next}}

	go e.ServeConn(context.Background(), srv)
	go func() { client.Write([]byte("hello")) }()

	select {
	case conn := <-next.conns:
		buf := make([]byte, 5)
		_, err := io.ReadFull(conn, buf)
		require.NoError(t, err)
		require.Equal(t, "hello", string(buf))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
}

func TestPortChainEngineStripsProxyProtocolHeader(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()

	next := newRecordingEngine()
	e := &PortChainEngine{cfg: PortChainConfig{Next: next, AcceptProxyProtocol: true}}

	go e.ServeConn(context.Background(), srv)
	go func() {
		client.Write([]byte("PROXY TCP4 10.0.0.1 10.0.0.2 1234 5678\r\n"))
		client.Write([]byte("payload"))
	}()

	select {
	case conn := <-next.conns:
		pc, ok := conn.(*proxyHeaderConn)
		require.True(t, ok)
		require.Equal(t, "10.0.0.1", pc.src.IP.String())
		require.Equal(t, "10.0.0.2", pc.dst.IP.String())

		br := bufio.NewReader(conn)
		line, err := br.ReadString('d')
		require.NoError(t, err)
		require.Equal(t, "payload"[:len(line)], line)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
}
