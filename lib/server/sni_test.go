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
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllowedHostMatches(t *testing.T) {
	h := AllowedHost{
		ExactMatch: []string{"exact.example.com"},
		ChildMatch: []string{"example.org"},
	}
	require.True(t, h.matches("exact.example.com"))
	require.True(t, h.matches("EXACT.example.COM"))
	require.False(t, h.matches("other.example.com"))

	require.True(t, h.matches("example.org"))
	require.True(t, h.matches("www.example.org"))
	require.False(t, h.matches("evilexample.org"))
}

func TestSNIEngineRewrite(t *testing.T) {
	e := &SNIEngine{cfg: SNIConfig{
		AllowedHosts: []AllowedHost{
			{ExactMatch: []string{"passthrough.example.com"}},
			{ChildMatch: []string{"redirect.example.com"}, RedirectHost: "internal.local:9000"},
		},
	}}

	host, port := e.rewrite("passthrough.example.com", 443)
	require.Equal(t, "passthrough.example.com", host)
	require.Equal(t, 443, port)

	host, port = e.rewrite("foo.redirect.example.com", 443)
	require.Equal(t, "internal.local", host)
	require.Equal(t, 9000, port)

	host, port = e.rewrite("unlisted.example.com", 443)
	require.Equal(t, "unlisted.example.com", host)
	require.Equal(t, 443, port)
}

func TestPeekSNIObservesServerNameAndAbortsHandshake(t *testing.T) {
	client, srv := net.Pipe()

	clientDone := make(chan error, 1)
	go func() {
		tlsClient := tls.Client(client, &tls.Config{ServerName: "sniffed.example.com", InsecureSkipVerify: true})
		clientDone <- tlsClient.Handshake()
	}()

	host, _, err := peekSNI(srv, 16*1024)
	require.Error(t, err)
	require.Equal(t, "sniffed.example.com", host)

	client.Close()
	srv.Close()
	<-clientDone
}

func TestSNIEngineSniffUpstreamFallsBackToHTTPHost(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()

	e := &SNIEngine{cfg: SNIConfig{RequestRecvTimeout: time.Second}}

	go func() {
		client.Write([]byte("GET / HTTP/1.1\r\nHost: plain.example.com:8080\r\nUser-Agent: test\r\n\r\n"))
	}()

	host, port, _, err := e.sniffUpstream(srv)
	require.NoError(t, err)
	require.Equal(t, "plain.example.com", host)
	require.Equal(t, 8080, port)
}
