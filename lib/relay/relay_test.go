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

package relay

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// countingLimiter records every Take call, standing in for a
// ratelimit.Bucket without pulling in real token-bucket timing.
type countingLimiter struct {
	total int64
}

func (l *countingLimiter) Take(n int64) { l.total += n }

func TestChannelRelaysBothDirectionsAndTracksStats(t *testing.T) {
	clientConn, clientPeer := net.Pipe()
	upstreamConn, upstreamPeer := net.Pipe()

	ch := &Channel{Client: clientConn, Upstream: upstreamConn}

	done := make(chan error, 1)
	go func() { done <- ch.Run() }()

	readN := func(c net.Conn, n int) []byte {
		buf := make([]byte, n)
		_, err := io.ReadFull(c, buf)
		require.NoError(t, err)
		return buf
	}

	go func() { _, _ = clientPeer.Write([]byte("hello")) }()
	require.Equal(t, []byte("hello"), readN(upstreamPeer, 5))

	go func() { _, _ = upstreamPeer.Write([]byte("world!")) }()
	require.Equal(t, []byte("world!"), readN(clientPeer, 6))

	up, down := ch.Stats()
	require.Equal(t, int64(5), up)
	require.Equal(t, int64(6), down)

	clientPeer.Close()
	upstreamPeer.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Run to return after both peers closed")
	}
}

func TestChannelAppliesLimiters(t *testing.T) {
	clientConn, clientPeer := net.Pipe()
	upstreamConn, upstreamPeer := net.Pipe()
	defer clientPeer.Close()
	defer upstreamPeer.Close()

	upload := &countingLimiter{}
	download := &countingLimiter{}
	ch := &Channel{
		Client:          clientConn,
		Upstream:        upstreamConn,
		UploadLimiter:   upload,
		DownloadLimiter: download,
	}
	go ch.Run()

	go func() { _, _ = clientPeer.Write([]byte("abc")) }()
	buf := make([]byte, 3)
	_, err := io.ReadFull(upstreamPeer, buf)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return upload.total == 3 }, time.Second, time.Millisecond)
	require.Equal(t, int64(0), download.total)
}
