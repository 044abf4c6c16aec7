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
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mustListenUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	return conn
}

func TestUDPChannelRelaysAssociateStyle(t *testing.T) {
	clientSide := mustListenUDP(t)
	defer clientSide.Close()
	clientPeer := mustListenUDP(t)
	defer clientPeer.Close()

	upstreamSide := mustListenUDP(t)
	defer upstreamSide.Close()
	upstreamPeer := mustListenUDP(t)
	defer upstreamPeer.Close()

	ch := &UDPChannel{
		Client:       clientSide,
		Upstream:     upstreamSide,
		UpstreamAddr: upstreamPeer.LocalAddr(),
		PacketSize:   1500,
		BatchSize:    1,
	}
	go ch.Run()

	_, err := clientPeer.WriteTo([]byte("ping"), clientSide.LocalAddr())
	require.NoError(t, err)

	buf := make([]byte, 16)
	upstreamPeer.SetReadDeadline(time.Now().Add(time.Second))
	n, from, err := upstreamPeer.ReadFrom(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))
	require.Equal(t, upstreamSide.LocalAddr().String(), from.String())

	_, err = upstreamPeer.WriteTo([]byte("pong"), upstreamSide.LocalAddr())
	require.NoError(t, err)

	clientPeer.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err = clientPeer.ReadFrom(buf)
	require.NoError(t, err)
	require.Equal(t, "pong", string(buf[:n]))

	up, down := ch.Stats()
	require.Equal(t, int64(4), up)
	require.Equal(t, int64(4), down)
}
