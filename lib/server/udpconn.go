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
	"net"
	"strconv"

	"github.com/gravitational/trace"

	"github.com/gravitational/egressd/lib/escaper"
)

// escaperPacketConn is the minimal UDP-peer surface a SOCKS5 UDP associate
// needs: send one datagram to the fixed peer, receive datagrams (learning
// the peer's address on each read since a UDP escape target may answer
// from a different source port).
type escaperPacketConn interface {
	send(payload []byte) error
	recv(buf []byte) (n int, peerIP net.IP, peerPort int, err error)
	Close() error
}

// directUDPConn is a UDP socket connected to one resolved peer. The
// escaper graph's leaves/routing nodes are defined over a stream Open()
// contract and have no PacketConn counterpart.
type directUDPConn struct {
	conn *net.UDPConn
	peer *net.UDPAddr
}

func (c *directUDPConn) send(payload []byte) error {
	_, err := c.conn.Write(payload)
	return trace.Wrap(err)
}

func (c *directUDPConn) recv(buf []byte) (int, net.IP, int, error) {
	n, from, err := c.conn.ReadFrom(buf)
	if err != nil {
		return 0, nil, 0, trace.Wrap(err)
	}
	udpAddr, _ := from.(*net.UDPAddr)
	if udpAddr == nil {
		return n, c.peer.IP, c.peer.Port, nil
	}
	return n, udpAddr.IP, udpAddr.Port, nil
}

func (c *directUDPConn) Close() error { return c.conn.Close() }

// openEscaperPacketConn resolves egressCtx's target with the system
// resolver and dials a UDP socket to it directly. esc is not consulted:
// the escaper graph and its egress network filters are not applied to
// this traffic.
func openEscaperPacketConn(esc escaper.Escaper, egressCtx *escaper.EgressContext) (escaperPacketConn, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(egressCtx.UpstreamHost, strconv.Itoa(egressCtx.UpstreamPort)))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &directUDPConn{conn: conn, peer: addr}, nil
}
