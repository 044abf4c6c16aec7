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
	"context"
	"encoding/binary"
	"net"

	"github.com/gravitational/trace"

	"github.com/gravitational/egressd/lib/defaults"
	"github.com/gravitational/egressd/lib/escaper"
	"github.com/gravitational/egressd/lib/relay"
	"github.com/gravitational/egressd/lib/task"
	"github.com/gravitational/egressd/lib/user"
)

// serveSOCKS5UDPAssociate implements "SOCKS5 UDP
// associate": reserve a client-side UDP endpoint, open an upstream UDP
// socket to the first datagram's destination (see openEscaperPacketConn),
// and relay datagrams with the 10/22-byte SOCKS UDP header stripped/added
// on each packet. The endpoint is released when the control connection
// closes, the task context ends, or the client-to-upstream copier stops;
// this path has no idle timeout.
func (e *SOCKSEngine) serveSOCKS5UDPAssociate(ctx context.Context, tsk *task.Task, control net.Conn, u *user.User) {
	clientUDP, err := net.ListenUDP("udp", &net.UDPAddr{IP: e.cfg.UDPAssociateBindIP})
	if err != nil {
		writeSOCKS5Reply(control, socks5ReplyGeneralFailure, nil, 0)
		return
	}
	defer clientUDP.Close()

	bound := clientUDP.LocalAddr().(*net.UDPAddr)
	if err := writeSOCKS5Reply(control, socks5ReplySucceeded, bound.IP, bound.Port); err != nil {
		return
	}

	// The upstream PacketConn is opened lazily, once the first client
	// datagram reveals the peer it targets, since the escaper graph may
	// route UDP peers by resolved address.
	buf := make([]byte, defaults.UDPRelayPacketSize)
	n, clientAddr, err := clientUDP.ReadFrom(buf)
	if err != nil {
		return
	}
	header, payload, err := parseSOCKSUDPHeader(buf[:n])
	if err != nil {
		e.cfg.Log.WithError(err).Debug("malformed SOCKS5 UDP header")
		return
	}

	egressCtx := tsk.NewEgressContext(header.host, header.port, escaper.SelectionHint{}, nil, false)
	tsk.AppendEscaperPath(e.cfg.Escaper.Name())
	upstreamConn, err := openEscaperPacketConn(e.cfg.Escaper, egressCtx)
	if err != nil {
		e.cfg.Log.WithError(err).Debug("failed to open upstream UDP endpoint")
		return
	}
	defer upstreamConn.Close()

	if err := upstreamConn.send(payload); err != nil {
		return
	}

	var upLimiter, downLimiter relay.Limiter
	if u != nil {
		if b := u.UDPSpeedBucket(); b != nil {
			upLimiter = b
			downLimiter = b
		}
	}

	wrapper := &socksUDPWrapper{
		client: clientUDP,
		clientAddr: clientAddr,
		upstream: upstreamConn,
		upLimiter: upLimiter,
		downLimiter: downLimiter,
		atMostOnePeer: header,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		wrapper.run()
	}()

	controlClosed := make(chan struct{})
	go func() {
		defer close(controlClosed)
		buf := make([]byte, 256)
		for {
			if _, err := control.Read(buf); err != nil {
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
	case <-controlClosed:
	case <-done:
	}
}

type socksUDPHeader struct {
	host string
	port int
}

// parseSOCKSUDPHeader strips the SOCKS UDP request header: "RSV(2) FRAG(1)
// ATYP(1) DST.ADDR DST.PORT(2) DATA", returning the destination and the
// remaining payload.
func parseSOCKSUDPHeader(b []byte) (socksUDPHeader, []byte, error) {
	if len(b) < 4 {
		return socksUDPHeader{}, nil, trace.BadParameter("short SOCKS5 UDP header")
	}
	atyp := b[3]
	rest := b[4:]

	var host string
	switch atyp {
	case socks5AddrIPv4:
		if len(rest) < 6 {
			return socksUDPHeader{}, nil, trace.BadParameter("short IPv4 SOCKS5 UDP header")
		}
		host = net.IP(rest[:4]).String()
		rest = rest[4:]
	case socks5AddrIPv6:
		if len(rest) < 18 {
			return socksUDPHeader{}, nil, trace.BadParameter("short IPv6 SOCKS5 UDP header")
		}
		host = net.IP(rest[:16]).String()
		rest = rest[16:]
	case socks5AddrDomain:
		if len(rest) < 1 {
			return socksUDPHeader{}, nil, trace.BadParameter("short domain SOCKS5 UDP header")
		}
		l := int(rest[0])
		rest = rest[1:]
		if len(rest) < l+2 {
			return socksUDPHeader{}, nil, trace.BadParameter("short domain SOCKS5 UDP header body")
		}
		host = string(rest[:l])
		rest = rest[l:]
	default:
		return socksUDPHeader{}, nil, trace.BadParameter("unsupported SOCKS5 UDP address type 0x%02x", atyp)
	}

	if len(rest) < 2 {
		return socksUDPHeader{}, nil, trace.BadParameter("missing SOCKS5 UDP port")
	}
	port := int(binary.BigEndian.Uint16(rest[:2]))
	return socksUDPHeader{host: host, port: port}, rest[2:], nil
}

// buildSOCKSUDPHeader writes "RSV(2)=0 FRAG(1)=0 ATYP(1) DST.ADDR
// DST.PORT(2)" ahead of payload, for datagrams relayed back to the client.
func buildSOCKSUDPHeader(ip net.IP, port int, payload []byte) []byte {
	var atyp byte
	var addr []byte
	if v4 := ip.To4(); v4 != nil {
		atyp = socks5AddrIPv4
		addr = v4
	} else {
		atyp = socks5AddrIPv6
		addr = ip.To16()
	}
	out := make([]byte, 0, 4+len(addr)+2+len(payload))
	out = append(out, 0x00, 0x00, 0x00, atyp)
	out = append(out, addr...)
	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, uint16(port))
	out = append(out, portBuf...)
	out = append(out, payload...)
	return out
}

// socksUDPWrapper relays datagrams between the client's UDP endpoint
// (SOCKS-header-framed) and the upstream PacketConn (bare). It always
// enforces an at-most-one-peer restriction: client datagrams addressed to
// any destination other than the first one are dropped.
type socksUDPWrapper struct {
	client *net.UDPConn
	clientAddr net.Addr
	upstream escaperPacketConn
	upLimiter relay.Limiter
	downLimiter relay.Limiter
	atMostOnePeer socksUDPHeader
}

func (w *socksUDPWrapper) run() {
	go w.copyUpstreamToClient()
	w.copyClientToUpstream()
}

func (w *socksUDPWrapper) copyClientToUpstream() {
	buf := make([]byte, defaults.UDPRelayPacketSize)
	for {
		n, from, err := w.client.ReadFrom(buf)
		if err != nil {
			return
		}
		w.clientAddr = from
		header, payload, err := parseSOCKSUDPHeader(buf[:n])
		if err != nil {
			continue
		}
		if header.host != w.atMostOnePeer.host || header.port != w.atMostOnePeer.port {
			continue
		}
		if w.upLimiter != nil {
			w.upLimiter.Take(int64(len(payload)))
		}
		if err := w.upstream.send(payload); err != nil {
			return
		}
	}
}

func (w *socksUDPWrapper) copyUpstreamToClient() {
	buf := make([]byte, defaults.UDPRelayPacketSize)
	for {
		n, peerIP, peerPort, err := w.upstream.recv(buf)
		if err != nil {
			return
		}
		if w.downLimiter != nil {
			w.downLimiter.Take(int64(n))
		}
		framed := buildSOCKSUDPHeader(peerIP, peerPort, buf[:n])
		if _, err := w.client.WriteTo(framed, w.clientAddr); err != nil {
			return
		}
	}
}
