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
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/egressd/lib/defaults"
	"github.com/gravitational/egressd/lib/escaper"
	"github.com/gravitational/egressd/lib/task"
	"github.com/gravitational/egressd/lib/user"
)

const (
	socks4Version = 0x04
	socks5Version = 0x05

	socks5MethodNoAuth = 0x00
	socks5MethodUserPass = 0x02
	socks5MethodNoAccept = 0xFF

	socks5CmdConnect = 0x01
	socks5CmdUDPAssociate = 0x03

	socks5AddrIPv4 = 0x01
	socks5AddrDomain = 0x03
	socks5AddrIPv6 = 0x04

	socks5ReplySucceeded = 0x00
	socks5ReplyGeneralFailure = 0x01
	socks5ReplyForbidden = 0x02
	socks5ReplyHostUnreachable = 0x04
	socks5ReplyCommandNotSupported = 0x07
)

// SOCKSConfig configures the combined SOCKS4/4a and SOCKS5 engine,
// handling SOCKS4/5 TCP CONNECT and SOCKS5 UDP associate.
type SOCKSConfig struct {
	Config

	ServerACL *user.ACL

	// UDPAssociateBindIP is the IP advertised (and listened on) for
	// client-side UDP endpoints reserved by a SOCKS5 UDP ASSOCIATE.
	UDPAssociateBindIP net.IP
}

func (c *SOCKSConfig) checkAndSetDefaults() error {
	if err := c.Config.checkAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if c.UDPAssociateBindIP == nil {
		c.UDPAssociateBindIP = net.IPv4(0, 0, 0, 0)
	}
	return nil
}

// SOCKSEngine implements SOCKS4/4a CONNECT, SOCKS5 CONNECT, and SOCKS5 UDP
// ASSOCIATE.
type SOCKSEngine struct {
	cfg SOCKSConfig
}

// NewSOCKS builds a Server running the SOCKS4/5 engine.
func NewSOCKS(cfg SOCKSConfig) (*Server, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return New(cfg.Config, &SOCKSEngine{cfg: cfg})
}

func (e *SOCKSEngine) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	tsk := newTask(ctx, conn)
	defer tsk.Cancel()

	br := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(defaults.RequestWaitTimeout))
	ver, err := br.Peek(1)
	if err != nil {
		return
	}
	conn.SetReadDeadline(time.Time{})

	switch ver[0] {
	case socks4Version:
		e.serveSOCKS4(ctx, tsk, conn, br)
	case socks5Version:
		e.serveSOCKS5(ctx, tsk, conn, br)
	default:
		e.cfg.Log.Debug("unrecognized SOCKS version byte")
	}
}

func (e *SOCKSEngine) authenticate(ctx context.Context, tsk *task.Task, creds user.Credentials, remote net.IP) user.Verdict {
	return authenticate(ctx, e.cfg.Group, creds, user.ClientFacts{RemoteAddr: remote})
}

func (e *SOCKSEngine) aclAllows(u *user.User, host string, port int, kind string) bool {
	req := user.Request{DestinationHost: host, DestinationPort: port, ProxyRequestKind: kind}
	action := user.ActionPermit
	if e.cfg.ServerACL != nil {
		action = e.cfg.ServerACL.Evaluate(req)
	}
	if u != nil && u.ACL != nil {
		action = user.StrictestDefault(action, u.ACL.Evaluate(req))
	}
	return action.Permitted()
}

// --- SOCKS4/4a ---

func (e *SOCKSEngine) serveSOCKS4(ctx context.Context, tsk *task.Task, conn net.Conn, br *bufio.Reader) {
	var hdr [8]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return
	}
	cmd := hdr[1]
	port := int(binary.BigEndian.Uint16(hdr[2:4]))
	ip := net.IPv4(hdr[4], hdr[5], hdr[6], hdr[7])

	userID, err := br.ReadString(0)
	if err != nil {
		return
	}
	_ = userID

	host := ip.String()
	if hdr[4] == 0 && hdr[5] == 0 && hdr[6] == 0 && hdr[7] != 0 {
		// SOCKS4a: domain name follows the null-terminated userid.
		domain, err := br.ReadString(0)
		if err != nil {
			return
		}
		host = domain[:len(domain)-1]
	}

	if cmd != 0x01 {
		writeSOCKS4Reply(conn, 0x5B, nil, 0)
		return
	}

	verdict := e.authenticate(ctx, tsk, user.Credentials{}, tsk.Client.RemoteAddr)
	if verdict.Kind != user.VerdictAllow {
		writeSOCKS4Reply(conn, 0x5D, nil, 0)
		return
	}
	tsk.SetUser(verdict.User)

	if !e.aclAllows(verdict.User, host, port, "socks4-connect") {
		writeSOCKS4Reply(conn, 0x5B, nil, 0)
		return
	}

	egressCtx := tsk.NewEgressContext(host, port, escaper.SelectionHint{}, serverIP(conn), false)
	tsk.AppendEscaperPath(e.cfg.Escaper.Name())
	upstream, err := e.cfg.Escaper.Open(egressCtx)
	if err != nil {
		writeSOCKS4Reply(conn, 0x5B, nil, 0)
		return
	}

	if err := writeSOCKS4Reply(conn, 0x5A, upstream.RemoteIP, port); err != nil {
		upstream.Close()
		return
	}

	if err := runRelay(ctx, tsk, e.cfg.Escaper, egressCtx, e.cfg.Auditor, conn); err != nil {
		e.cfg.Log.WithError(err).Debug("SOCKS4 relay ended")
	}
}

func writeSOCKS4Reply(w io.Writer, code byte, ip net.IP, port int) error {
	reply := make([]byte, 8)
	reply[0] = 0x00
	reply[1] = code
	binary.BigEndian.PutUint16(reply[2:4], uint16(port))
	if v4 := ip.To4(); v4 != nil {
		copy(reply[4:8], v4)
	}
	_, err := w.Write(reply)
	return trace.Wrap(err)
}

// --- SOCKS5 ---

func (e *SOCKSEngine) serveSOCKS5(ctx context.Context, tsk *task.Task, conn net.Conn, br *bufio.Reader) {
	var verNMethods [2]byte
	if _, err := io.ReadFull(br, verNMethods[:]); err != nil {
		return
	}
	methods := make([]byte, verNMethods[1])
	if _, err := io.ReadFull(br, methods); err != nil {
		return
	}

	method := byte(socks5MethodNoAccept)
	for _, m := range methods {
		if m == socks5MethodUserPass {
			method = socks5MethodUserPass
			break
		}
		if m == socks5MethodNoAuth && method == socks5MethodNoAccept {
			method = socks5MethodNoAuth
		}
	}
	if e.cfg.Group != nil {
		// A configured user group means credentialed access is expected;
		// prefer username/password subnegotiation over no-auth when both
		// were offered.
		for _, m := range methods {
			if m == socks5MethodUserPass {
				method = socks5MethodUserPass
			}
		}
	}
	if _, err := conn.Write([]byte{socks5Version, method}); err != nil {
		return
	}
	if method == socks5MethodNoAccept {
		return
	}

	var creds user.Credentials
	if method == socks5MethodUserPass {
		var err error
		creds, err = readSOCKS5UserPass(br)
		if err != nil {
			return
		}
		if _, err := conn.Write([]byte{0x01, 0x00}); err != nil {
			return
		}
	}

	cmd, host, port, err := readSOCKS5Request(br)
	if err != nil {
		writeSOCKS5Reply(conn, socks5ReplyGeneralFailure, nil, 0)
		return
	}

	verdict := e.authenticate(ctx, tsk, creds, tsk.Client.RemoteAddr)
	if verdict.Kind != user.VerdictAllow {
		writeSOCKS5Reply(conn, socks5ReplyForbidden, nil, 0)
		return
	}
	tsk.SetUser(verdict.User)

	switch cmd {
	case socks5CmdConnect:
		e.serveSOCKS5Connect(ctx, tsk, conn, host, port, verdict.User)
	case socks5CmdUDPAssociate:
		e.serveSOCKS5UDPAssociate(ctx, tsk, conn, verdict.User)
	default:
		writeSOCKS5Reply(conn, socks5ReplyCommandNotSupported, nil, 0)
	}
}

func (e *SOCKSEngine) serveSOCKS5Connect(ctx context.Context, tsk *task.Task, conn net.Conn, host string, port int, u *user.User) {
	if !e.aclAllows(u, host, port, "socks5-connect") {
		writeSOCKS5Reply(conn, socks5ReplyForbidden, nil, 0)
		return
	}

	egressCtx := tsk.NewEgressContext(host, port, escaper.SelectionHint{}, serverIP(conn), false)
	tsk.AppendEscaperPath(e.cfg.Escaper.Name())
	upstream, err := e.cfg.Escaper.Open(egressCtx)
	if err != nil {
		writeSOCKS5Reply(conn, socks5ReplyHostUnreachable, nil, 0)
		return
	}

	if err := writeSOCKS5Reply(conn, socks5ReplySucceeded, upstream.RemoteIP, port); err != nil {
		upstream.Close()
		return
	}

	if err := runRelay(ctx, tsk, e.cfg.Escaper, egressCtx, e.cfg.Auditor, conn); err != nil {
		e.cfg.Log.WithError(err).Debug("SOCKS5 relay ended")
	}
}

func readSOCKS5UserPass(br *bufio.Reader) (user.Credentials, error) {
	var ver byte
	if err := readByte(br, &ver); err != nil {
		return user.Credentials{}, err
	}
	ulen, err := br.ReadByte()
	if err != nil {
		return user.Credentials{}, trace.Wrap(err)
	}
	uname := make([]byte, ulen)
	if _, err := io.ReadFull(br, uname); err != nil {
		return user.Credentials{}, trace.Wrap(err)
	}
	plen, err := br.ReadByte()
	if err != nil {
		return user.Credentials{}, trace.Wrap(err)
	}
	pass := make([]byte, plen)
	if _, err := io.ReadFull(br, pass); err != nil {
		return user.Credentials{}, trace.Wrap(err)
	}
	return user.Credentials{Username: string(uname), Password: string(pass)}, nil
}

func readByte(br *bufio.Reader, out *byte) error {
	b, err := br.ReadByte()
	if err != nil {
		return trace.Wrap(err)
	}
	*out = b
	return nil
}

// readSOCKS5Request parses "VER CMD RSV ATYP DST.ADDR DST.PORT".
func readSOCKS5Request(br *bufio.Reader) (cmd byte, host string, port int, err error) {
	var hdr [4]byte
	if _, err = io.ReadFull(br, hdr[:]); err != nil {
		return 0, "", 0, trace.Wrap(err)
	}
	cmd = hdr[1]

	switch hdr[3] {
	case socks5AddrIPv4:
		var ip [4]byte
		if _, err = io.ReadFull(br, ip[:]); err != nil {
			return 0, "", 0, trace.Wrap(err)
		}
		host = net.IP(ip[:]).String()
	case socks5AddrIPv6:
		var ip [16]byte
		if _, err = io.ReadFull(br, ip[:]); err != nil {
			return 0, "", 0, trace.Wrap(err)
		}
		host = net.IP(ip[:]).String()
	case socks5AddrDomain:
		l, err2 := br.ReadByte()
		if err2 != nil {
			return 0, "", 0, trace.Wrap(err2)
		}
		domain := make([]byte, l)
		if _, err = io.ReadFull(br, domain); err != nil {
			return 0, "", 0, trace.Wrap(err)
		}
		host = string(domain)
	default:
		return 0, "", 0, trace.BadParameter("unsupported SOCKS5 address type 0x%02x", hdr[3])
	}

	var portBuf [2]byte
	if _, err = io.ReadFull(br, portBuf[:]); err != nil {
		return 0, "", 0, trace.Wrap(err)
	}
	port = int(binary.BigEndian.Uint16(portBuf[:]))
	return cmd, host, port, nil
}

func writeSOCKS5Reply(w io.Writer, rep byte, ip net.IP, port int) error {
	reply := []byte{socks5Version, rep, 0x00, socks5AddrIPv4, 0, 0, 0, 0, 0, 0}
	if v4 := ip.To4(); v4 != nil {
		copy(reply[4:8], v4)
	}
	binary.BigEndian.PutUint16(reply[8:10], uint16(port))
	_, err := w.Write(reply)
	return trace.Wrap(err)
}
