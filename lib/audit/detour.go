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

package audit

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"io"

	"github.com/gravitational/trace"
	"github.com/quic-go/quic-go"

	"github.com/gravitational/egressd/lib/proxyproto"
)

// DetourAction is the verdict an external detour server returns on its
// north stream's 4-byte reply, whose last two bytes carry the code.
type DetourAction int

const (
	DetourContinue DetourAction = iota
	DetourBypass
	DetourBlock
)

// TLV type bytes reserved for the stream-detour private range.
const (
	tlvUpstreamAddr byte = 0xE0
	tlvUsername byte = 0xE1
	tlvTaskID byte = 0xE2
	tlvProtocol byte = 0xE3
	tlvMatchID byte = 0xE4
)

// DetourFlow describes the connection being offered to the detour
// server, used to build the north/south stream headers.
type DetourFlow struct {
	UpstreamAddr string
	Username string
	TaskID string
	Protocol string
	MatchID string
}

func (f DetourFlow) tlvs() []proxyproto.TLV {
	return []proxyproto.TLV{
		{Type: tlvUpstreamAddr, Value: []byte(f.UpstreamAddr)},
		{Type: tlvUsername, Value: []byte(f.Username)},
		{Type: tlvTaskID, Value: []byte(f.TaskID)},
		{Type: tlvProtocol, Value: []byte(f.Protocol)},
		{Type: tlvMatchID, Value: []byte(f.MatchID)},
	}
}

// DetourClientConfig addresses the external QUIC inspection server.
type DetourClientConfig struct {
	Addr string
	TLSConfig *tls.Config
}

func (c *DetourClientConfig) checkAndSetDefaults() error {
	if c.Addr == "" {
		return trace.BadParameter("missing parameter Addr")
	}
	if c.TLSConfig == nil {
		c.TLSConfig = &tls.Config{NextProtos: []string{"egressd-detour"}}
	}
	return nil
}

// DetourClient opens a pair of bidirectional QUIC streams per flow (north
// carries client-to-upstream bytes, south carries the reply) and prefixes
// each with a PROXY-protocol-v2 header bearing private-range TLVs
// describing the flow.
type DetourClient struct {
	cfg DetourClientConfig
}

// NewDetourClient builds a DetourClient from cfg.
func NewDetourClient(cfg DetourClientConfig) (*DetourClient, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &DetourClient{cfg: cfg}, nil
}

// DetourSession is the pair of open streams for one flow, plus the
// decided action once the server's north-stream reply has been read.
type DetourSession struct {
	North quic.Stream
	South quic.Stream
	conn quic.Connection
	Action DetourAction
}

// Close tears down both streams and the underlying QUIC connection.
func (s *DetourSession) Close() error {
	s.North.Close()
	s.South.Close()
	return s.conn.CloseWithError(0, "")
}

// Open dials the detour server, opens the north/south streams, writes
// each one's PROXY-v2 header with flow TLVs, and reads the north stream's
// 4-byte action reply.
func (d *DetourClient) Open(ctx context.Context, flow DetourFlow) (*DetourSession, error) {
	conn, err := quic.DialAddrContext(ctx, d.cfg.Addr, d.cfg.TLSConfig, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	north, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, trace.Wrap(err)
	}
	south, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, trace.Wrap(err)
	}

	if err := writeDetourHeader(north, flow); err != nil {
		conn.CloseWithError(0, "")
		return nil, trace.Wrap(err)
	}
	if err := writeDetourHeader(south, flow); err != nil {
		conn.CloseWithError(0, "")
		return nil, trace.Wrap(err)
	}

	var reply [4]byte
	if _, err := io.ReadFull(north, reply[:]); err != nil {
		conn.CloseWithError(0, "")
		return nil, trace.Wrap(err)
	}
	action := DetourAction(binary.BigEndian.Uint16(reply[2:4]))
	if action != DetourContinue && action != DetourBypass && action != DetourBlock {
		conn.CloseWithError(0, "")
		return nil, trace.BadParameter("detour server returned unrecognized action code %d", action)
	}

	return &DetourSession{North: north, South: south, conn: conn, Action: action}, nil
}

// writeDetourHeader writes a v2 PROXY header carrying only TLVs (no
// TCP/UDP address family, since the transport is a QUIC stream pair
// rather than a socket) ahead of any payload on s.
func writeDetourHeader(w io.Writer, flow DetourFlow) error {
	var addrBuf bytes.Buffer
	for _, t := range flow.tlvs() {
		addrBuf.WriteByte(t.Type)
		binary.Write(&addrBuf, binary.BigEndian, uint16(len(t.Value)))
		addrBuf.Write(t.Value)
	}

	var buf bytes.Buffer
	buf.Write(proxyproto.V2Signature[:])
	buf.WriteByte(0x21) // version 2, command PROXY
	buf.WriteByte(0x00) // AF_UNSPEC, UNSPEC transport: TLV-only body
	binary.Write(&buf, binary.BigEndian, uint16(addrBuf.Len()))
	buf.Write(addrBuf.Bytes())

	_, err := w.Write(buf.Bytes())
	return trace.Wrap(err)
}
