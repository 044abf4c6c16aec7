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

// Package proxyproto writes (and, for the port-chaining server engine,
// parses) HAProxy PROXY protocol v1/v2 preambles, used by proxy-http(s)
// leaves' optional preamble and the stream-detour client's private TLVs.
//
package proxyproto

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
)

// V2Signature is the 12-byte magic prefix of every v2 header.
var V2Signature = [12]byte{0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A}

// TLV is a single type-length-value extension, used to carry the
// request's auxiliary routing metadata (e.g. an upstream selection key)
// through the stream-detour QUIC hop.
type TLV struct {
	Type byte
	Value []byte
}

// WriteV1 writes the human-readable v1 preamble:
// "PROXY TCP4 src dst srcport dstport\r\n" (or TCP6).
func WriteV1(w io.Writer, src, dst *net.TCPAddr) error {
	proto := "TCP4"
	if src.IP.To4() == nil {
		proto = "TCP6"
	}
	_, err := fmt.Fprintf(w, "PROXY %s %s %s %d %d\r\n", proto, src.IP.String(), dst.IP.String(), src.Port, dst.Port)
	return trace.Wrap(err)
}

// WriteV2 writes a binary v2 PROXY header for a TCP over IPv4/IPv6
// connection, with optional TLVs appended.
func WriteV2(w io.Writer, src, dst *net.TCPAddr, tlvs []TLV) error {
	var buf bytes.Buffer
	buf.Write(V2Signature[:])
	buf.WriteByte(0x21) // version 2, command PROXY

	var addrBuf bytes.Buffer
	v4 := src.IP.To4()
	famTransport := byte(0x11) // AF_INET, STREAM
	if v4 == nil {
		famTransport = 0x21 // AF_INET6, STREAM
		addrBuf.Write(src.IP.To16())
		addrBuf.Write(dst.IP.To16())
	} else {
		addrBuf.Write(v4)
		addrBuf.Write(dst.IP.To4())
	}
	binary.Write(&addrBuf, binary.BigEndian, uint16(src.Port))
	binary.Write(&addrBuf, binary.BigEndian, uint16(dst.Port))

	for _, t := range tlvs {
		addrBuf.WriteByte(t.Type)
		binary.Write(&addrBuf, binary.BigEndian, uint16(len(t.Value)))
		addrBuf.Write(t.Value)
	}

	buf.WriteByte(famTransport)
	binary.Write(&buf, binary.BigEndian, uint16(addrBuf.Len()))
	buf.Write(addrBuf.Bytes())

	_, err := w.Write(buf.Bytes())
	return trace.Wrap(err)
}

// ReadV2 parses a binary v2 header from r, returning the embedded
// addresses and any TLVs. Used by the port-chaining server engine to
// accept PROXY-protocol-wrapped connections from a trusted front end.
func ReadV2(r io.Reader) (src, dst *net.TCPAddr, tlvs []TLV, err error) {
	var sig [12]byte
	if _, err = io.ReadFull(r, sig[:]); err != nil {
		return nil, nil, nil, trace.Wrap(err)
	}
	if sig != V2Signature {
		return nil, nil, nil, trace.BadParameter("not a PROXY v2 header")
	}

	var verCmd, famTransport byte
	if err = binary.Read(r, binary.BigEndian, &verCmd); err != nil {
		return nil, nil, nil, trace.Wrap(err)
	}
	if err = binary.Read(r, binary.BigEndian, &famTransport); err != nil {
		return nil, nil, nil, trace.Wrap(err)
	}

	var length uint16
	if err = binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, nil, nil, trace.Wrap(err)
	}
	body := make([]byte, length)
	if _, err = io.ReadFull(r, body); err != nil {
		return nil, nil, nil, trace.Wrap(err)
	}

	switch famTransport {
	case 0x11: // AF_INET, STREAM
		if len(body) < 12 {
			return nil, nil, nil, trace.BadParameter("short IPv4 PROXY v2 body")
		}
		src = &net.TCPAddr{IP: net.IP(body[0:4]), Port: int(binary.BigEndian.Uint16(body[8:10]))}
		dst = &net.TCPAddr{IP: net.IP(body[4:8]), Port: int(binary.BigEndian.Uint16(body[10:12]))}
		tlvs = parseTLVs(body[12:])
	case 0x21: // AF_INET6, STREAM
		if len(body) < 36 {
			return nil, nil, nil, trace.BadParameter("short IPv6 PROXY v2 body")
		}
		src = &net.TCPAddr{IP: net.IP(body[0:16]), Port: int(binary.BigEndian.Uint16(body[32:34]))}
		dst = &net.TCPAddr{IP: net.IP(body[16:32]), Port: int(binary.BigEndian.Uint16(body[34:36]))}
		tlvs = parseTLVs(body[36:])
	default:
		return nil, nil, nil, trace.BadParameter("unsupported PROXY v2 family/transport 0x%02x", famTransport)
	}
	return src, dst, tlvs, nil
}

// ReadV1 parses a text v1 header line: "PROXY TCP4|TCP6 src dst srcport
// dstport\r\n".
func ReadV1(r *bufio.Reader) (src, dst *net.TCPAddr, err error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	line = strings.TrimRight(line, "\r\n")
	fields := strings.Fields(line)
	if len(fields) != 6 || fields[0] != "PROXY" {
		return nil, nil, trace.BadParameter("malformed PROXY v1 header: %q", line)
	}
	srcPort, err := strconv.Atoi(fields[4])
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	dstPort, err := strconv.Atoi(fields[5])
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	srcIP := net.ParseIP(fields[2])
	dstIP := net.ParseIP(fields[3])
	if srcIP == nil || dstIP == nil {
		return nil, nil, trace.BadParameter("malformed PROXY v1 address in %q", line)
	}
	return &net.TCPAddr{IP: srcIP, Port: srcPort}, &net.TCPAddr{IP: dstIP, Port: dstPort}, nil
}

// Read peeks at the first bytes of r to detect v1 (text) vs v2 (binary)
// framing and dispatches to the matching parser, for the port-chaining
// and intelli-proxy server engines which accept either.
func Read(r *bufio.Reader) (src, dst *net.TCPAddr, tlvs []TLV, err error) {
	peek, err := r.Peek(len(V2Signature))
	if err != nil {
		return nil, nil, nil, trace.Wrap(err)
	}
	if bytes.Equal(peek, V2Signature[:]) {
		return ReadV2(r)
	}
	src, dst, err = ReadV1(r)
	return src, dst, nil, trace.Wrap(err)
}

func parseTLVs(b []byte) []TLV {
	var out []TLV
	for len(b) >= 3 {
		t := b[0]
		l := int(binary.BigEndian.Uint16(b[1:3]))
		if 3+l > len(b) {
			break
		}
		out = append(out, TLV{Type: t, Value: b[3: 3+l]})
		b = b[3+l:]
	}
	return out
}
