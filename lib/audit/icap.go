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
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/egressd"
)

// ICAPClientConfig addresses one ICAP (RFC 3507) service endpoint.
type ICAPClientConfig struct {
	Addr string
	Service string // e.g. "reqmod" or "respmod"
	Timeout time.Duration
}

func (c *ICAPClientConfig) checkAndSetDefaults() error {
	if c.Addr == "" {
		return trace.BadParameter("missing parameter Addr")
	}
	if c.Service == "" {
		return trace.BadParameter("missing parameter Service")
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	return nil
}

// ICAPClient adapts HTTP transactions (or, for SMTP/IMAP, a synthetic
// HTTP/1.1 request wrapping the DATA message) through an external ICAP
// REQMOD or RESPMOD service.
type ICAPClient struct {
	cfg ICAPClientConfig
}

// NewICAPClient builds an ICAPClient from cfg.
func NewICAPClient(cfg ICAPClientConfig) (*ICAPClient, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &ICAPClient{cfg: cfg}, nil
}

// Reqmod sends req through the REQMOD service and returns the (possibly
// modified) request the real upstream should receive. ok is false if the
// service left the request unmodified or the exchange failed, in which
// case the caller keeps using the original request.
func (c *ICAPClient) Reqmod(req *http.Request) (*http.Request, bool) {
	resp, err := c.exchange(req, nil)
	if err != nil {
		return nil, false
	}
	return resp, resp != nil
}

// Respmod sends req/resp through the RESPMOD service and returns the
// (possibly modified) response the client should receive.
func (c *ICAPClient) Respmod(req *http.Request, resp *http.Response) (*http.Response, bool) {
	adapted, err := c.exchangeResponse(req, resp)
	if err != nil {
		return nil, false
	}
	return adapted, adapted != nil
}

// exchange implements the REQMOD leg: the ICAP request line carries the
// encapsulated HTTP request, and the ICAP response (assuming a 200 "OK
// modified") carries the adapted HTTP request in its body.
func (c *ICAPClient) exchange(req *http.Request, _ *http.Response) (*http.Request, error) {
	var reqBuf bytes.Buffer
	if err := req.Write(&reqBuf); err != nil {
		return nil, trace.Wrap(err)
	}

	icapReq := fmt.Sprintf("REQMOD icap://%s/%s ICAP/1.0\r\nHost: %s\r\nEncapsulated: req-hdr=0, req-body=%d\r\n\r\n",
		c.cfg.Addr, c.cfg.Service, c.cfg.Addr, reqBuf.Len())

	body, err := c.roundTrip(icapReq, reqBuf.Bytes())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if body == nil {
		return nil, nil
	}
	adapted, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(body)))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return adapted, nil
}

func (c *ICAPClient) exchangeResponse(req *http.Request, resp *http.Response) (*http.Response, error) {
	var respBuf bytes.Buffer
	if err := resp.Write(&respBuf); err != nil {
		return nil, trace.Wrap(err)
	}

	icapReq := fmt.Sprintf("RESPMOD icap://%s/%s ICAP/1.0\r\nHost: %s\r\nEncapsulated: res-hdr=0, res-body=%d\r\n\r\n",
		c.cfg.Addr, c.cfg.Service, c.cfg.Addr, respBuf.Len())

	body, err := c.roundTrip(icapReq, respBuf.Bytes())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if body == nil {
		return nil, nil
	}
	adapted, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(body)), req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return adapted, nil
}

// roundTrip sends the ICAP request line/headers followed by the
// encapsulated payload, and returns the adapted HTTP message's raw bytes
// (header block plus body, reassembled from the wire's chunk-encoded
// encapsulation), or nil if the service left the message unmodified
// ("204 No Content", or a "200" whose Encapsulated header carries no
// header/body section at all).
func (c *ICAPClient) roundTrip(icapHeader string, payload []byte) ([]byte, error) {
	conn, err := net.DialTimeout("tcp", c.cfg.Addr, c.cfg.Timeout)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.cfg.Timeout))

	if _, err := conn.Write([]byte(icapHeader)); err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := conn.Write(payload); err != nil {
		return nil, trace.Wrap(err)
	}

	tp := textproto.NewReader(bufio.NewReader(conn))
	statusLine, err := tp.ReadLine()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	hdr, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if strings.Contains(statusLine, " 204 ") {
		return nil, nil
	}
	if !strings.Contains(statusLine, " 200 ") {
		return nil, trace.NotImplemented("unhandled ICAP status line %q", statusLine)
	}

	sections, err := parseEncapsulated(hdr.Get("Encapsulated"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if sections.headerName == "" && sections.bodyName == "" {
		// e.g. a bare "null-body=0": the server answered 200 but carries
		// no adapted message at all, equivalent to leaving it unmodified.
		return nil, nil
	}

	var headerBytes []byte
	if sections.headerLen > 0 {
		headerBytes = make([]byte, sections.headerLen)
		if _, err := io.ReadFull(tp.R, headerBytes); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	var bodyBytes []byte
	if sections.bodyName != "" {
		bodyBytes, err = readChunkedBody(tp.R)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}

	return append(headerBytes, bodyBytes...), nil
}

// encapsulatedSections is the parsed form of an ICAP response's
// Encapsulated header: which header part is present (if any) and its
// byte length, and which body part is present (if any). The body, when
// present, always arrives chunk-encoded on the wire regardless of what
// the encapsulated HTTP message's own headers declare.
type encapsulatedSections struct {
	headerName string
	headerLen int
	bodyName string
}

// parseEncapsulated parses an Encapsulated header value such as
// "res-hdr=0, res-body=345" or "null-body=0" per RFC 3507 section 4.4.1.
func parseEncapsulated(value string) (encapsulatedSections, error) {
	var sections encapsulatedSections
	if strings.TrimSpace(value) == "" {
		return sections, trace.BadParameter("missing Encapsulated header")
	}

	type offset struct {
		name string
		pos int
	}
	var offsets []offset
	for _, part := range strings.Split(value, ",") {
		name, posStr, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return sections, trace.BadParameter("malformed Encapsulated header %q", value)
		}
		pos, err := strconv.Atoi(strings.TrimSpace(posStr))
		if err != nil {
			return sections, trace.Wrap(err, "parsing Encapsulated header %q", value)
		}
		offsets = append(offsets, offset{name: strings.TrimSpace(name), pos: pos})
	}

	for i, o := range offsets {
		switch o.name {
		case "req-hdr", "res-hdr":
			sections.headerName = o.name
			if i+1 < len(offsets) {
				sections.headerLen = offsets[i+1].pos - o.pos
			}
		case "req-body", "res-body":
			sections.bodyName = o.name
		}
	}
	return sections, nil
}

// readChunkedBody dechunks an ICAP-encapsulated body section: a sequence
// of "<hex size>\r\n<data>\r\n" chunks terminated by a zero-size chunk,
// the same framing RFC 3507 borrows from HTTP/1.1 chunked transfer
// coding.
func readChunkedBody(r *bufio.Reader) ([]byte, error) {
	var buf bytes.Buffer
	for {
		sizeLine, err := r.ReadString('\n')
		if err != nil {
			return nil, trace.Wrap(err)
		}
		sizeLine = strings.TrimSpace(strings.SplitN(sizeLine, ";", 2)[0])
		size, err := strconv.ParseInt(sizeLine, 16, 64)
		if err != nil {
			return nil, trace.Wrap(err, "parsing ICAP chunk size %q", sizeLine)
		}
		if size == 0 {
			if _, err := r.ReadString('\n'); err != nil && err != io.EOF {
				return nil, trace.Wrap(err)
			}
			return buf.Bytes(), nil
		}
		chunk := make([]byte, size)
		if _, err := io.ReadFull(r, chunk); err != nil {
			return nil, trace.Wrap(err)
		}
		buf.Write(chunk)
		if _, err := r.ReadString('\n'); err != nil {
			return nil, trace.Wrap(err)
		}
	}
}

// WrapSMTP builds the synthetic HTTP/1.1 PUT request used to run an SMTP
// DATA message through the REQMOD service: a message/rfc822 body tagged
// with the envelope's From/To and an X-Transformed-From marker.
func WrapSMTP(from, to string, data []byte) (*http.Request, error) {
	return wrapMessage("SMTP", data, map[string]string{
		egressd.HeaderSMTPFrom: from,
		egressd.HeaderSMTPTo: to,
	})
}

// WrapIMAP builds the synthetic HTTP/1.1 PUT request used to run an IMAP
// fetched message through the REQMOD service.
func WrapIMAP(data []byte) (*http.Request, error) {
	return wrapMessage("IMAP", data, nil)
}

func wrapMessage(proto string, data []byte, extra map[string]string) (*http.Request, error) {
	req, err := http.NewRequest(http.MethodPut, "http://local/message", bytes.NewReader(data))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	req.Header.Set("Content-Type", "message/rfc822")
	req.Header.Set(egressd.HeaderTransformedFrom, proto)
	for k, v := range extra {
		req.Header.Set(k, v)
	}
	req.ContentLength = int64(len(data))
	return req, nil
}
