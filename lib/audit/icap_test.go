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
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// serveOneICAPReply accepts a single connection on ln, discards whatever
// the client sends, and writes reply verbatim as the ICAP response.
func serveOneICAPReply(t *testing.T, ln net.Listener, reply string) {
	t.Helper()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		for {
			line, err := br.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		conn.Write([]byte(reply))
	}()
}

func TestICAPClientRespmodPassesThrough204Unmodified(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serveOneICAPReply(t, ln, "ICAP/1.0 204 No Content\r\nISTag: \"abc\"\r\n\r\n")

	c, err := NewICAPClient(ICAPClientConfig{Addr: ln.Addr().String(), Service: "respmod", Timeout: time.Second})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	require.NoError(t, err)
	resp := &http.Response{StatusCode: 200, Proto: "HTTP/1.1", ProtoMajor: 1, ProtoMinor: 1, Header: make(http.Header), Body: http.NoBody}

	adapted, ok := c.Respmod(req, resp)
	require.False(t, ok)
	require.Nil(t, adapted)
}

func TestICAPClientRespmodAppliesModified200Response(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	body := "blocked by policy"
	innerHeader := "HTTP/1.1 403 Forbidden\r\nContent-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n"
	chunked := strconv.FormatInt(int64(len(body)), 16) + "\r\n" + body + "\r\n0\r\n\r\n"

	reply := "ICAP/1.0 200 OK\r\n" +
		"ISTag: \"abc\"\r\n" +
		"Encapsulated: res-hdr=0, res-body=" + strconv.Itoa(len(innerHeader)) + "\r\n" +
		"\r\n" +
		innerHeader + chunked

	serveOneICAPReply(t, ln, reply)

	c, err := NewICAPClient(ICAPClientConfig{Addr: ln.Addr().String(), Service: "respmod", Timeout: time.Second})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	require.NoError(t, err)
	resp := &http.Response{StatusCode: 200, Proto: "HTTP/1.1", ProtoMajor: 1, ProtoMinor: 1, Header: make(http.Header), Body: http.NoBody}

	adapted, ok := c.Respmod(req, resp)
	require.True(t, ok)
	require.Equal(t, 403, adapted.StatusCode)

	got, err := io.ReadAll(adapted.Body)
	require.NoError(t, err)
	require.Equal(t, body, string(got))
}

func TestICAPClientReqmodAppliesModified200Request(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	body := "rewritten"
	innerHeader := "GET /rewritten HTTP/1.1\r\nHost: example.com\r\nContent-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n"
	chunked := strconv.FormatInt(int64(len(body)), 16) + "\r\n" + body + "\r\n0\r\n\r\n"

	reply := "ICAP/1.0 200 OK\r\n" +
		"ISTag: \"abc\"\r\n" +
		"Encapsulated: req-hdr=0, req-body=" + strconv.Itoa(len(innerHeader)) + "\r\n" +
		"\r\n" +
		innerHeader + chunked

	serveOneICAPReply(t, ln, reply)

	c, err := NewICAPClient(ICAPClientConfig{Addr: ln.Addr().String(), Service: "reqmod", Timeout: time.Second})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, "http://example.com/original", nil)
	require.NoError(t, err)

	adapted, ok := c.Reqmod(req)
	require.True(t, ok)
	require.Equal(t, "/rewritten", adapted.URL.Path)
}
