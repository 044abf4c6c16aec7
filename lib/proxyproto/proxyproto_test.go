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

package proxyproto

import (
	"bufio"
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadV2RoundTrip(t *testing.T) {
	src := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 51234}
	dst := &net.TCPAddr{IP: net.ParseIP("93.184.216.34"), Port: 443}
	tlvs := []TLV{{Type: 0xE0, Value: []byte("sticky-key")}}

	var buf bytes.Buffer
	require.NoError(t, WriteV2(&buf, src, dst, tlvs))

	gotSrc, gotDst, gotTLVs, err := ReadV2(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.True(t, gotSrc.IP.Equal(src.IP))
	require.Equal(t, src.Port, gotSrc.Port)
	require.True(t, gotDst.IP.Equal(dst.IP))
	require.Equal(t, dst.Port, gotDst.Port)
	require.Equal(t, tlvs, gotTLVs)
}

func TestWriteReadV2RoundTripIPv6(t *testing.T) {
	src := &net.TCPAddr{IP: net.ParseIP("2001:db8::1"), Port: 1111}
	dst := &net.TCPAddr{IP: net.ParseIP("2001:db8::2"), Port: 2222}

	var buf bytes.Buffer
	require.NoError(t, WriteV2(&buf, src, dst, nil))

	gotSrc, gotDst, gotTLVs, err := ReadV2(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.True(t, gotSrc.IP.Equal(src.IP))
	require.True(t, gotDst.IP.Equal(dst.IP))
	require.Empty(t, gotTLVs)
}

func TestReadV1ParsesTextHeader(t *testing.T) {
	src := &net.TCPAddr{IP: net.ParseIP("192.168.1.5"), Port: 4000}
	dst := &net.TCPAddr{IP: net.ParseIP("192.168.1.6"), Port: 80}

	var buf bytes.Buffer
	require.NoError(t, WriteV1(&buf, src, dst))

	gotSrc, gotDst, err := ReadV1(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.True(t, gotSrc.IP.Equal(src.IP))
	require.Equal(t, src.Port, gotSrc.Port)
	require.True(t, gotDst.IP.Equal(dst.IP))
	require.Equal(t, dst.Port, gotDst.Port)
}

func TestReadDispatchesOnSignature(t *testing.T) {
	src := &net.TCPAddr{IP: net.ParseIP("10.1.1.1"), Port: 1}
	dst := &net.TCPAddr{IP: net.ParseIP("10.1.1.2"), Port: 2}

	var v1buf bytes.Buffer
	require.NoError(t, WriteV1(&v1buf, src, dst))
	gotSrc, gotDst, gotTLVs, err := Read(bufio.NewReader(&v1buf))
	require.NoError(t, err)
	require.True(t, gotSrc.IP.Equal(src.IP))
	require.True(t, gotDst.IP.Equal(dst.IP))
	require.Empty(t, gotTLVs)

	var v2buf bytes.Buffer
	require.NoError(t, WriteV2(&v2buf, src, dst, nil))
	gotSrc, gotDst, _, err = Read(bufio.NewReader(&v2buf))
	require.NoError(t, err)
	require.True(t, gotSrc.IP.Equal(src.IP))
	require.True(t, gotDst.IP.Equal(dst.IP))
}
