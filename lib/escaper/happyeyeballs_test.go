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

package escaper

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDialHappyEyeballsPicksFirstReachableAddress(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	addrs := []net.IP{net.ParseIP("192.0.2.1"), net.ParseIP("127.0.0.1")}

	cfg := HappyEyeballsConfig{ConnectionAttemptDelay: 20 * time.Millisecond, EachTimeout: time.Second, MaxRetry: 1}
	conn, ip, err := DialHappyEyeballs(context.Background(), port, addrs, cfg)
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, "127.0.0.1", ip.String())
}

func TestDialHappyEyeballsFailsWhenNoAddressReachable(t *testing.T) {
	addrs := []net.IP{net.ParseIP("192.0.2.1"), net.ParseIP("192.0.2.2")}
	cfg := HappyEyeballsConfig{ConnectionAttemptDelay: 5 * time.Millisecond, EachTimeout: 100 * time.Millisecond, MaxRetry: 1}
	_, _, err := DialHappyEyeballs(context.Background(), 9, addrs, cfg)
	require.Error(t, err)
}
