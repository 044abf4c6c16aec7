/*
Copyright 2016-2021 Gravitational, Inc.

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

package utils

import (
	"net"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
	"golang.org/x/net/idna"
)

// NetAddr is a (network, host, port) tuple. It matches the upstream address
// entity from: host is either an IDNA domain or a literal
// IP, port is always present once resolved, and equality is structural.
type NetAddr struct {
	// Network is "tcp" or "udp".
	Network string
	// Host is the domain (IDNA-normalized) or literal IP.
	Host string
	// Port is the numeric port, always >0 once the address is considered
	// "resolved form".
	Port int
}

// String renders the address as network-qualified host:port.
func (a NetAddr) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Equal implements structural equality per.
func (a NetAddr) Equal(b NetAddr) bool {
	return a.Network == b.Network && a.Host == b.Host && a.Port == b.Port
}

// IsIP reports whether Host is a literal IP address rather than a domain.
func (a NetAddr) IsIP() bool {
	return net.ParseIP(a.Host) != nil
}

// ParseNetAddr parses "host:port" into a NetAddr, IDNA-normalizing domain
// hosts and leaving literal IPs untouched.
func ParseNetAddr(network, hostport string) (NetAddr, error) {
	host, portStr, err := SplitHostPort(hostport)
	if err != nil {
		return NetAddr{}, trace.Wrap(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return NetAddr{}, trace.BadParameter("invalid port in %q: %v", hostport, err)
	}
	if net.ParseIP(host) == nil {
		normalized, err := idna.Lookup.ToASCII(host)
		if err != nil {
			return NetAddr{}, trace.BadParameter("invalid host %q: %v", host, err)
		}
		host = normalized
	}
	return NetAddr{Network: network, Host: host, Port: port}, nil
}

// SplitHostPort splits "host:port" accepting bracketed IPv6 literals, and
// rejecting a missing port the way the rest of the forwarding core expects
// (resolved-form upstream addresses always carry a port).
func SplitHostPort(hostport string) (host, port string, err error) {
	host, port, err = net.SplitHostPort(hostport)
	if err != nil {
		return "", "", trace.Wrap(err)
	}
	if port == "" {
		return "", "", trace.BadParameter("missing port in address %q", hostport)
	}
	return host, port, nil
}

// IsUseOfClosedNetworkError reports whether err indicates an operation on an
// already-closed net.Listener/net.Conn, the signal every accept loop in this
// module uses to distinguish "we closed it" shutdown from a real I/O error.
func IsUseOfClosedNetworkError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
