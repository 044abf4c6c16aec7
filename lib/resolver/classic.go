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

package resolver

import (
	"context"
	"net"
	"time"

	"github.com/gravitational/trace"
	"github.com/miekg/dns"

	"github.com/gravitational/egressd/lib/defaults"
)

// ClassicDriver is the "c-ares"-equivalent driver: plain UDP with TCP
// fallback on truncation, against a fixed list of upstream servers. Each
// target is tried up to EachTries times, each try bounded by EachTimeout;
// the first positive answer from any server wins.
type ClassicDriver struct {
	Servers     []string // host:port, e.g. "1.1.1.1:53"
	EachTimeout time.Duration
	EachTries   int

	client *dns.Client
}

// NewClassicDriver builds a ClassicDriver against the given servers.
func NewClassicDriver(servers []string) (*ClassicDriver, error) {
	if len(servers) == 0 {
		return nil, trace.BadParameter("classic driver requires at least one server")
	}
	return &ClassicDriver{
		Servers:     servers,
		EachTimeout: defaults.EachDNSTimeout,
		EachTries:   defaults.EachDNSTries,
		client:      &dns.Client{Timeout: defaults.EachDNSTimeout},
	}, nil
}

func (d *ClassicDriver) Name() string { return "c-ares" }

func (d *ClassicDriver) qtype(family Family) uint16 {
	if family == FamilyV6 {
		return dns.TypeAAAA
	}
	return dns.TypeA
}

func (d *ClassicDriver) Lookup(ctx context.Context, name string, family Family) (Answer, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), d.qtype(family))
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range d.Servers {
		for try := 0; try < d.EachTries; try++ {
			resp, _, err := d.client.ExchangeContext(ctx, msg, server)
			if err == nil && resp.Truncated {
				tcpClient := &dns.Client{Net: "tcp", Timeout: d.client.Timeout}
				resp, _, err = tcpClient.ExchangeContext(ctx, msg, server)
			}
			if err != nil {
				lastErr = trace.Wrap(err, "server %s", server)
				continue
			}
			if resp.Rcode == dns.RcodeNameError {
				return Answer{}, trace.NotFound("NXDOMAIN for %s", name)
			}
			if resp.Rcode != dns.RcodeSuccess {
				lastErr = trace.Errorf("server %s returned rcode %d", server, resp.Rcode)
				continue
			}
			return answerFromRRs(resp.Answer, family)
		}
	}
	if lastErr == nil {
		lastErr = trace.ConnectionProblem(nil, "no DNS servers configured")
	}
	return Answer{}, trace.Wrap(lastErr, "classic driver exhausted all servers for %s", name)
}

func answerFromRRs(rrs []dns.RR, family Family) (Answer, error) {
	var addrs []net.IP
	var ttl uint32 = ^uint32(0)
	for _, rr := range rrs {
		switch family {
		case FamilyV4:
			if a, ok := rr.(*dns.A); ok {
				addrs = append(addrs, a.A)
				if a.Hdr.Ttl < ttl {
					ttl = a.Hdr.Ttl
				}
			}
		case FamilyV6:
			if aaaa, ok := rr.(*dns.AAAA); ok {
				addrs = append(addrs, aaaa.AAAA)
				if aaaa.Hdr.Ttl < ttl {
					ttl = aaaa.Hdr.Ttl
				}
			}
		}
	}
	if len(addrs) == 0 {
		return Answer{}, trace.NotFound("no matching records in response")
	}
	if ttl == ^uint32(0) {
		ttl = 0
	}
	return Answer{Addresses: addrs, TTL: time.Duration(ttl) * time.Second}, nil
}
