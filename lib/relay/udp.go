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

package relay

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/gravitational/trace"

	"github.com/gravitational/egressd/lib/defaults"
)

// learnedAddr holds the most recently observed client source address for
// an associate-style UDP relay, shared between the upload copier (which
// writes it) and the download copier (which reads it to address reply
// packets back to the client).
type learnedAddr struct {
	mu sync.Mutex
	addr net.Addr
}

func (l *learnedAddr) set(a net.Addr) {
	l.mu.Lock()
	l.addr = a
	l.mu.Unlock()
}

func (l *learnedAddr) get() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addr
}

// UDPChannel relays datagrams between a client-facing and upstream-facing
// PacketConn: per-packet copy with a size cap and
// batched send/recv, identical fatal-error termination rules to the TCP
// Channel.
type UDPChannel struct {
	Client net.PacketConn
	Upstream net.PacketConn
	// UpstreamAddr is fixed for an associate-style UDP relay: every
	// client datagram is forwarded to this address. The reverse
	// direction learns which client address to reply to from the most
	// recent datagram Client received, rather than from a fixed address.
	UpstreamAddr net.Addr

	PacketSize int
	BatchSize int

	UploadLimiter Limiter
	DownloadLimiter Limiter

	bytesUp int64
	bytesDown int64
}

func (c *UDPChannel) Stats() (up, down int64) {
	return atomic.LoadInt64(&c.bytesUp), atomic.LoadInt64(&c.bytesDown)
}

// Run relays datagrams in both directions until either side returns a
// fatal (non-timeout) error or is closed.
func (c *UDPChannel) Run() error {
	packetSize := c.PacketSize
	if packetSize <= 0 {
		packetSize = defaults.UDPRelayPacketSize
	}
	batchSize := c.BatchSize
	if batchSize <= 0 {
		batchSize = defaults.UDPRelayBatchSize
	}

	var client learnedAddr

	var wg sync.WaitGroup
	var errs [2]error
	wg.Add(2)

	go func() {
		defer wg.Done()
		errs[0] = copyPacketsFixedDst(c.Upstream, c.UpstreamAddr, c.Client, &client, packetSize, batchSize, c.UploadLimiter, &c.bytesUp)
	}()
	go func() {
		defer wg.Done()
		errs[1] = copyPacketsLearnedDst(c.Client, &client, c.Upstream, packetSize, batchSize, c.DownloadLimiter, &c.bytesDown)
	}()

	wg.Wait()
	return trace.NewAggregate(errs[0], errs[1])
}

// copyPacketsFixedDst relays datagrams from src to dst, forwarding every
// datagram to the fixed dstAddr (the upstream side of an associate-style
// relay), while recording each datagram's source address into learn (so
// the reverse direction knows where to send replies). Runs until src or
// dst returns a fatal error. batchSize datagrams are drained per
// scheduling pass before yielding, the UDP analogue of the TCP copier's
// yield size.
func copyPacketsFixedDst(dst net.PacketConn, dstAddr net.Addr, src net.PacketConn, learn *learnedAddr, packetSize, batchSize int, limiter Limiter, counter *int64) error {
	buf := make([]byte, packetSize)
	for {
		for i := 0; i < batchSize; i++ {
			n, from, err := src.ReadFrom(buf)
			if err != nil {
				return trace.Wrap(err)
			}
			learn.set(from)
			if limiter != nil {
				limiter.Take(int64(n))
			}
			if _, err := dst.WriteTo(buf[:n], dstAddr); err != nil {
				return trace.Wrap(err)
			}
			atomic.AddInt64(counter, int64(n))
		}
	}
}

// copyPacketsLearnedDst relays datagrams from src to dst, addressing each
// outgoing datagram to whichever client address learn most recently
// observed. Datagrams read before any address has been learned are
// dropped, matching an associate-style relay that cannot reply before a
// client has sent it at least one packet.
func copyPacketsLearnedDst(dst net.PacketConn, learn *learnedAddr, src net.PacketConn, packetSize, batchSize int, limiter Limiter, counter *int64) error {
	buf := make([]byte, packetSize)
	for {
		for i := 0; i < batchSize; i++ {
			n, _, err := src.ReadFrom(buf)
			if err != nil {
				return trace.Wrap(err)
			}
			dstAddr := learn.get()
			if dstAddr == nil {
				continue
			}
			if limiter != nil {
				limiter.Take(int64(n))
			}
			if _, err := dst.WriteTo(buf[:n], dstAddr); err != nil {
				return trace.Wrap(err)
			}
			atomic.AddInt64(counter, int64(n))
		}
	}
}
