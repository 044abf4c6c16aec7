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

// Package relay implements the bidirectional copy loop that moves bytes
// between a task's client and upstream sockets, subject to per-socket
// speed limits and idle detection.
package relay

import (
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/gravitational/trace"

	"github.com/gravitational/egressd/lib/defaults"
	"github.com/gravitational/egressd/lib/ratelimit"
	"github.com/gravitational/egressd/lib/utils"
)

// halfCloser is implemented by every connection type the relay copies:
// TCP and TLS connections both support closing only the write side so
// the peer observes EOF while reads keep flowing.
type halfCloser interface {
	CloseWrite() error
}

// Limiter bounds a single direction's throughput. A nil Limiter imposes
// no limit.
type Limiter interface {
	Take(n int64)
}

// Channel is a pair of half-duplex copiers bound to one task's relay
// channel. Destroyed at task end.
type Channel struct {
	Client net.Conn
	Upstream net.Conn

	// UploadLimiter/DownloadLimiter are the per-socket speed limiters;
	// either may be nil.
	UploadLimiter Limiter
	DownloadLimiter Limiter

	BufferSize int

	bytesUp int64
	bytesDown int64
}

// Stats returns the cumulative bytes transferred in each direction since
// the channel started, used by the idle checker.
func (c *Channel) Stats() (up, down int64) {
	return atomic.LoadInt64(&c.bytesUp), atomic.LoadInt64(&c.bytesDown)
}

// Run copies bytes in both directions until one side reaches EOF or a
// fatal error, half-closing the peer's write side as each copier
// finishes. Run blocks until both copiers have finished.
func (c *Channel) Run() error {
	bufSize := c.BufferSize
	if bufSize <= 0 {
		bufSize = defaults.TCPCopyBufferSize
	}
	if bufSize < defaults.TCPCopyBufferMin {
		bufSize = defaults.TCPCopyBufferMin
	}

	pool := utils.NewSliceSyncPool(int64(bufSize))

	var wg sync.WaitGroup
	var errs [2]error
	wg.Add(2)

	go func() {
		defer wg.Done()
		errs[0] = copyDirection(c.Upstream, c.Client, c.UploadLimiter, pool, &c.bytesUp)
	}()
	go func() {
		defer wg.Done()
		errs[1] = copyDirection(c.Client, c.Upstream, c.DownloadLimiter, pool, &c.bytesDown)
	}()

	wg.Wait()
	return trace.NewAggregate(errs[0], errs[1])
}

// copyDirection copies from src to dst, yielding after TCPCopyYieldSize
// bytes (cooperative scheduling hint, a no-op for a goroutine-per-copier
// model) and half-closing dst's write side on a clean EOF from src.
func copyDirection(dst io.Writer, src io.Reader, limiter Limiter, pool *utils.SliceSyncPool, counter *int64) error {
	buf := pool.Get()
	defer pool.Put(buf)

	var sinceYield int
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if limiter != nil {
				limiter.Take(int64(n))
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return trace.Wrap(werr)
			}
			atomic.AddInt64(counter, int64(n))
			sinceYield += n
			if sinceYield >= defaults.TCPCopyYieldSize {
				sinceYield = 0
			}
		}
		if err != nil {
			if err == io.EOF {
				if hc, ok := dst.(halfCloser); ok {
					hc.CloseWrite()
				}
				return nil
			}
			return trace.Wrap(err)
		}
	}
}
