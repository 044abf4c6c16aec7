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

// Package task implements the per-connection Task entity: identity,
// client facts, the selected user and escaper path, and the
// cancellation handle that every other subsystem keys off of.
//
package task

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gravitational/egressd/lib/escaper"
	"github.com/gravitational/egressd/lib/user"
)

// ClientFacts is the immutable-for-the-task set of observed client
// attributes: observed peer address, TLS peer identity if any, and the
// HTTP headers that participate in selection.
type ClientFacts struct {
	RemoteAddr net.IP
	RemotePort int
	TLSPeerCN string
	SelectionHeaders map[string]string
}

func (f ClientFacts) toUserFacts() user.ClientFacts {
	return user.ClientFacts{RemoteAddr: f.RemoteAddr}
}

// Task is one ingress connection's lifetime record. One Task exists per
// ingress TCP connection; a UDP-associate task spans its control
// connection's lifetime.
type Task struct {
	ID uuid.UUID
	StartedAt time.Time
	Client ClientFacts

	mu sync.RWMutex
	upstream escaper.EgressContext // current upstream; UpstreamHost/Port/IP
	user *user.User
	escaperPath []string

	ctx context.Context
	cancel context.CancelFunc
}

// New creates a Task bound to parent: canceling parent cancels the task,
// and canceling the task (via Cancel) does not affect parent.
func New(parent context.Context, client ClientFacts) *Task {
	ctx, cancel := context.WithCancel(parent)
	return &Task{
		ID: uuid.New(),
		StartedAt: time.Now(),
		Client: client,
		ctx: ctx,
		cancel: cancel,
	}
}

// Context returns the task's cancellation-bound context, passed to every
// blocking operation performed on the task's behalf.
func (t *Task) Context() context.Context { return t.ctx }

// Cancel tears down the task: in-flight dials, relay copiers, and
// interception sessions observe ctx.Done() and unwind.
func (t *Task) Cancel() { t.cancel() }

// SetUser records the authenticated user for this task, for later limit
// checks and logging.
func (t *Task) SetUser(u *user.User) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.user = u
}

// User returns the task's authenticated user, or nil if none has been set
// (e.g. authentication not yet run, or it failed).
func (t *Task) User() *user.User {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.user
}

// AppendEscaperPath records one more hop of the escaper graph traversal,
// for logging the path a request actually took.
func (t *Task) AppendEscaperPath(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.escaperPath = append(t.escaperPath, name)
}

// EscaperPath returns a copy of the recorded traversal path.
func (t *Task) EscaperPath() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, len(t.escaperPath))
	copy(out, t.escaperPath)
	return out
}

// NewEgressContext builds the escaper.EgressContext for dialing host:port,
// carrying this task's user, client facts, selection hint, cancellation,
// and server-side address for consistent-hash keys.
func (t *Task) NewEgressContext(host string, port int, hint escaper.SelectionHint, serverIP net.IP, streamForwarder bool) *escaper.EgressContext {
	return &escaper.EgressContext{
		Context: t.ctx,
		UpstreamHost: host,
		UpstreamPort: port,
		User: t.User(),
		Client: t.Client.toUserFacts(),
		Hint: hint,
		ServerIP: serverIP,
		StreamForwarder: streamForwarder,
	}
}
