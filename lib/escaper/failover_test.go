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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type failingEscaper struct {
	name  string
	delay time.Duration
	err   error
}

func (f *failingEscaper) Name() string { return f.name }

func (f *failingEscaper) Open(ctx *EgressContext) (*Conn, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &Conn{}, nil
}

func TestRouteFailoverUsesPrimaryWhenFast(t *testing.T) {
	r := &RouteFailover{
		NameStr:       "failover",
		Primary:       &failingEscaper{name: "primary"},
		Standby:       &failingEscaper{name: "standby", err: errors.New("should not be called")},
		FallbackDelay: 50 * time.Millisecond,
	}
	ctx := &EgressContext{Context: context.Background()}
	_, err := r.Open(ctx)
	require.NoError(t, err)
}

func TestRouteFailoverFallsBackToStandbyOnPrimaryError(t *testing.T) {
	r := &RouteFailover{
		NameStr:       "failover",
		Primary:       &failingEscaper{name: "primary", err: errors.New("primary down")},
		Standby:       &failingEscaper{name: "standby"},
		FallbackDelay: 50 * time.Millisecond,
	}
	ctx := &EgressContext{Context: context.Background()}
	_, err := r.Open(ctx)
	require.NoError(t, err)
}

func TestRouteFailoverStartsStandbyAfterDelay(t *testing.T) {
	r := &RouteFailover{
		NameStr:       "failover",
		Primary:       &failingEscaper{name: "primary", delay: 200 * time.Millisecond},
		Standby:       &failingEscaper{name: "standby"},
		FallbackDelay: 20 * time.Millisecond,
	}
	ctx := &EgressContext{Context: context.Background()}
	start := time.Now()
	_, err := r.Open(ctx)
	require.NoError(t, err)
	require.Less(t, time.Since(start), 150*time.Millisecond)
}
