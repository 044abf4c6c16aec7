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
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gravitational/egressd/lib/task"
	"github.com/gravitational/egressd/lib/user"
)

func TestPolicyActionForDefaultsToBypass(t *testing.T) {
	p := Policy{Actions: map[Protocol]Action{ProtocolHTTP2: ActionIntercept}}
	require.Equal(t, ActionIntercept, p.actionFor(ProtocolHTTP2))
	require.Equal(t, ActionBypass, p.actionFor(ProtocolSMTP))
}

func TestEffectiveRatioAppliesUserOverride(t *testing.T) {
	cfg := Config{Name: "a", TaskAuditRatio: 0.5}
	require.NoError(t, cfg.checkAndSetDefaults())

	tsk := task.New(context.Background(), task.ClientFacts{})
	require.InDelta(t, 0.5, cfg.effectiveRatio(tsk), 1e-9)

	half := 0.5
	tsk.SetUser(&user.User{Name: "bob", AuditRatio: &half})
	require.InDelta(t, 0.25, cfg.effectiveRatio(tsk), 1e-9)
}

func TestSampleAlwaysTrueAtRatioOne(t *testing.T) {
	cfg := Config{Name: "a", TaskAuditRatio: 1}
	require.NoError(t, cfg.checkAndSetDefaults())
	tsk := task.New(context.Background(), task.ClientFacts{})
	for i := 0; i < 20; i++ {
		require.True(t, cfg.sample(tsk))
	}
}

func TestSampleAlwaysFalseAtRatioZero(t *testing.T) {
	cfg := Config{Name: "a", TaskAuditRatio: 1}
	require.NoError(t, cfg.checkAndSetDefaults())
	tsk := task.New(context.Background(), task.ClientFacts{})
	zero := 0.0
	tsk.SetUser(&user.User{Name: "bob", AuditRatio: &zero})
	for i := 0; i < 20; i++ {
		require.False(t, cfg.sample(tsk))
	}
}
