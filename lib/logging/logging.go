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

// Package logging configures the process-wide logrus logger and builds
// per-component entries used throughout the forwarding core.
package logging

import (
	"io"
	"os"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/egressd"
)

// Init configures the standard logger for daemon use: text formatting to
// stderr at the given level. A daemon always logs, it never discards.
func Init(level logrus.Level) {
	logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks))
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		DisableColors: !trace.IsTerminal(os.Stderr),
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	logrus.SetOutput(os.Stderr)
}

// Discard silences the standard logger, used by tests that don't want log
// noise but still want logging calls to be safe no-ops.
func Discard() {
	logrus.SetOutput(io.Discard)
}

// Component returns a *logrus.Entry tagged with trace.Component for the
// given colon-joined component name, e.g. Component(egressd.ComponentResolver, "cache").
func Component(parts...string) *logrus.Entry {
	return logrus.WithField(trace.Component, egressd.Component(parts...))
}
