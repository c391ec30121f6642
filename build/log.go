// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package build holds the compile-time switches of the indexer: the
// deployment type and how library loggers are constructed before the daemon
// installs its own backend.
package build

import (
	"os"

	"github.com/btcsuite/btclog"
)

// LogType is an indicating the type of logging specified by the build flag.
type LogType byte

const (
	// LogTypeNone indicates no logging.
	LogTypeNone LogType = iota

	// LogTypeStdOut all logging is written directly to stdout.
	LogTypeStdOut

	// LogTypeDefault logs to both stdout and the daemon's log rotator.
	LogTypeDefault
)

// String returns a human readable identifier for the logging type.
func (t LogType) String() string {
	switch t {
	case LogTypeNone:
		return "none"
	case LogTypeStdOut:
		return "stdout"
	case LogTypeDefault:
		return "default"
	default:
		return "unknown"
	}
}

// SubLoggerGen creates the logger of a subsystem from a shared backend.
type SubLoggerGen func(subsystem string) btclog.Logger

// NewSubLogger constructs a new subsystem log. Library packages call it from
// their init with a nil generator, which leaves logging disabled unless the
// binary was built for development with stdout logging. The daemon calls it
// with a generator bound to its own backend.
func NewSubLogger(subsystem string, genSubLogger SubLoggerGen) btclog.Logger {
	switch {
	case LoggingType == LogTypeNone:
		return btclog.Disabled

	case genSubLogger != nil:
		return genSubLogger(subsystem)

	// Unit tests built with the dev and stdlog tags get their own stdout
	// backend per subsystem, since nothing else installs one.
	case Deployment == Development && LoggingType == LogTypeStdOut:
		backend := btclog.NewBackend(os.Stdout)
		logger := backend.Logger(subsystem)

		level, _ := btclog.LevelFromString(LogLevel)
		logger.SetLevel(level)

		return logger
	}

	return btclog.Disabled
}
