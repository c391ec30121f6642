// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btclog"
	"github.com/btcsuite/walletindexer/build"
	"github.com/btcsuite/walletindexer/chain"
	"github.com/btcsuite/walletindexer/indexdb"
	"github.com/btcsuite/walletindexer/proposal"
	"github.com/btcsuite/walletindexer/rpc/apiserver"
	"github.com/btcsuite/walletindexer/synchronizer"
	"github.com/jrick/logrotate/rotator"
)

// logWriter implements an io.Writer that outputs to both standard output and
// the write-end pipe of an initialized log rotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

// Loggers per subsystem.  A single backend logger is created and all subsytem
// loggers created from it will write to the backend.  When adding new
// subsystems, add the subsystem logger variable here and to the
// subsystemLoggers map.
//
// Loggers can not be used before the log rotator has been initialized with a
// log file.  This must be performed early during application startup by
// calling initLogRotator.
var (
	// backendLog is the logging backend used to create all subsystem
	// loggers.  The backend must not be used before the log rotator has
	// been initialized, or data races and/or nil pointer dereferences will
	// occur.
	backendLog = btclog.NewBackend(logWriter{})

	// logRotator is one of the logging outputs.  It should be closed on
	// application shutdown.
	logRotator *rotator.Rotator

	log     = genSubLogger("WIDX")
	ixdbLog = genSubLogger("IXDB")
	chioLog = genSubLogger("CHIO")
	syncLog = genSubLogger("SYNC")
	propLog = genSubLogger("PROP")
	apisLog = genSubLogger("APIS")
	rpccLog = genSubLogger("RPCC")
)

// genSubLogger creates a subsystem logger bound to backendLog.
func genSubLogger(subsystem string) btclog.Logger {
	return build.NewSubLogger(subsystem, backendLog.Logger)
}

// Initialize package-global logger variables.
func init() {
	indexdb.UseLogger(ixdbLog)
	chain.UseLogger(chioLog)
	synchronizer.UseLogger(syncLog)
	proposal.UseLogger(propLog)
	apiserver.UseLogger(apisLog)
	rpcclient.UseLogger(rpccLog)
}

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = map[string]btclog.Logger{
	"WIDX": log,
	"IXDB": ixdbLog,
	"CHIO": chioLog,
	"SYNC": syncLog,
	"PROP": propLog,
	"APIS": apisLog,
	"RPCC": rpccLog,
}

// initLogRotator initializes the logging rotater to write logs to logFile and
// create roll files in the same directory.  It must be called before the
// package-global log rotater variables are used.  A maxRolls of zero disables
// rotation.
func initLogRotator(logFile string, maxFileSizeMB, maxRolls int) {
	logDir, _ := filepath.Split(logFile)
	err := os.MkdirAll(logDir, 0700)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		os.Exit(1)
	}

	thresholdKB := int64(maxFileSizeMB) * 1024
	if maxRolls == 0 {
		thresholdKB = 0
	}

	r, err := rotator.New(logFile, thresholdKB, false, maxRolls)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create file rotator: %v\n", err)
		os.Exit(1)
	}

	logRotator = r
}

// setLogLevel sets the logging level for provided subsystem.  Invalid
// subsystems are ignored.
func setLogLevel(subsystemID string, logLevel string) {
	// Ignore invalid subsystems.
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}

	// Defaults to info if the log level is invalid.
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// setLogLevels sets the log level for all subsystem loggers to the passed
// level.
func setLogLevels(logLevel string) {
	for subsystemID := range subsystemLoggers {
		setLogLevel(subsystemID, logLevel)
	}
}

// logClosure is used to provide a closure over expensive logging operations
// so don't have to be performed when the logging level doesn't warrant it.
type logClosure func() string

// String invokes the underlying function and returns the result.
func (c logClosure) String() string {
	return c()
}

// newLogClosure returns a new closure over a function that returns a string
// which itself provides a Stringer interface so that it can be used with the
// logging system.
func newLogClosure(c func() string) logClosure {
	return logClosure(c)
}
