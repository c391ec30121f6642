//go:build stdlog && !nolog

package build

// LoggingType is a log type that only writes to stdout. Tests use it to see
// the output of the packages under test.
const LoggingType = LogTypeStdOut
