//go:build debug || trace

package build

// LogLevel specifies a verbose default for stdout loggers, used when
// chasing a failing test.
var LogLevel = "trace"
