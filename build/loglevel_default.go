//go:build !debug && !trace

package build

// LogLevel specifies the default log level used by stdout loggers.
var LogLevel = "info"
