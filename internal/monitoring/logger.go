// Package monitoring carries the process-wide diagnostic logger indirection.
// Infrastructure packages log through Logf so daemons and tests can redirect
// or mute output without threading a logger through every constructor.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf and
// may be swapped with SetLogger.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. A nil argument installs a no-op
// logger, which tests use to silence expected noise.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Scoped returns a logger that prefixes every line with a subsystem tag, so
// multi-source daemons can tell ingest, calibration, and fusion chatter apart.
func Scoped(subsystem string) func(format string, v ...interface{}) {
	return func(format string, v ...interface{}) {
		Logf("["+subsystem+"] "+format, v...)
	}
}
