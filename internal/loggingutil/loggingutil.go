// Package loggingutil carries small logging helpers shared across packages.
package loggingutil

import "pkt.systems/pslog"

// EnsureLogger returns l when non-nil, otherwise a logger that discards
// all entries.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return pslog.NoopLogger()
}
