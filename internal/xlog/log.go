// Package xlog carries the small logging conveniences every role in
// this repo is built against, adapted from the teacher's utils.go.
package xlog

import "github.com/go-kit/kit/log"

// DebugLogFunc is swapped for a real call site only when verbosity is
// debug; the default is a silent no-op so debug-level detail costs
// nothing at call sites that don't need it.
type DebugLogFunc func(log.Logger, ...interface{})

var DebugLog = DebugLogFunc(func(log.Logger, ...interface{}) {})

// Enable points DebugLog at a logger for the lifetime of the process;
// cmd/ drivers call this once at startup when verbosity=debug.
func Enable() {
	DebugLog = func(logger log.Logger, keyvals ...interface{}) {
		logger.Log(keyvals...)
	}
}

// CheckWarn logs e at warning level and reports whether it was non-nil,
// the same shape as a guard clause: `if xlog.CheckWarn(err, logger) { return }`.
func CheckWarn(e error, logger log.Logger) bool {
	if e != nil {
		logger.Log("msg", "warning", "error", e)
		return true
	}
	return false
}
