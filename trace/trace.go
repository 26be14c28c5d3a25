// Package trace attaches to a process with ptrace and calls functions that are
// already mapped inside it.
//
// A call forges a frame whose return address is a caller supplied address.
// When the function returns there, the target faults with SIGSEGV or SIGILL,
// which is taken as the end of the call. Nothing past that fault is executed
// meaningfully, so callers must not rely on handlers for those signals in the
// target.
//
// A Tracer is not safe for concurrent use. There is no timeout: a target that
// never stops again blocks the caller.
package trace

import (
	"errors"

	"github.com/sirupsen/logrus"
)

var (
	ErrNotAttached    = errors.New("trace: not attached")
	ErrAlreadyTraced  = errors.New("trace: process is traced by another tracer")
	ErrInvalidAddress = errors.New("trace: invalid function address")
	ErrStackWrite     = errors.New("trace: failed to write call frame")
	ErrTargetExited   = errors.New("trace: target exited during call")
	ErrTargetKilled   = errors.New("trace: target killed during call")
	ErrClosed         = errors.New("trace: tracer is closed")
	ErrUnsupported    = errors.New("trace: unsupported platform")
)

type Options struct {
	// DefaultCaller is the return address used by Call.
	DefaultCaller uintptr
	// DisableAutoRestore keeps the registers left by the called function.
	DisableAutoRestore bool
	Log                logrus.FieldLogger
}
