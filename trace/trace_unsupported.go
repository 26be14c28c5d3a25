//go:build !linux || !(386 || amd64 || arm || arm64)

package trace

import "github.com/sliverarmory/memkit/memop"

// RegisterArgs is zero on platforms without call support.
const RegisterArgs = 0

type Regs struct{}

func (r *Regs) PC() uintptr          { return 0 }
func (r *Regs) SP() uintptr          { return 0 }
func (r *Regs) ReturnValue() uintptr { return 0 }

type Tracer struct {
	pid           int
	defaultCaller uintptr
}

func New(mem memop.Port, opts Options) *Tracer {
	return &Tracer{pid: mem.PID(), defaultCaller: opts.DefaultCaller}
}

func (t *Tracer) PID() int                        { return t.pid }
func (t *Tracer) DefaultCaller() uintptr          { return t.defaultCaller }
func (t *Tracer) SetDefaultCaller(caller uintptr) { t.defaultCaller = caller }
func (t *Tracer) AutoRestore() bool               { return false }
func (t *Tracer) SetAutoRestore(bool)             {}
func (t *Tracer) Attached() bool                  { return false }
func (t *Tracer) Attach() error                   { return ErrUnsupported }
func (t *Tracer) Detach() error                   { return nil }
func (t *Tracer) Cont(int) error                  { return ErrUnsupported }
func (t *Tracer) Regs() (*Regs, error)            { return nil, ErrUnsupported }
func (t *Tracer) SetRegs(*Regs) error             { return ErrUnsupported }
func (t *Tracer) Close() error                    { return nil }

func (t *Tracer) Call(fn uintptr, args ...uintptr) (uintptr, error) {
	return 0, ErrUnsupported
}

func (t *Tracer) CallFrom(caller, fn uintptr, args []uintptr) (uintptr, error) {
	return 0, ErrUnsupported
}
