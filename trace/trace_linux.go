//go:build linux && (386 || amd64 || arm || arm64)

package trace

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/sliverarmory/memkit/internal/diag"
	"github.com/sliverarmory/memkit/memop"
	"github.com/sliverarmory/memkit/procfs"
)

const ptrSize = unsafe.Sizeof(uintptr(0))

// Tracer controls one target process.
type Tracer struct {
	mem           memop.Port
	pid           int
	defaultCaller uintptr
	autoRestore   bool
	log           logrus.FieldLogger

	pt     *ptraceThread
	closed bool

	// tracerPID is replaced in tests
	tracerPID func(pid int) (int, error)
}

// New returns a detached tracer for the process behind mem.
func New(mem memop.Port, opts Options) *Tracer {
	return &Tracer{
		mem:           mem,
		pid:           mem.PID(),
		defaultCaller: opts.DefaultCaller,
		autoRestore:   !opts.DisableAutoRestore,
		log:           diag.Or(opts.Log, "trace"),
		pt:            newPtraceThread(),
		tracerPID:     procfs.TracerPID,
	}
}

func (t *Tracer) PID() int { return t.pid }

func (t *Tracer) DefaultCaller() uintptr { return t.defaultCaller }

func (t *Tracer) SetDefaultCaller(caller uintptr) { t.defaultCaller = caller }

func (t *Tracer) AutoRestore() bool { return t.autoRestore }

func (t *Tracer) SetAutoRestore(enabled bool) { t.autoRestore = enabled }

// Attached reports whether this tracer's ptrace thread is the tracer of the
// target, as seen in /proc/<pid>/status.
func (t *Tracer) Attached() bool {
	if t.closed || t.pid <= 0 {
		return false
	}
	tracer, err := t.tracerPID(t.pid)
	if err != nil {
		return false
	}
	return tracer != 0 && tracer == t.pt.tid
}

// Attach stops the target and waits for it to report the stop.
func (t *Tracer) Attach() error {
	if t.closed {
		return ErrClosed
	}
	if t.pid <= 0 {
		return memop.ErrInvalidPID
	}
	if t.Attached() {
		return nil
	}
	if tracer, err := t.tracerPID(t.pid); err == nil && tracer != 0 {
		t.log.Errorf("pid %d is already traced by %d", t.pid, tracer)
		return fmt.Errorf("%w: tracer %d", ErrAlreadyTraced, tracer)
	}

	var err error
	t.pt.do(func() { err = unix.PtraceAttach(t.pid) })
	if err != nil {
		t.log.Errorf("PTRACE_ATTACH failed for pid %d: %v", t.pid, err)
		return fmt.Errorf("trace: attach %d: %w", t.pid, err)
	}

	ws, err := t.wait()
	if err == nil && !ws.Stopped() {
		err = fmt.Errorf("unexpected wait status %#x", uint32(ws))
	}
	if err != nil {
		t.log.Errorf("error while waiting for pid %d to stop: %v", t.pid, err)
		t.pt.do(func() { _ = unix.PtraceDetach(t.pid) })
		return fmt.Errorf("trace: attach %d: %w", t.pid, err)
	}
	return nil
}

// Detach releases the target. It is a no-op when not attached.
func (t *Tracer) Detach() error {
	if !t.Attached() {
		return nil
	}
	var err error
	t.pt.do(func() { err = unix.PtraceDetach(t.pid) })
	if err != nil {
		t.log.Errorf("PTRACE_DETACH failed for pid %d: %v", t.pid, err)
		return fmt.Errorf("trace: detach %d: %w", t.pid, err)
	}
	return nil
}

// Cont resumes the target and delivers sig, 0 for none.
func (t *Tracer) Cont(sig int) error {
	if !t.Attached() {
		t.log.Errorf("PTRACE_CONT failed, not attached to %d", t.pid)
		return ErrNotAttached
	}
	var err error
	t.pt.do(func() { err = unix.PtraceCont(t.pid, sig) })
	if err != nil {
		t.log.Errorf("PTRACE_CONT failed for pid %d: %v", t.pid, err)
		return fmt.Errorf("trace: cont %d: %w", t.pid, err)
	}
	return nil
}

// Wait blocks until the target changes state.
func (t *Tracer) Wait() (unix.WaitStatus, error) {
	if t.closed {
		return 0, ErrClosed
	}
	return t.wait()
}

func (t *Tracer) wait() (unix.WaitStatus, error) {
	var (
		ws   unix.WaitStatus
		wpid int
		err  error
	)
	t.pt.do(func() {
		for {
			wpid, err = unix.Wait4(t.pid, &ws, unix.WALL, nil)
			if !errors.Is(err, unix.EINTR) {
				return
			}
		}
	})
	if err != nil {
		return ws, fmt.Errorf("trace: wait4 %d: %w", t.pid, err)
	}
	if wpid != t.pid {
		return ws, fmt.Errorf("trace: wait4 %d returned pid %d", t.pid, wpid)
	}
	return ws, nil
}

// Regs returns the register file of the stopped target.
func (t *Tracer) Regs() (*Regs, error) {
	if !t.Attached() {
		t.log.Errorf("get regs failed, not attached to %d", t.pid)
		return nil, ErrNotAttached
	}
	var (
		regs Regs
		err  error
	)
	t.pt.do(func() { err = unix.PtraceGetRegs(t.pid, (*unix.PtraceRegs)(&regs)) })
	if err != nil {
		t.log.Errorf("get regs failed for pid %d: %v", t.pid, err)
		return nil, fmt.Errorf("trace: get regs %d: %w", t.pid, err)
	}
	return &regs, nil
}

// SetRegs installs regs in the stopped target.
func (t *Tracer) SetRegs(regs *Regs) error {
	if regs == nil {
		return errors.New("trace: nil registers")
	}
	if !t.Attached() {
		t.log.Errorf("set regs failed, not attached to %d", t.pid)
		return ErrNotAttached
	}
	var err error
	t.pt.do(func() { err = unix.PtraceSetRegs(t.pid, (*unix.PtraceRegs)(regs)) })
	if err != nil {
		t.log.Errorf("set regs failed for pid %d: %v", t.pid, err)
		return fmt.Errorf("trace: set regs %d: %w", t.pid, err)
	}
	return nil
}

// Call runs fn in the target with the default caller as return address.
func (t *Tracer) Call(fn uintptr, args ...uintptr) (uintptr, error) {
	return t.CallFrom(t.defaultCaller, fn, args)
}

// CallFrom runs fn in the target with args and returns the value left in the
// return register. The forged return address is caller; reaching it ends the
// call. A target that exits or is killed during the call yields
// ErrTargetExited or ErrTargetKilled.
func (t *Tracer) CallFrom(caller, fn uintptr, args []uintptr) (uintptr, error) {
	if fn == 0 {
		return 0, ErrInvalidAddress
	}
	if !t.Attached() {
		t.log.Errorf("call failed, not attached to %d", t.pid)
		return 0, ErrNotAttached
	}

	backup, err := t.Regs()
	if err != nil {
		return 0, err
	}
	work := *backup

	fail := func(err error) (uintptr, error) {
		t.log.Errorf("call: failed to call function %#x with %d args: %v", fn, len(args), err)
		if t.autoRestore {
			_ = t.SetRegs(backup)
		}
		return 0, err
	}

	t.log.Debugf("call: calling function %#x with %d args", fn, len(args))

	if err := work.setupCall(t.pushWord, caller, fn, args); err != nil {
		return fail(err)
	}
	if err := t.SetRegs(&work); err != nil {
		return fail(err)
	}
	if err := t.Cont(0); err != nil {
		return fail(err)
	}

	for {
		ws, err := t.wait()
		if err != nil {
			return fail(err)
		}
		if ws.Stopped() && (ws.StopSignal() == unix.SIGSEGV || ws.StopSignal() == unix.SIGILL) {
			break
		}
		if ws.Exited() {
			t.log.Errorf("call: target process exited (%d)", ws.ExitStatus())
			return 0, fmt.Errorf("%w: status %d", ErrTargetExited, ws.ExitStatus())
		}
		if ws.Signaled() {
			t.log.Errorf("call: target process terminated (%s)", ws.Signal())
			return 0, fmt.Errorf("%w: %s", ErrTargetKilled, ws.Signal())
		}
		if err := t.Cont(0); err != nil {
			return fail(err)
		}
	}

	ret, err := t.Regs()
	if err != nil {
		return fail(err)
	}
	result := ret.ReturnValue()

	if t.autoRestore {
		if err := t.SetRegs(backup); err != nil {
			t.log.Warnf("call: failed to restore registers: %v", err)
		}
	}

	t.log.Debugf("call: function %#x returned %#x", fn, result)
	return result, nil
}

// pushWord writes one pointer sized value into the target stack.
func (t *Tracer) pushWord(address, value uintptr) error {
	buf := make([]byte, ptrSize)
	if ptrSize == 8 {
		binary.NativeEndian.PutUint64(buf, uint64(value))
	} else {
		binary.NativeEndian.PutUint32(buf, uint32(value))
	}
	if n := t.mem.Write(address, buf); n != len(buf) {
		return fmt.Errorf("%w: %d/%d bytes at %#x", ErrStackWrite, n, len(buf), address)
	}
	return nil
}

// Close detaches when attached and stops the ptrace thread.
func (t *Tracer) Close() error {
	if t.closed {
		return nil
	}
	err := t.Detach()
	t.closed = true
	t.pt.stop()
	return err
}
