//go:build linux && amd64

package trace

import "golang.org/x/sys/unix"

// RegisterArgs is the number of arguments passed in registers.
const RegisterArgs = 6

// redZone is the area below rsp that leaf functions may use without moving it.
const redZone = 128

// Regs is the x86_64 general purpose register file.
type Regs unix.PtraceRegs

func (r *Regs) PC() uintptr          { return uintptr(r.Rip) }
func (r *Regs) SetPC(pc uintptr)     { r.Rip = uint64(pc) }
func (r *Regs) SP() uintptr          { return uintptr(r.Rsp) }
func (r *Regs) SetSP(sp uintptr)     { r.Rsp = uint64(sp) }
func (r *Regs) ReturnValue() uintptr { return uintptr(r.Rax) }

func (r *Regs) argRegs() []*uint64 {
	return []*uint64{&r.Rdi, &r.Rsi, &r.Rdx, &r.Rcx, &r.R8, &r.R9}
}

// setupCall lays out a System V call: six register arguments, the rest on
// the stack above the return address, and rsp+8 16-byte aligned at entry.
func (r *Regs) setupCall(push func(address, value uintptr) error, caller, fn uintptr, args []uintptr) error {
	for i, reg := range r.argRegs() {
		if i >= len(args) {
			break
		}
		*reg = uint64(args[i])
	}

	var stackArgs []uintptr
	if len(args) > RegisterArgs {
		stackArgs = args[RegisterArgs:]
	}
	space := ptrSize * uintptr(len(stackArgs)+1)

	sp := r.SP() - redZone
	sp = ((sp - space - 8) &^ 0xf) + space + 8

	sp -= ptrSize * uintptr(len(stackArgs))
	for i, arg := range stackArgs {
		if err := push(sp+uintptr(i)*ptrSize, arg); err != nil {
			return err
		}
	}

	sp -= ptrSize
	if err := push(sp, caller); err != nil {
		return err
	}

	r.SetSP(sp)
	r.SetPC(fn)
	r.Rax = 0
	// not inside a syscall, so the kernel will not try to restart one
	r.Orig_rax = ^uint64(0)
	return nil
}
