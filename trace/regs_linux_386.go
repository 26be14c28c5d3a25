//go:build linux && 386

package trace

import "golang.org/x/sys/unix"

// RegisterArgs is the number of arguments passed in registers. cdecl passes
// all of them on the stack.
const RegisterArgs = 0

// Regs is the i386 general purpose register file.
type Regs unix.PtraceRegs

func (r *Regs) PC() uintptr          { return uintptr(uint32(r.Eip)) }
func (r *Regs) SetPC(pc uintptr)     { r.Eip = int32(uint32(pc)) }
func (r *Regs) SP() uintptr          { return uintptr(uint32(r.Esp)) }
func (r *Regs) SetSP(sp uintptr)     { r.Esp = int32(uint32(sp)) }
func (r *Regs) ReturnValue() uintptr { return uintptr(uint32(r.Eax)) }

// setupCall pushes every argument and then the return address, keeping
// esp+4 16-byte aligned at entry.
func (r *Regs) setupCall(push func(address, value uintptr) error, caller, fn uintptr, args []uintptr) error {
	space := ptrSize * uintptr(len(args)+1)

	sp := r.SP()
	sp = ((sp - space + 4) &^ 0xf) + space - 4

	sp -= ptrSize * uintptr(len(args))
	for i, arg := range args {
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
	r.Eax = 0
	r.Orig_eax = -1
	return nil
}
