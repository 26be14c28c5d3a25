//go:build linux && arm64

package trace

import "golang.org/x/sys/unix"

// RegisterArgs is the number of arguments passed in x0-x7.
const RegisterArgs = 8

const regLR = 30

// Regs is the aarch64 general purpose register file.
type Regs unix.PtraceRegs

func (r *Regs) PC() uintptr          { return uintptr(r.Pc) }
func (r *Regs) SetPC(pc uintptr)     { r.Pc = uint64(pc) }
func (r *Regs) SP() uintptr          { return uintptr(r.Sp) }
func (r *Regs) SetSP(sp uintptr)     { r.Sp = uint64(sp) }
func (r *Regs) ReturnValue() uintptr { return uintptr(r.Regs[0]) }

// setupCall fills x0-x7, spills the rest to a 16-byte aligned stack and
// returns through lr.
func (r *Regs) setupCall(push func(address, value uintptr) error, caller, fn uintptr, args []uintptr) error {
	for i := 0; i < len(args) && i < RegisterArgs; i++ {
		r.Regs[i] = uint64(args[i])
	}

	if len(args) > RegisterArgs {
		stackArgs := args[RegisterArgs:]
		sp := (r.SP() - ptrSize*uintptr(len(stackArgs))) &^ 0xf
		for i, arg := range stackArgs {
			if err := push(sp+uintptr(i)*ptrSize, arg); err != nil {
				return err
			}
		}
		r.SetSP(sp)
	}

	r.Regs[regLR] = uint64(caller)
	r.SetPC(fn)
	return nil
}
