//go:build linux && arm

package trace

import "golang.org/x/sys/unix"

// RegisterArgs is the number of arguments passed in r0-r3.
const RegisterArgs = 4

const (
	regSP   = 13
	regLR   = 14
	regPC   = 15
	regCPSR = 16

	cpsrThumb = 1 << 5
)

// Regs is the arm general purpose register file.
type Regs unix.PtraceRegs

func (r *Regs) PC() uintptr          { return uintptr(r.Uregs[regPC]) }
func (r *Regs) SetPC(pc uintptr)     { r.Uregs[regPC] = uint32(pc) }
func (r *Regs) SP() uintptr          { return uintptr(r.Uregs[regSP]) }
func (r *Regs) SetSP(sp uintptr)     { r.Uregs[regSP] = uint32(sp) }
func (r *Regs) ReturnValue() uintptr { return uintptr(r.Uregs[0]) }

// setupCall fills r0-r3, spills the rest to an 8-byte aligned stack, returns
// through lr and picks Thumb or ARM state from the low bit of fn.
func (r *Regs) setupCall(push func(address, value uintptr) error, caller, fn uintptr, args []uintptr) error {
	for i := 0; i < len(args) && i < RegisterArgs; i++ {
		r.Uregs[i] = uint32(args[i])
	}

	if len(args) > RegisterArgs {
		stackArgs := args[RegisterArgs:]
		sp := (r.SP() - ptrSize*uintptr(len(stackArgs))) &^ 0x7
		for i, arg := range stackArgs {
			if err := push(sp+uintptr(i)*ptrSize, arg); err != nil {
				return err
			}
		}
		r.SetSP(sp)
	}

	r.Uregs[regLR] = uint32(caller)
	if fn&1 != 0 {
		r.SetPC(fn &^ 1)
		r.Uregs[regCPSR] |= cpsrThumb
	} else {
		r.SetPC(fn)
		r.Uregs[regCPSR] &^= cpsrThumb
	}
	return nil
}
