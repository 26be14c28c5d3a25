// Package memop moves bytes in and out of another process's address space.
//
// Two backends implement Port: SyscallPort uses process_vm_readv and
// process_vm_writev, ProcMemPort uses positional I/O on /proc/<pid>/mem.
// Every transfer reports the number of bytes actually moved; a short count is
// a normal outcome and is never rounded up.
package memop

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidPID  = errors.New("memop: invalid pid")
	ErrUnsupported = errors.New("memop: backend not supported on this system")
)

// Port is a transport to the memory of a single process.
type Port interface {
	PID() int
	// Read fills buf from address and returns how many bytes were read.
	Read(address uintptr, buf []byte) int
	// Write copies buf to address and returns how many bytes were written.
	Write(address uintptr, buf []byte) int
	// ReadString reads at most maxLen bytes and stops at the first NUL.
	ReadString(address uintptr, maxLen int) string
	// WriteString writes s followed by a NUL and reports whether all of it
	// was written.
	WriteString(address uintptr, s string) bool
	Close() error
}

type Backend int

const (
	BackendSyscall Backend = iota
	BackendProcMem
)

func (b Backend) String() string {
	switch b {
	case BackendSyscall:
		return "syscall"
	case BackendProcMem:
		return "procmem"
	default:
		return fmt.Sprintf("Backend(%d)", int(b))
	}
}

// ParseBackend accepts the names printed by Backend.String.
func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "syscall", "vm":
		return BackendSyscall, nil
	case "procmem", "proc", "mem", "io":
		return BackendProcMem, nil
	default:
		return 0, fmt.Errorf("memop: unknown backend %q", s)
	}
}

func acceptTransfer(pid int, address uintptr, n int) bool {
	return pid > 0 && address != 0 && n > 0
}

func readString(p Port, address uintptr, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	buf := make([]byte, maxLen)
	n := p.Read(address, buf)
	if n == 0 {
		return ""
	}
	buf = buf[:n]
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf)
}

func writeString(p Port, address uintptr, s string) bool {
	buf := make([]byte, len(s)+1)
	copy(buf, s)
	return p.Write(address, buf) == len(buf)
}
