//go:build linux

package memop

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/sliverarmory/memkit/internal/diag"
)

// Open returns a port for pid using the requested backend.
func Open(pid int, backend Backend, log logrus.FieldLogger) (Port, error) {
	switch backend {
	case BackendSyscall:
		return NewSyscallPort(pid, log)
	case BackendProcMem:
		return NewProcMemPort(pid, log)
	default:
		return nil, fmt.Errorf("memop: unknown backend %s", backend)
	}
}

type vmFunc func(pid int, local []unix.Iovec, remote []unix.RemoteIovec, flags uint) (int, error)

// SyscallPort transfers memory with process_vm_readv and process_vm_writev.
type SyscallPort struct {
	pid      int
	pageSize uintptr
	log      logrus.FieldLogger
}

// NewSyscallPort checks for process_vm_readv and fails with ErrUnsupported when
// the kernel does not provide it.
func NewSyscallPort(pid int, log logrus.FieldLogger) (*SyscallPort, error) {
	log = diag.Or(log, "memop")
	if pid < 1 {
		log.Errorf("syscall port: invalid pid %d", pid)
		return nil, ErrInvalidPID
	}

	_, _, errno := unix.Syscall6(unix.SYS_PROCESS_VM_READV, 0, 0, 0, 0, 0, 0)
	if errno == unix.ENOSYS {
		log.Error("syscall port: process_vm_readv not supported")
		return nil, ErrUnsupported
	}

	return &SyscallPort{
		pid:      pid,
		pageSize: uintptr(os.Getpagesize()),
		log:      log,
	}, nil
}

func (p *SyscallPort) PID() int { return p.pid }

func (p *SyscallPort) Read(address uintptr, buf []byte) int {
	return p.transfer("read", unix.ProcessVMReadv, address, buf)
}

func (p *SyscallPort) Write(address uintptr, buf []byte) int {
	return p.transfer("write", unix.ProcessVMWritev, address, buf)
}

func (p *SyscallPort) ReadString(address uintptr, maxLen int) string {
	return readString(p, address, maxLen)
}

func (p *SyscallPort) WriteString(address uintptr, s string) bool {
	return writeString(p, address, s)
}

func (p *SyscallPort) Close() error { return nil }

// transfer tries the whole remaining range at once. After the first failure
// or short count it walks the rest one page at a time and skips pages that
// cannot be transferred.
func (p *SyscallPort) transfer(op string, fn vmFunc, address uintptr, buf []byte) int {
	if !acceptTransfer(p.pid, address, len(buf)) {
		return 0
	}

	total := 0
	off := 0
	paged := false
	for off < len(buf) {
		remote := address + uintptr(off)
		chunk := len(buf) - off
		if paged {
			if left := int(p.pageSize - remote%p.pageSize); chunk > left {
				chunk = left
			}
		}

		n, err := p.vm(fn, remote, buf[off:off+chunk])
		if err != nil || n <= 0 {
			if err != nil {
				p.report(op, remote, chunk, err)
			}
			if !paged {
				paged = true
				continue
			}
			// unreadable page, move on
			off += chunk
			continue
		}

		total += n
		off += n
		if n < chunk {
			paged = true
		}
	}
	return total
}

func (p *SyscallPort) vm(fn vmFunc, remote uintptr, local []byte) (int, error) {
	liov := []unix.Iovec{{Base: &local[0]}}
	liov[0].SetLen(len(local))
	riov := []unix.RemoteIovec{{Base: remote, Len: len(local)}}

	for {
		n, err := fn(p.pid, liov, riov, 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return n, err
	}
}

func (p *SyscallPort) report(op string, address uintptr, n int, err error) {
	log := p.log.WithFields(logrus.Fields{
		"pid":     p.pid,
		"address": fmt.Sprintf("%#x", address),
		"len":     n,
	})
	switch {
	case errors.Is(err, unix.EPERM):
		log.Errorf("%s: cannot access the address space of process %d", op, p.pid)
	case errors.Is(err, unix.ESRCH):
		log.Errorf("%s: no process with id %d", op, p.pid)
	case errors.Is(err, unix.ENOMEM):
		log.Errorf("%s: could not allocate memory for iovec copies", op)
	default:
		log.Debugf("%s: %v", op, err)
	}
}

// ProcMemPort transfers memory with pread and pwrite on /proc/<pid>/mem.
type ProcMemPort struct {
	pid  int
	fd   int
	path string
	log  logrus.FieldLogger
}

// NewProcMemPort opens /proc/<pid>/mem for reading and writing.
func NewProcMemPort(pid int, log logrus.FieldLogger) (*ProcMemPort, error) {
	return openProcMem(pid, unix.O_RDWR, log)
}

// NewProcMemReader opens /proc/<pid>/mem read only. Writes through it fail.
func NewProcMemReader(pid int, log logrus.FieldLogger) (*ProcMemPort, error) {
	return openProcMem(pid, unix.O_RDONLY, log)
}

func openProcMem(pid, mode int, log logrus.FieldLogger) (*ProcMemPort, error) {
	log = diag.Or(log, "memop")
	if pid < 1 {
		log.Errorf("procmem port: invalid pid %d", pid)
		return nil, ErrInvalidPID
	}

	path := fmt.Sprintf("/proc/%d/mem", pid)
	fd, err := unix.Open(path, mode|unix.O_CLOEXEC, 0)
	if err != nil {
		log.Errorf("couldn't open mem file %s: %v", path, err)
		return nil, fmt.Errorf("memop: open %s: %w", path, err)
	}
	return &ProcMemPort{pid: pid, fd: fd, path: path, log: log}, nil
}

func (p *ProcMemPort) PID() int { return p.pid }

func (p *ProcMemPort) Path() string { return p.path }

func (p *ProcMemPort) Read(address uintptr, buf []byte) int {
	return p.transfer("pread", unix.Pread, address, buf)
}

func (p *ProcMemPort) Write(address uintptr, buf []byte) int {
	return p.transfer("pwrite", unix.Pwrite, address, buf)
}

func (p *ProcMemPort) ReadString(address uintptr, maxLen int) string {
	return readString(p, address, maxLen)
}

func (p *ProcMemPort) WriteString(address uintptr, s string) bool {
	return writeString(p, address, s)
}

func (p *ProcMemPort) transfer(op string, fn func(int, []byte, int64) (int, error), address uintptr, buf []byte) int {
	if p.fd < 0 || !acceptTransfer(p.pid, address, len(buf)) {
		return 0
	}

	done := 0
	for done < len(buf) {
		n, err := fn(p.fd, buf[done:], int64(address)+int64(done))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			p.log.WithField("address", fmt.Sprintf("%#x", address+uintptr(done))).Debugf("%s %s: %v", op, p.path, err)
			break
		}
		if n <= 0 {
			break
		}
		done += n
	}
	return done
}

// Close releases the mem file descriptor.
func (p *ProcMemPort) Close() error {
	if p.fd < 0 {
		return nil
	}
	err := unix.Close(p.fd)
	p.fd = -1
	return err
}
