//go:build !linux

package memop

import "github.com/sirupsen/logrus"

func Open(pid int, backend Backend, log logrus.FieldLogger) (Port, error) {
	_, _, _ = pid, backend, log
	return nil, ErrUnsupported
}

type SyscallPort struct{ unsupportedPort }

func NewSyscallPort(pid int, log logrus.FieldLogger) (*SyscallPort, error) {
	_, _ = pid, log
	return nil, ErrUnsupported
}

type ProcMemPort struct{ unsupportedPort }

func NewProcMemPort(pid int, log logrus.FieldLogger) (*ProcMemPort, error) {
	_, _ = pid, log
	return nil, ErrUnsupported
}

func NewProcMemReader(pid int, log logrus.FieldLogger) (*ProcMemPort, error) {
	_, _ = pid, log
	return nil, ErrUnsupported
}

// unsupportedPort lets the stub types satisfy Port; it never moves a byte.
type unsupportedPort struct{}

func (unsupportedPort) PID() int                         { return 0 }
func (unsupportedPort) Read(uintptr, []byte) int         { return 0 }
func (unsupportedPort) Write(uintptr, []byte) int        { return 0 }
func (unsupportedPort) ReadString(uintptr, int) string   { return "" }
func (unsupportedPort) WriteString(uintptr, string) bool { return false }
func (unsupportedPort) Close() error                     { return nil }
