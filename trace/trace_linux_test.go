//go:build linux && (386 || amd64 || arm || arm64)

package trace

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/sliverarmory/memkit/elfscan"
	"github.com/sliverarmory/memkit/internal/memtest"
	"github.com/sliverarmory/memkit/internal/testtarget"
	"github.com/sliverarmory/memkit/memop"
	"github.com/sliverarmory/memkit/procfs"
)

func TestDetachedTracerRefusesWork(t *testing.T) {
	tr := New(memtest.New(os.Getpid()), Options{})
	defer tr.Close()

	require.False(t, tr.Attached())
	require.NoError(t, tr.Detach())

	_, err := tr.Call(0)
	require.ErrorIs(t, err, ErrInvalidAddress)
	_, err = tr.Call(0x1000)
	require.ErrorIs(t, err, ErrNotAttached)
	_, err = tr.Regs()
	require.ErrorIs(t, err, ErrNotAttached)
	require.ErrorIs(t, tr.SetRegs(&Regs{}), ErrNotAttached)
	require.ErrorIs(t, tr.Cont(0), ErrNotAttached)
}

func TestAttachRefusesForeignTracer(t *testing.T) {
	tr := New(memtest.New(12345), Options{})
	defer tr.Close()
	tr.tracerPID = func(int) (int, error) { return 777, nil }

	require.False(t, tr.Attached())
	require.ErrorIs(t, tr.Attach(), ErrAlreadyTraced)
}

func TestAttachedComparesPtraceThread(t *testing.T) {
	tr := New(memtest.New(12345), Options{})
	defer tr.Close()

	tr.tracerPID = func(int) (int, error) { return tr.pt.tid, nil }
	require.True(t, tr.Attached())
	tr.tracerPID = func(int) (int, error) { return 0, nil }
	require.False(t, tr.Attached())
	tr.tracerPID = func(int) (int, error) { return 0, errors.New("gone") }
	require.False(t, tr.Attached())
}

func TestClose(t *testing.T) {
	tr := New(memtest.New(12345), Options{})
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	require.ErrorIs(t, tr.Attach(), ErrClosed)
	require.False(t, tr.Attached())
}

type liveTarget struct {
	pid    int
	tracer *Tracer
	exe    *elfscan.Image
	libc   *elfscan.Image
}

func attachTarget(t *testing.T) *liveTarget {
	t.Helper()

	cmd := testtarget.Start(t)
	pid := cmd.Process.Pid

	mem, err := memop.NewSyscallPort(pid, nil)
	require.NoError(t, err)

	exePath, err := procfs.ExePath(pid)
	require.NoError(t, err)
	exeBase, _ := testtarget.MappedBase(t, pid, func(p string) bool { return p == exePath })
	exe, err := elfscan.Open(mem, exeBase)
	require.NoError(t, err)

	libcBase, _ := testtarget.MappedBase(t, pid, testtarget.IsLibc)
	libc, err := elfscan.Open(mem, libcBase)
	require.NoError(t, err)

	tr := New(mem, Options{DefaultCaller: libcBase})
	t.Cleanup(func() { _ = tr.Close() })
	if err := tr.Attach(); err != nil {
		if errors.Is(err, unix.EPERM) {
			t.Skipf("ptrace not permitted: %v", err)
		}
		t.Fatalf("Attach: %v", err)
	}
	require.True(t, tr.Attached())

	return &liveTarget{pid: pid, tracer: tr, exe: exe, libc: libc}
}

func (lt *liveTarget) symbol(t *testing.T, img *elfscan.Image, name string) uintptr {
	t.Helper()
	addr := img.FindSymbol(name)
	if addr == 0 {
		t.Skipf("symbol %s not found in %s", name, filepath.Base(img.FilePath()))
	}
	return addr
}

func TestCallRestoresRegisters(t *testing.T) {
	lt := attachTarget(t)
	fn := lt.symbol(t, lt.exe, testtarget.IdentitySymbol)

	before, err := lt.tracer.Regs()
	require.NoError(t, err)

	got, err := lt.tracer.Call(fn)
	require.NoError(t, err)
	require.Equal(t, uintptr(testtarget.IdentityValue), got)

	after, err := lt.tracer.Regs()
	require.NoError(t, err)
	require.Equal(t, *before, *after)

	require.NoError(t, lt.tracer.Detach())
	require.False(t, lt.tracer.Attached())
}

func TestCallWithStackArguments(t *testing.T) {
	lt := attachTarget(t)
	fn := lt.symbol(t, lt.exe, testtarget.WeightedSumSymbol)

	got, err := lt.tracer.Call(fn, 1, 2, 3, 4, 5, 6, 7, 8)
	require.NoError(t, err)
	require.Equal(t, uintptr(1+4+9+16+25+36+49+64), got)
}

func TestCallMmapMunmap(t *testing.T) {
	lt := attachTarget(t)
	mmap := lt.symbol(t, lt.libc, "mmap")
	munmap := lt.symbol(t, lt.libc, "munmap")
	page := uintptr(os.Getpagesize())

	addr, err := lt.tracer.Call(mmap,
		0,
		page,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS,
		^uintptr(0),
		0,
	)
	require.NoError(t, err)
	require.NotZero(t, addr)
	require.NotEqual(t, ^uintptr(0), addr)
	require.Zero(t, addr%page)

	maps, err := procfs.Maps(lt.pid)
	require.NoError(t, err)
	_, ok := procfs.AddressMap(maps, addr)
	require.True(t, ok)

	ret, err := lt.tracer.Call(munmap, addr, page)
	require.NoError(t, err)
	require.Zero(t, ret)
}

func TestCallWithoutAutoRestore(t *testing.T) {
	lt := attachTarget(t)
	fn := lt.symbol(t, lt.exe, testtarget.IdentitySymbol)

	lt.tracer.SetAutoRestore(false)
	before, err := lt.tracer.Regs()
	require.NoError(t, err)

	_, err = lt.tracer.Call(fn)
	require.NoError(t, err)

	after, err := lt.tracer.Regs()
	require.NoError(t, err)
	require.Equal(t, uintptr(testtarget.IdentityValue), after.ReturnValue())
	require.NotEqual(t, before.PC(), after.PC())

	require.NoError(t, lt.tracer.SetRegs(before))
}

func TestCallTargetExit(t *testing.T) {
	lt := attachTarget(t)
	exit := lt.symbol(t, lt.libc, "_exit")

	_, err := lt.tracer.Call(exit, 7)
	require.ErrorIs(t, err, ErrTargetExited)
	require.False(t, lt.tracer.Attached())
}
