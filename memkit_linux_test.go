//go:build linux && (386 || amd64 || arm || arm64)

package memkit

import (
	"bytes"
	"debug/elf"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/sliverarmory/memkit/internal/testtarget"
	"github.com/sliverarmory/memkit/memop"
)

func openTarget(t *testing.T, opts Options) (*Session, string) {
	t.Helper()

	cmd := testtarget.Start(t)
	_, libcPath := testtarget.MappedBase(t, cmd.Process.Pid, testtarget.IsLibc)
	libc := filepath.Base(libcPath)
	if opts.DefaultCallerLibrary == "libc" {
		opts.DefaultCallerLibrary = libc
	}

	s, err := Open(cmd.Process.Pid, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, libc
}

func TestOpenInvalidPID(t *testing.T) {
	_, err := Open(0, Options{})
	require.ErrorIs(t, err, memop.ErrInvalidPID)
}

func TestLiveImages(t *testing.T) {
	s, libc := openTarget(t, Options{})

	assert.NotEmpty(t, s.ProcessName())

	exe, err := s.ExeELF()
	require.NoError(t, err)
	require.True(t, exe.Valid())
	counter := exe.FindSymbol(testtarget.CounterSymbol)
	require.NotZero(t, counter)

	img, err := s.FindELF(libc)
	require.NoError(t, err)
	mmap := img.FindSymbol("mmap")
	require.NotZero(t, mmap)

	fromFile, err := s.RemoteSymbolFromFile(libc, "mmap")
	require.NoError(t, err)
	assert.Equal(t, mmap, fromFile)

	_, err = s.RemoteSymbolFromFile(libc, "memkit_no_such_symbol")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLivePatchReadOnlyCode(t *testing.T) {
	s, _ := openTarget(t, Options{EnablePatching: true})
	require.True(t, s.Patching())

	exe, err := s.ExeELF()
	require.NoError(t, err)
	fn := exe.FindSymbol(testtarget.IdentitySymbol)
	require.NotZero(t, fn)

	p, err := s.NewPatch(fn, []byte{0xcc, 0xcc})
	require.NoError(t, err)
	require.NoError(t, p.Modify())
	assert.Equal(t, "cccc", p.CurrentBytes())
	require.NoError(t, p.Restore())
	assert.Equal(t, p.OriginalBytes(), p.CurrentBytes())
}

func TestLiveDumpELF(t *testing.T) {
	s, _ := openTarget(t, Options{Backend: memop.BackendProcMem})
	require.False(t, s.Patching())

	exe, err := s.ExeELF()
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "exe.dump")
	n, err := s.DumpELF(exe.Base(), out)
	require.NoError(t, err)
	require.Positive(t, n)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(got, []byte(elf.ELFMAG)))
}

func TestLiveRemoteCall(t *testing.T) {
	s, libc := openTarget(t, Options{DefaultCallerLibrary: "libc"})

	m, err := s.ELFBaseMap(libc)
	require.NoError(t, err)
	require.Equal(t, m.Start, s.Tracer().DefaultCaller())

	fn, err := s.RemoteSymbolFromFile(libc, "getpid")
	require.NoError(t, err)

	if err := s.Tracer().Attach(); err != nil {
		if errors.Is(err, unix.EPERM) {
			t.Skipf("ptrace not permitted: %v", err)
		}
		t.Fatalf("Attach: %v", err)
	}
	got, err := s.Tracer().Call(fn)
	require.NoError(t, err)
	assert.Equal(t, uintptr(s.PID()), got)

	require.NoError(t, s.Close())
	assert.False(t, s.Tracer().Attached())
}

func TestLiveLibc(t *testing.T) {
	s, libc := openTarget(t, Options{})

	img, err := s.LibcELF()
	require.NoError(t, err)
	assert.Equal(t, libc, filepath.Base(img.FilePath()))
	assert.NotZero(t, img.FindSymbol("getpid"))
}
