// Package memkit inspects and controls the memory of another process.
//
// A Session ties together the memory transport, the pattern scanner, the
// remote ELF resolver and the ptrace call engine for one target process.
package memkit

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sliverarmory/memkit/elfscan"
	"github.com/sliverarmory/memkit/internal/diag"
	"github.com/sliverarmory/memkit/memop"
	"github.com/sliverarmory/memkit/procfs"
	"github.com/sliverarmory/memkit/scanner"
	"github.com/sliverarmory/memkit/trace"
)

var (
	ErrSessionClosed    = errors.New("memkit: session is closed")
	ErrNotFound         = errors.New("memkit: not found")
	ErrPatchingDisabled = errors.New("memkit: patching is not available")
)

// Options configure a Session.
type Options struct {
	Backend memop.Backend
	// EnablePatching opens a /proc/<pid>/mem port for patches and backups.
	// With the procmem backend the main port is shared. Dumps go through it
	// when it is open and through a read-only /proc/<pid>/mem otherwise.
	EnablePatching bool

	// DefaultCaller is the return address of remote calls. When zero and
	// DefaultCallerLibrary is set, the base of that library is used.
	DefaultCaller        uintptr
	DefaultCallerLibrary string
	DisableAutoRestore   bool

	Log logrus.FieldLogger
}

// Session is an open handle on a target process.
type Session struct {
	mu     sync.RWMutex
	closed bool

	pid      int
	name     string
	mem      memop.Port
	patchMem memop.Port
	scanner  *scanner.Scanner
	tracer   *trace.Tracer
	maps     elfscan.MapsFunc
	log      logrus.FieldLogger

	// openReader opens the read-only port used by dumps without patching.
	openReader func(pid int) (memop.Port, error)
}

// Open attaches the memory backend to pid. It does not ptrace the target;
// use Tracer().Attach for remote calls.
func Open(pid int, opts Options) (*Session, error) {
	if pid <= 0 {
		return nil, memop.ErrInvalidPID
	}
	log := diag.Or(opts.Log, "memkit")

	mem, err := memop.Open(pid, opts.Backend, opts.Log)
	if err != nil {
		return nil, fmt.Errorf("memkit: open %s backend for %d: %w", opts.Backend, pid, err)
	}

	var patchMem memop.Port
	if opts.EnablePatching {
		if opts.Backend == memop.BackendProcMem {
			patchMem = mem
		} else if port, err := memop.NewProcMemPort(pid, opts.Log); err != nil {
			log.Warnf("couldn't open procmem port for patching: %v", err)
		} else {
			patchMem = port
		}
	}

	s := newSession(pid, mem, patchMem, procfs.Maps, opts)
	if name, err := procfs.ProcessName(pid); err != nil {
		log.Warnf("couldn't read process name of %d: %v", pid, err)
	} else {
		s.name = name
	}
	return s, nil
}

// OpenByName opens the first process whose command line starts with name.
func OpenByName(name string, opts Options) (*Session, error) {
	pid, err := procfs.FindProcess(name)
	if err != nil {
		return nil, fmt.Errorf("memkit: find process %q: %w", name, err)
	}
	return Open(pid, opts)
}

func newSession(pid int, mem, patchMem memop.Port, maps elfscan.MapsFunc, opts Options) *Session {
	s := &Session{
		pid:      pid,
		mem:      mem,
		patchMem: patchMem,
		scanner:  scanner.New(mem, opts.Log),
		maps:     maps,
		log:      diag.Or(opts.Log, "memkit"),
	}
	s.openReader = func(pid int) (memop.Port, error) {
		port, err := memop.NewProcMemReader(pid, opts.Log)
		if err != nil {
			return nil, err
		}
		return port, nil
	}

	caller := opts.DefaultCaller
	if caller == 0 && opts.DefaultCallerLibrary != "" {
		if m, err := s.ELFBaseMap(opts.DefaultCallerLibrary); err != nil {
			s.log.Warnf("default caller library %q: %v", opts.DefaultCallerLibrary, err)
		} else {
			caller = m.Start
		}
	}
	s.tracer = trace.New(mem, trace.Options{
		DefaultCaller:      caller,
		DisableAutoRestore: opts.DisableAutoRestore,
		Log:                opts.Log,
	})
	return s
}

func (s *Session) PID() int { return s.pid }

// ProcessName is the target command line up to the first NUL, read at open.
func (s *Session) ProcessName() string { return s.name }

func (s *Session) Memory() memop.Port { return s.mem }

func (s *Session) Scanner() *scanner.Scanner { return s.scanner }

func (s *Session) Tracer() *trace.Tracer { return s.tracer }

// Patching reports whether patches and backups are available.
func (s *Session) Patching() bool { return s.patchMem != nil }

func (s *Session) usable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed
}

func (s *Session) Read(address uintptr, buf []byte) int {
	if !s.usable() {
		return 0
	}
	return s.mem.Read(address, buf)
}

func (s *Session) Write(address uintptr, buf []byte) int {
	if !s.usable() {
		return 0
	}
	return s.mem.Write(address, buf)
}

func (s *Session) ReadString(address uintptr, maxLen int) string {
	if !s.usable() {
		return ""
	}
	return s.mem.ReadString(address, maxLen)
}

func (s *Session) WriteString(address uintptr, str string) bool {
	if !s.usable() {
		return false
	}
	return s.mem.WriteString(address, str)
}

// IsValidELF reports whether base starts with the ELF magic.
func (s *Session) IsValidELF(base uintptr) bool {
	if base == 0 {
		return false
	}
	magic := make([]byte, len(elf.ELFMAG))
	return s.Read(base, magic) == len(magic) && bytes.Equal(magic, []byte(elf.ELFMAG))
}

// OpenELF parses the image at base. The returned image is never nil.
func (s *Session) OpenELF(base uintptr) (*elfscan.Image, error) {
	if !s.usable() {
		return &elfscan.Image{}, ErrSessionClosed
	}
	return elfscan.Open(s.mem, base, elfscan.WithMaps(s.maps), elfscan.WithLogger(s.log))
}

// ELFBaseMap returns the first mapping whose path contains name and which
// starts a valid ELF image.
func (s *Session) ELFBaseMap(name string) (procfs.Map, error) {
	if !s.usable() {
		return procfs.Map{}, ErrSessionClosed
	}
	if name == "" {
		return procfs.Map{}, fmt.Errorf("memkit: empty image name: %w", ErrNotFound)
	}
	maps, err := s.maps(s.pid)
	if err != nil {
		return procfs.Map{}, fmt.Errorf("memkit: read maps of %d: %w", s.pid, err)
	}
	contains := func(path string) bool { return strings.Contains(path, name) }
	return s.firstImageMap(procfs.Filter(maps, contains), name)
}

func (s *Session) firstImageMap(candidates []procfs.Map, name string) (procfs.Map, error) {
	for _, m := range candidates {
		if !s.IsValidELF(m.Start) {
			continue
		}
		if img, err := s.OpenELF(m.Start); err == nil && img.Valid() {
			return m, nil
		}
	}
	return procfs.Map{}, fmt.Errorf("memkit: ELF image %q in %d: %w", name, s.pid, ErrNotFound)
}

// FindELF returns the parsed image of the first mapping matching name.
func (s *Session) FindELF(name string) (*elfscan.Image, error) {
	m, err := s.ELFBaseMap(name)
	if err != nil {
		return &elfscan.Image{}, err
	}
	return s.OpenELF(m.Start)
}

// ExeELF returns the main executable image of the target.
func (s *Session) ExeELF() (*elfscan.Image, error) {
	if !s.usable() {
		return &elfscan.Image{}, ErrSessionClosed
	}
	exe, err := procfs.ExePath(s.pid)
	if err != nil {
		return &elfscan.Image{}, fmt.Errorf("memkit: exe of %d: %w", s.pid, err)
	}
	maps, err := s.maps(s.pid)
	if err != nil {
		return &elfscan.Image{}, fmt.Errorf("memkit: read maps of %d: %w", s.pid, err)
	}
	equal := func(path string) bool { return path == exe }
	m, err := s.firstImageMap(procfs.Filter(maps, equal), exe)
	if err != nil {
		return &elfscan.Image{}, err
	}
	return s.OpenELF(m.Start)
}

// LibcELF returns the C library image of the target, preferring glibc over
// musl over the dynamic loader.
func (s *Session) LibcELF() (*elfscan.Image, error) {
	if !s.usable() {
		return &elfscan.Image{}, ErrSessionClosed
	}
	maps, err := s.maps(s.pid)
	if err != nil {
		return &elfscan.Image{}, fmt.Errorf("memkit: read maps of %d: %w", s.pid, err)
	}

	best, bestScore := procfs.Map{}, -1
	for _, m := range maps {
		if m.Offset != 0 {
			continue
		}
		if score := libcPathScore(m.Path); score > bestScore && s.IsValidELF(m.Start) {
			best, bestScore = m, score
		}
	}
	if bestScore < 0 {
		return &elfscan.Image{}, fmt.Errorf("memkit: libc in %d: %w", s.pid, ErrNotFound)
	}
	return s.OpenELF(best.Start)
}

func libcPathScore(path string) int {
	p := strings.ToLower(filepath.Base(path))
	switch {
	case strings.HasPrefix(p, "libc.so"):
		return 100
	case strings.HasPrefix(p, "libc-"):
		return 95
	case strings.HasPrefix(p, "ld-musl"):
		return 90
	case strings.Contains(p, "musl"):
		return 85
	case strings.HasPrefix(p, "ld-linux"):
		return 80
	default:
		return -1
	}
}

// Close detaches the tracer and closes the memory ports. Further calls
// fail with ErrSessionClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if err := s.tracer.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.patchMem != nil && s.patchMem != s.mem {
		if err := s.patchMem.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.mem.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
