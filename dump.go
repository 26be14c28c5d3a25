package memkit

import (
	"fmt"
	"os"
	"strings"

	"github.com/sliverarmory/memkit/memop"
	"github.com/sliverarmory/memkit/procfs"
)

const dumpChunk = 1 << 20

// DumpRange copies [start, end) of the target into destination and returns
// the number of bytes written. Copying stops at the first unreadable byte; a
// short dump is logged, an empty one is an error.
func (s *Session) DumpRange(start, end uintptr, destination string) (int, error) {
	if !s.usable() {
		return 0, ErrSessionClosed
	}
	if start >= end {
		return 0, fmt.Errorf("memkit: dump range start %#x is not below end %#x", start, end)
	}
	mem, release, err := s.dumpPort()
	if err != nil {
		return 0, err
	}
	defer release()

	f, err := os.OpenFile(destination, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("memkit: create dump file: %w", err)
	}
	defer f.Close()

	size := end - start
	s.log.Infof("dumping [%#x - %#x | size: %s] ...", start, end, displaySize(size))

	buf := make([]byte, min(size, dumpChunk))
	var total int
	for addr := start; addr < end; {
		chunk := buf[:min(end-addr, uintptr(len(buf)))]
		n := mem.Read(addr, chunk)
		if n > 0 {
			if _, err := f.Write(chunk[:n]); err != nil {
				return total, fmt.Errorf("memkit: write dump file: %w", err)
			}
			total += n
		}
		if n < len(chunk) {
			break
		}
		addr += uintptr(n)
	}

	if total == 0 {
		return 0, fmt.Errorf("memkit: failed to read memory range %#x - %#x", start, end)
	}
	if uintptr(total) != size {
		s.log.Warnf("dump size %d but bytes read %d", size, total)
	}
	if err := f.Close(); err != nil {
		return total, fmt.Errorf("memkit: close dump file: %w", err)
	}
	s.log.Infof("dumped [%#x - %#x] at %s", start, end, destination)
	return total, nil
}

// DumpFile dumps the contiguous run of mappings of the file whose path ends
// with name, starting at its first mapping.
func (s *Session) DumpFile(name, destination string) (int, error) {
	if !s.usable() {
		return 0, ErrSessionClosed
	}
	if name == "" || destination == "" {
		return 0, fmt.Errorf("memkit: dump file needs a name and a destination")
	}
	maps, err := s.maps(s.pid)
	if err != nil {
		return 0, fmt.Errorf("memkit: read maps of %d: %w", s.pid, err)
	}
	fileMaps := procfs.Filter(maps, func(path string) bool { return strings.HasSuffix(path, name) })
	if len(fileMaps) == 0 {
		return 0, fmt.Errorf("memkit: mapped file %q: %w", name, ErrNotFound)
	}

	first := fileMaps[0]
	end := first.End
	for _, m := range fileMaps[1:] {
		if m.Inode != first.Inode || m.Start != end {
			break
		}
		end = m.End
	}
	return s.DumpRange(first.Start, end, destination)
}

// DumpELF dumps the loaded span of the image at base.
func (s *Session) DumpELF(base uintptr, destination string) (int, error) {
	img, err := s.OpenELF(base)
	if err != nil {
		return 0, err
	}
	return s.DumpRange(base, base+img.LoadSize(), destination)
}

// dumpPort prefers the patch port and otherwise opens /proc/<pid>/mem read
// only for the duration of one dump.
func (s *Session) dumpPort() (memop.Port, func(), error) {
	if s.patchMem != nil {
		return s.patchMem, func() {}, nil
	}
	port, err := s.openReader(s.pid)
	if err != nil {
		return nil, nil, fmt.Errorf("memkit: open memory of %d for dumping: %w", s.pid, err)
	}
	return port, func() { _ = port.Close() }, nil
}

func displaySize(n uintptr) string {
	units := []string{"B", "KB", "MB", "GB"}
	u := 0
	for n > 1024 && u < len(units)-1 {
		n /= 1024
		u++
	}
	return fmt.Sprintf("%d%s", n, units[u])
}
