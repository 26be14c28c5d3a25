// Package procfs reads the textual process records under /proc.
package procfs

import (
	"bufio"
	"fmt"
	"io"
	"math/bits"
	"os"
	"strconv"
	"strings"
)

// Protection bits, same values as PROT_READ, PROT_WRITE and PROT_EXEC.
const (
	ProtRead  = 0x1
	ProtWrite = 0x2
	ProtExec  = 0x4
)

// Map is one line of /proc/<pid>/maps.
type Map struct {
	PID        int
	Start      uintptr
	End        uintptr
	Perms      string
	Protection int
	Readable   bool
	Writable   bool
	Executable bool
	Private    bool
	Shared     bool
	Offset     uint64
	Dev        string
	Inode      uint64
	Path       string
}

func (m Map) Len() uintptr {
	if m.End < m.Start {
		return 0
	}
	return m.End - m.Start
}

func (m Map) Valid() bool { return m.Start != 0 && m.End > m.Start }

// Unknown reports an anonymous mapping with no path.
func (m Map) Unknown() bool { return m.Path == "" }

const deletedSuffix = " (deleted)"

// Deleted reports whether the backing file was unlinked after it was mapped.
func (m Map) Deleted() bool { return strings.HasSuffix(m.Path, deletedSuffix) }

// MapFile is the /proc/<pid>/map_files link of m. It opens the mapped file
// even when Deleted is true.
func (m Map) MapFile() string {
	return fmt.Sprintf("/proc/%d/map_files/%x-%x", m.PID, m.Start, m.End)
}

func (m Map) Contains(address uintptr) bool {
	return address >= m.Start && address < m.End
}

func (m Map) IsRX() bool { return strings.HasPrefix(m.Perms, "r-x") }
func (m Map) IsRW() bool { return strings.HasPrefix(m.Perms, "rw-") }
func (m Map) IsRO() bool { return strings.HasPrefix(m.Perms, "r--") }

func (m Map) String() string {
	return fmt.Sprintf("%x-%x %s %08x %s %d %s", m.Start, m.End, m.Perms, m.Offset, m.Dev, m.Inode, m.Path)
}

// Maps reads and parses /proc/<pid>/maps.
func Maps(pid int) ([]Map, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("procfs: invalid pid %d", pid)
	}
	path := fmt.Sprintf("/proc/%d/maps", pid)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("procfs: open %s: %w", path, err)
	}
	defer f.Close()

	maps, err := ParseMaps(f, pid)
	if err != nil {
		return nil, fmt.Errorf("procfs: read %s: %w", path, err)
	}
	return maps, nil
}

// ParseMaps parses maps records. Malformed lines are skipped.
func ParseMaps(r io.Reader, pid int) ([]Map, error) {
	var maps []Map
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 512), 1<<20)
	for sc.Scan() {
		m, ok := parseMapLine(sc.Text())
		if !ok {
			continue
		}
		m.PID = pid
		maps = append(maps, m)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return maps, nil
}

func parseMapLine(line string) (Map, bool) {
	line = strings.TrimSpace(line)
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Map{}, false
	}

	rangeParts := strings.SplitN(fields[0], "-", 2)
	if len(rangeParts) != 2 {
		return Map{}, false
	}
	start, startErr := parseAddr(rangeParts[0])
	end, endErr := parseAddr(rangeParts[1])
	offset, offsetErr := strconv.ParseUint(fields[2], 16, 64)
	if startErr != nil || endErr != nil || offsetErr != nil {
		return Map{}, false
	}
	inode, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return Map{}, false
	}

	m := Map{
		Start:  start,
		End:    end,
		Perms:  fields[1],
		Offset: offset,
		Dev:    fields[3],
		Inode:  inode,
	}
	if len(fields) >= 6 {
		m.Path = pathColumn(line)
	}

	perms := m.Perms + "----"
	if perms[0] == 'r' {
		m.Protection |= ProtRead
		m.Readable = true
	}
	if perms[1] == 'w' {
		m.Protection |= ProtWrite
		m.Writable = true
	}
	if perms[2] == 'x' {
		m.Protection |= ProtExec
		m.Executable = true
	}
	m.Private = perms[3] == 'p'
	m.Shared = perms[3] == 's'
	return m, true
}

// pathColumn returns everything after the inode column, spaces included.
func pathColumn(line string) string {
	rest := line
	for i := 0; i < 5; i++ {
		rest = strings.TrimLeft(rest, " \t")
		cut := strings.IndexAny(rest, " \t")
		if cut < 0 {
			return ""
		}
		rest = rest[cut:]
	}
	return strings.TrimSpace(rest)
}

// parseAddr parses an address column; values wider than a pointer fail.
func parseAddr(s string) (uintptr, error) {
	v, err := strconv.ParseUint(s, 16, bits.UintSize)
	return uintptr(v), err
}

// Filter returns the valid, named maps accepted by match.
func Filter(maps []Map, match func(path string) bool) []Map {
	var out []Map
	for _, m := range maps {
		if m.Valid() && !m.Unknown() && match(m.Path) {
			out = append(out, m)
		}
	}
	return out
}

// MapsEqual returns the maps whose path is exactly name.
func MapsEqual(pid int, name string) ([]Map, error) {
	return filterMaps(pid, name, func(path string) bool { return path == name })
}

// MapsContain returns the maps whose path contains name.
func MapsContain(pid int, name string) ([]Map, error) {
	return filterMaps(pid, name, func(path string) bool { return strings.Contains(path, name) })
}

// MapsEndWith returns the maps whose path ends with name.
func MapsEndWith(pid int, name string) ([]Map, error) {
	return filterMaps(pid, name, func(path string) bool { return strings.HasSuffix(path, name) })
}

func filterMaps(pid int, name string, match func(string) bool) ([]Map, error) {
	if name == "" {
		return nil, nil
	}
	maps, err := Maps(pid)
	if err != nil {
		return nil, err
	}
	return Filter(maps, match), nil
}

// AddressMap returns the map that contains address.
func AddressMap(maps []Map, address uintptr) (Map, bool) {
	if address == 0 {
		return Map{}, false
	}
	for _, m := range maps {
		if m.Valid() && m.Contains(address) {
			return m, true
		}
	}
	return Map{}, false
}
