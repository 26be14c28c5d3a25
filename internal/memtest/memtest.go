// Package memtest provides an in-memory address space for tests.
package memtest

import (
	"bytes"
	"sort"
)

type region struct {
	start uintptr
	data  []byte
}

func (r *region) end() uintptr { return r.start + uintptr(len(r.data)) }

// Memory is a fake remote address space made of disjoint regions. Transfers
// stop at the first unmapped byte.
type Memory struct {
	Pid     int
	regions []*region

	Reads  int
	Writes int
}

func New(pid int) *Memory {
	return &Memory{Pid: pid}
}

// Map places a copy of data at start and returns the backing slice.
func (m *Memory) Map(start uintptr, data []byte) []byte {
	r := &region{start: start, data: append([]byte(nil), data...)}
	m.regions = append(m.regions, r)
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].start < m.regions[j].start })
	return r.data
}

// MapZero maps size zero bytes at start.
func (m *Memory) MapZero(start uintptr, size int) []byte {
	return m.Map(start, make([]byte, size))
}

func (m *Memory) find(address uintptr) (*region, int) {
	for _, r := range m.regions {
		if address >= r.start && address < r.end() {
			return r, int(address - r.start)
		}
	}
	return nil, 0
}

func (m *Memory) PID() int { return m.Pid }

func (m *Memory) Read(address uintptr, buf []byte) int {
	m.Reads++
	return m.copy(address, buf, false)
}

func (m *Memory) Write(address uintptr, buf []byte) int {
	m.Writes++
	return m.copy(address, buf, true)
}

func (m *Memory) copy(address uintptr, buf []byte, write bool) int {
	if m.Pid <= 0 || address == 0 || len(buf) == 0 {
		return 0
	}
	done := 0
	for done < len(buf) {
		r, off := m.find(address + uintptr(done))
		if r == nil {
			break
		}
		var n int
		if write {
			n = copy(r.data[off:], buf[done:])
		} else {
			n = copy(buf[done:], r.data[off:])
		}
		done += n
	}
	return done
}

func (m *Memory) ReadString(address uintptr, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	buf := make([]byte, maxLen)
	n := m.Read(address, buf)
	buf = buf[:n]
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf)
}

func (m *Memory) WriteString(address uintptr, s string) bool {
	buf := append([]byte(s), 0)
	return m.Write(address, buf) == len(buf)
}

func (m *Memory) Close() error { return nil }

// Bytes returns size bytes at address, nil if any of them is unmapped.
func (m *Memory) Bytes(address uintptr, size int) []byte {
	buf := make([]byte, size)
	if m.copy(address, buf, false) != size {
		return nil
	}
	return buf
}
