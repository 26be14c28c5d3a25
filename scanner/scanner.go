// Package scanner searches a remote memory range for masked byte patterns.
package scanner

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/sliverarmory/memkit/internal/diag"
	"github.com/sliverarmory/memkit/memop"
)

// Scanner reads a whole range in one transfer and searches it locally.
type Scanner struct {
	mem memop.Port
	log logrus.FieldLogger
}

func New(mem memop.Port, log logrus.FieldLogger) *Scanner {
	return &Scanner{mem: mem, log: diag.Or(log, "scanner")}
}

// read returns the transferred prefix of [start, end).
func (s *Scanner) read(op string, start, end uintptr, p Pattern) []byte {
	if s.mem == nil || start >= end || !p.valid() {
		return nil
	}
	buf := make([]byte, end-start)
	n := s.mem.Read(start, buf)
	if n == 0 {
		s.log.WithField("range", fmt.Sprintf("%#x-%#x", start, end)).Errorf("%s: failed to read into buffer", op)
		return nil
	}
	if n < len(buf) {
		s.log.Debugf("%s: scanning %d of %d bytes", op, n, len(buf))
	}
	return buf[:n]
}

func indexFrom(buf []byte, from int, p Pattern) int {
	size := p.Len()
	for i := from; i+size <= len(buf); i++ {
		if p.matches(buf[i:]) {
			return i
		}
	}
	return -1
}

// FindFirst returns the address of the first match in [start, end), or 0.
func (s *Scanner) FindFirst(start, end uintptr, p Pattern) uintptr {
	buf := s.read("findFirst", start, end, p)
	if i := indexFrom(buf, 0, p); i >= 0 {
		return start + uintptr(i)
	}
	return 0
}

// FindAll returns every match in [start, end) in ascending order. A match
// that begins inside the previous match is not reported.
func (s *Scanner) FindAll(start, end uintptr, p Pattern) []uintptr {
	buf := s.read("findAll", start, end, p)
	var out []uintptr
	for from := 0; ; {
		i := indexFrom(buf, from, p)
		if i < 0 {
			break
		}
		out = append(out, start+uintptr(i))
		from = i + p.Len()
	}
	return out
}

func (s *Scanner) FindBytesFirst(start, end uintptr, b []byte, mask string) uintptr {
	p, err := NewPattern(b, mask)
	if err != nil {
		return 0
	}
	return s.FindFirst(start, end, p)
}

func (s *Scanner) FindBytesAll(start, end uintptr, b []byte, mask string) []uintptr {
	p, err := NewPattern(b, mask)
	if err != nil {
		return nil
	}
	return s.FindAll(start, end, p)
}

func (s *Scanner) FindHexFirst(start, end uintptr, hex string, mask string) uintptr {
	p, err := ParseHex(hex, mask)
	if err != nil {
		s.log.Debugf("findHexFirst: %v", err)
		return 0
	}
	return s.FindFirst(start, end, p)
}

func (s *Scanner) FindHexAll(start, end uintptr, hex string, mask string) []uintptr {
	p, err := ParseHex(hex, mask)
	if err != nil {
		s.log.Debugf("findHexAll: %v", err)
		return nil
	}
	return s.FindAll(start, end, p)
}

func (s *Scanner) FindIDAFirst(start, end uintptr, pattern string) uintptr {
	p, err := ParseIDA(pattern)
	if err != nil {
		s.log.Debugf("findIDAFirst: %v", err)
		return 0
	}
	return s.FindFirst(start, end, p)
}

func (s *Scanner) FindIDAAll(start, end uintptr, pattern string) []uintptr {
	p, err := ParseIDA(pattern)
	if err != nil {
		s.log.Debugf("findIDAAll: %v", err)
		return nil
	}
	return s.FindAll(start, end, p)
}

func (s *Scanner) FindDataFirst(start, end uintptr, data []byte) uintptr {
	if len(data) == 0 {
		return 0
	}
	return s.FindFirst(start, end, DataPattern(data))
}

func (s *Scanner) FindDataAll(start, end uintptr, data []byte) []uintptr {
	if len(data) == 0 {
		return nil
	}
	return s.FindAll(start, end, DataPattern(data))
}
