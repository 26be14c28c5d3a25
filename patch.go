package memkit

import (
	"encoding/hex"
	"fmt"

	"github.com/sliverarmory/memkit/memop"
	"github.com/sliverarmory/memkit/scanner"
)

// Patch replaces bytes at a fixed address and can put the original bytes
// back. It writes through the patching port, so read-only code pages can be
// patched.
type Patch struct {
	mem     memop.Port
	address uintptr
	orig    []byte
	patch   []byte
}

// NewPatch records the bytes currently at address and prepares to replace
// them with code. Nothing is written until Modify.
func (s *Session) NewPatch(address uintptr, code []byte) (*Patch, error) {
	mem, err := s.patchPort()
	if err != nil {
		return nil, err
	}
	orig, err := snapshot(mem, address, len(code))
	if err != nil {
		return nil, err
	}
	return &Patch{
		mem:     mem,
		address: address,
		orig:    orig,
		patch:   append([]byte(nil), code...),
	}, nil
}

// NewPatchHex is NewPatch with the code given as a hex string.
func (s *Session) NewPatchHex(address uintptr, code string) (*Patch, error) {
	b, err := scanner.DecodeHex(code)
	if err != nil {
		return nil, fmt.Errorf("memkit: patch bytes: %w", err)
	}
	return s.NewPatch(address, b)
}

func (p *Patch) Address() uintptr { return p.address }

func (p *Patch) Size() int { return len(p.patch) }

// Modify writes the patch bytes.
func (p *Patch) Modify() error {
	return writeAll(p.mem, p.address, p.patch)
}

// Restore writes the original bytes back.
func (p *Patch) Restore() error {
	return writeAll(p.mem, p.address, p.orig)
}

// CurrentBytes is the hex of what is at the address now, or "" when it
// cannot be read.
func (p *Patch) CurrentBytes() string { return currentHex(p.mem, p.address, len(p.patch)) }

func (p *Patch) OriginalBytes() string { return hex.EncodeToString(p.orig) }

func (p *Patch) PatchBytes() string { return hex.EncodeToString(p.patch) }

// Backup holds a copy of target memory that can be written back later.
type Backup struct {
	mem     memop.Port
	address uintptr
	orig    []byte
}

// NewBackup copies size bytes at address.
func (s *Session) NewBackup(address uintptr, size int) (*Backup, error) {
	mem, err := s.patchPort()
	if err != nil {
		return nil, err
	}
	orig, err := snapshot(mem, address, size)
	if err != nil {
		return nil, err
	}
	return &Backup{mem: mem, address: address, orig: orig}, nil
}

func (b *Backup) Address() uintptr { return b.address }

func (b *Backup) Size() int { return len(b.orig) }

// Restore writes the saved bytes back.
func (b *Backup) Restore() error {
	return writeAll(b.mem, b.address, b.orig)
}

func (b *Backup) CurrentBytes() string { return currentHex(b.mem, b.address, len(b.orig)) }

func (b *Backup) OriginalBytes() string { return hex.EncodeToString(b.orig) }

func (s *Session) patchPort() (memop.Port, error) {
	if !s.usable() {
		return nil, ErrSessionClosed
	}
	if s.patchMem == nil {
		return nil, ErrPatchingDisabled
	}
	return s.patchMem, nil
}

func snapshot(mem memop.Port, address uintptr, size int) ([]byte, error) {
	if address == 0 || size <= 0 {
		return nil, fmt.Errorf("memkit: invalid range %#x+%d", address, size)
	}
	buf := make([]byte, size)
	if n := mem.Read(address, buf); n != size {
		return nil, fmt.Errorf("memkit: read %d/%d bytes at %#x", n, size, address)
	}
	return buf, nil
}

func writeAll(mem memop.Port, address uintptr, b []byte) error {
	if n := mem.Write(address, b); n != len(b) {
		return fmt.Errorf("memkit: wrote %d/%d bytes at %#x", n, len(b), address)
	}
	return nil
}

func currentHex(mem memop.Port, address uintptr, size int) string {
	buf := make([]byte, size)
	if mem.Read(address, buf) != size {
		return ""
	}
	return hex.EncodeToString(buf)
}
