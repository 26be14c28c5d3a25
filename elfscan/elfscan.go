// Package elfscan parses an ELF image that is already mapped in another
// process and resolves its dynamic symbols, reading everything through a
// memop.Port instead of the file on disk.
package elfscan

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/sliverarmory/memkit/internal/diag"
	"github.com/sliverarmory/memkit/memop"
	"github.com/sliverarmory/memkit/procfs"
)

var (
	ErrInvalidBase   = errors.New("elfscan: invalid base address")
	ErrNotELF        = errors.New("elfscan: not an ELF image")
	ErrClassMismatch = errors.New("elfscan: ELF class mismatch")
	ErrMalformed     = errors.New("elfscan: malformed ELF image")
	ErrNoDynamic     = errors.New("elfscan: missing dynamic symbol information")
)

const bssMapName = "[anon:.bss]"

// Upper bounds on tables read from the target, whatever its headers claim.
const (
	maxHeaderTable = 64 << 10
	maxTable       = 64 << 20
)

// MapsFunc lists the memory maps of a process.
type MapsFunc func(pid int) ([]procfs.Map, error)

type options struct {
	class    elf.Class
	pageSize uintptr
	maps     MapsFunc
	log      logrus.FieldLogger
}

type Option func(*options)

// WithClass sets the expected ELF class. The default matches the host.
func WithClass(class elf.Class) Option {
	return func(o *options) { o.class = class }
}

// WithPageSize overrides the host page size used to align segments.
func WithPageSize(size uintptr) Option {
	return func(o *options) { o.pageSize = size }
}

// WithMaps replaces the /proc maps reader.
func WithMaps(fn MapsFunc) Option {
	return func(o *options) { o.maps = fn }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) { o.log = log }
}

// HostClass is the ELF class of the running process.
func HostClass() elf.Class {
	if bits.UintSize == 64 {
		return elf.ELFCLASS64
	}
	return elf.ELFCLASS32
}

// Header is the decoded ELF file header.
type Header struct {
	Class     elf.Class
	Data      elf.Data
	OSABI     elf.OSABI
	Type      elf.Type
	Machine   elf.Machine
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// Dyn is one entry of the dynamic section.
type Dyn struct {
	Tag elf.DynTag
	Val uint64
}

// Symbol is a resolved runtime address and its name.
type Symbol struct {
	Address uintptr
	Name    string
}

// Image is an ELF image mapped in a remote process.
type Image struct {
	mem   memop.Port
	opts  options
	log   logrus.FieldLogger
	order binary.ByteOrder
	valid bool

	base     uintptr
	header   Header
	phdr     uintptr
	phdrs    []elf.ProgHeader
	loads    int
	loadBias uintptr
	loadSize uintptr
	bss      uintptr
	bssSize  uintptr

	dynamic  uintptr
	dynamics []Dyn
	strtab   uintptr
	symtab   uintptr
	strsz    uintptr
	syment   uintptr

	segments    []procfs.Map
	baseSegment procfs.Map

	symbolsLoaded bool
	symbols       []Symbol
}

// Open parses the image mapped at base. The returned Image is never nil; on
// error it is invalid and every lookup on it returns a zero value.
func Open(mem memop.Port, base uintptr, opts ...Option) (*Image, error) {
	o := options{
		class:    HostClass(),
		pageSize: uintptr(os.Getpagesize()),
		maps:     procfs.Maps,
	}
	for _, opt := range opts {
		opt(&o)
	}

	img := &Image{mem: mem, opts: o, base: base, log: diag.Or(o.log, "elfscan")}
	if mem == nil || base == 0 {
		return img, ErrInvalidBase
	}
	if err := img.load(); err != nil {
		img.log.Debugf("image %#x: %v", base, err)
		// drop whatever the partial parse filled in
		return &Image{mem: mem, opts: o, base: base, log: img.log}, err
	}
	img.valid = true
	return img, nil
}

func (img *Image) load() error {
	if err := img.readHeader(); err != nil {
		return err
	}
	if err := img.readProgramHeaders(); err != nil {
		return err
	}
	if err := img.readDynamic(); err != nil {
		return err
	}
	img.readSegments()
	return nil
}

func (img *Image) is64() bool { return img.header.Class == elf.ELFCLASS64 }

func (img *Image) readHeader() error {
	buf := make([]byte, binary.Size(elf.Header64{}))
	n := img.mem.Read(img.base, buf)
	if n < elf.EI_NIDENT {
		return fmt.Errorf("read header at %#x: %w", img.base, ErrNotELF)
	}
	if !bytes.Equal(buf[:4], []byte(elf.ELFMAG)) {
		return ErrNotELF
	}

	class := elf.Class(buf[elf.EI_CLASS])
	if class != img.opts.class {
		return fmt.Errorf("%w: got %s, want %s", ErrClassMismatch, class, img.opts.class)
	}
	switch elf.Data(buf[elf.EI_DATA]) {
	case elf.ELFDATA2LSB:
		img.order = binary.LittleEndian
	case elf.ELFDATA2MSB:
		img.order = binary.BigEndian
	default:
		return fmt.Errorf("%w: unknown data encoding %d", ErrMalformed, buf[elf.EI_DATA])
	}

	h := Header{
		Class: class,
		Data:  elf.Data(buf[elf.EI_DATA]),
		OSABI: elf.OSABI(buf[elf.EI_OSABI]),
	}
	r := bytes.NewReader(buf[:n])
	switch class {
	case elf.ELFCLASS64:
		var raw elf.Header64
		if err := binary.Read(r, img.order, &raw); err != nil {
			return fmt.Errorf("%w: short header: %v", ErrMalformed, err)
		}
		h.Type, h.Machine = elf.Type(raw.Type), elf.Machine(raw.Machine)
		h.Entry, h.Phoff, h.Shoff, h.Flags = raw.Entry, raw.Phoff, raw.Shoff, raw.Flags
		h.Ehsize, h.Phentsize, h.Phnum = raw.Ehsize, raw.Phentsize, raw.Phnum
		h.Shentsize, h.Shnum, h.Shstrndx = raw.Shentsize, raw.Shnum, raw.Shstrndx
	case elf.ELFCLASS32:
		var raw elf.Header32
		if err := binary.Read(r, img.order, &raw); err != nil {
			return fmt.Errorf("%w: short header: %v", ErrMalformed, err)
		}
		h.Type, h.Machine = elf.Type(raw.Type), elf.Machine(raw.Machine)
		h.Entry, h.Phoff, h.Shoff, h.Flags = uint64(raw.Entry), uint64(raw.Phoff), uint64(raw.Shoff), raw.Flags
		h.Ehsize, h.Phentsize, h.Phnum = raw.Ehsize, raw.Phentsize, raw.Phnum
		h.Shentsize, h.Shnum, h.Shstrndx = raw.Shentsize, raw.Shnum, raw.Shstrndx
	default:
		return fmt.Errorf("%w: unknown class %s", ErrMalformed, class)
	}

	if h.Phnum == 0 || h.Phentsize == 0 || h.Shnum == 0 || h.Shentsize == 0 {
		return fmt.Errorf("%w: invalid header values", ErrMalformed)
	}
	img.header = h
	return nil
}

func (img *Image) progSize() int {
	if img.is64() {
		return binary.Size(elf.Prog64{})
	}
	return binary.Size(elf.Prog32{})
}

func (img *Image) readProgramHeaders() error {
	h := img.header
	if int(h.Phentsize) < img.progSize() {
		return fmt.Errorf("%w: program header entry size %d", ErrMalformed, h.Phentsize)
	}

	size := int(h.Phnum) * int(h.Phentsize)
	if size > maxHeaderTable {
		return fmt.Errorf("%w: program header table of %d bytes", ErrMalformed, size)
	}
	img.phdr = img.base + uintptr(h.Phoff)
	buf := make([]byte, size)
	if n := img.mem.Read(img.phdr, buf); n != len(buf) {
		return fmt.Errorf("%w: read program headers: %d/%d bytes", ErrMalformed, n, len(buf))
	}

	var (
		minVaddr = ^uint64(0)
		maxVaddr uint64
		last     elf.ProgHeader
	)
	for i := 0; i < int(h.Phnum); i++ {
		entry := buf[i*int(h.Phentsize):]
		ph, err := img.decodeProg(entry[:img.progSize()])
		if err != nil {
			return fmt.Errorf("%w: program header %d: %v", ErrMalformed, i, err)
		}
		img.phdrs = append(img.phdrs, ph)
		if ph.Type != elf.PT_LOAD {
			continue
		}
		if ph.Memsz > ^uint64(0)-ph.Vaddr {
			return fmt.Errorf("%w: program header %d wraps the address space", ErrMalformed, i)
		}
		img.loads++
		last = ph
		if ph.Vaddr < minVaddr {
			minVaddr = ph.Vaddr
		}
		if end := ph.Vaddr + ph.Memsz; end > maxVaddr {
			maxVaddr = end
		}
	}
	if img.loads == 0 {
		return fmt.Errorf("%w: no PT_LOAD entries", ErrMalformed)
	}
	if maxVaddr == 0 {
		return fmt.Errorf("%w: empty load span", ErrMalformed)
	}

	if maxVaddr > uint64(^uintptr(0)-img.opts.pageSize) {
		return fmt.Errorf("%w: load span ends at %#x", ErrMalformed, maxVaddr)
	}
	alignedMin := img.pageStart(uintptr(minVaddr))
	alignedMax := img.pageEnd(uintptr(maxVaddr))
	if img.base < alignedMin {
		return fmt.Errorf("%w: base %#x below first load address %#x", ErrMalformed, img.base, alignedMin)
	}
	img.loadBias = img.base - alignedMin
	img.loadSize = alignedMax - alignedMin

	segStart := uintptr(last.Vaddr) + img.loadBias
	memEnd := img.pageEnd(segStart + uintptr(last.Memsz))
	fileEnd := img.pageEnd(segStart + uintptr(last.Filesz))
	if memEnd > fileEnd {
		img.bss = fileEnd
		img.bssSize = memEnd - fileEnd
	}
	return nil
}

func (img *Image) decodeProg(b []byte) (elf.ProgHeader, error) {
	r := bytes.NewReader(b)
	if img.is64() {
		var p elf.Prog64
		if err := binary.Read(r, img.order, &p); err != nil {
			return elf.ProgHeader{}, err
		}
		return elf.ProgHeader{
			Type:   elf.ProgType(p.Type),
			Flags:  elf.ProgFlag(p.Flags),
			Off:    p.Off,
			Vaddr:  p.Vaddr,
			Paddr:  p.Paddr,
			Filesz: p.Filesz,
			Memsz:  p.Memsz,
			Align:  p.Align,
		}, nil
	}
	var p elf.Prog32
	if err := binary.Read(r, img.order, &p); err != nil {
		return elf.ProgHeader{}, err
	}
	return elf.ProgHeader{
		Type:   elf.ProgType(p.Type),
		Flags:  elf.ProgFlag(p.Flags),
		Off:    uint64(p.Off),
		Vaddr:  uint64(p.Vaddr),
		Paddr:  uint64(p.Paddr),
		Filesz: uint64(p.Filesz),
		Memsz:  uint64(p.Memsz),
		Align:  uint64(p.Align),
	}, nil
}

func (img *Image) dynSize() int {
	if img.is64() {
		return binary.Size(elf.Dyn64{})
	}
	return binary.Size(elf.Dyn32{})
}

func (img *Image) readDynamic() error {
	for _, ph := range img.phdrs {
		if ph.Type != elf.PT_DYNAMIC {
			continue
		}
		if !img.inLoadSpan(ph.Vaddr, ph.Memsz) {
			return fmt.Errorf("%w: dynamic section %#x+%#x outside the load span", ErrMalformed, ph.Vaddr, ph.Memsz)
		}
		img.dynamic = img.loadBias + uintptr(ph.Vaddr)

		size := img.dynSize()
		buf := make([]byte, int(ph.Memsz)/size*size)
		n := img.mem.Read(img.dynamic, buf)
		if n == 0 {
			img.log.Debugf("image %#x: failed to read dynamic at %#x", img.base, img.dynamic)
			break
		}
		buf = buf[:n/size*size]

		for off := 0; off < len(buf); off += size {
			d := img.decodeDyn(buf[off : off+size])
			if d.Tag == elf.DT_NULL {
				break
			}
			switch d.Tag {
			case elf.DT_STRTAB:
				img.strtab = uintptr(d.Val)
			case elf.DT_SYMTAB:
				img.symtab = uintptr(d.Val)
			case elf.DT_STRSZ:
				img.strsz = uintptr(d.Val)
			case elf.DT_SYMENT:
				img.syment = uintptr(d.Val)
			}
			img.dynamics = append(img.dynamics, d)
		}
	}

	if img.strtab == 0 || img.symtab == 0 || img.strsz == 0 || img.syment == 0 {
		return fmt.Errorf("%w: strtab=%#x symtab=%#x strsz=%#x syment=%#x",
			ErrNoDynamic, img.strtab, img.symtab, img.strsz, img.syment)
	}

	// link-time addresses need the load bias added
	if img.strtab < img.loadBias {
		img.strtab += img.loadBias
	}
	if img.symtab < img.loadBias {
		img.symtab += img.loadBias
	}
	return nil
}

// inLoadSpan reports whether [vaddr, vaddr+size) lies inside the page
// aligned load span, with size strictly below the span and maxTable.
func (img *Image) inLoadSpan(vaddr, size uint64) bool {
	span := uint64(img.loadSize)
	first := uint64(img.base - img.loadBias)
	if size >= span || size > maxTable || vaddr < first {
		return false
	}
	rel := vaddr - first
	return rel < span && size <= span-rel
}

func (img *Image) decodeDyn(b []byte) Dyn {
	if img.is64() {
		return Dyn{Tag: elf.DynTag(int64(img.order.Uint64(b))), Val: img.order.Uint64(b[8:])}
	}
	return Dyn{Tag: elf.DynTag(int32(img.order.Uint32(b))), Val: uint64(img.order.Uint32(b[4:]))}
}

func (img *Image) readSegments() {
	if img.opts.maps == nil {
		return
	}
	maps, err := img.opts.maps(img.mem.PID())
	if err != nil {
		img.log.Debugf("image %#x: read maps: %v", img.base, err)
		return
	}

	fixBSS := img.bss == 0
	end := img.base + img.loadSize
	for _, m := range maps {
		if m.Start < img.base || m.End > end {
			continue
		}
		img.segments = append(img.segments, m)
		if fixBSS && m.Path == bssMapName {
			if img.bss == 0 {
				img.bss = m.Start
			}
			img.bssSize = m.End - img.bss
		}
	}
	if len(img.segments) > 0 {
		img.baseSegment = img.segments[0]
	}
}

func (img *Image) pageStart(x uintptr) uintptr { return x &^ (img.opts.pageSize - 1) }

func (img *Image) pageEnd(x uintptr) uintptr { return img.pageStart(x + img.opts.pageSize - 1) }

func (img *Image) Valid() bool { return img != nil && img.valid }

func (img *Image) Base() uintptr { return img.base }

// End is the first address after the loaded span.
func (img *Image) End() uintptr {
	if !img.Valid() {
		return 0
	}
	return img.base + img.loadSize
}

func (img *Image) Header() Header { return img.header }

// PHDR is the runtime address of the program header table.
func (img *Image) PHDR() uintptr { return img.phdr }

func (img *Image) ProgramHeaders() []elf.ProgHeader { return img.phdrs }

// Loads is the number of PT_LOAD entries.
func (img *Image) Loads() int { return img.loads }

func (img *Image) LoadBias() uintptr { return img.loadBias }

func (img *Image) LoadSize() uintptr { return img.loadSize }

func (img *Image) BSS() uintptr { return img.bss }

func (img *Image) BSSSize() uintptr { return img.bssSize }

// Dynamic is the runtime address of the dynamic section.
func (img *Image) Dynamic() uintptr { return img.dynamic }

func (img *Image) Dynamics() []Dyn { return img.dynamics }

func (img *Image) StringTable() uintptr { return img.strtab }

func (img *Image) SymbolTable() uintptr { return img.symtab }

func (img *Image) StringTableSize() uintptr { return img.strsz }

func (img *Image) SymbolEntrySize() uintptr { return img.syment }

// Segments are the process maps that lie inside the loaded span.
func (img *Image) Segments() []procfs.Map { return img.segments }

func (img *Image) BaseSegment() procfs.Map { return img.baseSegment }

// FilePath is the path of the file backing the base segment.
func (img *Image) FilePath() string { return img.baseSegment.Path }

// Symbols reads the dynamic symbol table on first use and caches the result,
// including an empty result.
//
// The symbol table is assumed to end where the string table begins; an entry
// whose name offset falls outside the string table ends the walk. Every whole
// entry before the string table is read, including the last one. Tables
// larger than the load span or 64 MiB are treated as empty.
func (img *Image) Symbols() []Symbol {
	if img.symbolsLoaded || !img.Valid() || img.strtab <= img.symtab {
		return img.symbols
	}
	img.symbolsLoaded = true

	limit := min(img.loadSize, maxTable)
	if img.strtab-img.symtab > limit || img.strsz > limit {
		img.log.Debugf("image %#x: symbol table %#x or string table %#x larger than the image",
			img.base, img.strtab-img.symtab, img.strsz)
		return img.symbols
	}

	symBuf := make([]byte, img.strtab-img.symtab)
	strBuf := make([]byte, img.strsz)
	n := img.mem.Read(img.symtab, symBuf)
	if n == 0 {
		img.log.Debugf("image %#x: failed to read symbol table at %#x", img.base, img.symtab)
		return img.symbols
	}
	symBuf = symBuf[:n]
	n = img.mem.Read(img.strtab, strBuf)
	if n == 0 {
		img.log.Debugf("image %#x: failed to read string table at %#x", img.base, img.strtab)
		return img.symbols
	}
	strBuf = strBuf[:n]

	step := int(img.syment)
	for off := 0; off+step <= len(symBuf); off += step {
		name, value, ok := img.decodeSym(symBuf[off : off+step])
		if !ok || uintptr(name) >= img.strsz {
			break
		}
		if name == 0 || !img.positive(value) {
			continue
		}
		if int(name) >= len(strBuf) {
			continue
		}

		str := strBuf[name:]
		if i := bytes.IndexByte(str, 0); i >= 0 {
			str = str[:i]
		}
		if len(str) == 0 {
			continue
		}

		addr := uintptr(value)
		if addr < img.loadBias {
			addr += img.loadBias
		}
		img.symbols = append(img.symbols, Symbol{Address: addr, Name: string(str)})
	}
	return img.symbols
}

func (img *Image) decodeSym(b []byte) (name uint32, value uint64, ok bool) {
	if img.is64() {
		if len(b) < binary.Size(elf.Sym64{}) {
			return 0, 0, false
		}
		return img.order.Uint32(b), img.order.Uint64(b[8:]), true
	}
	if len(b) < binary.Size(elf.Sym32{}) {
		return 0, 0, false
	}
	return img.order.Uint32(b), uint64(img.order.Uint32(b[4:])), true
}

// positive treats value as a signed word of the image's class.
func (img *Image) positive(value uint64) bool {
	if img.is64() {
		return int64(value) > 0
	}
	return int32(uint32(value)) > 0
}

// FindSymbol returns the address of the first symbol called name, or 0.
func (img *Image) FindSymbol(name string) uintptr {
	if name == "" {
		return 0
	}
	for _, sym := range img.Symbols() {
		if sym.Name == name {
			return sym.Address
		}
	}
	return 0
}
