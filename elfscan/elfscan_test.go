package elfscan

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"math/bits"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/memkit/internal/memtest"
	"github.com/sliverarmory/memkit/procfs"
)

const (
	testPID    = 4321
	testBase   = uintptr(0x70000000)
	testPage   = 0x1000
	symtabOff  = 0x400
	dynamicOff = 0x1000
	stringPool = "\x00alpha\x00beta\x00zero\x00"
)

type imageLayout struct {
	class     elf.Class
	linkBase  uint64
	noStrtab  bool
	badMagic  bool
	truncated bool

	// overrides for values read from the target
	dynMemsz  uint64
	strsz     uint64
	strtab    uint64
	phentsize uint16
	lastValue uint64
}

// buildImage lays out a small shared object: a text LOAD, a data LOAD with a
// bss tail, a DYNAMIC entry, four symbols and their string table.
func buildImage(t *testing.T, layout imageLayout) []byte {
	t.Helper()

	img := make([]byte, dynamicOff+0x200)
	put := func(off int, v any) {
		var b bytes.Buffer
		require.NoError(t, binary.Write(&b, binary.LittleEndian, v))
		copy(img[off:], b.Bytes())
	}

	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	if layout.badMagic {
		ident[1] = 'X'
	}
	ident[elf.EI_CLASS] = byte(layout.class)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	lb := layout.linkBase
	syment := 24
	if layout.class == elf.ELFCLASS32 {
		syment = 16
	}
	strtabOff := symtabOff + 4*syment
	dynMemsz := uint64(0x200)
	if layout.dynMemsz != 0 {
		dynMemsz = layout.dynMemsz
	}
	strsz := uint64(len(stringPool))
	if layout.strsz != 0 {
		strsz = layout.strsz
	}
	strtab := lb + uint64(strtabOff)
	if layout.strtab != 0 {
		strtab = layout.strtab
	}

	type load struct{ typ elf.ProgType; vaddr, filesz, memsz uint64 }
	loads := []load{
		{elf.PT_LOAD, lb, testPage, testPage},
		{elf.PT_LOAD, lb + testPage, 0x200, 0x3000},
		{elf.PT_DYNAMIC, lb + dynamicOff, 0x200, dynMemsz},
	}
	syms := []struct{ name, value uint64 }{
		{0, 0},
		{1, lb + 0x500},
		{7, lb + 0x600},
		{12, layout.lastValue},
	}
	dyns := []struct{ tag, val uint64 }{
		{uint64(elf.DT_STRTAB), strtab},
		{uint64(elf.DT_SYMTAB), lb + symtabOff},
		{uint64(elf.DT_STRSZ), strsz},
		{uint64(elf.DT_SYMENT), uint64(syment)},
		{uint64(elf.DT_NULL), 0},
	}
	if layout.noStrtab {
		dyns = dyns[1:]
	}

	switch layout.class {
	case elf.ELFCLASS64:
		phentsize := uint16(56)
		if layout.phentsize != 0 {
			phentsize = layout.phentsize
		}
		put(0, elf.Header64{
			Ident: ident, Type: uint16(elf.ET_DYN), Machine: uint16(elf.EM_X86_64), Version: 1,
			Phoff: 64, Ehsize: 64, Phentsize: phentsize, Phnum: uint16(len(loads)), Shentsize: 64, Shnum: 1,
		})
		for i, l := range loads {
			put(64+i*56, elf.Prog64{Type: uint32(l.typ), Vaddr: l.vaddr, Filesz: l.filesz, Memsz: l.memsz})
		}
		for i, s := range syms {
			put(symtabOff+i*syment, elf.Sym64{Name: uint32(s.name), Value: s.value})
		}
		for i, d := range dyns {
			put(dynamicOff+i*16, elf.Dyn64{Tag: int64(d.tag), Val: d.val})
		}
	case elf.ELFCLASS32:
		put(0, elf.Header32{
			Ident: ident, Type: uint16(elf.ET_DYN), Machine: uint16(elf.EM_386), Version: 1,
			Phoff: 52, Ehsize: 52, Phentsize: 32, Phnum: uint16(len(loads)), Shentsize: 40, Shnum: 1,
		})
		for i, l := range loads {
			put(52+i*32, elf.Prog32{Type: uint32(l.typ), Vaddr: uint32(l.vaddr), Filesz: uint32(l.filesz), Memsz: uint32(l.memsz)})
		}
		for i, s := range syms {
			put(symtabOff+i*syment, elf.Sym32{Name: uint32(s.name), Value: uint32(s.value)})
		}
		for i, d := range dyns {
			put(dynamicOff+i*8, elf.Dyn32{Tag: int32(d.tag), Val: uint32(d.val)})
		}
	}
	copy(img[strtabOff:], stringPool)

	if layout.truncated {
		return img[:40]
	}
	return img
}

func testMaps(base uintptr) MapsFunc {
	return func(pid int) ([]procfs.Map, error) {
		return []procfs.Map{
			{PID: pid, Start: base - testPage, End: base, Path: "/usr/lib/other.so"},
			{PID: pid, Start: base, End: base + testPage, Perms: "r-xp", Path: "/usr/lib/libtest.so"},
			{PID: pid, Start: base + testPage, End: base + 2*testPage, Perms: "rw-p", Path: "/usr/lib/libtest.so"},
			{PID: pid, Start: base + 2*testPage, End: base + 4*testPage, Perms: "rw-p", Path: bssMapName},
			{PID: pid, Start: base + 4*testPage, End: base + 5*testPage, Perms: "rw-p"},
		}, nil
	}
}

func openTestImage(t *testing.T, layout imageLayout, base uintptr, opts ...Option) (*Image, *memtest.Memory, error) {
	t.Helper()
	mem := memtest.New(testPID)
	mem.Map(base, buildImage(t, layout))
	opts = append([]Option{WithClass(layout.class), WithPageSize(testPage), WithMaps(testMaps(base))}, opts...)
	img, err := Open(mem, base, opts...)
	require.NotNil(t, img)
	return img, mem, err
}

func TestOpenSharedObject64(t *testing.T) {
	img, _, err := openTestImage(t, imageLayout{class: elf.ELFCLASS64}, testBase)
	require.NoError(t, err)
	require.True(t, img.Valid())

	assert.Equal(t, testBase, img.Base())
	assert.Equal(t, testBase, img.LoadBias())
	assert.Equal(t, uintptr(0x4000), img.LoadSize())
	assert.Equal(t, testBase+0x4000, img.End())
	assert.Equal(t, testBase+64, img.PHDR())
	assert.Equal(t, 2, img.Loads())
	assert.Len(t, img.ProgramHeaders(), 3)
	assert.Equal(t, elf.ET_DYN, img.Header().Type)
	assert.Equal(t, elf.EM_X86_64, img.Header().Machine)

	assert.Equal(t, testBase+0x2000, img.BSS())
	assert.Equal(t, uintptr(0x2000), img.BSSSize())

	assert.Equal(t, testBase+dynamicOff, img.Dynamic())
	assert.Len(t, img.Dynamics(), 4)
	assert.Equal(t, testBase+symtabOff, img.SymbolTable())
	assert.Equal(t, testBase+symtabOff+4*24, img.StringTable())
	assert.Equal(t, uintptr(len(stringPool)), img.StringTableSize())
	assert.Equal(t, uintptr(24), img.SymbolEntrySize())

	require.Len(t, img.Segments(), 3)
	assert.Equal(t, testBase, img.BaseSegment().Start)
	assert.Equal(t, "/usr/lib/libtest.so", img.FilePath())
}

func TestSymbols(t *testing.T) {
	for _, class := range []elf.Class{elf.ELFCLASS64, elf.ELFCLASS32} {
		t.Run(class.String(), func(t *testing.T) {
			base := testBase
			if class == elf.ELFCLASS32 {
				base = 0xf7a00000
			}
			img, mem, err := openTestImage(t, imageLayout{class: class}, base)
			require.NoError(t, err)

			want := []Symbol{
				{Address: base + 0x500, Name: "alpha"},
				{Address: base + 0x600, Name: "beta"},
			}
			require.Equal(t, want, img.Symbols())

			reads := mem.Reads
			require.Equal(t, want, img.Symbols())
			require.Equal(t, reads, mem.Reads, "symbols are read once")

			addr := img.FindSymbol("beta")
			require.Equal(t, base+0x600, addr)
			require.True(t, addr >= img.Base() && addr < img.End())
			require.Zero(t, img.FindSymbol("zero"))
			require.Zero(t, img.FindSymbol("does_not_exist"))
			require.Zero(t, img.FindSymbol(""))
		})
	}
}

func TestNonPIEImageHasZeroBias(t *testing.T) {
	const link = 0x400000
	img, _, err := openTestImage(t, imageLayout{class: elf.ELFCLASS64, linkBase: link}, link)
	require.NoError(t, err)
	require.Zero(t, img.LoadBias())
	require.Equal(t, uintptr(link+symtabOff), img.SymbolTable())
	require.Equal(t, uintptr(link+0x500), img.FindSymbol("alpha"))
}

func TestBSSFromMaps(t *testing.T) {
	mem := memtest.New(testPID)
	raw := buildImage(t, imageLayout{class: elf.ELFCLASS64})
	// data segment fully file backed, so only the maps name the bss
	binary.LittleEndian.PutUint64(raw[64+56+40:], 0x200)
	mem.Map(testBase, raw)

	img, err := Open(mem, testBase, WithClass(elf.ELFCLASS64), WithPageSize(testPage), WithMaps(testMaps(testBase)))
	require.NoError(t, err)
	require.Equal(t, uintptr(0x2000), img.LoadSize())
	require.Zero(t, img.BSS())
	require.Len(t, img.Segments(), 2)

	mem = memtest.New(testPID)
	binary.LittleEndian.PutUint64(raw[64+56+40:], 0x1000)
	binary.LittleEndian.PutUint64(raw[64+56+32:], 0x1000)
	mem.Map(testBase, raw)
	maps := func(pid int) ([]procfs.Map, error) {
		return []procfs.Map{
			{Start: testBase, End: testBase + testPage, Path: "/usr/lib/libtest.so"},
			{Start: testBase + testPage, End: testBase + 2*testPage, Path: bssMapName},
		}, nil
	}
	img, err = Open(mem, testBase, WithClass(elf.ELFCLASS64), WithPageSize(testPage), WithMaps(maps))
	require.NoError(t, err)
	require.Equal(t, testBase+testPage, img.BSS())
	require.Equal(t, uintptr(testPage), img.BSSSize())
}

func TestMapsFailureKeepsImageValid(t *testing.T) {
	failing := func(int) ([]procfs.Map, error) { return nil, errors.New("no maps") }
	img, _, err := openTestImage(t, imageLayout{class: elf.ELFCLASS64}, testBase, WithMaps(failing))
	require.NoError(t, err)
	require.True(t, img.Valid())
	require.Empty(t, img.Segments())
	require.Empty(t, img.FilePath())
}

func TestInvalidImages(t *testing.T) {
	tests := []struct {
		name   string
		layout imageLayout
		opts   []Option
		want   error
	}{
		{"bad magic", imageLayout{class: elf.ELFCLASS64, badMagic: true}, nil, ErrNotELF},
		{"class mismatch", imageLayout{class: elf.ELFCLASS64}, []Option{WithClass(elf.ELFCLASS32)}, ErrClassMismatch},
		{"missing strtab", imageLayout{class: elf.ELFCLASS64, noStrtab: true}, nil, ErrNoDynamic},
		{"truncated", imageLayout{class: elf.ELFCLASS64, truncated: true}, nil, ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, _, err := openTestImage(t, tt.layout, testBase, tt.opts...)
			require.ErrorIs(t, err, tt.want)
			require.False(t, img.Valid())
			require.Zero(t, img.End())
			require.Zero(t, img.LoadBias())
			require.Zero(t, img.LoadSize())
			require.Zero(t, img.Dynamic())
			require.Empty(t, img.Dynamics())
			require.Zero(t, img.StringTable())
			require.Zero(t, img.SymbolTable())
			require.Empty(t, img.ProgramHeaders())
			require.Equal(t, Header{}, img.Header())
			require.Empty(t, img.Symbols())
			require.Zero(t, img.FindSymbol("alpha"))
		})
	}
}

func TestUnmappedBase(t *testing.T) {
	img, err := Open(memtest.New(testPID), testBase)
	require.ErrorIs(t, err, ErrNotELF)
	require.False(t, img.Valid())

	img, err = Open(memtest.New(testPID), 0)
	require.ErrorIs(t, err, ErrInvalidBase)
	require.False(t, img.Valid())
}

func TestOutOfRangeHeaderValues(t *testing.T) {
	tests := []struct {
		name   string
		layout imageLayout
	}{
		{"huge dynamic size", imageLayout{class: elf.ELFCLASS64, dynMemsz: 1<<63 | 0x200}},
		{"dynamic past the image", imageLayout{class: elf.ELFCLASS64, dynMemsz: 0x3100}},
		{"huge program header table", imageLayout{class: elf.ELFCLASS64, phentsize: 0xffff}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				img *Image
				err error
			)
			require.NotPanics(t, func() { img, _, err = openTestImage(t, tt.layout, testBase) })
			require.ErrorIs(t, err, ErrMalformed)
			require.False(t, img.Valid())
			require.Empty(t, img.Symbols())
		})
	}
}

func TestOversizedSymbolTables(t *testing.T) {
	layouts := map[string]imageLayout{
		"string table size":     {class: elf.ELFCLASS64, strsz: 1 << 31},
		"string table past end": {class: elf.ELFCLASS64, strsz: 0x5000},
		"distant string table":  {class: elf.ELFCLASS64, strtab: uint64(testBase) + 0x40000000},
	}
	if bits.UintSize == 64 {
		layouts["huge string table size"] = imageLayout{class: elf.ELFCLASS64, strsz: 1 << 63}
	}
	for name, layout := range layouts {
		t.Run(name, func(t *testing.T) {
			img, mem, err := openTestImage(t, layout, testBase)
			require.NoError(t, err)
			require.True(t, img.Valid())

			require.NotPanics(t, func() { require.Empty(t, img.Symbols()) })
			reads := mem.Reads
			require.Empty(t, img.Symbols())
			require.Equal(t, reads, mem.Reads, "empty result is cached")
			require.Zero(t, img.FindSymbol("alpha"))
		})
	}
}

func TestLastSymbolBeforeStringTable(t *testing.T) {
	img, _, err := openTestImage(t, imageLayout{class: elf.ELFCLASS64, lastValue: 0x700}, testBase)
	require.NoError(t, err)
	require.Len(t, img.Symbols(), 3)
	require.Equal(t, testBase+0x700, img.FindSymbol("zero"))
}
