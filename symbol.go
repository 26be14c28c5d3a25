package memkit

import (
	"debug/elf"
	"fmt"
	"strings"

	"github.com/sliverarmory/memkit/elfscan"
)

// RemoteSymbolFromFile resolves symbol in the on-disk file behind the mapped
// library and rebases it onto the image loaded in the target. It reads the
// file's dynamic symbols first and falls back to the static table, which also
// finds local symbols the loaded image does not export.
func (s *Session) RemoteSymbolFromFile(library, symbol string) (uintptr, error) {
	img, err := s.FindELF(library)
	if err != nil {
		return 0, err
	}
	path, err := imageFile(img)
	if err != nil {
		return 0, fmt.Errorf("memkit: image %q: %w", library, err)
	}

	value, err := fileSymbolValue(path, symbol)
	if err != nil {
		return 0, err
	}
	if value < img.LoadBias() {
		value += img.LoadBias()
	}
	return value, nil
}

// imageFile is the path to open for img. An unlinked file is still reachable
// through the map_files link of its base segment.
func imageFile(img *elfscan.Image) (string, error) {
	seg := img.BaseSegment()
	switch {
	case seg.Path == "":
		return "", ErrNotFound
	case seg.Deleted():
		return seg.MapFile(), nil
	}
	return seg.Path, nil
}

func fileSymbolValue(path string, symbol string) (uintptr, error) {
	f, err := elf.Open(path)
	if err != nil {
		return 0, fmt.Errorf("memkit: open elf %s: %w", path, err)
	}
	defer f.Close()

	for _, table := range []func() ([]elf.Symbol, error){f.DynamicSymbols, f.Symbols} {
		syms, err := table()
		if err != nil {
			continue
		}
		if v, ok := matchSymbol(syms, symbol); ok {
			return v, nil
		}
	}
	return 0, fmt.Errorf("memkit: symbol %s in %s: %w", symbol, path, ErrNotFound)
}

// matchSymbol finds the defined symbol called want. Versioned static names
// such as "memcpy@GLIBC_2.2.5" match too, and the default version
// "memcpy@@GLIBC_2.14" wins over the others.
func matchSymbol(symbols []elf.Symbol, want string) (uintptr, bool) {
	var fallback uintptr
	for _, s := range symbols {
		if s.Section == elf.SHN_UNDEF || s.Value == 0 {
			continue
		}
		switch elf.ST_TYPE(s.Info) {
		case elf.STT_SECTION, elf.STT_FILE, elf.STT_TLS:
			continue
		}

		name, version, versioned := strings.Cut(s.Name, "@")
		if name != want {
			continue
		}
		if !versioned || strings.HasPrefix(version, "@") {
			return uintptr(s.Value), true
		}
		if fallback == 0 {
			fallback = uintptr(s.Value)
		}
	}
	return fallback, fallback != 0
}
