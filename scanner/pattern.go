package scanner

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidPattern = errors.New("scanner: invalid pattern")

// Exact marks a mask position that must match byte for byte. Any other mask
// character is a wildcard.
const Exact = 'x'

// Pattern is a byte sequence with a mask of the same length.
type Pattern struct {
	Bytes []byte
	Mask  string
}

// NewPattern pairs bytes with mask.
func NewPattern(b []byte, mask string) (Pattern, error) {
	if len(b) == 0 || len(mask) == 0 {
		return Pattern{}, fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}
	if len(b) != len(mask) {
		return Pattern{}, fmt.Errorf("%w: %d bytes with a %d character mask", ErrInvalidPattern, len(b), len(mask))
	}
	return Pattern{Bytes: b, Mask: mask}, nil
}

// DataPattern matches data exactly.
func DataPattern(data []byte) Pattern {
	return Pattern{Bytes: data, Mask: strings.Repeat(string(Exact), len(data))}
}

// ParseHex decodes a hex string such as "0x7f454c46" or "7f 45 4c 46" and
// pairs it with mask.
func ParseHex(s string, mask string) (Pattern, error) {
	b, err := DecodeHex(s)
	if err != nil {
		return Pattern{}, err
	}
	return NewPattern(b, mask)
}

// DecodeHex strips an optional 0x prefix and whitespace and decodes the rest.
func DecodeHex(s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
	}
	if len(s) < 2 || len(s)%2 != 0 {
		return nil, fmt.Errorf("%w: hex string of length %d", ErrInvalidPattern, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	return b, nil
}

// ParseIDA parses an IDA style pattern such as "48 8B05 ? ? 89". Every "?"
// is one wildcard byte, so "??" spans two bytes. Hex digits are read in pairs
// and whitespace only separates; any other character, or a hex digit left
// without a partner, makes the pattern invalid.
func ParseIDA(s string) (Pattern, error) {
	var (
		b    []byte
		mask strings.Builder
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
		case c == '?':
			b = append(b, 0)
			mask.WriteByte('?')
		case isHexDigit(c) && i+1 < len(s) && isHexDigit(s[i+1]):
			v, _ := hex.DecodeString(s[i : i+2])
			b = append(b, v[0])
			mask.WriteByte(Exact)
			i++
		default:
			return Pattern{}, fmt.Errorf("%w: unexpected %q at %d", ErrInvalidPattern, c, i)
		}
	}
	if len(b) == 0 {
		return Pattern{}, fmt.Errorf("%w: empty IDA pattern", ErrInvalidPattern)
	}
	return Pattern{Bytes: b, Mask: mask.String()}, nil
}

func isHexDigit(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

func (p Pattern) Len() int { return len(p.Mask) }

func (p Pattern) valid() bool {
	return len(p.Mask) > 0 && len(p.Bytes) == len(p.Mask)
}

// matches compares p against data starting at data[0].
func (p Pattern) matches(data []byte) bool {
	for i := 0; i < len(p.Mask); i++ {
		if p.Mask[i] == Exact && data[i] != p.Bytes[i] {
			return false
		}
	}
	return true
}

// String renders p in IDA notation.
func (p Pattern) String() string {
	var sb strings.Builder
	for i := 0; i < len(p.Mask); i++ {
		if i > 0 {
			sb.WriteByte(' ')
		}
		if p.Mask[i] == Exact && i < len(p.Bytes) {
			fmt.Fprintf(&sb, "%02X", p.Bytes[i])
		} else {
			sb.WriteByte('?')
		}
	}
	return sb.String()
}
