package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gowebpki/jcs"
)

// GenesisHash marks the first link of a project chain.
const GenesisHash = "GENESIS"

// Canonical returns the deterministic encoding of v: primitives in standard
// JSON form, arrays in order, object keys sorted by code point. The issuing
// device and the authority must both hash exactly this string.
func Canonical(v Value) string {
	var b strings.Builder
	writeValue(&b, v, true)
	return b.String()
}

// Hash returns hex(sha256(Canonical(v))), lowercase, 64 characters.
func Hash(v Value) string {
	return HashString(Canonical(v))
}

// HashString hashes the UTF-8 bytes of s.
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// IsHash reports whether s is a 64 character lowercase hex digest.
func IsHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

func writeValue(b *strings.Builder, v Value, sorted bool) {
	switch v.kind {
	case KindNull:
		b.WriteString("null")
	case KindBool:
		if v.b {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case KindInt:
		b.WriteString(strconv.FormatInt(v.i, 10))
	case KindFloat:
		writeFloat(b, v.f)
	case KindString:
		writeString(b, v.s)
	case KindArray:
		b.WriteByte('[')
		for i, e := range v.arr {
			if i > 0 {
				b.WriteByte(',')
			}
			writeValue(b, e, sorted)
		}
		b.WriteByte(']')
	case KindObject:
		members := v.obj
		if sorted {
			members = make([]Member, len(v.obj))
			copy(members, v.obj)
			// Byte order of UTF-8 strings is code point order.
			sort.Slice(members, func(i, j int) bool { return members[i].Key < members[j].Key })
		}
		b.WriteByte('{')
		for i, m := range members {
			if i > 0 {
				b.WriteByte(',')
			}
			writeString(b, m.Key)
			b.WriteByte(':')
			writeValue(b, m.Value, sorted)
		}
		b.WriteByte('}')
	}
}

// writeFloat uses the ECMAScript number serialization so floats render the
// same way a JavaScript issuer renders them.
func writeFloat(b *strings.Builder, f float64) {
	s, err := jcs.NumberToJSON(f)
	if err != nil {
		// Unreachable for values built through Float.
		s = strconv.FormatFloat(f, 'g', -1, 64)
	}
	b.WriteString(s)
}

const hexDigits = "0123456789abcdef"

// writeString escapes only the quote, the backslash and control characters,
// matching JSON.stringify. Invalid UTF-8 is replaced by U+FFFD.
func writeString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			switch c {
			case '"':
				b.WriteString(`\"`)
			case '\\':
				b.WriteString(`\\`)
			case '\b':
				b.WriteString(`\b`)
			case '\f':
				b.WriteString(`\f`)
			case '\n':
				b.WriteString(`\n`)
			case '\r':
				b.WriteString(`\r`)
			case '\t':
				b.WriteString(`\t`)
			default:
				if c < 0x20 {
					b.WriteString(`\u00`)
					b.WriteByte(hexDigits[c>>4])
					b.WriteByte(hexDigits[c&0xf])
				} else {
					b.WriteByte(c)
				}
			}
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			b.WriteRune(utf8.RuneError)
		} else {
			b.WriteString(s[i : i+size])
		}
		i += size
	}
	b.WriteByte('"')
}
