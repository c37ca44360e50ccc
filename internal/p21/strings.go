package p21

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/encoding/unicode/utf32"
)

// codePages maps the \P?\ directive letters to ISO 8859 parts 1-9.
var codePages = map[rune]*charmap.Charmap{
	'A': charmap.ISO8859_1,
	'B': charmap.ISO8859_2,
	'C': charmap.ISO8859_3,
	'D': charmap.ISO8859_4,
	'E': charmap.ISO8859_5,
	'F': charmap.ISO8859_6,
	'G': charmap.ISO8859_7,
	'H': charmap.ISO8859_8,
	'I': charmap.ISO8859_9,
}

var (
	ucs2 encoding.Encoding = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)
	ucs4 encoding.Encoding = utf32.UTF32(utf32.BigEndian, utf32.IgnoreBOM)
)

// decodeString interprets the control directives of a string literal whose
// quote doubling has already been undone.
func decodeString(raw string) (string, error) {
	in := []rune(raw)
	page := charmap.ISO8859_1
	var b strings.Builder
	for i := 0; i < len(in); {
		c := in[i]
		if c != '\\' {
			b.WriteRune(c)
			i++
			continue
		}
		rest := in[i:]
		switch {
		case hasPrefix(rest, `\\`):
			b.WriteRune('\\')
			i += 2
		case hasPrefix(rest, `\S\`):
			if len(rest) < 4 || rest[3] < 0x20 || rest[3] > 0x7e {
				return "", fmt.Errorf("\\S\\ directive needs a basic character")
			}
			b.WriteRune(page.DecodeByte(byte(rest[3]) + 0x80))
			i += 4
		case hasPrefix(rest, `\P`):
			if len(rest) < 4 || rest[3] != '\\' {
				return "", fmt.Errorf("malformed \\P directive")
			}
			cm, ok := codePages[rest[2]]
			if !ok {
				return "", fmt.Errorf("unknown code page %q", rest[2])
			}
			page = cm
			i += 4
		case hasPrefix(rest, `\X2\`), hasPrefix(rest, `\X4\`):
			width, enc := 4, ucs2
			if rest[2] == '4' {
				width, enc = 8, ucs4
			}
			end := indexOf(rest[4:], `\X0\`)
			if end < 0 {
				return "", fmt.Errorf("unterminated \\X%c\\ directive", rest[2])
			}
			digits := string(rest[4 : 4+end])
			if len(digits)%width != 0 {
				return "", fmt.Errorf("\\X%c\\ directive needs groups of %d hex digits", rest[2], width)
			}
			raw, err := hex.DecodeString(digits)
			if err != nil {
				return "", fmt.Errorf("\\X%c\\ directive: %w", rest[2], err)
			}
			text, err := enc.NewDecoder().Bytes(raw)
			if err != nil {
				return "", fmt.Errorf("\\X%c\\ directive: %w", rest[2], err)
			}
			b.Write(text)
			i += 4 + end + 4
		case hasPrefix(rest, `\X\`):
			if len(rest) < 5 {
				return "", fmt.Errorf("\\X\\ directive needs two hex digits")
			}
			v, err := hex.DecodeString(string(rest[3:5]))
			if err != nil {
				return "", fmt.Errorf("\\X\\ directive: %w", err)
			}
			b.WriteRune(charmap.ISO8859_1.DecodeByte(v[0]))
			i += 5
		case hasPrefix(rest, `\N\`), hasPrefix(rest, `\F\`):
			i += 3
		default:
			return "", fmt.Errorf("stray backslash")
		}
	}
	return b.String(), nil
}

func hasPrefix(r []rune, prefix string) bool {
	p := []rune(prefix)
	if len(r) < len(p) {
		return false
	}
	for i := range p {
		if r[i] != p[i] {
			return false
		}
	}
	return true
}

func indexOf(r []rune, sub string) int {
	for i := range r {
		if hasPrefix(r[i:], sub) {
			return i
		}
	}
	return -1
}

func isBasic(c rune) bool { return c >= 0x20 && c <= 0x7e }

// encodeString renders s as a quoted string literal. Characters outside
// printable ASCII are written with \X2\ or \X4\ directives.
func encodeString(s string) (string, error) {
	var b strings.Builder
	b.WriteByte('\'')
	in := []rune(s)
	for i := 0; i < len(in); {
		c := in[i]
		switch {
		case c == '\'':
			b.WriteString("''")
			i++
		case c == '\\':
			b.WriteString(`\\`)
			i++
		case isBasic(c):
			b.WriteRune(c)
			i++
		default:
			j := i
			wide := false
			for j < len(in) && !isBasic(in[j]) {
				if in[j] > 0xffff {
					wide = true
				}
				j++
			}
			enc, tag := ucs2, `\X2\`
			if wide {
				enc, tag = ucs4, `\X4\`
			}
			raw, err := enc.NewEncoder().String(string(in[i:j]))
			if err != nil {
				return "", fmt.Errorf("encode string: %w", err)
			}
			b.WriteString(tag)
			b.WriteString(strings.ToUpper(hex.EncodeToString([]byte(raw))))
			b.WriteString(`\X0\`)
			i = j
		}
	}
	b.WriteByte('\'')
	return b.String(), nil
}
