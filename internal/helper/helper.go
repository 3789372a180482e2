package helper

import (
	"bytes"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Wrapper is the framing around a deflate stream.
type Wrapper int

const (
	WrapperRaw Wrapper = iota
	WrapperGzip
	WrapperZlib
)

// https://en.wikipedia.org/wiki/List_of_file_signatures
var gzipMagic = []byte{31, 139} // "\x1f\x8b"

// DeflateWrapper inspects the first bytes of a deflate stream and reports
// whether it carries a gzip header, a zlib header (RFC 1950) or nothing.
func DeflateWrapper(content []byte) Wrapper {
	if bytes.HasPrefix(content, gzipMagic) {
		return WrapperGzip
	}
	if len(content) >= 2 {
		cmf, flg := content[0], content[1]
		// CM=8 (deflate), CINFO<=7 and the header checksum must hold
		if cmf&0x0f == 8 && cmf>>4 <= 7 && (uint16(cmf)<<8|uint16(flg))%31 == 0 {
			return WrapperZlib
		}
	}
	return WrapperRaw
}

const maxSanitizedLen = 200

// Sanitize strips control characters, replaces the unicode replacement
// character with a question mark and trims the input. Empty results become
// "unknown" and long values are cut to 200 runes.
func Sanitize(input string) string {
	if !utf8.ValidString(input) {
		input = strings.ToValidUTF8(input, "�")
	}
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r == utf8.RuneError:
			return '?'
		case unicode.Is(unicode.Cc, r):
			return -1
		}
		return r
	}, input)
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return "unknown"
	}
	if utf8.RuneCountInString(cleaned) > maxSanitizedLen {
		cleaned = string([]rune(cleaned)[:maxSanitizedLen]) + "..."
	}
	return cleaned
}
