package server

import (
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

// Encoding is the character encoding of the control channel. It is
// switched per session with OPTS UTF8 ON|OFF.
type Encoding int

const (
	// EncodingUTF8 is the default (RFC 2640).
	EncodingUTF8 Encoding = iota
	// EncodingASCII maps every non-ASCII character to '?'.
	EncodingASCII
)

func (e Encoding) String() string {
	if e == EncodingASCII {
		return "ASCII"
	}
	return "UTF-8"
}

// asciiOnly replaces anything outside 7-bit ASCII.
func asciiOnly(r rune) rune {
	if r < utf8.RuneSelf {
		return r
	}
	return '?'
}

func (e Encoding) decoder() transform.Transformer {
	if e == EncodingASCII {
		return transform.Chain(charmap.ISO8859_1.NewDecoder(), runes.Map(asciiOnly))
	}
	return unicode.UTF8.NewDecoder()
}

func (e Encoding) encoder() transform.Transformer {
	if e == EncodingASCII {
		return runes.Map(asciiOnly)
	}
	return unicode.UTF8.NewEncoder()
}

// Decode converts raw bytes read from the wire into a string.
// Malformed UTF-8 sequences become U+FFFD.
func (e Encoding) Decode(b []byte) (string, error) {
	s, _, err := transform.Bytes(e.decoder(), b)
	return string(s), err
}

// Encode converts s into the bytes to put on the wire.
func (e Encoding) Encode(s string) ([]byte, error) {
	b, _, err := transform.String(e.encoder(), s)
	return []byte(b), err
}
