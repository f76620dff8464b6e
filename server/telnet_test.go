package server

import (
	"bytes"
	"io"
	"testing"
	"testing/iotest"

	"golang.org/x/text/transform"
)

func TestTelnetFilter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    []byte
		expected []byte
	}{
		{
			name:     "Normal command",
			input:    []byte("USER anonymous\r\n"),
			expected: []byte("USER anonymous\r\n"),
		},
		{
			name:     "IAC WILL",
			input:    []byte{telnetIAC, telnetWILL, 0x01, 'A', 'B', 'C'},
			expected: []byte("ABC"),
		},
		{
			name:     "IAC WONT",
			input:    []byte{telnetIAC, telnetWONT, 0x02, 'D', 'E', 'F'},
			expected: []byte("DEF"),
		},
		{
			name:     "IAC DO",
			input:    []byte{telnetIAC, telnetDO, 0x03, 'G', 'H', 'I'},
			expected: []byte("GHI"),
		},
		{
			name:     "IAC DONT",
			input:    []byte{telnetIAC, telnetDONT, 0x04, 'J', 'K', 'L'},
			expected: []byte("JKL"),
		},
		{
			name:     "IAC escaping",
			input:    []byte{'X', telnetIAC, telnetIAC, 'Y'},
			expected: []byte{'X', telnetIAC, 'Y'},
		},
		{
			name:     "Mixed sequence",
			input:    []byte{telnetIAC, telnetDO, 0x01, 'U', 'S', 'E', 'R', ' ', telnetIAC, telnetIAC, '\r', '\n'},
			expected: []byte("USER \xff\r\n"),
		},
		{
			name:     "Unknown two byte command",
			input:    []byte{telnetIAC, 0xF0, 'A'},
			expected: []byte("A"),
		},
		{
			name:     "Dangling IAC",
			input:    []byte{'A', telnetIAC},
			expected: []byte("A"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, oneByte := range []bool{false, true} {
				var src io.Reader = bytes.NewReader(tt.input)
				if oneByte {
					src = iotest.OneByteReader(src)
				}
				got, err := io.ReadAll(transform.NewReader(src, newTelnetFilter()))
				fatalIfErr(t, err, "read (one byte: %v)", oneByte)
				if !bytes.Equal(got, tt.expected) {
					t.Errorf("one byte %v: expected %q, got %q", oneByte, tt.expected, got)
				}
			}
		})
	}
}
