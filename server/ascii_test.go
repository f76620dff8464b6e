package server

import (
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"golang.org/x/text/transform"
)

func TestCRLFTranslation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		t    func() transform.Transformer
		in   string
		want string
	}{
		{"encode bare LF", newCRLFEncoder, "a\nb\n", "a\r\nb\r\n"},
		{"encode keeps CRLF", newCRLFEncoder, "a\r\nb", "a\r\nb"},
		{"encode empty", newCRLFEncoder, "", ""},
		{"decode CRLF", newCRLFDecoder, "a\r\nb\r\n", "a\nb\n"},
		{"decode keeps lone CR", newCRLFDecoder, "a\rb", "a\rb"},
		{"decode trailing CR", newCRLFDecoder, "a\r", "a\r"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, oneByte := range []bool{false, true} {
				var src io.Reader = strings.NewReader(tt.in)
				if oneByte {
					src = iotest.OneByteReader(src)
				}
				got, err := io.ReadAll(transform.NewReader(src, tt.t()))
				fatalIfErr(t, err, "read")
				if string(got) != tt.want {
					t.Errorf("one byte %v: got %q, want %q", oneByte, got, tt.want)
				}
			}
		})
	}
}
