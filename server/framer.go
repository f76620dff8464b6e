package server

import (
	"bufio"
	"io"
	"iter"

	"github.com/pkg/errors"
)

// MaxCommandLength is the maximum length of a command line.
const MaxCommandLength = 4096

// lineReader splits a byte stream into CRLF-terminated lines. A bare LF or
// a lone CR is ordinary data. Lines are framed as bytes and decoded whole,
// so a multibyte character split across reads is never broken.
type lineReader struct {
	r   *bufio.Reader
	buf []byte
	max int
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{
		r:   bufio.NewReaderSize(r, 1024),
		max: MaxCommandLength,
	}
}

// Reset discards buffered input and reads from r from now on.
func (l *lineReader) Reset(r io.Reader) {
	l.r.Reset(r)
	l.buf = l.buf[:0]
}

// ReadLine returns the next line without its terminator. It returns io.EOF
// when the stream ends cleanly between lines and ErrEndOfStream when it ends
// in the middle of one.
func (l *lineReader) ReadLine(enc Encoding) (string, error) {
	raw, err := l.readRaw()
	if err != nil {
		return "", err
	}
	return enc.Decode(raw)
}

func (l *lineReader) readRaw() ([]byte, error) {
	l.buf = l.buf[:0]
	for {
		chunk, err := l.r.ReadSlice('\n')
		l.buf = append(l.buf, chunk...)
		if len(l.buf) > l.max+2 {
			return nil, ErrCommandTooLong
		}

		switch {
		case err == nil:
			if n := len(l.buf); n >= 2 && l.buf[n-2] == '\r' {
				return l.buf[:n-2], nil
			}
		case err == bufio.ErrBufferFull:
		case err == io.EOF:
			if len(l.buf) == 0 {
				return nil, io.EOF
			}
			return nil, ErrEndOfStream
		default:
			return nil, errors.Wrap(err, "read command")
		}
	}
}

// Lines yields decoded lines until the stream ends. A clean end of stream
// finishes the sequence without an error; any other error is yielded once
// and ends it. The encoding is looked up again for every line.
func (l *lineReader) Lines(enc func() Encoding) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for {
			line, err := l.ReadLine(enc())
			if err == io.EOF {
				return
			}
			if !yield(line, err) || err != nil {
				return
			}
		}
	}
}
