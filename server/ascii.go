package server

import "golang.org/x/text/transform"

// ASCII type (TYPE A) line-ending translation. The wire format of text
// files is CRLF; files are stored with LF.

// crlfEncoder converts bare LF to CRLF for data sent to the client.
// Existing CRLF pairs are left alone.
type crlfEncoder struct {
	prevCR bool
}

func newCRLFEncoder() transform.Transformer {
	return &crlfEncoder{}
}

func (t *crlfEncoder) Reset() { t.prevCR = false }

func (t *crlfEncoder) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nSrc < len(src) {
		b := src[nSrc]
		if b == '\n' && !t.prevCR {
			if nDst+2 > len(dst) {
				return nDst, nSrc, transform.ErrShortDst
			}
			dst[nDst] = '\r'
			dst[nDst+1] = '\n'
			nDst += 2
		} else {
			if nDst >= len(dst) {
				return nDst, nSrc, transform.ErrShortDst
			}
			dst[nDst] = b
			nDst++
		}
		t.prevCR = b == '\r'
		nSrc++
	}
	return nDst, nSrc, nil
}

// crlfDecoder converts CRLF to LF for data received from the client.
// A CR that is not followed by LF is kept.
type crlfDecoder struct {
	transform.NopResetter
}

func newCRLFDecoder() transform.Transformer {
	return crlfDecoder{}
}

func (crlfDecoder) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nSrc < len(src) {
		b := src[nSrc]
		if b == '\r' {
			if nSrc+1 >= len(src) {
				if !atEOF {
					return nDst, nSrc, transform.ErrShortSrc
				}
			} else if src[nSrc+1] == '\n' {
				nSrc++
				continue
			}
		}
		if nDst >= len(dst) {
			return nDst, nSrc, transform.ErrShortDst
		}
		dst[nDst] = b
		nDst++
		nSrc++
	}
	return nDst, nSrc, nil
}
