package server

import "golang.org/x/text/transform"

const (
	// telnetIAC is Interpret As Command
	telnetIAC = 0xFF
	// telnetWILL negotiation command
	telnetWILL = 0xFB
	// telnetWONT negotiation command
	telnetWONT = 0xFC
	// telnetDO negotiation command
	telnetDO = 0xFD
	// telnetDONT negotiation command
	telnetDONT = 0xFE
)

// telnetFilter strips Telnet commands from the control stream. IAC IAC is
// an escaped 0xFF and is kept as a single byte.
type telnetFilter struct {
	transform.NopResetter
}

func newTelnetFilter() transform.Transformer {
	return telnetFilter{}
}

func (telnetFilter) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nSrc < len(src) {
		b := src[nSrc]
		if b != telnetIAC {
			if nDst >= len(dst) {
				return nDst, nSrc, transform.ErrShortDst
			}
			dst[nDst] = b
			nDst++
			nSrc++
			continue
		}

		if nSrc+1 >= len(src) {
			if atEOF {
				// Dangling IAC.
				return nDst, len(src), nil
			}
			return nDst, nSrc, transform.ErrShortSrc
		}

		switch src[nSrc+1] {
		case telnetIAC:
			if nDst >= len(dst) {
				return nDst, nSrc, transform.ErrShortDst
			}
			dst[nDst] = telnetIAC
			nDst++
			nSrc += 2
		case telnetWILL, telnetWONT, telnetDO, telnetDONT:
			// IAC CMD OPT
			if nSrc+2 >= len(src) {
				if atEOF {
					return nDst, len(src), nil
				}
				return nDst, nSrc, transform.ErrShortSrc
			}
			nSrc += 3
		default:
			// IAC CMD
			nSrc += 2
		}
	}
	return nDst, nSrc, nil
}
