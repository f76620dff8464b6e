package server

import "strings"

// features lists the FEAT extensions. Lines after the first are indented
// by the multi-line reply encoder.
func (s *session) features() []string {
	features := []string{"Supports:", "UTF8", "EPRT", "EPSV", "PASV"}
	if s.server.tlsUpgrader != nil {
		features = append(features, "AUTH TLS", "PBSZ")
		if s.server.tlsConfig != nil {
			features = append(features, "PROT")
		}
	}
	return features
}

func (s *session) handleFEAT(_ string) error {
	return s.replyMultiline(211, strings.Join(s.features(), "\n"))
}

// handleOPTS supports OPTS UTF8 ON|OFF (RFC 2640), which switches the
// encoding of the control channel.
func (s *session) handleOPTS(arg string) error {
	switch strings.ToUpper(strings.Join(strings.Fields(arg), " ")) {
	case "UTF8 ON", "UTF-8 ON":
		s.encoding = EncodingUTF8
		return s.reply(200, "UTF8 mode enabled.")
	case "UTF8 OFF", "UTF-8 OFF":
		s.encoding = EncodingASCII
		return s.reply(200, "UTF8 mode disabled.")
	}
	return s.reply(501, "Option not understood.")
}

func (s *session) handleNOOP(_ string) error {
	return s.reply(200, "OK.")
}
