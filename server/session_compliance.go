package server

import (
	"runtime"
	"strings"
)

// handleMODE handles the MODE command.
// RFC 1123 requires Stream mode support.
func (s *session) handleMODE(arg string) error {
	switch strings.ToUpper(strings.TrimSpace(arg)) {
	case "S":
		return s.reply(200, "Mode set to Stream.")
	case "B":
		return s.reply(504, "Block mode not implemented.")
	case "C":
		return s.reply(504, "Compressed mode not implemented.")
	}
	return s.reply(504, "Command not implemented for that parameter.")
}

// handleSTRU handles the STRU command.
// RFC 1123 requires File structure support.
func (s *session) handleSTRU(arg string) error {
	switch strings.ToUpper(strings.TrimSpace(arg)) {
	case "F":
		return s.reply(200, "Structure set to File.")
	case "R":
		return s.reply(504, "Record structure not implemented.")
	case "P":
		return s.reply(504, "Page structure not implemented.")
	}
	return s.reply(504, "Command not implemented for that parameter.")
}

func (s *session) handleSYST(_ string) error {
	return s.reply(215, s.server.serverName)
}

// defaultSystemType is the SYST answer for the host operating system.
func defaultSystemType() string {
	switch runtime.GOOS {
	case "linux", "darwin", "freebsd", "openbsd", "netbsd", "dragonfly", "solaris", "illumos", "aix":
		return "UNIX Type: L8"
	case "windows":
		return "Windows_NT"
	case "plan9":
		return "Plan9"
	}
	return "UNKNOWN Type: L8"
}
