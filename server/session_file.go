package server

import (
	"strings"
	"time"
)

// quotePath renders path for a 257 reply, doubling embedded quotes
// (RFC 959 appendix II).
func quotePath(path string) string {
	return `"` + strings.ReplaceAll(path, `"`, `""`) + `"`
}

func (s *session) handlePWD(_ string) error {
	return s.reply(257, quotePath(s.provider().WorkingDirectory()))
}

func (s *session) handleCWD(path string) error {
	fs := s.provider()
	if !fs.SetWorkingDirectory(path) {
		return s.reply(550, "Path doesn't exist.")
	}
	return s.reply(250, fs.WorkingDirectory())
}

func (s *session) handleCDUP(_ string) error {
	return s.handleCWD("..")
}

func (s *session) handleMKD(path string) error {
	if err := s.provider().CreateDirectory(path); err != nil {
		return err
	}
	s.logger().Info("directory_created", "path", path)
	return s.reply(257, quotePath(path)+" directory created.")
}

func (s *session) handleRMD(path string) error {
	if err := s.provider().DeleteDirectory(path); err != nil {
		return err
	}
	s.logger().Info("directory_removed", "path", path)
	return s.reply(250, "Directory removed.")
}

func (s *session) handleDELE(path string) error {
	if err := s.provider().Delete(path); err != nil {
		return err
	}
	s.logger().Info("file_deleted", "path", path)
	return s.reply(250, "File deleted.")
}

func (s *session) handleRNFR(path string) error {
	s.renameFrom = &path
	return s.reply(350, "Requested file action pending further information.")
}

func (s *session) handleRNTO(path string) error {
	if s.renameFrom == nil {
		return s.reply(503, "Bad sequence of commands, use RNFR first.")
	}
	from := *s.renameFrom
	s.renameFrom = nil

	if err := s.provider().Rename(from, path); err != nil {
		return err
	}
	s.logger().Info("file_renamed", "from", from, "to", path)
	return s.reply(250, "Rename successful.")
}

func (s *session) handleLIST(arg string) error {
	entries, err := s.provider().ListEntries(listPath(arg))
	if err != nil {
		return err
	}
	return s.sendPayload(formatListing(s.server.listFormat, entries, time.Now()))
}

func (s *session) handleNLST(arg string) error {
	names, err := s.provider().ListNames(listPath(arg))
	if err != nil {
		return err
	}
	return s.sendPayload(formatNameList(names))
}
