package server

func (s *session) handleUSER(name string) error {
	// A new USER always starts over, even after a successful login.
	if err := s.setAuth(userProvided{name: name}); err != nil {
		s.logger().Warn("provider_close_failed", "error", err)
	}
	return s.reply(331, "User name okay, need password.")
}

func (s *session) handlePASS(pass string) error {
	up, ok := s.auth.(userProvided)
	if !ok {
		if s.provider() != nil {
			return s.reply(503, "Already logged in.")
		}
		return s.reply(503, "Login with USER first.")
	}

	if !s.server.authenticator.Authenticate(up.name, pass) {
		s.auth = unauthenticated{}
		s.logger().Warn("authentication_failed", "attempted_user", up.name)
		return s.reply(530, "Not logged in, user name or password incorrect.")
	}

	fs, err := s.server.providers.Provider(up.name)
	if err != nil {
		s.auth = unauthenticated{}
		s.logger().Error("provider_failed", "attempted_user", up.name, "error", err)
		return s.reply(530, "Not logged in, file system unavailable.")
	}

	s.auth = authenticated{name: up.name, fs: fs}
	s.logger().Info("authentication_success")
	return s.reply(230, "User logged in, proceed.")
}

// handleQUIT closes the control connection without a reply.
func (s *session) handleQUIT(_ string) error {
	s.logger().Debug("quit")
	return errQuit
}
