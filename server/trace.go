package server

import (
	"net"
)

// Tracer observes protocol traffic. Calls are made from their own
// goroutines: they never delay the session, may arrive out of order, and
// a panicking Tracer is ignored.
type Tracer interface {
	// OnCommand receives every command line as read. PASS arguments are
	// masked.
	OnCommand(command string, remote net.Addr)
	// OnReply receives the code of every final or preliminary reply.
	OnReply(code int, remote net.Addr)
	// OnConnect and OnDisconnect bracket the lifetime of a control
	// connection.
	OnConnect(remote net.Addr)
	OnDisconnect(remote net.Addr)
}

// TracerFuncs implements Tracer with optional callbacks. Nil fields are
// skipped.
type TracerFuncs struct {
	Command    func(command string, remote net.Addr)
	Reply      func(code int, remote net.Addr)
	Connect    func(remote net.Addr)
	Disconnect func(remote net.Addr)
}

func (t TracerFuncs) OnCommand(command string, remote net.Addr) {
	if t.Command != nil {
		t.Command(command, remote)
	}
}

func (t TracerFuncs) OnReply(code int, remote net.Addr) {
	if t.Reply != nil {
		t.Reply(code, remote)
	}
}

func (t TracerFuncs) OnConnect(remote net.Addr) {
	if t.Connect != nil {
		t.Connect(remote)
	}
}

func (t TracerFuncs) OnDisconnect(remote net.Addr) {
	if t.Disconnect != nil {
		t.Disconnect(remote)
	}
}

// trace runs fn against the configured tracer without blocking the caller.
func (s *Server) trace(fn func(Tracer)) {
	if s.tracer == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Debug("tracer_panic", "panic", r)
			}
		}()
		fn(s.tracer)
	}()
}
