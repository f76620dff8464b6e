//go:build unix

package main

import (
	"os"
	"os/signal"
	"syscall"
)

// notifyReport asks for SIGUSR1, which makes ftpd log its clients.
func notifyReport(ch chan<- os.Signal) {
	signal.Notify(ch, syscall.SIGUSR1)
}
