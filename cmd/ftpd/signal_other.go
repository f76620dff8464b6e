//go:build !unix

package main

import "os"

func notifyReport(chan<- os.Signal) {}
