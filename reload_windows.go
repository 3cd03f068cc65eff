//go:build windows

package main

import "os"

// Windows has no SIGHUP; options are only read at startup.
func notifyReload(chan<- os.Signal) {}
