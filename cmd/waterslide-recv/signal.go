// +build linux darwin freebsd

package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
)

func init() {
	go sigHandler()
}

// shutdownCh is closed exactly once, by whichever of SIGINT/SIGTERM
// arrives first, to unblock waitForShutdown (§5 "Cancellation and
// shutdown").
var shutdownCh = make(chan struct{})

func sigHandler() {
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
	signal.Ignore(syscall.SIGPIPE)

	for {
		select {
		case <-usr1:
			log.Printf("waterslide-recv: threadsRunning=%v", threadsRunning.Load())
		case sig := <-term:
			log.Printf("waterslide-recv: received %v, shutting down", sig)
			close(shutdownCh)
			return
		}
	}
}

func waitForShutdown() {
	<-shutdownCh
}
