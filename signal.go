package main

import (
	"os"
	"os/signal"
	"sync"
)

var (
	shutdownChannel = make(chan struct{})

	interruptHandlersMu sync.Mutex
	interruptHandlers    []func()

	interruptChannel  = make(chan os.Signal, 1)
	interruptListener sync.Once
)

// addInterruptHandler registers handler to run when dlcd receives an
// interrupt signal. Handlers run in reverse order of registration, and
// shutdownChannel is closed after the last one returns, the same pattern
// the teacher uses to unwind server.Stop/WaitForShutdown ahead of process
// exit.
func addInterruptHandler(handler func()) {
	interruptHandlersMu.Lock()
	interruptHandlers = append(interruptHandlers, handler)
	interruptHandlersMu.Unlock()

	interruptListener.Do(func() {
		signal.Notify(interruptChannel, os.Interrupt)
		go func() {
			<-interruptChannel
			ltndLog.Infof("received interrupt signal, shutting down...")

			interruptHandlersMu.Lock()
			defer interruptHandlersMu.Unlock()
			for i := len(interruptHandlers) - 1; i >= 0; i-- {
				interruptHandlers[i]()
			}
			close(shutdownChannel)
		}()
	})
}
