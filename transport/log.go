package transport

import "github.com/btcsuite/btclog"

// log is the package-level logger used throughout transport. It defaults to
// the disabled logger so the package is silent until the caller installs one
// via UseLogger.
var log = btclog.Disabled

// UseLogger sets the package-wide logger.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// logClosure defers a string computation until the logger actually decides
// to print it, so trace-level spew dumps cost nothing at default levels.
type logClosure func() string

func (c logClosure) String() string {
	return c()
}

// newLogClosure returns a new closure over a function that returns a string
// which itself provides a Stringer interface so that it can be used with
// the logging system.
func newLogClosure(c func() string) logClosure {
	return logClosure(c)
}
