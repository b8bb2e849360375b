package dlc

import "github.com/btcsuite/btclog"

// log is the package-level logger used throughout dlc. It defaults to the
// disabled logger so the package is silent until the caller installs one via
// UseLogger, exactly as lnd's per-subsystem loggers do.
var log = btclog.Disabled

// UseLogger sets the package-wide logger. This should be called before
// calling any other function in this package, typically from the daemon's
// log subsystem initialization.
func UseLogger(logger btclog.Logger) {
	log = logger
}
