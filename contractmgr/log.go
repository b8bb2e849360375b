package contractmgr

import "github.com/btcsuite/btclog"

// log is the package-level logger used throughout contractmgr. It defaults
// to the disabled logger so the package is silent until the caller installs
// one via UseLogger, exactly as lnd's per-subsystem loggers do.
var log = btclog.Disabled

// UseLogger sets the package-wide logger.
func UseLogger(logger btclog.Logger) {
	log = logger
}
