package main

import (
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"github.com/dlcd-io/dlcd/contractmgr"
	"github.com/dlcd-io/dlcd/dlc"
	"github.com/dlcd-io/dlcd/transport"
)

// backendLog is the logging backend every subsystem logger below is spun
// off from, matching the teacher's single-rotator/many-subsystem-logger
// layout.
var backendLog = btclog.NewBackend(logWriter{})

var (
	ltndLog = backendLog.Logger("DLCD")
	srvrLog = backendLog.Logger("SRVR")
	rpcsLog = backendLog.Logger("RPCS")
)

// logWriter implements io.Writer, sending output both to stdout and to
// dlcd's on-disk log rotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	os.Stdout.Write(p)
	return logRotator.Write(p)
}

var logRotator *rotator.Rotator

// initLogRotator opens the log rotator, creating logDir if needed, so
// logWriter has somewhere to write before setLogLevels is called.
func initLogRotator(logDir string) error {
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return err
	}
	logFile := filepath.Join(logDir, defaultLogFilename)

	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return err
	}
	logRotator = r
	return nil
}

// subsystemLoggers maps each subsystem tag to the UseLogger hook that
// installs a logger for it, mirroring the teacher's setLogLevel switch over
// lnd's many subsystems, narrowed to dlcd's packages.
var subsystemLoggers = map[string]func(btclog.Logger){
	"DLC":  dlc.UseLogger,
	"CNTM": contractmgr.UseLogger,
	"TRNS": transport.UseLogger,
}

// setLogLevels parses level (either a single level applied everywhere, or
// "subsystem=level,subsystem=level,...") and installs it across every
// subsystem logger plus the daemon's own.
func setLogLevels(levelSpec string) error {
	level, ok := btclog.LevelFromString(levelSpec)
	if ok {
		for tag, use := range subsystemLoggers {
			l := backendLog.Logger(tag)
			l.SetLevel(level)
			use(l)
		}
		ltndLog.SetLevel(level)
		srvrLog.SetLevel(level)
		rpcsLog.SetLevel(level)
		return nil
	}

	specs := parseLevelSpecs(levelSpec)
	for tag, lvl := range specs {
		use, ok := subsystemLoggers[tag]
		if !ok {
			continue
		}
		parsed, ok := btclog.LevelFromString(lvl)
		if !ok {
			continue
		}
		l := backendLog.Logger(tag)
		l.SetLevel(parsed)
		use(l)
	}
	return nil
}

// parseLevelSpecs splits a "TAG=level,TAG=level" debug level string. A
// malformed entry is dropped rather than erroring the whole daemon over a
// typo in a flag only the operator sees.
func parseLevelSpecs(spec string) map[string]string {
	out := make(map[string]string)
	start := 0
	for i := 0; i <= len(spec); i++ {
		if i == len(spec) || spec[i] == ',' {
			entry := spec[start:i]
			start = i + 1
			eq := -1
			for j, c := range entry {
				if c == '=' {
					eq = j
					break
				}
			}
			if eq <= 0 {
				continue
			}
			out[entry[:eq]] = entry[eq+1:]
		}
	}
	return out
}
