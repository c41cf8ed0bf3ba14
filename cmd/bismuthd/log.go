// Copyright (c) 2025 The Bismuth developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"

	"github.com/bismuthchain/bismuth/mempool"
	"github.com/bismuthchain/bismuth/netsync"
	"github.com/bismuthchain/bismuth/storage"
)

// logRotator writes to stdout and, once initialized, a rotated log file.
var logRotator *rotator.Rotator

// logWriter forwards to both stdout and the rotator, mirroring the
// teacher's own "always see it live, always have it on disk" convention.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

var backendLog = slog.NewBackend(logWriter{})

// subsystemLoggers maps the short tag used in --debuglevel to the package
// logger it controls. NODE/STAKER are this binary's own subsystems; the
// rest hand off to UseLogger in the packages that define one.
var subsystemLoggers = map[string]slog.Logger{
	"NODE":    backendLog.Logger("NODE"),
	"STAKER":  backendLog.Logger("STAKER"),
	"STOR":    backendLog.Logger("STOR"),
	"MEMP":    backendLog.Logger("MEMP"),
	"NETSYNC": backendLog.Logger("NETSYNC"),
}

var (
	log       = subsystemLoggers["NODE"]
	stakerLog = subsystemLoggers["STAKER"]
)

func init() {
	storage.UseLogger(subsystemLoggers["STOR"])
	mempool.UseLogger(subsystemLoggers["MEMP"])
	netsync.UseLogger(subsystemLoggers["NETSYNC"])
}

// initLogRotator opens (or creates) logDir/bismuthd.log for rotation.
func initLogRotator(logDir string) error {
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	r, err := rotator.New(filepath.Join(logDir, defaultLogFilename), 10*1024, false, 3)
	if err != nil {
		return fmt.Errorf("creating log rotator: %w", err)
	}
	logRotator = r
	return nil
}

// setLogLevels parses --debuglevel's syntax: either a single bare level
// applied to every subsystem, or a comma-separated SUBSYS=level list.
func setLogLevels(spec string) error {
	if !strings.Contains(spec, "=") {
		level, ok := slog.LevelFromString(spec)
		if !ok {
			return fmt.Errorf("unknown log level %q", spec)
		}
		for _, l := range subsystemLoggers {
			l.SetLevel(level)
		}
		return nil
	}
	for _, pair := range strings.Split(spec, ",") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("malformed debuglevel entry %q", pair)
		}
		subsys, levelStr := strings.ToUpper(parts[0]), parts[1]
		l, ok := subsystemLoggers[subsys]
		if !ok {
			return fmt.Errorf("unknown subsystem %q", subsys)
		}
		level, ok := slog.LevelFromString(levelStr)
		if !ok {
			return fmt.Errorf("unknown log level %q for subsystem %s", levelStr, subsys)
		}
		l.SetLevel(level)
	}
	return nil
}

var _ io.Writer = logWriter{}
