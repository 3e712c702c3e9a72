package runner

import (
	"fmt"
	"time"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"flexllama/internal/catalog"
)

// Child is the handle to one spawned runner process. Only the owning
// Runner calls Stop; everyone else is read-only.
type Child interface {
	Alive() bool
	Pid() int
	WaitPortReady(host string, port int, deadline time.Duration) error
	Stop(grace time.Duration)
}

// Launcher spawns children. The default implementation runs real
// processes; tests substitute their own.
type Launcher interface {
	Start(l catalog.Launch, logPath, label string, generation uint64) (Child, error)
}

// ProcessLauncher spawns real OS processes with a rotating log sink per
// runner.
type ProcessLauncher struct {
	// MaxLogSizeMB caps each log file before rotation. Zero means the
	// lumberjack default.
	MaxLogSizeMB  int
	MaxLogBackups int
}

func (pl ProcessLauncher) Start(l catalog.Launch, logPath, label string, generation uint64) (Child, error) {
	sink := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    pl.MaxLogSizeMB,
		MaxBackups: pl.MaxLogBackups,
	}
	fmt.Fprintf(sink, "\n=== gen %d: starting %s at %s ===\n",
		generation, label, time.Now().Format("2006-01-02 15:04:05"))

	p, err := startProcess(l.Argv, l.Env, sink)
	if err != nil {
		_ = sink.Close()
		return nil, err
	}
	return p, nil
}
