/*Package logx is a small leveled console logger, colored the way an
interactive terminal session expects, with a separate rate-limited path
for the high-frequency rx/tx trace lines the multiplexor would otherwise
flood stdout with.
*/
package logx

import (
	"fmt"
	"log"
	"os"

	"github.com/fatih/color"
	"golang.org/x/time/rate"
)

// Level is a logx verbosity level, ordered low to high.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

// ParseLevel maps a config/env string to a Level, defaulting to Info on
// anything unrecognized.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return Debug
	case "warn":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

var levelColor = map[Level]*color.Color{
	Debug: color.New(color.FgCyan),
	Info:  color.New(color.FgGreen),
	Warn:  color.New(color.FgYellow),
	Error: color.New(color.FgRed, color.Bold),
}

var levelName = map[Level]string{
	Debug: "DEBUG",
	Info:  "INFO",
	Warn:  "WARN",
	Error: "ERROR",
}

// Logger is a leveled logger writing to stderr via the standard log
// package's timestamp/prefix machinery, colorized per level.
type Logger struct {
	min   Level
	std   *log.Logger
	trace *rate.Limiter
}

// New creates a Logger that discards anything below min. traceHz and
// traceBurst configure the separate limiter used by Tracef.
func New(min Level, traceHz float64, traceBurst int) *Logger {
	return &Logger{
		min:   min,
		std:   log.New(os.Stderr, "", log.LstdFlags),
		trace: rate.NewLimiter(rate.Limit(traceHz), traceBurst),
	}
}

func (l *Logger) logf(lvl Level, format string, args ...interface{}) {
	if lvl < l.min {
		return
	}
	c := levelColor[lvl]
	l.std.Print(c.Sprintf("[%s] %s", levelName[lvl], fmt.Sprintf(format, args...)))
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.logf(Debug, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.logf(Info, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.logf(Warn, format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.logf(Error, format, args...) }

// Tracef logs at Debug level but only when the trace rate limiter has a
// token to spare; it silently drops the line otherwise and reports false.
// It exists for per-message rx/tx logging, which would otherwise
// overwhelm the console at USB bulk-transfer rates.
func (l *Logger) Tracef(format string, args ...interface{}) bool {
	if l.min > Debug || !l.trace.Allow() {
		return false
	}
	l.logf(Debug, format, args...)
	return true
}
