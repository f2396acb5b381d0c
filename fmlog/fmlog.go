// Package fmlog holds the process-wide logger, mirroring the global
// Logger variable grafana-tempo's pkg/util/log package exposes: set once
// at startup, then referenced by every other package as fmlog.Logger.
package fmlog

import (
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Logger is the process-wide structured logger. Defaults to a logfmt
// writer on stderr so the package is usable before Init is called.
var Logger log.Logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))

// Init (re)configures Logger. When console is true a second, uncolored
// logfmt writer to stderr is attached alongside whatever w is (matching
// FM_LOG_CONSOLE from §6: "also log to stderr when set"); w is typically a
// file or os.Stdout in non-console deployments.
func Init(w *os.File, console bool) {
	var base log.Logger = log.NewLogfmtLogger(log.NewSyncWriter(w))
	if console && w != os.Stderr {
		base = teeLogger{base, log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))}
	}
	Logger = log.With(base, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}

// teeLogger fans a single Log call out to two loggers, used to satisfy
// FM_LOG_CONSOLE without replacing the primary log destination.
type teeLogger struct {
	a, b log.Logger
}

func (t teeLogger) Log(keyvals ...interface{}) error {
	if err := t.a.Log(keyvals...); err != nil {
		return err
	}
	return t.b.Log(keyvals...)
}

// Debug, Info, Warn, and Error are convenience wrappers around the
// go-kit/log/level helpers: fmlog.Info(keyvals...) is
// level.Info(fmlog.Logger).Log(keyvals...), keeping with the teacher's style of small
// one-line convenience wrappers rather than a custom logging facade.
func Debug(keyvals ...interface{}) { _ = level.Debug(Logger).Log(keyvals...) }
func Info(keyvals ...interface{})  { _ = level.Info(Logger).Log(keyvals...) }
func Warn(keyvals ...interface{})  { _ = level.Warn(Logger).Log(keyvals...) }
func Error(keyvals ...interface{}) { _ = level.Error(Logger).Log(keyvals...) }
