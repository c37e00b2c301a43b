package util

import (
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// Logger is a nop global logger
var Logger = log.NewNopLogger()

// LoggerWithFile returns a Logger that has the path of the file being read or
// written in its details.
func LoggerWithFile(file string, l log.Logger) log.Logger {
	if file == "" {
		return l
	}
	return log.With(l, "file", file)
}

// NewLogger returns a logfmt logger writing to w that drops entries below
// the named level. An empty name means info.
func NewLogger(w io.Writer, lvl string) (log.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	var opt level.Option
	switch lvl {
	case "debug":
		opt = level.AllowDebug()
	case "", "info":
		opt = level.AllowInfo()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		return nil, errors.Errorf("unknown log level %q", lvl)
	}
	l := log.NewLogfmtLogger(log.NewSyncWriter(w))
	l = log.With(l, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	return level.NewFilter(l, opt), nil
}
