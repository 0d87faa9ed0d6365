// Package mlog provides logging with log levels and fields, on top of
// log/slog.
//
// Log levels are configured per originating package (e.g. imapserver,
// store), application-wide. Fields should carry variable data; log messages
// themselves should be constant strings, to make log processing easier.
package mlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
)

type Level int

const (
	LevelError Level = iota
	LevelInfo
	LevelDebug
	LevelTrace
)

var levelStrings = map[Level]string{
	LevelError: "error",
	LevelInfo:  "info",
	LevelDebug: "debug",
	LevelTrace: "trace",
}

func (l Level) String() string { return levelStrings[l] }

// ParseLevel parses a level name as used in the configuration file.
func ParseLevel(s string) (Level, bool) {
	for l, name := range levelStrings {
		if name == s {
			return l, true
		}
	}
	return 0, false
}

// config maps a package name to its configured level. The empty string is
// the default/fallback level.
var config atomic.Value

func init() {
	config.Store(map[string]Level{"": LevelInfo})
}

// SetConfig replaces the full package->level configuration.
func SetConfig(levels map[string]Level) {
	nc := map[string]Level{"": LevelInfo}
	for k, v := range levels {
		nc[k] = v
	}
	config.Store(nc)
}

func levelFor(pkg string) Level {
	levels := config.Load().(map[string]Level)
	if l, ok := levels[pkg]; ok {
		return l
	}
	return levels[""]
}

// Log is a logger for one package, carrying a base set of fields that are
// included in every log line.
type Log struct {
	pkg    string
	logger *slog.Logger
	fields []slog.Attr
}

var base = slog.New(slog.NewJSONHandler(os.Stderr, nil))

// New returns a Log for pkg, with fields attached to every line it emits.
func New(pkg string, fields ...slog.Attr) Log {
	return Log{pkg: pkg, logger: base, fields: fields}
}

// With returns a copy of l with additional fields attached.
func (l Log) With(fields ...slog.Attr) Log {
	nf := make([]slog.Attr, 0, len(l.fields)+len(fields))
	nf = append(nf, l.fields...)
	nf = append(nf, fields...)
	return Log{pkg: l.pkg, logger: l.logger, fields: nf}
}

func (l Log) enabled(lv Level) bool { return levelFor(l.pkg) >= lv }

func (l Log) log(ctx context.Context, lv Level, slv slog.Level, msg string, err error, fields []slog.Attr) {
	if !l.enabled(lv) {
		return
	}
	attrs := make([]slog.Attr, 0, len(l.fields)+len(fields)+2)
	attrs = append(attrs, slog.String("pkg", l.pkg))
	attrs = append(attrs, l.fields...)
	attrs = append(attrs, fields...)
	if err != nil {
		attrs = append(attrs, slog.String("err", err.Error()))
	}
	l.logger.LogAttrs(ctx, slv, msg, attrs...)
}

func (l Log) Trace(msg string, fields ...slog.Attr) { l.log(context.Background(), LevelTrace, slog.LevelDebug-4, msg, nil, fields) }
func (l Log) Debug(msg string, fields ...slog.Attr) { l.log(context.Background(), LevelDebug, slog.LevelDebug, msg, nil, fields) }
func (l Log) Info(msg string, fields ...slog.Attr)  { l.log(context.Background(), LevelInfo, slog.LevelInfo, msg, nil, fields) }
func (l Log) Error(msg string, fields ...slog.Attr) { l.log(context.Background(), LevelError, slog.LevelError, msg, nil, fields) }

// Debugx/Infox/Errorx log with an associated error attached as an "err"
// field when non-nil.
func (l Log) Debugx(msg string, err error, fields ...slog.Attr) {
	l.log(context.Background(), LevelDebug, slog.LevelDebug, msg, err, fields)
}
func (l Log) Infox(msg string, err error, fields ...slog.Attr) {
	l.log(context.Background(), LevelInfo, slog.LevelInfo, msg, err, fields)
}
func (l Log) Errorx(msg string, err error, fields ...slog.Attr) {
	l.log(context.Background(), LevelError, slog.LevelError, msg, err, fields)
}

// Check logs err at error level with msg if err is non-nil. Useful in defers
// around cleanup calls whose error we don't want to propagate.
func (l Log) Check(err error, msg string, fields ...slog.Attr) {
	if err == nil {
		return
	}
	l.Errorx(msg, err, fields...)
}

// Field is a convenience constructor for a log field.
func Field(key string, value any) slog.Attr {
	return slog.Any(key, value)
}

// Fatal logs at error level, always, and exits the process.
func Fatal(msg string, fields ...slog.Attr) {
	New("").log(context.Background(), LevelError, slog.LevelError, msg, nil, fields)
	os.Exit(1)
}

// Fatalf is a convenience wrapper for a formatted fatal message.
func Fatalf(format string, args ...any) {
	Fatal(fmt.Sprintf(format, args...))
}
