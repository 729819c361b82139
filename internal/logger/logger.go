// Copyright 2024 The scopefs Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity strings accepted by SetLogSeverity and the log-severity config
// knob.
const (
	LevelTrace   = "TRACE"
	LevelDebug   = "DEBUG"
	LevelInfo    = "INFO"
	LevelWarning = "WARNING"
	LevelError   = "ERROR"
	LevelOff     = "OFF"
)

// slog has no built-in trace level; place it below debug, and "off" above
// error, using the numeric gaps slog leaves for custom levels.
const (
	levelTrace slog.Level = slog.LevelDebug - 4
	levelOff   slog.Level = slog.LevelError + 4
)

var (
	defaultFactory *factory
	programLevel   = new(slog.LevelVar)
)

func init() {
	defaultFactory = &factory{
		writer: os.Stderr,
		format: "text",
	}
	defaultFactory.install()
}

type factory struct {
	writer io.Writer
	format string
}

// InitLogFile redirects the default logger to the named file, rotated by
// lumberjack, in the given format ("text" or "json"). An empty filename keeps
// stderr.
func InitLogFile(filename, format string, maxSizeMB, backups int, compress bool) {
	w := io.Writer(os.Stderr)
	if filename != "" {
		w = &lumberjack.Logger{
			Filename:   filename,
			MaxSize:    maxSizeMB,
			MaxBackups: backups,
			Compress:   compress,
		}
	}

	defaultFactory = &factory{
		writer: w,
		format: format,
	}
	defaultFactory.install()
}

// SetLogSeverity sets the minimum severity emitted by the default logger.
// Unknown severities fall back to INFO.
func SetLogSeverity(severity string) {
	switch severity {
	case LevelTrace:
		programLevel.Set(levelTrace)
	case LevelDebug:
		programLevel.Set(slog.LevelDebug)
	case LevelInfo:
		programLevel.Set(slog.LevelInfo)
	case LevelWarning:
		programLevel.Set(slog.LevelWarn)
	case LevelError:
		programLevel.Set(slog.LevelError)
	case LevelOff:
		programLevel.Set(levelOff)
	default:
		programLevel.Set(slog.LevelInfo)
	}
}

func (f *factory) handler() slog.Handler {
	opts := &slog.HandlerOptions{
		Level: programLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Surface the custom trace level by name rather than "DEBUG-4".
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == levelTrace {
					a.Value = slog.StringValue(LevelTrace)
				}
			}
			return a
		},
	}

	if f.format == "json" {
		return slog.NewJSONHandler(f.writer, opts)
	}
	return slog.NewTextHandler(f.writer, opts)
}

func (f *factory) install() {
	slog.SetDefault(slog.New(f.handler()))
}

// NewLegacyLogger returns a *log.Logger that forwards to the default slog
// handler at the given level. The fuse transport accepts only *log.Logger for
// its error and debug streams.
func NewLegacyLogger(level slog.Level, prefix string) *log.Logger {
	h := defaultFactory.handler()
	if prefix != "" {
		h = h.WithAttrs([]slog.Attr{slog.String("component", prefix)})
	}
	return slog.NewLogLogger(h, level)
}

func logf(level slog.Level, format string, v ...interface{}) {
	l := slog.Default()
	if !l.Enabled(context.Background(), level) {
		return
	}
	l.Log(context.Background(), level, fmt.Sprintf(format, v...))
}

func Tracef(format string, v ...interface{}) { logf(levelTrace, format, v...) }

func Debugf(format string, v ...interface{}) { logf(slog.LevelDebug, format, v...) }

func Infof(format string, v ...interface{}) { logf(slog.LevelInfo, format, v...) }

func Warnf(format string, v ...interface{}) { logf(slog.LevelWarn, format, v...) }

func Errorf(format string, v ...interface{}) { logf(slog.LevelError, format, v...) }
