// Package logging provides Checkpoint's structured logging handler.
package logging

import (
	"fmt"
	"io"
	"log/slog"
)

// string representation of custom slog.Level levels; defining them as constants is
// recommended at: https://pkg.go.dev/log/slog#example-HandlerOptions-CustomLevels.
const (
	LevelDebugString = "debug"
	LevelInfoString  = "info"
	LevelWarnString  = "warning"
	LevelErrorString = "error"
)

// SupportedLevels lists the log level flag values the CLI accepts.
func SupportedLevels() [4]string {
	return [4]string{LevelDebugString, LevelInfoString, LevelWarnString, LevelErrorString}
}

// NewHandler returns a slog.JSONHandler configured with Checkpoint's level
// names and a "message" key instead of slog's default "msg".
func NewHandler(out io.Writer, level string) (*slog.JSONHandler, error) {
	var slevel slog.Level
	switch level {
	case LevelDebugString:
		slevel = slog.LevelDebug
	case LevelInfoString, "":
		slevel = slog.LevelInfo
	case LevelWarnString:
		slevel = slog.LevelWarn
	case LevelErrorString:
		slevel = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level %q", level)
	}

	return slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: slevel,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				level, _ := a.Value.Any().(slog.Level)
				switch {
				case level < slog.LevelInfo:
					a.Value = slog.StringValue(LevelDebugString)
				case level < slog.LevelWarn:
					a.Value = slog.StringValue(LevelInfoString)
				case level < slog.LevelError:
					a.Value = slog.StringValue(LevelWarnString)
				default:
					a.Value = slog.StringValue(LevelErrorString)
				}
			}
			if a.Key == slog.MessageKey {
				a.Key = "message"
			}
			return a
		},
	}), nil
}
