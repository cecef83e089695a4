// Package logging adapts go-logger to the engine's Logger contract.
package logging

import (
	"context"
	"io"

	"github.com/goliatone/go-logger/glog"

	"github.com/nowcrm/journeys"
)

type glogAdapter struct {
	logger glog.Logger
}

// New builds a structured JSON logger at the given level writing to out.
func New(level string, out io.Writer) journeys.Logger {
	if level == "" {
		level = "info"
	}
	if out == nil {
		return Wrap(glog.NewLogger(
			glog.WithLoggerTypeJSON(),
			glog.WithLevel(level),
		))
	}
	return Wrap(glog.NewLogger(
		glog.WithWriter(out),
		glog.WithLoggerTypeJSON(),
		glog.WithLevel(level),
	))
}

// Wrap adapts an existing glog logger.
func Wrap(logger glog.Logger) journeys.Logger {
	if logger == nil {
		return journeys.NewFmtLogger(nil)
	}
	return glogAdapter{logger: logger}
}

func (l glogAdapter) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l glogAdapter) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l glogAdapter) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l glogAdapter) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

func (l glogAdapter) WithContext(ctx context.Context) journeys.Logger {
	if l.logger == nil {
		return journeys.NewFmtLogger(nil)
	}
	return glogAdapter{logger: l.logger.WithContext(ctx)}
}

func (l glogAdapter) WithFields(fields map[string]any) journeys.Logger {
	if l.logger == nil {
		return journeys.NewFmtLogger(nil)
	}
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		return glogAdapter{logger: fl.WithFields(fields)}
	}
	return l
}
