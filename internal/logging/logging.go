// Package logging wires zap as the backing implementation behind the
// logr.Logger interface that every component accepts, so components never
// reach for a package-global logger.
package logging

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

// New builds a production zap core (JSON, info level) wrapped as a
// logr.Logger, or a development core when dev is true.
func New(dev bool) (logr.Logger, func() error, error) {
	var zl *zap.Logger
	var err error
	if dev {
		zl, err = zap.NewDevelopment()
	} else {
		zl, err = zap.NewProduction()
	}
	if err != nil {
		return logr.Logger{}, nil, err
	}
	return zapr.NewLogger(zl), zl.Sync, nil
}

// Discard is a no-op logger, used by tests that don't care about log output.
func Discard() logr.Logger {
	return logr.Discard()
}
