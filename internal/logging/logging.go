package logging

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Slade66/media-tracker/internal/config"
)

// New builds a development logger that drops entries below level.
func New(level zapcore.Level) logr.Logger {
	zcfg := zap.NewDevelopmentConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zl, err := zcfg.Build()
	if err != nil {
		return logr.Discard()
	}
	return zapr.NewLogger(zl)
}

// Loggers hands out named component loggers honouring per-component levels.
type Loggers struct {
	cfg  *config.Config
	root logr.Logger
}

func NewLoggers(cfg *config.Config) *Loggers {
	return &Loggers{
		cfg:  cfg,
		root: New(config.ParseLevel(cfg.Logging.DefaultLevel)),
	}
}

// Root returns the default logger.
func (l *Loggers) Root() logr.Logger {
	return l.root
}

// For returns the logger for a named component.
func (l *Loggers) For(name string) logr.Logger {
	if _, ok := l.cfg.Logging.Components[name]; !ok {
		return l.root.WithName(name)
	}
	return New(l.cfg.ComponentLevel(name)).WithName(name)
}
