// Package logging wraps logrus with a small typed config, one
// constructor, and field helpers. Every kvdex component that logs
// takes a *Logger rather than reaching for a package-level global.
package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger.
type Logger struct {
	*logrus.Logger
}

// Config controls logger construction.
type Config struct {
	Level  string `yaml:"level" env:"KVDEX_LOG_LEVEL"`
	Format string `yaml:"format" env:"KVDEX_LOG_FORMAT"`
}

// DefaultConfig returns the engine's default logging configuration.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "text"}
}

// New builds a Logger from cfg, defaulting to info/text on any
// malformed field rather than failing construction.
func New(cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	l.SetOutput(os.Stdout)

	return &Logger{Logger: l}
}

// NewDefault returns a Logger with default configuration.
func NewDefault() *Logger {
	return New(DefaultConfig())
}

// WithField returns a new entry with a field attached.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithField(key, value)
}

// WithFields returns a new entry with multiple fields attached.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.Logger.WithFields(fields)
}
