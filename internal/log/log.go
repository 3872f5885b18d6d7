// Package log provides the process-wide structured logger.
package log

import (
	"sync"
)

type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})

	Info(args ...interface{})
	Infof(format string, args ...interface{})

	Warn(args ...interface{})
	Warnf(format string, args ...interface{})

	Error(args ...interface{})
	Errorf(format string, args ...interface{})

	WithField(field string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger
}

type LoggerConfig struct {
	Level string       `mapstructure:"level"`
	File  *FileOptions `mapstructure:"file"`
}

// FileOptions enables an additional rotating file appender.
type FileOptions struct {
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"maxsize"` // MB
	MaxAge     int    `mapstructure:"maxage"`  // days
	MaxBackups int    `mapstructure:"maxbackups"`
	Compress   bool   `mapstructure:"compress"`
}

var (
	mu     sync.Mutex
	logger Logger
)

// GetLogger returns the global logger, initializing it with defaults when
// Init has not run yet (tests exercise packages directly).
func GetLogger() Logger {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		logger = newAdapter(&LoggerConfig{Level: "info"})
	}
	return logger
}

// Init configures the global logger. Later calls reconfigure it.
func Init(cfg *LoggerConfig) {
	mu.Lock()
	defer mu.Unlock()
	logger = newAdapter(cfg)
}
