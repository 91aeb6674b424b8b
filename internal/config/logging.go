package config

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogWriter returns the destination for daemon logs: a size-rotated file
// when log.file is set, stderr otherwise.
func (c *Config) LogWriter() io.Writer {
	if c.Log.File == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   c.Log.File,
		MaxSize:    c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAge:     c.Log.MaxAgeDays,
		Compress:   true,
	}
}

// NewLogger builds a component logger with a bracketed prefix, e.g.
// "[sync] ", writing to the configured destination.
func (c *Config) NewLogger(component string) *log.Logger {
	return log.New(c.LogWriter(), "["+component+"] ", log.LstdFlags)
}
