package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // Enable pretty console output
	File       string // Optional rotating log file, written in addition to stdout
	MaxSizeMB  int    // Rotate after this many megabytes (default 50)
	MaxBackups int    // Rotated files to keep (default 5)
	MaxAgeDays int    // Days to keep rotated files (default 14)
}

// New creates a new structured logger
func New(cfg Config) zerolog.Logger {
	// Parse log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	// Configure output
	var output io.Writer = os.Stdout
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
	}

	if cfg.File != "" {
		output = zerolog.MultiLevelWriter(output, fileWriter(cfg))
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}

// fileWriter writes JSON lines to a size-rotated file
func fileWriter(cfg Config) io.Writer {
	maxSize, maxBackups, maxAge := cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays
	if maxSize <= 0 {
		maxSize = 50
	}
	if maxBackups <= 0 {
		maxBackups = 5
	}
	if maxAge <= 0 {
		maxAge = 14
	}
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		MaxAge:     maxAge,
		Compress:   true,
	}
}

// SetGlobalLogger sets the package-level logger
func SetGlobalLogger(l zerolog.Logger) {
	log.Logger = l
}
