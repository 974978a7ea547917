package main

import (
	"io"
	"os"
	"strings"

	"github.com/qiniu/perfpulse/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// setupLogging applies the level and output settings. The returned closer
// flushes the rotating file, if any.
func setupLogging(cfg *config.LoggingConfig) io.Closer {
	switch strings.ToLower(cfg.Level) {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	var stderr io.Writer = os.Stderr
	if cfg.Console {
		stderr = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	if cfg.File == "" {
		log.Logger = log.Output(stderr)
		return io.NopCloser(nil)
	}

	file := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	log.Logger = log.Output(zerolog.MultiLevelWriter(stderr, file))
	return file
}
