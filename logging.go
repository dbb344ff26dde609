package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig controls the run logger.
type LogConfig struct {
	Level      string `env:"RLHF_LOG_LEVEL" envDefault:"info"`
	Format     string `env:"RLHF_LOG_FORMAT" envDefault:"text"` // text or json
	File       string `env:"RLHF_LOG_FILE" envDefault:""`       // empty = stderr only
	MaxSizeMB  int    `env:"RLHF_LOG_MAX_SIZE_MB" envDefault:"100"`
	MaxBackups int    `env:"RLHF_LOG_MAX_BACKUPS" envDefault:"5"`
	MaxAgeDays int    `env:"RLHF_LOG_MAX_AGE_DAYS" envDefault:"30"`
	Compress   bool   `env:"RLHF_LOG_COMPRESS" envDefault:"true"`
}

// DefaultLogConfig logs text at info level to stderr.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		Format:     "text",
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 30,
		Compress:   true,
	}
}

const timestampFormat = "2006-01-02 15:04:05.000"

// NewLogger builds a logger for one run. Every entry carries run_id and
// command so interleaved runs writing to one file can be told apart. The
// returned closer flushes the rotating file, if any.
func NewLogger(cfg LogConfig, command string) (*logrus.Entry, func() error, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: log level %q", ErrInvalidConfig, cfg.Level)
	}
	logger.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: timestampFormat,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "timestamp",
				logrus.FieldKeyMsg:  "message",
			},
		})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: timestampFormat,
		})
	default:
		return nil, nil, fmt.Errorf("%w: log format %q", ErrInvalidConfig, cfg.Format)
	}

	closer := func() error { return nil }
	var out io.Writer = os.Stderr
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("log dir: %w", err)
		}
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		out = io.MultiWriter(os.Stderr, file)
		closer = file.Close
	}
	logger.SetOutput(out)

	entry := logger.WithFields(logrus.Fields{
		"run_id":  uuid.NewString(),
		"command": command,
	})
	return entry, closer, nil
}
