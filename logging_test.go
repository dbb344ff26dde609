package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-json-experiment/json"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerRejectsBadConfig(t *testing.T) {
	cfg := DefaultLogConfig()
	cfg.Level = "loud"
	_, _, err := NewLogger(cfg, "test")
	require.ErrorIs(t, err, ErrInvalidConfig)

	cfg = DefaultLogConfig()
	cfg.Format = "xml"
	_, _, err = NewLogger(cfg, "test")
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewLoggerFields(t *testing.T) {
	a, closeA, err := NewLogger(DefaultLogConfig(), "ppo")
	require.NoError(t, err)
	defer closeA()
	b, closeB, err := NewLogger(DefaultLogConfig(), "ppo")
	require.NoError(t, err)
	defer closeB()

	require.Equal(t, "ppo", a.Data["command"])
	require.NotEmpty(t, a.Data["run_id"])
	require.NotEqual(t, a.Data["run_id"], b.Data["run_id"])
}

func TestNewLoggerWritesFile(t *testing.T) {
	cfg := DefaultLogConfig()
	cfg.Format = "json"
	cfg.Level = "debug"
	cfg.File = filepath.Join(t.TempDir(), "logs", "run.log")

	log, closeLog, err := NewLogger(cfg, "evaluate")
	require.NoError(t, err)
	log.WithField("rows", 3).Debug("table rendered")
	require.NoError(t, closeLog())

	data, err := os.ReadFile(cfg.File)
	require.NoError(t, err)

	var line map[string]any
	require.NoError(t, json.Unmarshal(data[:len(data)-1], &line))
	require.Equal(t, "table rendered", line["message"])
	require.Equal(t, "evaluate", line["command"])
	require.Equal(t, log.Data["run_id"], line["run_id"])
	require.Equal(t, float64(3), line["rows"])
	require.Contains(t, line, "timestamp")
}
