package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/sfxflow/internal/config"
)

func TestTextLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(config.LogConfig{Level: "warn", Format: "text"}, &buf)
	require.NoError(t, err)

	Module(logger, "optimizer").Info("hidden")
	Module(logger, "optimizer").Warn("poor fit", "r2", 0.05)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "module=optimizer")
	assert.Contains(t, out, "r2=0.05")
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(config.LogConfig{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)

	Module(logger, "scheduler").Debug("polled", "active", 3)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "scheduler", rec["module"])
	assert.Equal(t, "polled", rec["msg"])
	assert.InDelta(t, 3, rec["active"], 0)
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("WARNING")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)

	_, err = NewWithWriter(config.LogConfig{Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestModuleNilLogger(t *testing.T) {
	assert.NotPanics(t, func() { Module(nil, "x").Error("dropped") })
}
