package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestNewSubsystemLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewSubsystemLogger(SubsystemImages, Config{Level: slog.LevelInfo, Format: "json", Output: &buf}, nil)

	log.Info("built image", "service", "backend")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "built image", rec["msg"])
	assert.Equal(t, "images", rec["subsystem"])
	assert.Equal(t, "backend", rec["service"])
}

func TestNewSubsystemLogger_Fanout(t *testing.T) {
	var primary, secondary bytes.Buffer
	extra := slog.NewJSONHandler(&secondary, &slog.HandlerOptions{Level: slog.LevelDebug})
	log := NewSubsystemLogger(SubsystemAPI, Config{Level: slog.LevelWarn, Format: "json", Output: &primary}, extra)

	log.Info("only secondary")
	assert.Empty(t, primary.String())
	assert.Contains(t, secondary.String(), "only secondary")

	log.Warn("both")
	assert.Contains(t, primary.String(), "both")
	assert.Contains(t, secondary.String(), "both")
}

func TestContextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	log := NewSubsystemLogger(SubsystemCLI, Config{Format: "json", Output: &buf}, nil)

	ctx := AddToContext(context.Background(), log)
	ctx = With(ctx, "unit", "tutorial")
	FromContext(ctx).Info("hello")

	assert.Contains(t, buf.String(), `"unit":"tutorial"`)
	assert.Equal(t, slog.Default(), FromContext(context.Background()))
}
