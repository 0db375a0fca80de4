package app

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLoggerHonorsFormatAndEnv(t *testing.T) {
	text := NewLogger(&Config{AppEnv: "development", LogFormat: "pretty"})
	require.IsType(t, &slog.TextHandler{}, text.Handler())

	json := NewLogger(&Config{AppEnv: "development", LogFormat: "json"})
	require.IsType(t, &slog.JSONHandler{}, json.Handler())

	prod := NewLogger(&Config{AppEnv: "production", LogFormat: "pretty"})
	require.IsType(t, &slog.JSONHandler{}, prod.Handler())

	require.IsType(t, &slog.TextHandler{}, NewLogger(nil).Handler())
}
