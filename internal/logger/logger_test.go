package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_DefaultsToStderrColor(t *testing.T) {
	l := New(Config{Level: slog.LevelInfo, Color: true})
	require.NotNil(t, l)
}

func TestNew_DefaultsToStderrPlain(t *testing.T) {
	l := New(Config{Level: slog.LevelInfo})
	require.NotNil(t, l)
}

func TestNew_FilePathCreatesLogFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.log")
	l := New(Config{Level: slog.LevelDebug, FilePath: path})
	l.Info("hello", "k", "v")
	_, err := os.Stat(path)
	require.NoError(t, err)
}

func TestNew_FilePathExplicitRotationSettings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cp.log")
	l := New(Config{Level: slog.LevelWarn, FilePath: path, MaxSizeMB: 1, MaxBackups: 2, MaxAgeDays: 3, Compress: true})
	require.NotNil(t, l)
}
