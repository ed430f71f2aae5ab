package logging

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"
)

func TestNewWritesRotatedLogFileUnderStorageRoot(t *testing.T) {
	root := t.TempDir()
	logger, err := New(Config{StorageRoot: root})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("hello")

	logPath := filepath.Join(root, "logs", "log_"+time.Now().Format("2006-01-02")+".log")
	if _, err := os.Stat(logPath); err != nil {
		t.Fatalf("expected log file at %s: %v", logPath, err)
	}
}

func TestNewWithoutStorageRootLogsConsoleOnly(t *testing.T) {
	logger, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer logger.Sync() //nolint:errcheck
	logger.Info("console only")
}

func TestNewDebugEnablesDebugLevel(t *testing.T) {
	logger, err := New(Config{Debug: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer logger.Sync() //nolint:errcheck
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("Debug: true must enable the debug level")
	}
	logger.Debug("debug visible")
}
