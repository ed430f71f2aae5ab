// Package logging builds the agent's zap.Logger: console output for
// interactive/debug use and a rotated file sink under <root>/logs,
// matching the storage layout's log_YYYY-MM-DD.log convention.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Config controls logger construction.
type Config struct {
	// Debug enables console-friendly DEBUG-level output (maps to
	// zap.NewDevelopmentConfig semantics).
	Debug bool
	// StorageRoot is the agent's per-install data directory; logs are
	// written to StorageRoot/logs.
	StorageRoot string
	// MaxSizeMB and MaxBackups implement the default 10 MB x 5 rotation
	// policy from the storage layout.
	MaxSizeMB  int
	MaxBackups int
}

// New builds the root logger. Callers derive scoped loggers per
// subsystem with Named (e.g. logger.Named("executor")).
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Debug {
		level = zapcore.DebugLevel
	}

	consoleEncoderCfg := zap.NewDevelopmentEncoderConfig()
	if !cfg.Debug {
		consoleEncoderCfg = zap.NewProductionEncoderConfig()
		consoleEncoderCfg.TimeKey = "ts"
		consoleEncoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	consoleEncoder := zapcore.NewConsoleEncoder(consoleEncoderCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.Lock(zapcore.AddSync(os.Stdout)), level),
	}

	if cfg.StorageRoot != "" {
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		maxBackups := cfg.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 5
		}
		logPath := filepath.Join(cfg.StorageRoot, "logs", fmt.Sprintf("log_%s.log", time.Now().Format("2006-01-02")))
		rotator := &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			Compress:   false,
		}
		fileEncoderCfg := zap.NewProductionEncoderConfig()
		fileEncoderCfg.TimeKey = "ts"
		fileEncoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		fileEncoder := zapcore.NewJSONEncoder(fileEncoderCfg)
		cores = append(cores, zapcore.NewCore(fileEncoder, zapcore.AddSync(rotator), level))
	}

	core := zapcore.NewTee(cores...)
	return zap.New(core, zap.AddCaller()), nil
}
