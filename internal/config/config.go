// Package config loads and migrates the agent's JSON configuration file,
// the one piece of CLI/config parsing the core actually consumes: a
// parsed Config value. Flag parsing and defaulting live in cmd/agent.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// CurrentConfigVersion is the migration target. Files recorded with a
// lower version are migrated in place (after a timestamped backup);
// files with a newer version are accepted with a warning by the caller.
const CurrentConfigVersion = 1

// AgentSection mirrors the "agent.*" keys in the schema.
type AgentSection struct {
	AppName                string `json:"app_name"`
	StatusReportIntervalSec int   `json:"status_report_interval_sec"`
	StateFilename           string `json:"state_filename"`
	ConfigVersion           int    `json:"config_version"`
}

// HTTPClientSection mirrors "http_client.*".
type HTTPClientSection struct {
	RequestTimeoutSec int `json:"request_timeout_sec"`
}

// WebSocketSection mirrors "websocket.*".
type WebSocketSection struct {
	ReconnectDelayInitialSec int  `json:"reconnect_delay_initial_sec"`
	ReconnectDelayMaxSec     int  `json:"reconnect_delay_max_sec"`
	ReconnectAttemptsMax     *int `json:"reconnect_attempts_max"` // nil = infinite
}

// CommandExecutorSection mirrors "command_executor.*".
type CommandExecutorSection struct {
	DefaultTimeoutSec   int    `json:"default_timeout_sec"`
	MaxParallelCommands int    `json:"max_parallel_commands"`
	MaxQueueSize        int    `json:"max_queue_size"`
	ConsoleEncoding     string `json:"console_encoding"`
}

// Config is the parsed configuration document the core consumes.
type Config struct {
	ServerURL       string                 `json:"server_url"`
	Agent           AgentSection           `json:"agent"`
	HTTPClient      HTTPClientSection      `json:"http_client"`
	WebSocket       WebSocketSection       `json:"websocket"`
	CommandExecutor CommandExecutorSection `json:"command_executor"`
}

// Defaults returns a Config populated with the schema's documented
// default values.
func Defaults() Config {
	encoding := "utf-8"
	if runtime.GOOS == "windows" {
		encoding = "cp1252"
	}
	return Config{
		Agent: AgentSection{
			AppName:                 "CMSAgent",
			StatusReportIntervalSec: 30,
			StateFilename:           "agent_state.json",
			ConfigVersion:           CurrentConfigVersion,
		},
		HTTPClient: HTTPClientSection{
			RequestTimeoutSec: 15,
		},
		WebSocket: WebSocketSection{
			ReconnectDelayInitialSec: 5,
			ReconnectDelayMaxSec:     60,
			ReconnectAttemptsMax:     nil,
		},
		CommandExecutor: CommandExecutorSection{
			DefaultTimeoutSec:   300,
			MaxParallelCommands: 2,
			MaxQueueSize:        20,
			ConsoleEncoding:     encoding,
		},
	}
}

// MigrationWarning is returned (alongside a valid Config) when the file's
// config_version exceeds CurrentConfigVersion; the caller should log it
// rather than treat it as fatal.
type MigrationWarning struct {
	FileVersion int
}

func (w *MigrationWarning) Error() string {
	return fmt.Sprintf("config: file version %d is newer than supported version %d", w.FileVersion, CurrentConfigVersion)
}

// Load reads path, migrating in place if its config_version is below
// CurrentConfigVersion. Missing keys are filled from Defaults(). A
// backup is written as "<name>.backup_<unix-timestamp>" before any
// in-place migration; failure to back up aborts the migration and
// returns an error (the caller must refuse to start, per the schema's
// "refuse to start if backup fails" rule).
func Load(path string, now time.Time) (Config, *MigrationWarning, error) {
	cfg := Defaults()

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil, save(path, cfg)
	}
	if err != nil {
		return Config{}, nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	switch {
	case cfg.Agent.ConfigVersion < CurrentConfigVersion:
		backupPath := fmt.Sprintf("%s.backup_%d", path, now.Unix())
		if err := os.WriteFile(backupPath, raw, 0o600); err != nil {
			return Config{}, nil, fmt.Errorf("config: backing up %s before migration: %w", path, err)
		}
		cfg.Agent.ConfigVersion = CurrentConfigVersion
		if err := save(path, cfg); err != nil {
			return Config{}, nil, fmt.Errorf("config: writing migrated %s: %w", path, err)
		}
		return cfg, nil, nil

	case cfg.Agent.ConfigVersion > CurrentConfigVersion:
		return cfg, &MigrationWarning{FileVersion: cfg.Agent.ConfigVersion}, nil

	default:
		return cfg, nil, nil
	}
}

// save writes cfg to path via temp-file-plus-atomic-rename.
func save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".cfg-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
