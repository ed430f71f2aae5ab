// Package main is the entry point for the cmsagent-go binary.
// It wires all internal packages together and starts AgentCore.
//
// Startup sequence:
//  1. Parse CLI flags
//  2. Resolve the storage root and build the logger
//  3. Load/migrate configuration
//  4. Acquire the singleton lock
//  5. Build RequestClient, SystemInspector, PushClient, ServerConnector,
//     CommandExecutor, IpcServer, and UpdateEngine
//  6. Hand everything to AgentCore.Run, blocking until SIGINT/SIGTERM or
//     a force_restart request
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cmsagent/agent/internal/agentcore"
	"github.com/cmsagent/agent/internal/config"
	"github.com/cmsagent/agent/internal/docker"
	"github.com/cmsagent/agent/internal/executor"
	"github.com/cmsagent/agent/internal/ipc"
	"github.com/cmsagent/agent/internal/logging"
	"github.com/cmsagent/agent/internal/platform"
	"github.com/cmsagent/agent/internal/pushclient"
	"github.com/cmsagent/agent/internal/requestclient"
	"github.com/cmsagent/agent/internal/serverconnector"
	"github.com/cmsagent/agent/internal/singleton"
	"github.com/cmsagent/agent/internal/state"
	"github.com/cmsagent/agent/internal/sysinspect"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type flags struct {
	configName string
	debug      bool
	force      bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:   "cmsagent-go",
		Short: "CMSAgent — fleet endpoint agent",
		Long: `CMSAgent runs on each managed endpoint. It authenticates to the
fleet server, maintains a push channel for commands and update
notifications, reports status and hardware inventory, executes
commands, and applies updates delivered by the server.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}

	root.PersistentFlags().StringVar(&f.configName, "config-name", "config.json", "configuration file name, resolved under the storage root's config/ directory")
	root.PersistentFlags().BoolVar(&f.debug, "debug", false, "enable debug-level logging")
	root.Flags().BoolVar(&f.force, "force", false, "ask an already-running agent to restart, then exit")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newAutostartCmd(true))
	root.AddCommand(newAutostartCmd(false))

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cmsagent-go %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func newAutostartCmd(enable bool) *cobra.Command {
	use := "disable-autostart"
	short := "Remove the agent from system startup"
	if enable {
		use = "enable-autostart"
		short = "Register the agent to start automatically on boot/logon"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if enable {
				exePath, err := os.Executable()
				if err != nil {
					return fmt.Errorf("resolving executable path: %w", err)
				}
				return platform.Current.EnableAutostart(exePath, nil)
			}
			return platform.Current.DisableAutostart()
		},
	}
}

func run(ctx context.Context, f *flags) error {
	admin := platform.Current.IsAdmin()

	storageRoot, err := platform.Current.StorageRoot("CMSAgent", admin)
	if err != nil {
		return fmt.Errorf("resolving storage root: %w", err)
	}

	logger, err := logging.New(logging.Config{Debug: f.debug, StorageRoot: storageRoot, MaxSizeMB: 10, MaxBackups: 5})
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if f.force {
		return runForceRestart(admin)
	}

	cfgPath := filepath.Join(storageRoot, "config", f.configName)
	cfg, warning, err := config.Load(cfgPath, time.Now())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if warning != nil {
		logger.Warn(warning.Error())
	}

	logger.Info("starting cmsagent",
		zap.String("version", version),
		zap.String("server_url", cfg.ServerURL),
		zap.String("storage_root", storageRoot),
		zap.Bool("admin", admin),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	guard := singleton.New(filepath.Join(storageRoot, "agent.lock"), 0, logger)
	result, err := guard.Acquire()
	if err != nil {
		return fmt.Errorf("acquiring singleton lock: %w", err)
	}
	if result == singleton.HeldByLiveProcess {
		return fmt.Errorf("another instance of the agent is already running")
	}
	logger.Info("singleton lock acquired", zap.String("result", result.String()))
	defer guard.Release()

	store, err := state.New(storageRoot, cfg.Agent.StateFilename, logger)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}

	requestTimeout := time.Duration(cfg.HTTPClient.RequestTimeoutSec) * time.Second
	rc := requestclient.New(cfg.ServerURL, requestTimeout, logger)

	inspector := sysinspect.New("")

	// pc and ipcServer need EventSink/RestartRequester implementations
	// that do not exist until Core is built; coreBridge forwards to
	// whichever Core is installed once construction completes.
	bridge := &coreBridge{}

	pcCfg := pushclient.Config{
		ReconnectDelayInitial: time.Duration(cfg.WebSocket.ReconnectDelayInitialSec) * time.Second,
		ReconnectDelayMax:     time.Duration(cfg.WebSocket.ReconnectDelayMaxSec) * time.Second,
		ReconnectAttemptsMax:  cfg.WebSocket.ReconnectAttemptsMax,
	}
	pc, err := pushclient.New(cfg.ServerURL, pcCfg, bridge, logger)
	if err != nil {
		return fmt.Errorf("building push client: %w", err)
	}

	connector := serverconnector.New(serverconnector.Config{
		RequestClient: rc,
		PushClient:    pc,
		State:         store,
		Inspector:     inspector,
		Prompter:      consolePrompter{},
		Logger:        logger,
		AgentVersion:  version,
	})

	endpointName, err := agentcore.IPCEndpointName(admin)
	if err != nil {
		return fmt.Errorf("resolving ipc endpoint name: %w", err)
	}
	ipcServer := ipc.New(endpointName, admin, bridge, logger)

	dockerClient, err := docker.NewClient("")
	if err != nil {
		logger.Warn("docker client unavailable, docker-volume:// command references will not resolve", zap.Error(err))
	} else {
		defer dockerClient.Close()
	}

	exePath, err := os.Executable()
	if err != nil {
		logger.Warn("failed to resolve own executable path, self-update will not be able to replace it", zap.Error(err))
	}

	core := agentcore.New(agentcore.Config{
		AgentVersion: version,
		Cfg:          cfg,
		Logger:       logger,
		Store:        store,
		Guard:        guard,
		RC:           rc,
		Inspector:    inspector,
		ExecutorCfg: executor.Config{
			MaxParallel:     cfg.CommandExecutor.MaxParallelCommands,
			QueueCapacity:   cfg.CommandExecutor.MaxQueueSize,
			DefaultTimeout:  time.Duration(cfg.CommandExecutor.DefaultTimeoutSec) * time.Second,
			ConsoleEncoding: cfg.CommandExecutor.ConsoleEncoding,
		},
		Handlers: map[string]executor.Handler{
			"console": &executor.ConsoleHandler{Encoding: cfg.CommandExecutor.ConsoleEncoding, Docker: dockerClient},
			"system":  &executor.SystemHandler{},
		},
		IPCServer:         ipcServer,
		Connector:         connector,
		PushClient:        pc,
		UpdatesDir:        store.UpdatesDir(),
		CurrentAgentExe:   exePath,
		CurrentUpdaterExe: currentUpdaterPath(storageRoot),
	})
	bridge.core = core

	if err := core.Run(ctx); err != nil {
		logger.Error("agent stopped with error", zap.Error(err))
		return err
	}

	logger.Info("cmsagent stopped")
	return nil
}

// runForceRestart implements the --force CLI path: ask an already
// running agent to restart, print its response, and exit without
// starting a second instance.
func runForceRestart(admin bool) error {
	endpointName, err := agentcore.IPCEndpointName(admin)
	if err != nil {
		return fmt.Errorf("resolving ipc endpoint name: %w", err)
	}
	status := ipc.SendForceCommand(endpointName, nil, placeholderForceToken)
	fmt.Println(status)
	if status != "acknowledged" {
		return fmt.Errorf("force restart request was not acknowledged: %s", status)
	}
	return nil
}

// placeholderForceToken matches ipc's pre-auth placeholder; a --force
// invocation before the running agent has a real session token still
// needs to authenticate with the same placeholder the server uses.
const placeholderForceToken = "123"

// currentUpdaterPath returns the conventional location of the external
// updater binary alongside the agent's own storage root, or "" if it is
// not present (UpdateEngine falls back to the package's own updater in
// that case).
func currentUpdaterPath(storageRoot string) string {
	name := "updater"
	if runtime.GOOS == "windows" {
		name = "updater.exe"
	}
	candidate := filepath.Join(storageRoot, "updater", name)
	if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
		return candidate
	}
	return ""
}

// coreBridge forwards EventSink and RestartRequester calls to core once
// it has been constructed. PushClient and IpcServer are built before
// AgentCore.Core exists (Core itself depends on them), so this
// indirection breaks the construction cycle.
type coreBridge struct {
	core *agentcore.Core
}

func (b *coreBridge) OnCommand(commandID, commandType, command string) {
	if b.core != nil {
		b.core.OnCommand(commandID, commandType, command)
	}
}

func (b *coreBridge) OnNewVersion(newStableVersion string) {
	if b.core != nil {
		b.core.OnNewVersion(newStableVersion)
	}
}

func (b *coreBridge) IsUpdating() bool {
	return b.core != nil && b.core.IsUpdating()
}

func (b *coreBridge) RequestRestart() {
	if b.core != nil {
		b.core.RequestRestart()
	}
}

// consolePrompter implements serverconnector.UserPrompter by reading an
// MFA code from stdin; there is no richer UI surface on a headless
// endpoint agent.
type consolePrompter struct{}

func (consolePrompter) PromptMFA() (string, bool) {
	fmt.Print("Enter MFA code: ")
	var code string
	if _, err := fmt.Scanln(&code); err != nil || code == "" {
		return "", false
	}
	return code, true
}
