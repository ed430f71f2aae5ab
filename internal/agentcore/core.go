package agentcore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cmsagent/agent/internal/config"
	"github.com/cmsagent/agent/internal/executor"
	"github.com/cmsagent/agent/internal/ipc"
	"github.com/cmsagent/agent/internal/platform"
	"github.com/cmsagent/agent/internal/pushclient"
	"github.com/cmsagent/agent/internal/requestclient"
	"github.com/cmsagent/agent/internal/serverconnector"
	"github.com/cmsagent/agent/internal/singleton"
	"github.com/cmsagent/agent/internal/state"
	"github.com/cmsagent/agent/internal/sysinspect"
	"github.com/cmsagent/agent/internal/update"
)

// authRetryInterval is how long Core waits between failed authentication
// attempts during startup, matching the original's fixed retry backoff.
const authRetryInterval = 10 * time.Second

// errorSpoolDrainRetries bounds DrainErrorSpool attempts per report
// during the startup drain; the final shutdown drain makes one attempt.
const errorSpoolDrainRetries = 3

// Config bundles every collaborator Core wires together.
type Config struct {
	AgentVersion string
	Cfg          config.Config
	Logger       *zap.Logger

	Store       *state.Store
	Guard       *singleton.Guard
	RC          *requestclient.Client
	Inspector   *sysinspect.Inspector
	ExecutorCfg executor.Config
	Handlers    map[string]executor.Handler
	IPCServer   *ipc.Server
	Connector   *serverconnector.Connector
	PushClient  *pushclient.Client

	// UpdatesDir, CurrentAgentExe, and CurrentUpdaterExe configure the
	// UpdateEngine Core builds internally (it needs Core's own SetState
	// and GracefulShutdown as callbacks, so it cannot be pre-built by
	// the caller).
	UpdatesDir        string
	CurrentAgentExe   string
	CurrentUpdaterExe string
}

// Core implements AgentCore: it owns the lifecycle state machine and
// supervises every other component's startup and shutdown.
type Core struct {
	version string
	cfg     config.Config
	logger  *zap.Logger

	store   *state.Store
	guard   *singleton.Guard
	rc      *requestclient.Client
	inspect *sysinspect.Inspector
	exec    *executor.Executor
	ipcSrv  *ipc.Server
	sc      *serverconnector.Connector
	pc      *pushclient.Client
	updater *update.Engine

	sm *StateMachine

	device state.DeviceIdentity

	stopping         chan struct{}
	shutdownOnce     sync.Once
	shutdownDone     chan struct{}
	restartRequested atomic.Bool
}

// New constructs a Core, building its CommandExecutor and UpdateEngine
// internally — both need Core itself as a collaborator (ResultSink, and
// SetState/RequestShutdown callbacks respectively), so neither can be
// constructed by the caller beforehand. Call Run to start it.
func New(cfg Config) *Core {
	c := &Core{
		version:      cfg.AgentVersion,
		cfg:          cfg.Cfg,
		logger:       cfg.Logger.Named("agentcore"),
		store:        cfg.Store,
		guard:        cfg.Guard,
		rc:           cfg.RC,
		inspect:      cfg.Inspector,
		ipcSrv:       cfg.IPCServer,
		sc:           cfg.Connector,
		pc:           cfg.PushClient,
		sm:           NewStateMachine(cfg.Logger),
		stopping:     make(chan struct{}),
		shutdownDone: make(chan struct{}),
	}

	c.exec = executor.New(cfg.ExecutorCfg, cfg.Logger, c)
	for cmdType, h := range cfg.Handlers {
		c.exec.RegisterHandler(cmdType, h)
	}

	c.updater = update.New(update.Config{
		RequestClient:     cfg.RC,
		Reporter:          cfg.Connector,
		UpdatesDir:        cfg.UpdatesDir,
		CurrentAgentExe:   cfg.CurrentAgentExe,
		CurrentUpdaterExe: cfg.CurrentUpdaterExe,
		Logger:            cfg.Logger,
		SetState:          c.setUpdatePhase,
		RequestShutdown:   c.GracefulShutdown,
	})

	return c
}

// phaseStates maps update.Phase* string constants back to AgentState, so
// UpdateEngine (which cannot import agentcore) can still drive the state
// machine through a plain string callback.
var phaseStates = map[string]AgentState{
	update.PhaseUpdatingStarting:          UpdatingStarting,
	update.PhaseUpdatingDownloading:       UpdatingDownloading,
	update.PhaseUpdatingVerifying:         UpdatingVerifying,
	update.PhaseUpdatingExtracting:        UpdatingExtracting,
	update.PhaseUpdatingReplacingUpdater:  UpdatingReplacingUpdater,
	update.PhaseUpdatingPreparingShutdown: UpdatingPreparingShutdown,
	update.PhaseIdle:                      Idle,
}

func (c *Core) setUpdatePhase(phase string) bool {
	next, ok := phaseStates[phase]
	if !ok {
		c.logger.Error("unknown update phase requested", zap.String("phase", phase))
		return false
	}
	return c.sm.SetState(next)
}

// State returns the current lifecycle state.
func (c *Core) State() AgentState { return c.sm.Get() }

// IsUpdating implements ipc.RestartRequester.
func (c *Core) IsUpdating() bool { return c.sm.IsUpdating() }

// RequestRestart implements ipc.RestartRequester: it asynchronously
// begins a graceful shutdown intended to be followed by a relaunch of
// the agent process by its supervisor (service manager or autostart
// entry). Must not block the IPC handler goroutine that calls it.
func (c *Core) RequestRestart() {
	if !c.sm.SetState(ForceRestarting) {
		c.logger.Warn("ignoring force_restart: not in a state that allows it")
		return
	}
	c.restartRequested.Store(true)
	go c.GracefulShutdown()
}

// OnCommand implements pushclient.EventSink.
func (c *Core) OnCommand(commandID, commandType, command string) {
	c.exec.Submit(executor.Envelope{
		ID:         commandID,
		Type:       commandType,
		Payload:    command,
		ReceivedAt: time.Now(),
	})
}

// OnNewVersion implements pushclient.EventSink: a push-channel nudge that
// a new stable version exists. It triggers the same update path as the
// one-shot startup check, arbitrated by UpdateEngine's own non-blocking
// lock so a concurrent check or nudge is simply dropped.
func (c *Core) OnNewVersion(newStableVersion string) {
	c.logger.Info("received new version notification", zap.String("version", newStableVersion))
	go c.checkAndInitiateUpdate(context.Background())
}

// SendCommandResult implements executor.ResultSink.
func (c *Core) SendCommandResult(result executor.Result) {
	if ok := c.pc.EmitCommandResult(result.ID, c.device.ID, result.Type, result.Success, result.Result); !ok {
		c.logger.Warn("command result dropped: push channel not authenticated", zap.String("id", result.ID))
	}
}

// Run executes Core's six-step startup sequence and then parks,
// periodically reporting status after one startup update check, until a
// shutdown is requested (via ctx cancellation, a SIGTERM-triggered
// cancel in main, or RequestRestart/force_restart over IPC). It returns
// once GracefulShutdown has completed.
func (c *Core) Run(ctx context.Context) error {
	// Step 1: bring up the IPC server with its placeholder pre-auth token.
	if err := c.ipcSrv.Start(); err != nil {
		return err
	}

	device, err := c.store.EnsureDeviceIdentity()
	if err != nil {
		return err
	}
	c.device = device

	// Step 2: authenticate, retrying with a fixed backoff until it
	// succeeds or shutdown is requested.
	for {
		room := c.store.GetRoom()
		ok, reason := c.sc.Authenticate(ctx, device, room)
		if ok {
			break
		}
		c.logger.Warn("authentication failed, will retry", zap.String("reason", reason))
		select {
		case <-ctx.Done():
			c.sm.SetState(ShuttingDown)
			c.sm.SetState(Stopped)
			return ctx.Err()
		case <-c.stopping:
			return nil
		case <-time.After(authRetryInterval):
		}
	}

	c.sm.SetState(Idle)
	if token, err := c.store.LoadToken(device); err == nil && token != "" {
		c.ipcSrv.UpdateToken(token)
	}

	// Step 3: start the command executor's worker pool.
	c.exec.Start()

	// Step 4: drain any error reports spooled from a prior run.
	if sent, total := c.sc.DrainErrorSpool(ctx, errorSpoolDrainRetries); total > 0 {
		c.logger.Info("drained error spool", zap.Int("sent", sent), zap.Int("total", total))
	}

	// Step 5: schedule periodic status reporting, and perform one
	// proactive update check now that we're authenticated. Per spec.md
	// §9 Open Question #4, the proactive check is one-shot at startup,
	// not a periodic poll — the push channel's new_version_available
	// nudge (OnNewVersion) is what drives checks after that.
	go c.statusReportLoop(ctx)
	go c.checkAndInitiateUpdate(ctx)

	// Step 6: park until shutdown is requested, either by ctx cancellation
	// (signal or parent caller) or by one of the two internal triggers —
	// RequestRestart (force_restart over IPC) and UpdateEngine's
	// RequestShutdown callback — which close c.stopping without ever
	// touching ctx. Either way GracefulShutdown is idempotent, so calling
	// it here is safe even if one of those triggers already started it.
	select {
	case <-ctx.Done():
	case <-c.stopping:
	}
	c.GracefulShutdown()
	return nil
}

func (c *Core) statusReportLoop(ctx context.Context) {
	interval := time.Duration(c.cfg.Agent.StatusReportIntervalSec) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopping:
			return
		case <-ticker.C:
			if c.sm.Get() == Idle {
				c.sc.SendStatusOnce(ctx, c.device.ID)
			}
		}
	}
}

// checkAndInitiateUpdate asks the server whether a newer version is
// available and, if so and the agent is idle, hands it to UpdateEngine.
// UpdateEngine's own lock makes a concurrent nudge-triggered and
// poll-triggered call to this function mutually exclusive.
//
// Per the /check-update contract, a 200 body carrying {version,
// download_url, checksum_sha256} means an update is available; a 204
// (Body nil) means the agent is already current. There is no
// update_available boolean in the wire contract.
func (c *Core) checkAndInitiateUpdate(ctx context.Context) {
	if c.sm.Get() != Idle {
		return
	}

	outcome, err := c.rc.CheckForUpdate(ctx, c.version)
	if err != nil || outcome.Kind != requestclient.OK || outcome.Body == nil {
		if err != nil {
			c.logger.Warn("check-for-update failed", zap.Error(err))
		}
		return
	}

	manifest, available := updateAvailable(outcome.Body, c.version)
	if !available {
		return
	}

	c.updater.Initiate(ctx, manifest)
}

// updateAvailable extracts an update.Manifest from a /check-update 200
// body and reports whether it names a version newer than currentVersion.
// Mirrors the original's update_info-non-empty + version != current_version
// check: an empty or matching version means no update is available.
func updateAvailable(body map[string]any, currentVersion string) (update.Manifest, bool) {
	manifest := update.Manifest{}
	if v, ok := body["version"].(string); ok {
		manifest.Version = v
	}
	if u, ok := body["download_url"].(string); ok {
		manifest.DownloadURL = u
	}
	if s, ok := body["checksum_sha256"].(string); ok {
		manifest.ChecksumSHA256 = s
	}

	if manifest.Version == "" || manifest.Version == currentVersion {
		return update.Manifest{}, false
	}
	return manifest, true
}

// GracefulShutdown tears every component down in dependency order. It is
// idempotent: the teardown runs once, and every later call (while it is
// running or after it has completed) waits for it to finish and returns.
func (c *Core) GracefulShutdown() {
	c.shutdownOnce.Do(func() {
		defer close(c.shutdownDone)
		c.logger.Info("beginning graceful shutdown")

		// Unblock Run's park select (and statusReportLoop) immediately:
		// RequestRestart and UpdateEngine's RequestShutdown callback both
		// reach this point without ever cancelling Run's ctx.
		close(c.stopping)

		c.sm.SetState(ShuttingDown)

		// Stop accepting new IPC requests first so no further
		// force_restart can race with the rest of teardown.
		c.ipcSrv.Stop()

		// Stop taking new commands, then let queued and in-flight ones
		// finish (bounded).
		c.exec.Stop(true, 10*time.Second)

		// Best-effort final drain of anything still spooled.
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		c.sc.DrainErrorSpool(drainCtx, 1)
		cancel()

		c.pc.Close()

		if c.guard != nil {
			c.guard.Release()
		}

		c.sm.SetState(Stopped)
		c.logger.Info("graceful shutdown complete", zap.Bool("restart_requested", c.restartRequested.Load()))
	})
	<-c.shutdownDone
}

// IPCEndpointName resolves the deterministic per-user or per-machine IPC
// endpoint name for this build, used by both Core's own server and the
// --force CLI path's client dial.
func IPCEndpointName(admin bool) (string, error) {
	if admin {
		return platform.Current.PipeName(true, ""), nil
	}
	sid, err := platform.Current.CurrentUserSID()
	if err != nil {
		return "", err
	}
	return platform.Current.PipeName(false, sid), nil
}
