// Package serverconnector implements ServerConnector: the single source
// of truth for the live session token, and the owner of the
// authentication sequence, status reporting, error reporting, and the
// error-spool drain that runs once a session comes up.
package serverconnector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cmsagent/agent/internal/pushclient"
	"github.com/cmsagent/agent/internal/requestclient"
	"github.com/cmsagent/agent/internal/state"
	"github.com/cmsagent/agent/internal/sysinspect"
)

// UserPrompter is the capability ServerConnector calls into when the
// server demands a second authentication factor. A false return means
// the user cancelled or no prompt surface is available.
type UserPrompter interface {
	PromptMFA() (string, bool)
}

// Config bundles ServerConnector's collaborators.
type Config struct {
	RequestClient *requestclient.Client
	PushClient    *pushclient.Client
	State         *state.Store
	Inspector     *sysinspect.Inspector
	Prompter      UserPrompter
	Logger        *zap.Logger
	AgentVersion  string
}

// Connector is ServerConnector.
type Connector struct {
	rc       *requestclient.Client
	pc       *pushclient.Client
	store    *state.Store
	inspect  *sysinspect.Inspector
	prompter UserPrompter
	logger   *zap.Logger
	version  string
}

// New returns a Connector built from cfg.
func New(cfg Config) *Connector {
	return &Connector{
		rc:       cfg.RequestClient,
		pc:       cfg.PushClient,
		store:    cfg.State,
		inspect:  cfg.Inspector,
		prompter: cfg.Prompter,
		logger:   cfg.Logger.Named("serverconnector"),
		version:  cfg.AgentVersion,
	}
}

// Authenticate runs the full sequence: load-or-identify, MFA if
// demanded, publish the token, upload hardware info, and bring up the
// push channel. ok is true only once every step has succeeded; reason
// is a short machine-readable failure code otherwise.
func (c *Connector) Authenticate(ctx context.Context, device state.DeviceIdentity, room *state.RoomAssignment) (ok bool, reason string) {
	token, err := c.store.LoadToken(device)
	if err != nil {
		c.logger.Warn("failed to read persisted token, will re-identify", zap.Error(err))
		token = ""
	}

	if token == "" {
		token, ok, reason = c.identifyAndMaybeMFA(ctx, device, room)
		if !ok {
			return false, reason
		}
	}

	c.rc.SetIdentity(device.ID)
	c.rc.SetToken(token)

	hw, err := c.inspect.Hardware(ctx, c.version)
	if err != nil {
		c.logger.Error("failed to collect hardware info", zap.Error(err))
		return false, "hardware_info_collection_failed"
	}
	payload := map[string]any{
		"hostname":      hw.Hostname,
		"os":            hw.OS,
		"platform":      hw.Platform,
		"cpu_model":     hw.CPUModel,
		"cpu_cores":     hw.CPUCores,
		"total_mem_mb":  hw.TotalMemMB,
		"total_disk_mb": hw.TotalDiskMB,
		"agent_version": hw.AgentVersion,
	}
	outcome, err := c.rc.SendHardwareInfo(ctx, payload)
	if err != nil || outcome.Kind != requestclient.OK {
		c.logger.Error("send-hardware-info failed", zap.String("kind", outcome.Kind.String()))
		return false, "hardware_info_upload_failed"
	}

	if err := c.pc.ConnectAndAuthenticate(device.ID, token); err != nil {
		c.logger.Error("failed to initiate push channel", zap.Error(err))
		return false, "push_channel_connect_failed"
	}
	if !c.pc.WaitForAuthenticated(20 * time.Second) {
		c.pc.Close()
		return false, "push_channel_auth_timeout"
	}

	return true, ""
}

func (c *Connector) identifyAndMaybeMFA(ctx context.Context, device state.DeviceIdentity, room *state.RoomAssignment) (token string, ok bool, reason string) {
	var position map[string]any
	if room != nil {
		position = map[string]any{"roomName": room.Room, "posX": room.PosX, "posY": room.PosY}
	}

	outcome, err := c.rc.Identify(ctx, device.ID, false, position)
	if err != nil || outcome.Kind != requestclient.OK {
		return "", false, "identify_" + outcome.Kind.String()
	}

	status, _ := outcome.Body["status"].(string)
	switch status {
	case "registered":
		if tok, ok := outcome.Body["agentToken"].(string); ok && tok != "" {
			if err := c.store.PutToken(device, tok); err != nil {
				c.logger.Error("failed to persist session token", zap.Error(err))
				return "", false, "token_persist_failed"
			}
			return tok, true, ""
		}
		existing, err := c.store.LoadToken(device)
		if err != nil || existing == "" {
			return "", false, "server_thinks_registered_but_no_local_token"
		}
		return existing, true, ""

	case "mfa_required":
		return c.runMFA(ctx, device)

	case "position_error":
		msg, _ := outcome.Body["message"].(string)
		if msg == "" {
			msg = "position_error"
		}
		return "", false, msg

	default:
		return "", false, "identify_error"
	}
}

func (c *Connector) runMFA(ctx context.Context, device state.DeviceIdentity) (token string, ok bool, reason string) {
	if c.prompter == nil {
		return "", false, "mfa_required_but_no_prompter"
	}
	code, provided := c.prompter.PromptMFA()
	if !provided {
		return "", false, "mfa_cancelled"
	}

	outcome, err := c.rc.VerifyMFA(ctx, device.ID, code)
	if err != nil || outcome.Kind != requestclient.OK {
		return "", false, "mfa_verify_" + outcome.Kind.String()
	}
	tok, _ := outcome.Body["agentToken"].(string)
	if tok == "" {
		return "", false, "mfa_verified_but_no_token"
	}
	if err := c.store.PutToken(device, tok); err != nil {
		c.logger.Error("failed to persist session token after mfa", zap.Error(err))
		return "", false, "token_persist_failed"
	}
	return tok, true, ""
}

// SendStatusOnce samples resource usage and emits it over the push
// channel. It drops silently (warn-logged) if the channel is not
// currently authenticated.
func (c *Connector) SendStatusOnce(ctx context.Context, agentID string) {
	usage, err := c.inspect.SampleUsage(ctx)
	if err != nil {
		c.logger.Warn("failed to sample resource usage", zap.Error(err))
		return
	}
	if ok := c.pc.EmitStatusUpdate(usage.CPUPercent, usage.RAMPercent, usage.DiskPercent, agentID); !ok {
		c.logger.Warn("status update dropped: push channel not authenticated")
	}
}

// ReportError builds an ErrorReport and sends it immediately; on any
// failure it is written to the error spool for a later DrainErrorSpool.
func (c *Connector) ReportError(ctx context.Context, errorType, message string, details map[string]any, stack string) {
	report := map[string]any{
		"error_type":    errorType,
		"message":       message,
		"agent_version": c.version,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	}
	if details == nil {
		details = map[string]any{}
	}
	if stack != "" {
		details["stack"] = stack
	}
	report["details"] = details

	outcome, err := c.rc.ReportError(ctx, report)
	if err == nil && outcome.Kind == requestclient.OK {
		return
	}

	if spoolErr := c.spool(report, errorType); spoolErr != nil {
		c.logger.Error("failed to spool undelivered error report", zap.Error(spoolErr))
	}
}

func (c *Connector) spool(report map[string]any, errorType string) error {
	dir := c.store.ErrorSpoolDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("serverconnector: creating error spool dir: %w", err)
	}
	name := fmt.Sprintf("%s_%s_%s.json", time.Now().UTC().Format("20060102_150405"), errorType, uuid.NewString()[:8])
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("serverconnector: marshaling error report: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, name), data, 0o600)
}

// DrainErrorSpool uploads every spooled *.json report, retrying each up
// to maxRetries times with a short pause between attempts. Reports that
// upload successfully are deleted; reports that exhaust retries are
// left for a future attempt. Returns (sent, total).
func (c *Connector) DrainErrorSpool(ctx context.Context, maxRetries int) (sent, total int) {
	dir := c.store.ErrorSpoolDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0
		}
		c.logger.Warn("failed to list error spool", zap.Error(err))
		return 0, 0
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	total = len(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			c.logger.Warn("failed to read spooled error report", zap.String("file", name), zap.Error(err))
			continue
		}
		var report map[string]any
		if err := json.Unmarshal(data, &report); err != nil {
			c.logger.Warn("dropping corrupted spooled error report", zap.String("file", name), zap.Error(err))
			os.Remove(path)
			continue
		}

		delivered := false
		for attempt := 0; attempt < maxRetries; attempt++ {
			outcome, err := c.rc.ReportError(ctx, report)
			if err == nil && outcome.Kind == requestclient.OK {
				delivered = true
				break
			}
			if attempt < maxRetries-1 {
				select {
				case <-ctx.Done():
					return sent, total
				case <-time.After(2 * time.Second):
				}
			}
		}

		if delivered {
			os.Remove(path)
			sent++
		}
	}

	return sent, total
}
