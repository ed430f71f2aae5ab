// Package update implements UpdateEngine: downloads, verifies, and
// extracts a new agent package, then hands off to an external updater
// process and asks the core to shut down. It never imports agentcore —
// state transitions and shutdown are callbacks supplied by the caller,
// keyed by the same phase names agentcore.AgentState.String() produces.
package update

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"go.uber.org/zap"

	"github.com/cmsagent/agent/internal/requestclient"
)

// Phase names mirror agentcore.AgentState.String() exactly so the
// caller's SetState callback can map them 1:1 without this package
// depending on agentcore's type.
const (
	PhaseUpdatingStarting          = "UPDATING_STARTING"
	PhaseUpdatingDownloading       = "UPDATING_DOWNLOADING"
	PhaseUpdatingVerifying         = "UPDATING_VERIFYING"
	PhaseUpdatingExtracting        = "UPDATING_EXTRACTING"
	PhaseUpdatingReplacingUpdater  = "UPDATING_REPLACING_UPDATER"
	PhaseUpdatingPreparingShutdown = "UPDATING_PREPARING_SHUTDOWN"
	PhaseIdle                      = "IDLE"
)

const minFreeBytes = 100 * 1024 * 1024 // 100 MB default threshold

// Manifest describes an available update, as built from a
// RequestClient.CheckForUpdate response. A new_version_available nudge
// carries only a version string and leads to a fresh CheckForUpdate call.
type Manifest struct {
	Version        string
	DownloadURL    string
	ChecksumSHA256 string
}

func (m Manifest) validate() error {
	if m.Version == "" || m.DownloadURL == "" || m.ChecksumSHA256 == "" {
		return fmt.Errorf("update: manifest missing required fields (version/download_url/checksum_sha256)")
	}
	return nil
}

// ErrorReporter is the capability used to report a failed update step to
// the server (or spool it), matching ServerConnector.ReportError.
type ErrorReporter interface {
	ReportError(ctx context.Context, errorType, message string, details map[string]any, stack string)
}

// Config bundles Engine's collaborators and fixed paths.
type Config struct {
	RequestClient      *requestclient.Client
	Reporter           ErrorReporter
	UpdatesDir         string
	CurrentAgentExe    string
	CurrentUpdaterExe  string // "" if not resolvable
	Logger             *zap.Logger
	// SetState requests a phase transition; false means the caller
	// rejected it (e.g. a concurrent update already moved state on).
	SetState func(phase string) bool
	// RequestShutdown begins graceful agent shutdown. Called from a
	// goroutine so Initiate can return promptly afterward.
	RequestShutdown func()
}

// Engine is UpdateEngine. The zero value is not usable; construct with New.
type Engine struct {
	rc                *requestclient.Client
	reporter          ErrorReporter
	updatesDir        string
	currentAgentExe   string
	currentUpdaterExe string
	logger            *zap.Logger
	setState          func(string) bool
	requestShutdown   func()

	mu sync.Mutex
}

// New returns an Engine built from cfg.
func New(cfg Config) *Engine {
	return &Engine{
		rc:                cfg.RequestClient,
		reporter:          cfg.Reporter,
		updatesDir:        cfg.UpdatesDir,
		currentAgentExe:   cfg.CurrentAgentExe,
		currentUpdaterExe: cfg.CurrentUpdaterExe,
		logger:            cfg.Logger.Named("update"),
		setState:          cfg.SetState,
		requestShutdown:   cfg.RequestShutdown,
	}
}

// Initiate runs the full update sequence for manifest. It acquires a
// non-blocking lock; a concurrent call while one is already running
// returns immediately without effect. Safe to call from a goroutine.
func (e *Engine) Initiate(ctx context.Context, manifest Manifest) {
	if !e.mu.TryLock() {
		e.logger.Warn("update already in progress, ignoring concurrent request")
		return
	}
	defer e.mu.Unlock()

	var packagePath, extractDir string
	defer func() {
		if r := recover(); r != nil {
			e.fail(ctx, "UpdateCriticalError", fmt.Sprintf("panic during update: %v", r), nil, packagePath, extractDir)
		}
	}()

	if !e.setState(PhaseUpdatingStarting) {
		e.logger.Warn("cannot start update: agent is not in a state that allows starting one")
		return
	}

	if err := manifest.validate(); err != nil {
		e.fail(ctx, "UpdateStartFailed", err.Error(), nil, "", "")
		return
	}

	if err := e.checkPrerequisites(); err != nil {
		e.fail(ctx, "UpdateResourceCheckFailed", err.Error(), nil, "", "")
		return
	}

	packagePath = filepath.Join(e.updatesDir, fmt.Sprintf("agent_update_%s.zip", manifest.Version))
	extractDir = filepath.Join(e.updatesDir, fmt.Sprintf("new_agent_%s", manifest.Version))

	if !e.setState(PhaseUpdatingDownloading) {
		return
	}
	if err := e.download(ctx, manifest.DownloadURL, packagePath); err != nil {
		e.fail(ctx, "UpdateDownloadFailed", err.Error(), nil, packagePath, "")
		return
	}

	if !e.setState(PhaseUpdatingVerifying) {
		e.cleanup(packagePath, "")
		return
	}
	if err := verifyChecksum(packagePath, manifest.ChecksumSHA256); err != nil {
		e.fail(ctx, "UpdateChecksumMismatch", err.Error(), nil, packagePath, "")
		return
	}

	if !e.setState(PhaseUpdatingExtracting) {
		e.cleanup(packagePath, "")
		return
	}
	os.RemoveAll(extractDir)
	if err := extractPackage(packagePath, extractDir); err != nil {
		e.fail(ctx, "UpdateExtractionFailed", err.Error(), nil, packagePath, extractDir)
		return
	}

	agentName, updaterName := binaryNames()
	newAgentExe := findExecutable(extractDir, agentName, []string{"agent"})
	if newAgentExe == "" {
		e.fail(ctx, "UpdateExtractionFailed",
			fmt.Sprintf("could not find new agent executable (%s) in %s", agentName, extractDir),
			nil, packagePath, extractDir)
		return
	}
	if e.currentAgentExe == "" {
		e.fail(ctx, "UpdatePreparationFailed", "could not determine current agent executable path", nil, packagePath, extractDir)
		return
	}

	newUpdaterExe := findExecutable(extractDir, updaterName, []string{"updater"})
	updaterToLaunch, err := e.resolveUpdater(newUpdaterExe, updaterName)
	if err != nil {
		e.fail(ctx, "UpdatePreparationFailed", err.Error(), nil, packagePath, extractDir)
		return
	}

	if !e.setState(PhaseUpdatingPreparingShutdown) {
		e.cleanup(packagePath, extractDir)
		return
	}
	if err := e.launchUpdater(updaterToLaunch, newAgentExe, e.currentAgentExe); err != nil {
		e.fail(ctx, "UpdateLaunchFailed", err.Error(), nil, packagePath, extractDir)
		return
	}

	e.logger.Info("update initiated successfully, launching updater and preparing agent shutdown")
	go e.requestShutdown()
}

func (e *Engine) checkPrerequisites() error {
	if err := os.MkdirAll(e.updatesDir, 0o750); err != nil {
		return fmt.Errorf("failed to create updates directory %q: %w", e.updatesDir, err)
	}
	usage, err := disk.Usage(e.updatesDir)
	if err != nil {
		return fmt.Errorf("failed to check disk space at %q: %w", e.updatesDir, err)
	}
	if usage.Free < minFreeBytes {
		return fmt.Errorf("not enough disk space: required %d MB, available %d MB",
			minFreeBytes/(1024*1024), usage.Free/(1024*1024))
	}
	return nil
}

func (e *Engine) download(ctx context.Context, downloadURL, packagePath string) error {
	if _, err := os.Stat(packagePath); err == nil {
		if err := os.Remove(packagePath); err != nil {
			return fmt.Errorf("failed to remove existing package file %q: %w", packagePath, err)
		}
	}
	outcome, err := e.rc.Download(ctx, downloadURL, packagePath)
	if err != nil || outcome.Kind != requestclient.OK {
		return fmt.Errorf("download failed: %s", outcome.Message)
	}
	return nil
}

func verifyChecksum(packagePath, expected string) error {
	f, err := os.Open(packagePath)
	if err != nil {
		return fmt.Errorf("failed to open package for checksum: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("failed to read package for checksum: %w", err)
	}
	actual := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(actual, expected) {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", expected, actual)
	}
	return nil
}

// extractPackage extracts a zip or gzipped-tar archive to destDir,
// rejecting entries that would escape destDir via path traversal.
func extractPackage(packagePath, destDir string) error {
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return fmt.Errorf("failed to create extraction dir: %w", err)
	}

	if strings.HasSuffix(strings.ToLower(packagePath), ".zip") {
		return extractZip(packagePath, destDir)
	}
	return extractTarGz(packagePath, destDir)
}

func extractZip(packagePath, destDir string) error {
	r, err := zip.OpenReader(packagePath)
	if err != nil {
		return fmt.Errorf("failed to open zip archive: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		target, err := safeJoin(destDir, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o750); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return err
		}
		if err := extractZipEntry(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractZipEntry(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open zip entry %q: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode())
	if err != nil {
		return fmt.Errorf("failed to create extracted file %q: %w", target, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("failed to write extracted file %q: %w", target, err)
	}
	return nil
}

func extractTarGz(packagePath, destDir string) error {
	f, err := os.Open(packagePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar entry: %w", err)
		}
		target, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o750); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("failed to create extracted file %q: %w", target, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("failed to write extracted file %q: %w", target, err)
			}
			out.Close()
		}
	}
}

func safeJoin(destDir, name string) (string, error) {
	target := filepath.Join(destDir, name)
	if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) && target != filepath.Clean(destDir) {
		return "", fmt.Errorf("archive entry %q escapes extraction directory", name)
	}
	return target, nil
}

// binaryNames returns the (agent, updater) executable names for the
// current platform. Go binaries are always "frozen" — there is no
// interpreted-script mode to distinguish, unlike the source agent.
func binaryNames() (agent, updater string) {
	if runtime.GOOS == "windows" {
		return "agent.exe", "updater.exe"
	}
	return "agent", "updater"
}

// findExecutable looks for name first in the given conventional
// subdirectories of searchDir, then directly in searchDir, then via a
// full recursive walk. Returns "" if not found anywhere.
func findExecutable(searchDir, name string, subdirs []string) string {
	for _, sub := range subdirs {
		candidate := filepath.Join(searchDir, sub, name)
		if isFile(candidate) {
			return candidate
		}
	}
	direct := filepath.Join(searchDir, name)
	if isFile(direct) {
		return direct
	}

	var found string
	filepath.WalkDir(searchDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || found != "" {
			return nil
		}
		if !d.IsDir() && d.Name() == name {
			found = path
		}
		return nil
	})
	return found
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// resolveUpdater decides which updater binary to launch, per spec.md
// §4.8 step 6: if both a new and current updater are resolvable, move
// the new one over the current one (self-replace) with a retry loop;
// fall back to whichever of the two is available if replacement fails
// or only one is present.
func (e *Engine) resolveUpdater(newUpdaterExe, updaterName string) (string, error) {
	switch {
	case newUpdaterExe != "" && e.currentUpdaterExe != "":
		if !e.setState(PhaseUpdatingReplacingUpdater) {
			return e.currentUpdaterExe, nil
		}
		if err := moveWithRetry(newUpdaterExe, e.currentUpdaterExe, 3, time.Second); err != nil {
			e.logger.Warn("failed to replace current updater, will launch the existing one",
				zap.Error(err), zap.String("current_updater", e.currentUpdaterExe))
		} else {
			e.logger.Info("replaced current updater with the new one", zap.String("path", e.currentUpdaterExe))
		}
		return e.currentUpdaterExe, nil

	case e.currentUpdaterExe != "":
		return e.currentUpdaterExe, nil

	case newUpdaterExe != "":
		e.logger.Warn("current updater not found, launching the new updater directly from the extraction directory")
		return newUpdaterExe, nil

	default:
		return "", fmt.Errorf("could not find any updater (%s) — neither current nor in the package", updaterName)
	}
}

// moveWithRetry renames src to dst, retrying up to maxRetries times
// with delay between attempts (the destination may be transiently
// locked by a running process).
func moveWithRetry(src, dst string, maxRetries int, delay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
			return err
		}
		os.Remove(dst)
		if err := os.Rename(src, dst); err != nil {
			lastErr = err
			if attempt < maxRetries-1 {
				time.Sleep(delay)
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("failed to move %q to %q after %d attempts: %w", src, dst, maxRetries, lastErr)
}

// launchUpdater spawns updaterPath as a detached process so it outlives
// this one, passing the arguments the external updater contract
// requires (see spec.md §4.8).
func (e *Engine) launchUpdater(updaterPath, newAgentExe, currentAgentExe string) error {
	args := []string{
		"--pid", fmt.Sprintf("%d", os.Getpid()),
		"--new_agent", newAgentExe,
		"--current_agent", currentAgentExe,
		"--storage_dir", filepath.Dir(e.updatesDir),
	}

	cmd := exec.Command(updaterPath, args...)
	detachProcess(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to launch updater %q: %w", updaterPath, err)
	}
	e.logger.Info("launched updater", zap.String("path", updaterPath), zap.Strings("args", args))
	return nil
}

func (e *Engine) fail(ctx context.Context, errorType, message string, details map[string]any, packagePath, extractDir string) {
	e.logger.Error("update failed", zap.String("error_type", errorType), zap.String("message", message))
	if e.reporter != nil {
		e.reporter.ReportError(ctx, errorType, message, details, "")
	}
	e.cleanup(packagePath, extractDir)
	e.setState(PhaseIdle)
}

func (e *Engine) cleanup(packagePath, extractDir string) {
	if packagePath != "" {
		if err := os.Remove(packagePath); err != nil && !os.IsNotExist(err) {
			e.logger.Warn("failed to clean up package file", zap.String("path", packagePath), zap.Error(err))
		}
	}
	if extractDir != "" {
		if err := os.RemoveAll(extractDir); err != nil {
			e.logger.Warn("failed to clean up extraction directory", zap.String("path", extractDir), zap.Error(err))
		}
	}
}
