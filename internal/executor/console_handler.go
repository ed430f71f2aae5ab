package executor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/cmsagent/agent/internal/docker"
)

// ConsoleHandler runs a command through the host shell, capturing stdout
// and stderr separately and imposing the executor's configured timeout
// via ctx. Exit code conventions follow the original console handler:
// 124 on timeout, 127 on executable-not-found, 126 on permission
// denied, and the process's own exit code otherwise.
type ConsoleHandler struct {
	// Encoding names the configured console encoding (utf-8 or cp1252).
	// Output is captured and exposed as Go strings (UTF-8 internally);
	// no byte-level transcoding is performed, matching what the host
	// shell itself already normalizes to on both platforms in practice.
	Encoding string

	// Docker resolves "docker-volume://<name>" references in a command
	// payload to their host mountpoint before the shell sees them. May
	// be nil, in which case such references are left untouched.
	Docker *docker.Client
}

// Execute implements Handler.
func (h *ConsoleHandler) Execute(ctx context.Context, id, payload string) (bool, map[string]any) {
	command := h.resolveDockerVolumes(ctx, payload)

	cmd := buildShellCmd(ctx, command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	hideConsoleWindow(cmd)

	err := cmd.Run()

	result := map[string]any{
		"stdout": strings.TrimSpace(stdout.String()),
		"stderr": strings.TrimSpace(stderr.String()),
	}

	switch {
	case err == nil:
		result["exitCode"] = 0
		return true, result

	case ctx.Err() != nil:
		result["exitCode"] = 124
		if s, _ := result["stderr"].(string); s == "" {
			result["stderr"] = "command timed out before completing"
		}
		return false, result

	default:
		exitCode := classifyExitCode(err)
		result["exitCode"] = exitCode
		return exitCode == 0, result
	}
}

// classifyExitCode maps a command error to the original's exit-code
// taxonomy: executable-not-found -> 127, permission-denied -> 126,
// generic OS error -> 1, subprocess non-zero exit -> its own code.
func classifyExitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		if errors.Is(pathErr.Err, os.ErrNotExist) {
			return 127
		}
		if errors.Is(pathErr.Err, os.ErrPermission) {
			return 126
		}
	}

	var execErr *exec.Error
	if errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound) {
		return 127
	}

	return 1
}

// resolveDockerVolumes replaces every "docker-volume://<name>" reference
// in payload with the volume's host mountpoint. Unresolvable references
// (Docker unavailable, volume not found) are left as-is; the shell will
// then report its own not-found error, which is the documented fallback.
func (h *ConsoleHandler) resolveDockerVolumes(ctx context.Context, payload string) string {
	const prefix = "docker-volume://"
	if h.Docker == nil || !strings.Contains(payload, prefix) {
		return payload
	}

	result := payload
	searchFrom := 0
	for {
		idx := strings.Index(result[searchFrom:], prefix)
		if idx == -1 {
			break
		}
		idx += searchFrom
		rest := result[idx+len(prefix):]
		end := strings.IndexAny(rest, " \t\"'")
		name := rest
		if end != -1 {
			name = rest[:end]
		}
		ref := prefix + name
		info, err := h.Docker.InspectVolume(ctx, name)
		if err != nil || info.Mountpoint == "" {
			// Leave unresolved and keep scanning after it.
			searchFrom = idx + len(ref)
			continue
		}
		result = result[:idx] + info.Mountpoint + result[idx+len(ref):]
		searchFrom = idx + len(info.Mountpoint)
	}
	return result
}

func buildShellCmd(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", command)
	}
	return exec.CommandContext(ctx, "/bin/sh", "-c", command)
}

