// Package singleton enforces one running agent per host via an OS-level
// exclusive lock combined with a liveness record, so a crashed owner's
// lock can be detected as stale and taken over.
package singleton

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cmsagent/agent/internal/platform"
)

// StaleTimeout is the default heartbeat age beyond which a lock is
// considered abandoned.
const StaleTimeout = 120 * time.Second

// Result is the outcome of Acquire.
type Result int

const (
	Acquired Result = iota
	HeldByLiveProcess
	HeldByStaleProcessTakenOver
)

func (r Result) String() string {
	switch r {
	case Acquired:
		return "acquired"
	case HeldByLiveProcess:
		return "held_by_live_process"
	case HeldByStaleProcessTakenOver:
		return "held_by_stale_process_taken_over"
	default:
		return "unknown"
	}
}

// Guard implements SingletonGuard.
type Guard struct {
	path              string
	staleTimeout      time.Duration
	heartbeatInterval time.Duration
	logger            *zap.Logger

	mu   sync.Mutex
	file *os.File

	stop chan struct{}
	wg   sync.WaitGroup
}

// New returns a Guard for the lock file at lockPath. staleTimeout <= 0
// uses StaleTimeout.
func New(lockPath string, staleTimeout time.Duration, logger *zap.Logger) *Guard {
	if staleTimeout <= 0 {
		staleTimeout = StaleTimeout
	}
	heartbeat := staleTimeout / 2
	if heartbeat < 15*time.Second {
		heartbeat = 15 * time.Second
	}
	return &Guard{
		path:              lockPath,
		staleTimeout:      staleTimeout,
		heartbeatInterval: heartbeat,
		logger:            logger,
	}
}

// Acquire attempts to take ownership of the lock file.
func (g *Guard) Acquire() (Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	f, err := os.OpenFile(g.path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err == nil {
		if lockErr := platform.Current.TryLockFile(f); lockErr != nil {
			f.Close()
			g.logger.Warn("lock file is actively held by another process", zap.String("path", g.path))
			return HeldByLiveProcess, nil
		}
		return g.takeOwnership(f)
	}
	if !os.IsExist(err) {
		return 0, fmt.Errorf("singleton: creating lock file: %w", err)
	}

	// File already exists: attempt the byte-range lock on it directly.
	existing, err := os.OpenFile(g.path, os.O_RDWR, 0o600)
	if err != nil {
		return 0, fmt.Errorf("singleton: opening existing lock file: %w", err)
	}

	if lockErr := platform.Current.TryLockFile(existing); lockErr != nil {
		existing.Close()
		g.logger.Warn("lock file is actively held by another process", zap.String("path", g.path))
		return HeldByLiveProcess, nil
	}

	// We hold the byte-range lock on a pre-existing file: its previous
	// owner either crashed without releasing, or never held the lock at
	// all. Validate staleness before declaring a takeover.
	pid, heartbeat, readErr := readLockContent(existing)
	stale := readErr != nil || g.isStale(pid, heartbeat)
	if !stale {
		// The record is fresh but somehow unlocked (e.g. a lock
		// implementation that doesn't hold across a narrow race) — treat
		// conservatively as live-held rather than take over.
		platform.Current.UnlockFile(existing)
		existing.Close()
		g.logger.Warn("lock file held by running process", zap.Int("pid", pid))
		return HeldByLiveProcess, nil
	}

	result, err := g.takeOwnership(existing)
	if err != nil {
		return 0, err
	}
	if result == Acquired {
		result = HeldByStaleProcessTakenOver
	}
	return result, nil
}

// isStale reports whether a lock record should be considered abandoned.
func (g *Guard) isStale(pid int, heartbeat time.Time) bool {
	if !platform.Current.IsProcessAlive(pid) {
		return true
	}
	return time.Since(heartbeat) > g.staleTimeout
}

// takeOwnership writes our own record to f, starts the heartbeat task,
// and stores f as the held handle. Caller holds g.mu.
func (g *Guard) takeOwnership(f *os.File) (Result, error) {
	if err := writeLockContent(f, os.Getpid(), time.Now()); err != nil {
		f.Close()
		return 0, fmt.Errorf("singleton: writing lock record: %w", err)
	}

	g.file = f
	g.stop = make(chan struct{})
	g.wg.Add(1)
	go g.heartbeatLoop()

	return Acquired, nil
}

// heartbeatLoop refreshes the lock record's timestamp at
// heartbeatInterval cadence, writing through the held handle; the lock
// taken in Acquire stays held throughout, so no extra lock call is made.
func (g *Guard) heartbeatLoop() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.mu.Lock()
			f := g.file
			g.mu.Unlock()
			if f == nil {
				return
			}
			if err := writeLockContent(f, os.Getpid(), time.Now()); err != nil {
				g.logger.Warn("failed to refresh lock heartbeat", zap.Error(err))
			}
		}
	}
}

// Release closes the handle (implicitly releasing the OS lock) and
// deletes the lock file. Safe to call multiple times.
func (g *Guard) Release() error {
	g.mu.Lock()
	f := g.file
	stop := g.stop
	g.file = nil
	g.stop = nil
	g.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	g.wg.Wait()

	if f == nil {
		return nil
	}
	platform.Current.UnlockFile(f)
	if err := f.Close(); err != nil {
		return fmt.Errorf("singleton: closing lock file: %w", err)
	}
	if err := os.Remove(g.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("singleton: removing lock file: %w", err)
	}
	return nil
}

// readLockContent parses the "pid|ISO-timestamp" content written by
// writeLockContent.
func readLockContent(f *os.File) (int, time.Time, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return 0, time.Time{}, err
	}
	buf := make([]byte, 256)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return 0, time.Time{}, err
	}
	parts := strings.SplitN(strings.TrimSpace(string(buf[:n])), "|", 2)
	if len(parts) != 2 {
		return 0, time.Time{}, fmt.Errorf("singleton: malformed lock record %q", string(buf[:n]))
	}
	pid, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("singleton: malformed pid in lock record: %w", err)
	}
	ts, err := time.Parse(time.RFC3339, parts[1])
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("singleton: malformed timestamp in lock record: %w", err)
	}
	return pid, ts, nil
}

func writeLockContent(f *os.File, pid int, heartbeat time.Time) error {
	content := fmt.Sprintf("%d|%s", pid, heartbeat.UTC().Format(time.RFC3339))
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	if _, err := f.WriteString(content); err != nil {
		return err
	}
	return f.Sync()
}
