// Package platform isolates every OS-specific surface the agent touches —
// lock-file byte-range locking, IPC transport naming and ACLs, hidden-file
// attributes, and autostart registration — behind a single interface so
// that the rest of the core never imports a platform primitive directly.
package platform

import (
	"errors"
	"net"
	"os"
	"time"
)

// ErrLockHeld is returned by TryLockFile when another process already
// holds the byte-range lock on the file.
var ErrLockHeld = errors.New("platform: lock is held by another process")

// Ops is the set of platform-specific operations the core depends on.
// Exactly one implementation is linked in per build target, selected by
// file-name build tags (platform_windows.go / platform_other.go).
type Ops interface {
	// IsAdmin reports whether the current process runs with elevated
	// (administrator / root) privileges.
	IsAdmin() bool

	// StorageRoot returns the per-install data directory: the all-users
	// location when admin is true, otherwise the current user's local
	// data directory. The directory (and its standard subdirectories) is
	// created if absent.
	StorageRoot(appName string, admin bool) (string, error)

	// HideFile marks path as hidden using the platform's native
	// convention (FILE_ATTRIBUTE_HIDDEN on Windows). It is a no-op
	// elsewhere: the file is not renamed and stays visible.
	HideFile(path string) error

	// TryLockFile attempts a non-blocking exclusive lock on f: a
	// byte-range lock on its first byte on Windows, a whole-file flock on
	// POSIX. Returns ErrLockHeld if another process holds it.
	TryLockFile(f *os.File) error

	// UnlockFile releases a lock acquired with TryLockFile.
	UnlockFile(f *os.File) error

	// IsProcessAlive reports whether pid names a live, running process.
	IsProcessAlive(pid int) bool

	// CurrentUserSID returns a stable string identifier for the running
	// user, used to scope the per-user IPC endpoint name. On platforms
	// without SIDs this returns the numeric UID.
	CurrentUserSID() (string, error)

	// PipeName returns the deterministic IPC endpoint name for the given
	// scope. admin selects the all-users "_System" endpoint; otherwise
	// userSID scopes a per-user endpoint.
	PipeName(admin bool, userSID string) string

	// IPCListen opens the platform IPC endpoint identified by name,
	// restricting access to the owning principal (SYSTEM + Administrators
	// when admin, the current user otherwise), inheritance disabled. On
	// POSIX the socket is mode 0600, or 0660 (owner and group) when admin.
	IPCListen(name string, admin bool) (net.Listener, error)

	// IPCDial connects to an existing IPC endpoint, failing fast if it
	// does not exist or the dial does not complete within timeout.
	IPCDial(name string, timeout time.Duration) (net.Conn, error)

	// EnableAutostart registers exePath (with args) to launch at system
	// boot / user logon, using the platform's native mechanism.
	EnableAutostart(exePath string, args []string) error

	// DisableAutostart removes a registration made by EnableAutostart.
	DisableAutostart() error
}

// Current is the Ops implementation selected for this build target.
var Current Ops = newOps()
