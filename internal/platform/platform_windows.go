//go:build windows

package platform

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	winio "github.com/Microsoft/go-winio"
	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
)

const autostartValueName = "CMSAgent"

type windowsOps struct{}

func newOps() Ops { return windowsOps{} }

func (windowsOps) IsAdmin() bool {
	var sid *windows.SID
	err := windows.AllocateAndInitializeSid(
		&windows.SECURITY_NT_AUTHORITY,
		2,
		windows.SECURITY_BUILTIN_DOMAIN_RID,
		windows.DOMAIN_ALIAS_RID_ADMINS,
		0, 0, 0, 0, 0, 0,
		&sid,
	)
	if err != nil {
		return false
	}
	defer windows.FreeSid(sid)

	token := windows.Token(0)
	member, err := token.IsMember(sid)
	if err != nil {
		return false
	}
	return member
}

func (windowsOps) StorageRoot(appName string, admin bool) (string, error) {
	var base string
	if admin {
		base = os.Getenv("PROGRAMDATA")
		if base == "" {
			base = `C:\ProgramData`
		}
	} else {
		base = os.Getenv("LOCALAPPDATA")
		if base == "" {
			base = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Local")
		}
	}
	root := filepath.Join(base, appName)
	for _, sub := range []string{"", "logs", "error_reports", "updates", "config"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o700); err != nil {
			return "", fmt.Errorf("platform: creating storage subdir %q: %w", sub, err)
		}
	}
	if admin {
		if err := grantSystemFullControl(root); err != nil {
			return "", fmt.Errorf("platform: granting SYSTEM access to storage root: %w", err)
		}
	}
	return root, nil
}

func grantSystemFullControl(path string) error {
	sd, err := windows.SecurityDescriptorFromString("D:PAI(A;OICI;FA;;;SY)(A;OICI;FA;;;BA)")
	if err != nil {
		return err
	}
	dacl, _, err := sd.DACL()
	if err != nil {
		return err
	}
	return windows.SetNamedSecurityInfo(
		path,
		windows.SE_FILE_OBJECT,
		windows.DACL_SECURITY_INFORMATION|windows.PROTECTED_DACL_SECURITY_INFORMATION,
		nil, nil, dacl, nil,
	)
}

func (windowsOps) HideFile(path string) error {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return err
	}
	attrs, err := windows.GetFileAttributes(p)
	if err != nil {
		return fmt.Errorf("platform: stat attributes: %w", err)
	}
	return windows.SetFileAttributes(p, attrs|windows.FILE_ATTRIBUTE_HIDDEN)
}

func (windowsOps) TryLockFile(f *os.File) error {
	ol := new(windows.Overlapped)
	err := windows.LockFileEx(
		windows.Handle(f.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0, 1, 0, ol,
	)
	if err != nil {
		return ErrLockHeld
	}
	return nil
}

func (windowsOps) UnlockFile(f *os.File) error {
	ol := new(windows.Overlapped)
	return windows.UnlockFileEx(windows.Handle(f.Fd()), 0, 1, 0, ol)
}

func (windowsOps) IsProcessAlive(pid int) bool {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)

	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == 259 // STILL_ACTIVE
}

func (windowsOps) CurrentUserSID() (string, error) {
	token := windows.GetCurrentProcessToken()
	tokenUser, err := token.GetTokenUser()
	if err != nil {
		return "", fmt.Errorf("platform: reading current user SID: %w", err)
	}
	sid := tokenUser.User.Sid
	return sid.String(), nil
}

func (windowsOps) PipeName(admin bool, userSID string) string {
	if admin {
		return `\\.\pipe\CMSAgentIPC_System`
	}
	return `\\.\pipe\CMSAgentIPC_User_` + userSID
}

func (windowsOps) IPCListen(name string, admin bool) (net.Listener, error) {
	sddl := "D:P(A;;GA;;;WD)"
	if admin {
		sddl = "D:P(A;;GA;;;SY)(A;;GA;;;BA)"
	} else if sid, err := (windowsOps{}).CurrentUserSID(); err == nil {
		sddl = fmt.Sprintf("D:P(A;;GA;;;%s)", sid)
	}
	cfg := &winio.PipeConfig{
		SecurityDescriptor: sddl,
		MessageMode:        true,
		InputBufferSize:    4096,
		OutputBufferSize:   4096,
	}
	return winio.ListenPipe(name, cfg)
}

func (windowsOps) IPCDial(name string, timeout time.Duration) (net.Conn, error) {
	return winio.DialPipe(name, &timeout)
}

func (windowsOps) EnableAutostart(exePath string, args []string) error {
	k, _, err := registry.CreateKey(registry.CURRENT_USER, `Software\Microsoft\Windows\CurrentVersion\Run`, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("platform: opening autostart registry key: %w", err)
	}
	defer k.Close()

	cmd := exePath
	for _, a := range args {
		cmd += " " + a
	}
	if err := k.SetStringValue(autostartValueName, cmd); err != nil {
		return fmt.Errorf("platform: writing autostart registry value: %w", err)
	}
	return nil
}

func (windowsOps) DisableAutostart() error {
	k, err := registry.OpenKey(registry.CURRENT_USER, `Software\Microsoft\Windows\CurrentVersion\Run`, registry.SET_VALUE)
	if err != nil {
		if err == registry.ErrNotExist {
			return nil
		}
		return fmt.Errorf("platform: opening autostart registry key: %w", err)
	}
	defer k.Close()

	if err := k.DeleteValue(autostartValueName); err != nil && err != registry.ErrNotExist {
		return fmt.Errorf("platform: removing autostart registry value: %w", err)
	}
	return nil
}
