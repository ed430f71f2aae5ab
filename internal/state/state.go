// Package state implements StateStore: the persisted device identity,
// room assignment, and session token, written via temp-file-plus-atomic-
// rename so a partially written document is never observable.
package state

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DeviceIdentity is the stable per-host identifier, generated once and
// persisted forever.
type DeviceIdentity struct {
	ID string `json:"device_id"`
}

// RoomAssignment is the room and position persisted by PutRoom. Nothing
// in the agent prompts for it: serverconnector.UserPrompter only asks for
// an MFA code, and GetRoom returns nil until PutRoom has been called.
type RoomAssignment struct {
	Room string `json:"room"`
	PosX int    `json:"pos_x"`
	PosY int    `json:"pos_y"`
}

// document is the single JSON document backing non-token state.
type document struct {
	DeviceID string          `json:"device_id"`
	Room     *RoomAssignment `json:"room,omitempty"`
}

// Store persists DeviceIdentity, RoomAssignment, and SessionToken.
type Store struct {
	mu          sync.Mutex
	path        string // agent_state.json
	storageRoot string
	logger      *zap.Logger
	creds       *CredentialStore

	doc document
}

// New creates a Store rooted at storageRoot, loading any existing
// agent_state.json document (or starting with an empty one).
func New(storageRoot, stateFilename string, logger *zap.Logger) (*Store, error) {
	s := &Store{
		path:        filepath.Join(storageRoot, stateFilename),
		storageRoot: storageRoot,
		logger:      logger,
		creds:       NewCredentialStore(storageRoot, logger),
	}

	raw, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
		// no prior state; doc stays zero-valued
	case err != nil:
		return nil, fmt.Errorf("state: reading %s: %w", s.path, err)
	default:
		if err := json.Unmarshal(raw, &s.doc); err != nil {
			return nil, fmt.Errorf("state: parsing %s: %w", s.path, err)
		}
	}
	return s, nil
}

// EnsureDeviceIdentity returns the persisted DeviceIdentity, generating
// and persisting one if absent.
func (s *Store) EnsureDeviceIdentity() (DeviceIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc.DeviceID != "" {
		return DeviceIdentity{ID: s.doc.DeviceID}, nil
	}

	id, err := generateDeviceID()
	if err != nil {
		return DeviceIdentity{}, fmt.Errorf("state: generating device identity: %w", err)
	}
	s.doc.DeviceID = id
	if err := s.saveLocked(); err != nil {
		s.logger.Error("CRITICAL: failed to persist device identity; cross-restart identity stability is compromised", zap.Error(err))
		return DeviceIdentity{}, err
	}
	return DeviceIdentity{ID: id}, nil
}

// generateDeviceID derives an identifier from (hostname, physical
// adapter id); falls back to (hostname, random-128-bit) if no usable
// adapter is found.
func generateDeviceID() (string, error) {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}

	if mac := firstUsableMAC(); mac != "" {
		return fmt.Sprintf("ANM-%s-%s", host, mac), nil
	}

	return fmt.Sprintf("ANM-%s-%s", host, uuid.NewString()), nil
}

// firstUsableMAC returns the colon-separated hex MAC of the first interface
// whose hardware address is non-empty and not all-zero; empty string if
// none qualifies.
func firstUsableMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		hw := iface.HardwareAddr
		if len(hw) == 0 || isAllZero(hw) {
			continue
		}
		return hw.String()
	}
	return ""
}

func isAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// GetRoom returns the persisted room assignment, or nil if none exists.
func (s *Store) GetRoom() *RoomAssignment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.Room == nil {
		return nil
	}
	room := *s.doc.Room
	return &room
}

// PutRoom persists a room assignment.
func (s *Store) PutRoom(room RoomAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Room = &room
	return s.saveLocked()
}

// saveLocked writes s.doc via temp-file-plus-atomic-rename. Caller must
// hold s.mu.
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshaling document: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".state-*")
	if err != nil {
		return fmt.Errorf("state: creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("state: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("state: syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("state: closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("state: renaming temp file into place: %w", err)
	}
	return nil
}

// PutToken persists token for device, preferring the OS credential
// store; on failure it falls back to a hidden file under the storage
// root, and removes any previously file-stored token once the
// credential store accepts it. The fallback file holds the token as
// plain JSON; it is not encrypted.
func (s *Store) PutToken(device DeviceIdentity, token string) error {
	if err := s.creds.Set(device.ID, token); err == nil {
		s.creds.removeFallbackFile(device.ID)
		return nil
	} else {
		s.logger.Warn("credential store unavailable, falling back to plaintext token file", zap.Error(err))
	}
	return s.creds.setFallbackFile(device.ID, token)
}

// LoadToken returns the persisted token for device, or "" if none is
// stored anywhere. Credential store is tried first; a file-stored token
// found while the credential store is available is migrated
// opportunistically.
func (s *Store) LoadToken(device DeviceIdentity) (string, error) {
	if tok, err := s.creds.Get(device.ID); err == nil && tok != "" {
		return tok, nil
	}

	tok, ok, err := s.creds.getFallbackFile(device.ID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}

	if setErr := s.creds.Set(device.ID, tok); setErr == nil {
		s.creds.removeFallbackFile(device.ID)
	}
	return tok, nil
}

// ErrorSpoolDir returns the directory where undelivered ErrorReports are
// spooled.
func (s *Store) ErrorSpoolDir() string {
	return filepath.Join(s.storageRoot, "error_reports")
}

// UpdatesDir returns the directory where update packages and extractions
// are staged.
func (s *Store) UpdatesDir() string {
	return filepath.Join(s.storageRoot, "updates")
}

