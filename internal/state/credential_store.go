package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zalando/go-keyring"
	"go.uber.org/zap"

	"github.com/cmsagent/agent/internal/platform"
)

// credentialService is the OS credential-store service name SessionTokens
// are keyed under, scoped per DeviceIdentity as the account name.
const credentialService = "CMSAgentSingletonMutex-equivalent"

const tokenFallbackFilename = "agent_token.json"

// CredentialStore wraps the OS credential store (via go-keyring) with a
// hidden-file fallback for hosts where it is unavailable (headless
// service accounts, missing keyring backends).
type CredentialStore struct {
	fallbackPath string
	logger       *zap.Logger
}

// NewCredentialStore returns a CredentialStore rooted at storageRoot.
func NewCredentialStore(storageRoot string, logger *zap.Logger) *CredentialStore {
	return &CredentialStore{
		fallbackPath: filepath.Join(storageRoot, tokenFallbackFilename),
		logger:       logger,
	}
}

// Set stores token in the OS credential store under deviceID.
func (c *CredentialStore) Set(deviceID, token string) error {
	if err := keyring.Set(credentialService, deviceID, token); err != nil {
		return fmt.Errorf("state: credential store set: %w", err)
	}
	return nil
}

// Get retrieves a token from the OS credential store. Returns "" and a
// keyring.ErrNotFound-wrapping error on miss.
func (c *CredentialStore) Get(deviceID string) (string, error) {
	tok, err := keyring.Get(credentialService, deviceID)
	if err != nil {
		return "", fmt.Errorf("state: credential store get: %w", err)
	}
	return tok, nil
}

// fallbackDocument is the JSON shape of the fallback token file, keyed
// by device id so a stale file from a previous identity is never
// mistakenly reused.
type fallbackDocument map[string]string

func (c *CredentialStore) setFallbackFile(deviceID, token string) error {
	doc := c.readFallbackDocument()
	doc[deviceID] = token

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshaling fallback token file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(c.fallbackPath), 0o700); err != nil {
		return fmt.Errorf("state: creating fallback token directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.fallbackPath), ".token-*")
	if err != nil {
		return fmt.Errorf("state: creating fallback token temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("state: writing fallback token temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("state: closing fallback token temp file: %w", err)
	}
	if err := os.Rename(tmpName, c.fallbackPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("state: renaming fallback token file into place: %w", err)
	}

	if err := platform.Current.HideFile(c.fallbackPath); err != nil {
		c.logger.Warn("failed to mark fallback token file hidden", zap.Error(err))
	}
	return nil
}

func (c *CredentialStore) getFallbackFile(deviceID string) (string, bool, error) {
	doc := c.readFallbackDocument()
	tok, ok := doc[deviceID]
	return tok, ok, nil
}

func (c *CredentialStore) removeFallbackFile(deviceID string) {
	doc := c.readFallbackDocument()
	if _, ok := doc[deviceID]; !ok {
		return
	}
	delete(doc, deviceID)

	if len(doc) == 0 {
		_ = os.Remove(c.fallbackPath)
		return
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(c.fallbackPath, data, 0o600)
}

func (c *CredentialStore) readFallbackDocument() fallbackDocument {
	raw, err := os.ReadFile(c.fallbackPath)
	if err != nil {
		return fallbackDocument{}
	}
	var doc fallbackDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fallbackDocument{}
	}
	if doc == nil {
		doc = fallbackDocument{}
	}
	return doc
}
