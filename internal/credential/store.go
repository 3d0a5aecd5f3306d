// Package credential persists the runner authentication token on local disk.
//
// The store performs no validation of token content. Concurrent access from
// several processes is not coordinated; the last writer wins.
package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// FileName is the credential file name inside the config directory.
const FileName = "runner-token.json"

// Credential is an opaque bearer token plus optional expiry metadata.
type Credential struct {
	Token     string     `json:"token"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	ServerURL string     `json:"server_url,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Expired reports whether the credential carries an expiry that has passed.
func (c *Credential) Expired(now time.Time) bool {
	if c == nil || c.ExpiresAt == nil {
		return false
	}
	return !now.Before(*c.ExpiresAt)
}

// Store reads and writes a single credential file.
type Store struct {
	path string
}

// DefaultDir returns the per-user configuration directory (~/.config/hatchway).
func DefaultDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "hatchway"), nil
}

// NewStore creates a store at the default per-user location.
func NewStore() (*Store, error) {
	dir, err := DefaultDir()
	if err != nil {
		return nil, err
	}
	return NewStoreAt(filepath.Join(dir, FileName)), nil
}

// NewStoreAt creates a store backed by the given file path.
func NewStoreAt(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Load returns the stored credential, or nil with a nil error when no
// credential has been saved.
func (s *Store) Load() (*Credential, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credential: %w", err)
	}

	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("decode credential %s: %w", s.path, err)
	}
	if cred.Token == "" {
		return nil, nil
	}
	return &cred, nil
}

// Save writes the credential, replacing any previous one atomically.
func (s *Store) Save(cred *Credential) error {
	if cred == nil {
		return errors.New("credential is nil")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".runner-token-*")
	if err != nil {
		return fmt.Errorf("write credential: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write credential: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write credential: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write credential: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write credential: %w", err)
	}
	return nil
}

// Clear removes the stored credential. Clearing an absent credential succeeds.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove credential: %w", err)
	}
	return nil
}

// Exists reports whether a credential file is present.
func (s *Store) Exists() bool {
	cred, err := s.Load()
	return err == nil && cred != nil
}
