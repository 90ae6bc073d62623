// Package storage persists gateway accounts to a local JSON file.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// StorageVersion is the on-disk schema version
const StorageVersion = 1

// StoredAccount is one account as written to the credential file
type StoredAccount struct {
	Email            string           `json:"email"`
	Tier             string           `json:"tier"`
	RefreshToken     string           `json:"refreshToken"`
	ProjectID        string           `json:"projectId"`
	ManagedProjectID string           `json:"managedProjectId,omitempty"`
	AccessToken      string           `json:"accessToken"`
	ExpiresAt        int64            `json:"expiresAt"`
	RateLimits       map[string]int64 `json:"rateLimits"`
}

// AccountStorage is the top-level credential file structure
type AccountStorage struct {
	Version     int             `json:"version"`
	Accounts    []StoredAccount `json:"accounts"`
	ActiveIndex int             `json:"activeIndex"`
}

// Store reads and writes the credential file. There is no cross-process
// locking; concurrent writers are last-writer-wins.
type Store struct {
	path string
}

// NewStore creates a Store for the given file path
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the credential file location
func (s *Store) Path() string {
	return s.path
}

// Load reads the credential file. A missing or unparseable file yields
// (nil, nil): both are treated as "no stored accounts".
func (s *Store) Load() (*AccountStorage, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read credential file: %w", err)
	}

	var storage AccountStorage
	if err := json.Unmarshal(data, &storage); err != nil {
		return nil, nil
	}
	if !isValidStorage(&storage) {
		return nil, nil
	}
	return &storage, nil
}

// Save writes the credential file atomically: write a temp file, then rename
// over the target. A failed rename removes the temp file so a crash mid-write
// never corrupts the store.
func (s *Store) Save(storage *AccountStorage) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}

	data, err := json.MarshalIndent(storage, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credential file: %w", err)
	}

	tempPath := fmt.Sprintf("%s.tmp.%d.%d", s.path, os.Getpid(), time.Now().UnixMilli())
	if err := os.WriteFile(tempPath, data, 0o600); err != nil {
		return fmt.Errorf("write temp credential file: %w", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("replace credential file: %w", err)
	}
	return nil
}

func isValidStorage(storage *AccountStorage) bool {
	if storage.Version == 0 {
		return false
	}
	if storage.Accounts == nil {
		return false
	}
	if storage.ActiveIndex < 0 {
		return false
	}
	return true
}

// TokenParts is the composite refresh-token triple carried per account
type TokenParts struct {
	RefreshToken     string
	ProjectID        string
	ManagedProjectID string
}

// ParseCompositeToken splits a "refreshToken|projectId|managedProjectId"
// string. Missing segments come back empty.
func ParseCompositeToken(stored string) TokenParts {
	parts := strings.SplitN(stored, "|", 3)
	result := TokenParts{RefreshToken: parts[0]}
	if len(parts) > 1 {
		result.ProjectID = parts[1]
	}
	if len(parts) > 2 {
		result.ManagedProjectID = parts[2]
	}
	return result
}

// FormatCompositeToken joins the token triple into its storage form
func FormatCompositeToken(parts TokenParts) string {
	return fmt.Sprintf("%s|%s|%s", parts.RefreshToken, parts.ProjectID, parts.ManagedProjectID)
}

// JoinCompositeTokens joins multiple composite tokens with the multi-account
// separator used in the host credential record.
func JoinCompositeTokens(tokens []string) string {
	return strings.Join(tokens, "|||")
}

// SplitCompositeTokens is the inverse of JoinCompositeTokens
func SplitCompositeTokens(joined string) []string {
	if joined == "" {
		return nil
	}
	return strings.Split(joined, "|||")
}
