package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"github.com/ternarybob/arbor"
)

// Credential is one platform login
type Credential struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// String never includes the password
func (c Credential) String() string {
	return fmt.Sprintf("Credential{Username: %s, Password: [redacted]}", c.Username)
}

// credentialFile is the on-disk shape of one user's credentials
type credentialFile struct {
	UserID    string                `toml:"user_id"`
	Platforms map[string]Credential `toml:"platforms"`
}

// CredentialStore holds platform logins per user, loaded from TOML files
type CredentialStore struct {
	mu    sync.RWMutex
	users map[string]map[string]Credential
}

// NewCredentialStore creates an empty store
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{users: make(map[string]map[string]Credential)}
}

// Set stores a credential for (user, platform)
func (s *CredentialStore) Set(userID, platform string, credential Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.users[userID] == nil {
		s.users[userID] = make(map[string]Credential)
	}
	s.users[userID][strings.ToLower(platform)] = credential
}

// Lookup returns the credential for (user, platform)
func (s *CredentialStore) Lookup(userID, platform string) (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	credential, ok := s.users[userID][strings.ToLower(platform)]
	return credential, ok
}

// LoadCredentialsFromFiles reads every .toml file in dir into a store.
// A missing directory yields an empty store.
func LoadCredentialsFromFiles(dir string, logger arbor.ILogger) (*CredentialStore, error) {
	store := NewCredentialStore()

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug().Str("dir", dir).Msg("Credentials directory does not exist, skipping")
		return store, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials directory: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".toml" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to read credentials file")
			continue
		}

		var file credentialFile
		if err := toml.Unmarshal(data, &file); err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to parse credentials file")
			continue
		}
		if file.UserID == "" {
			file.UserID = strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		}

		for platform, credential := range file.Platforms {
			store.Set(file.UserID, platform, credential)
			loaded++
		}
	}

	logger.Info().Str("dir", dir).Int("credentials", loaded).Msg("Platform credentials loaded")
	return store, nil
}
