// Package identity persists the single piece of local state this client
// keeps: the display name chosen at onboarding. A saved name skips
// onboarding on the next start and pre-fills the identity used for all
// locally authored messages.
package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const storageKey = "ffpair_username"

type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Load returns the saved display name, or empty when none was ever saved.
func (s *Store) Load() (string, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, storageKey))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read display name: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

func (s *Store) Save(name string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, storageKey), []byte(name), 0o600); err != nil {
		return fmt.Errorf("write display name: %w", err)
	}
	return nil
}
