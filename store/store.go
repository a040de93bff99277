// Package store persists per-session credential state as one directory per
// session id under a root. Directory presence at startup is the sole signal
// used by the restore scan.
package store

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/whatsgate-project/whatsgate/types"
)

const credsFile = "creds.json"

// Credentials is the durable authentication state for one session.
// Material is opaque to the gateway; only the protocol layer interprets it.
type Credentials struct {
	Registered bool            `json:"registered"`
	Me         *types.User     `json:"me,omitempty"`
	Material   json.RawMessage `json:"material,omitempty"`
}

// Store reads and writes credential directories. Safe for concurrent use
// across different session ids; same-id serialization is the caller's job.
type Store struct {
	root string
}

// New creates a Store rooted at dir, creating it if needed.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, types.NewStoreError(types.ErrCodeStoreWrite, "", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) dir(id string) string {
	return filepath.Join(s.root, id)
}

// Load reads a session's credentials. A missing directory yields fresh
// unregistered credentials and creates the directory, mirroring first use.
// Unreadable or corrupt state yields a StoreError.
func (s *Store) Load(id string) (*Credentials, error) {
	path := filepath.Join(s.dir(id), credsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if mkErr := os.MkdirAll(s.dir(id), 0o700); mkErr != nil {
				return nil, types.NewStoreError(types.ErrCodeStoreWrite, id, mkErr)
			}
			return &Credentials{}, nil
		}
		return nil, types.NewStoreError(types.ErrCodeStoreRead, id, err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, types.NewStoreError(types.ErrCodeStoreCorrupt, id, err)
	}
	return &creds, nil
}

// Save writes a session's credentials atomically (write temp then rename).
func (s *Store) Save(id string, creds *Credentials) error {
	if err := os.MkdirAll(s.dir(id), 0o700); err != nil {
		return types.NewStoreError(types.ErrCodeStoreWrite, id, err)
	}
	data, err := json.Marshal(creds)
	if err != nil {
		return types.NewStoreError(types.ErrCodeStoreWrite, id, err)
	}

	path := filepath.Join(s.dir(id), credsFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return types.NewStoreError(types.ErrCodeStoreWrite, id, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return types.NewStoreError(types.ErrCodeStoreWrite, id, err)
	}
	return nil
}

// Delete removes a session's credential directory. Removing an absent
// directory is a no-op, so deletion is idempotent.
func (s *Store) Delete(id string) error {
	if err := os.RemoveAll(s.dir(id)); err != nil {
		return types.NewStoreError(types.ErrCodeStoreDelete, id, err)
	}
	return nil
}

// Exists reports whether a credential directory is present for id.
func (s *Store) Exists(id string) bool {
	info, err := os.Stat(s.dir(id))
	return err == nil && info.IsDir()
}

// List returns the session ids that have a credential directory.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, types.NewStoreError(types.ErrCodeStoreRead, "", err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}
