package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ErrNoIdentity is returned when a session has not been logged in.
var ErrNoIdentity = errors.New("no identity stored for session")

// Identity is the authenticated user of a session, as issued by the service's
// login flow.
type Identity struct {
	UserID int64  `toml:"user_id"`
	Token  string `toml:"session_id"`
}

// Valid reports whether both fields are set.
func (id Identity) Valid() bool {
	return id.UserID > 0 && id.Token != ""
}

// IdentityPath returns the identity file of a session.
func IdentityPath(name string) string {
	return filepath.Join(Dir(name), "identity.toml")
}

// LoadIdentity reads the identity stored at path.
func LoadIdentity(path string) (Identity, error) {
	var id Identity
	if _, err := toml.DecodeFile(path, &id); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Identity{}, ErrNoIdentity
		}
		return Identity{}, fmt.Errorf("read identity: %w", err)
	}
	if !id.Valid() {
		return Identity{}, ErrNoIdentity
	}
	return id, nil
}

// SaveIdentity writes id to path with owner-only permissions.
func SaveIdentity(path string, id Identity) error {
	if !id.Valid() {
		return fmt.Errorf("invalid identity: user_id and session_id are required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(id)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// ClearIdentity removes the identity file. A missing file is not an error.
func ClearIdentity(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
