// Package checkpoint persists fix session state (plans, rounds, results) so
// a crashed session can be inspected or reloaded.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Store saves named payloads per session. Saving the same name again
// replaces the previous payload.
type Store interface {
	// Save stores payload and returns a locator describing where it went.
	Save(ctx context.Context, sessionID, name string, payload []byte) (string, error)
	// Load returns the payload, or nil and no error when there is none.
	Load(ctx context.Context, sessionID, name string) ([]byte, error)
}

// ErrInvalidName is returned for session ids or names that are empty or
// contain path separators.
var ErrInvalidName = errors.New("invalid checkpoint name")

func validate(sessionID, name string) error {
	for _, s := range []string{sessionID, name} {
		if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
			return fmt.Errorf("%w: %q", ErrInvalidName, s)
		}
	}
	return nil
}

// FileStore keeps checkpoints as JSON files under Root/<session>/<name>.json.
type FileStore struct {
	Root string
}

// NewFileStore returns a FileStore rooted at root.
func NewFileStore(root string) *FileStore {
	return &FileStore{Root: root}
}

func (s *FileStore) path(sessionID, name string) string {
	return filepath.Join(s.Root, sessionID, name+".json")
}

// Save writes the payload atomically.
func (s *FileStore) Save(_ context.Context, sessionID, name string, payload []byte) (string, error) {
	if err := validate(sessionID, name); err != nil {
		return "", err
	}
	path := s.path(sessionID, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return "", fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return path, nil
}

// Load reads a checkpoint file.
func (s *FileStore) Load(_ context.Context, sessionID, name string) ([]byte, error) {
	if err := validate(sessionID, name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(sessionID, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return data, nil
}

// Fallback writes to a local and a remote store and reads local first.
// Remote failures are logged, never returned, so an unreachable database
// does not stop a session.
type Fallback struct {
	Local  Store
	Remote Store
	Logger *slog.Logger
}

// Save stores the payload in both stores and returns the local locator.
func (f *Fallback) Save(ctx context.Context, sessionID, name string, payload []byte) (string, error) {
	locator, err := f.Local.Save(ctx, sessionID, name, payload)
	if err != nil {
		return "", err
	}
	if f.Remote != nil {
		if _, rerr := f.Remote.Save(ctx, sessionID, name, payload); rerr != nil {
			f.logger().WarnContext(ctx, "remote checkpoint save failed", "session_id", sessionID, "name", name, "error", rerr)
		}
	}
	return locator, nil
}

// Load returns the local payload, falling back to the remote store when the
// local one is missing or unreadable.
func (f *Fallback) Load(ctx context.Context, sessionID, name string) ([]byte, error) {
	data, err := f.Local.Load(ctx, sessionID, name)
	if err == nil && data != nil {
		return data, nil
	}
	if f.Remote == nil {
		return data, err
	}
	if err != nil {
		f.logger().WarnContext(ctx, "local checkpoint unreadable, trying remote", "session_id", sessionID, "name", name, "error", err)
	}
	remote, rerr := f.Remote.Load(ctx, sessionID, name)
	if rerr != nil {
		if err != nil {
			return nil, errors.Join(err, rerr)
		}
		return nil, rerr
	}
	return remote, nil
}

func (f *Fallback) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}
