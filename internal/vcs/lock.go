package vcs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrLocked is returned when another session holds the working tree.
var ErrLocked = errors.New("working tree is locked by another conclave session")

// Lock marks a working tree as owned by one fix session.
type Lock struct {
	path string
}

// AcquireLock creates lockName inside the repository's .git directory. It
// fails with ErrLocked when the file already exists.
func AcquireLock(repoDir, lockName string) (*Lock, error) {
	gitDir := filepath.Join(repoDir, ".git")
	if info, err := os.Stat(gitDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%s is not a git repository root", repoDir)
	}

	path := filepath.Join(gitDir, lockName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w (%s)", ErrLocked, describeLock(path))
		}
		return nil, fmt.Errorf("failed to create lock: %w", err)
	}
	defer f.Close()

	fmt.Fprintf(f, "%d\n%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	return &Lock{path: path}, nil
}

// Release removes the lock. Releasing twice is harmless.
func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

func describeLock(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return path
	}
	lines := strings.SplitN(strings.TrimSpace(string(data)), "\n", 2)
	if pid, err := strconv.Atoi(lines[0]); err == nil && len(lines) == 2 {
		return fmt.Sprintf("pid %d since %s", pid, lines[1])
	}
	return path
}
