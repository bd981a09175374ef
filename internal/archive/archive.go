// Package archive moves finished review reports and fix checkpoints out of
// the working set into dated archive directories.
package archive

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jywlabs/conclave/internal/template"
)

// Dir is the archive root inside the conclave directory.
const Dir = "archive"

// Create moves every saved report and local checkpoint session from
// conclaveDir into conclaveDir/archive/<date>-<name>/ and returns that path.
// Configuration and standards are never touched.
func Create(conclaveDir, name string, now time.Time, w io.Writer) (string, error) {
	name = Slug(name)
	if name == "" {
		return "", fmt.Errorf("archive name is empty")
	}

	archiveDir := resolveCollision(filepath.Join(conclaveDir, Dir, now.Format("2006-01-02")+"-"+name))
	moved := 0

	reports, _ := filepath.Glob(filepath.Join(conclaveDir, template.ReportsDir, "*.json"))
	for _, src := range reports {
		rel := filepath.Join(template.ReportsDir, filepath.Base(src))
		if err := moveInto(archiveDir, rel, src); err != nil {
			return "", err
		}
		fmt.Fprintf(w, "  archived %s\n", filepath.ToSlash(rel))
		moved++
	}

	checkpoints := filepath.Join(conclaveDir, template.CheckpointDir)
	sessions, _ := os.ReadDir(checkpoints)
	for _, s := range sessions {
		if !s.IsDir() {
			continue
		}
		n, err := moveTree(archiveDir, conclaveDir, filepath.Join(checkpoints, s.Name()))
		if err != nil {
			return "", err
		}
		if n > 0 {
			fmt.Fprintf(w, "  archived %s/%s (%d checkpoints)\n", template.CheckpointDir, s.Name(), n)
			moved += n
		}
	}

	if moved == 0 {
		os.Remove(archiveDir)
		return "", fmt.Errorf("nothing to archive: no reports or checkpoints found")
	}

	fmt.Fprintf(w, "  archived to %s\n", filepath.Base(archiveDir))
	return archiveDir, nil
}

// List returns the archive directory names, oldest first.
func List(conclaveDir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(conclaveDir, Dir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Slug turns a branch or free-form name into a directory-safe name.
func Slug(name string) string {
	name = strings.TrimPrefix(strings.TrimSpace(name), "conclave/")
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// moveTree moves every file under root into archiveDir, keeping its path
// relative to base, and removes root afterwards.
func moveTree(archiveDir, base, root string) (int, error) {
	n := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		if err := moveInto(archiveDir, rel, path); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, err
	}
	return n, os.RemoveAll(root)
}

func moveInto(archiveDir, rel, src string) error {
	dst := filepath.Join(archiveDir, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}
	if err := moveFile(src, dst); err != nil {
		return fmt.Errorf("failed to move %s: %w", filepath.ToSlash(rel), err)
	}
	return nil
}

// resolveCollision appends -2, -3, etc. if the directory already exists.
func resolveCollision(dir string) string {
	if !dirExists(dir) {
		return dir
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d", dir, i)
		if !dirExists(candidate) {
			return candidate
		}
	}
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
