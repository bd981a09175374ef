package archive

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMoveFile(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, dir string) (src, dst string)
		wantErr bool
	}{
		{
			name: "same-device move succeeds",
			setup: func(t *testing.T, dir string) (string, string) {
				src := filepath.Join(dir, "source.json")
				if err := os.WriteFile(src, []byte("hello"), 0644); err != nil {
					t.Fatal(err)
				}
				return src, filepath.Join(dir, "dest.json")
			},
		},
		{
			name: "missing destination directory",
			setup: func(t *testing.T, dir string) (string, string) {
				src := filepath.Join(dir, "source.json")
				if err := os.WriteFile(src, []byte("data"), 0644); err != nil {
					t.Fatal(err)
				}
				return src, filepath.Join(dir, "no-such-dir", "dest.json")
			},
			wantErr: true,
		},
		{
			name: "missing source",
			setup: func(t *testing.T, dir string) (string, string) {
				return filepath.Join(dir, "nope.json"), filepath.Join(dir, "dest.json")
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			src, dst := tt.setup(t, dir)

			err := moveFile(src, dst)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if _, err := os.Stat(src); !os.IsNotExist(err) {
				t.Error("source should not exist after move")
			}
			if data, err := os.ReadFile(dst); err != nil || string(data) != "hello" {
				t.Errorf("destination = %q, %v", data, err)
			}
		})
	}
}

func TestCopyFile_PreservesMode(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "run.sh")
	dst := filepath.Join(dir, "copy.sh")
	if err := os.WriteFile(src, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}

	if err := copyFile(src, dst); err != nil {
		t.Fatalf("copyFile() error = %v", err)
	}
	info, err := os.Stat(dst)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0755 {
		t.Errorf("mode = %o, want 755", info.Mode().Perm())
	}
	if _, err := os.Stat(src); err != nil {
		t.Error("copyFile should leave the source in place")
	}
}
