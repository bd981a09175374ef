package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
)

// moveFile renames src to dst, copying across devices when rename cannot.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	var linkErr *os.LinkError
	if err == nil || !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return err
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("remove source: %w", err)
	}
	return nil
}

// copyFile copies src to dst with the same mode. A partial dst is removed.
func copyFile(src, dst string) (err error) {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	defer func() {
		if err != nil {
			os.Remove(dst)
		}
	}()

	if _, err = io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy data: %w", err)
	}
	if err = out.Close(); err != nil {
		return fmt.Errorf("close destination: %w", err)
	}
	return nil
}
