package stage

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// copyTree copies src to dst recursively, preserving file modes and
// relative symlinks. dst must not exist. Git metadata is left behind:
// the store and published zones hold course content only, never repo
// history or remote credentials.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Name() == ".git" {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			// Sockets, devices and the like have no business in a
			// course tree.
			return fmt.Errorf("unsupported file type %s at %s", info.Mode(), rel)
		}
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// swapIn atomically replaces dst with newDir. The previous dst is renamed
// aside first and removed only after the new tree is in place, so a
// reader sees either the old tree or the new one, never a partial copy.
func swapIn(newDir, dst string) error {
	old := dst + ".old"
	// Leftover from an interrupted earlier swap.
	if err := os.RemoveAll(old); err != nil {
		return err
	}

	replaced := false
	if _, err := os.Lstat(dst); err == nil {
		if err := os.Rename(dst, old); err != nil {
			return err
		}
		replaced = true
	} else if !os.IsNotExist(err) {
		return err
	}

	if err := os.Rename(newDir, dst); err != nil {
		if replaced {
			// Best effort: put the old tree back.
			_ = os.Rename(old, dst)
		}
		return err
	}
	return os.RemoveAll(old)
}
