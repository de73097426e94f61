package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// refreshScriptName is the project script re-run by Refresh.
const refreshScriptName = "refresh"

// Refresh re-applies <branchdir>/refresh inside the container with
// root and network. Callers must do this before any build task to
// pick up newly installed build deps.
func (c *Container) Refresh(ctx context.Context) error {
	aportsdir, err := c.Aportsdir()
	if err != nil {
		return err
	}

	script := filepath.Join(aportsdir, c.Branch, refreshScriptName)
	if _, err := os.Stat(script); os.IsNotExist(err) {
		return nil
	}

	rc, err := c.Run(ctx, []string{filepath.Join("/af/aports", c.Branch, refreshScriptName)}, RunOptions{
		Root:    true,
		Network: true,
	})
	if err != nil {
		return fmt.Errorf("sandbox: running refresh: %w", err)
	}
	if rc != 0 {
		return fmt.Errorf("sandbox: refresh script exited %d", rc)
	}
	return nil
}

// RefreshSkeleton implements rootd.Executor. The root daemon refreshes
// build deps before dispatching any whitelisted command, so it is the
// same operation as Refresh.
func (c *Container) RefreshSkeleton(ctx context.Context) error {
	return c.Refresh(ctx)
}

// copyTree recursively overlays src onto dst, creating directories as
// needed and overwriting existing files.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		}

		if d.Type()&os.ModeSymlink != 0 {
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			os.Remove(target)
			return os.Symlink(link, target)
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
		if err != nil {
			return err
		}
		defer out.Close()

		_, err = io.Copy(out, in)
		return err
	})
}
