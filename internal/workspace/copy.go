package workspace

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
)

// copyWorkers bounds the number of concurrent file copies.
const copyWorkers = 8

// copyTree recursively copies src into dst. Directories and symlinks are
// created on the walking goroutine; file contents are copied on a bounded
// worker pool so large trees don't serialize on a single stream.
func copyTree(ctx context.Context, src, dst string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(copyWorkers)

	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
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
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("read symlink %s: %w", path, err)
			}
			return os.Symlink(link, target)
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case d.Type().IsRegular():
			g.Go(func() error {
				return copyFile(path, target, info.Mode().Perm())
			})
			return nil
		default:
			// Sockets, devices and the like are skipped.
			return nil
		}
	})
	if err != nil {
		_ = g.Wait()
		return err
	}
	return g.Wait()
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", dst, err)
	}
	return out.Close()
}
