package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

const (
	stagingDirPerms  = 0o700
	targetDirPerms   = 0o755
	stagingTmpPrefix = ".stagesync-"
)

// ErrPathEscape is returned when a resolved target path would land outside
// the target root.
var ErrPathEscape = errors.New("sync: target path escapes target root")

// ErrStagedMissing is returned when a record's staged file is gone at
// publish time.
var ErrStagedMissing = errors.New("sync: staged file missing")

// stageFile copies src into stagingDir under name, replacing any existing
// file. The copy lands in a hidden temp file first and is renamed into
// place, so a crash never leaves a truncated staged file under a real name.
// The staged file keeps the source mtime.
func stageFile(ctx context.Context, src, stagingDir, name string, mtime time.Time) error {
	if err := os.MkdirAll(stagingDir, stagingDirPerms); err != nil {
		return fmt.Errorf("sync: creating staging dir: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("sync: opening source %s: %w", src, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(stagingDir, stagingTmpPrefix+"*")
	if err != nil {
		return fmt.Errorf("sync: creating staging temp file: %w", err)
	}

	tmpPath := tmp.Name()

	if err := copyWithContext(ctx, tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpPath)

		return fmt.Errorf("sync: copying %s to staging: %w", src, err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("sync: closing staging temp file: %w", err)
	}

	if err := os.Chtimes(tmpPath, mtime, mtime); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("sync: setting staged mtime: %w", err)
	}

	if err := os.Rename(tmpPath, filepath.Join(stagingDir, name)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("sync: renaming staged file %s: %w", name, err)
	}

	return nil
}

// moveFile moves src to dst, replacing dst. Falls back to copy+remove when
// the rename crosses filesystems.
func moveFile(ctx context.Context, src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}

	if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("sync: moving %s to %s: %w", src, dst, err)
	}

	info, statErr := os.Stat(src)
	if statErr != nil {
		return fmt.Errorf("sync: stat %s: %w", src, statErr)
	}

	if err := stageFile(ctx, src, filepath.Dir(dst), filepath.Base(dst), info.ModTime()); err != nil {
		return err
	}

	if err := os.Remove(src); err != nil {
		return fmt.Errorf("sync: removing %s after cross-device copy: %w", src, err)
	}

	return nil
}

// copyWithContext copies src to dst, checking ctx between chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) error {
	const chunk = 1 << 20

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		_, err := io.CopyN(dst, src, chunk)
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return err
		}
	}
}

// publishName applies the configured suffix-stripping rule. A name that is
// nothing but the suffix is left alone.
func publishName(name, stripSuffix string) string {
	if stripSuffix == "" || len(name) <= len(stripSuffix) {
		return name
	}

	return strings.TrimSuffix(name, stripSuffix)
}

// resolveTargetPath joins root, the record's relative directory, and the
// published filename, and verifies the result is still inside root.
func resolveTargetPath(root, relDir, name string) (string, error) {
	cleanRoot := filepath.Clean(root)
	full := filepath.Join(cleanRoot, filepath.FromSlash(relDir), name)

	rel, err := filepath.Rel(cleanRoot, full)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrPathEscape, full, err)
	}

	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) ||
		filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, full)
	}

	return full, nil
}

// removeIfExists deletes path, treating a missing file as success.
func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	return nil
}

// pruneEmptyDirs removes empty directories from dir upward, stopping at
// (and never removing) root.
func pruneEmptyDirs(root, dir string) {
	root = filepath.Clean(root)

	for dir = filepath.Clean(dir); dir != root && strings.HasPrefix(dir, root+string(filepath.Separator)); dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			return
		}
	}
}
