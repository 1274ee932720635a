// Package deploy applies change sets from the working copy to the target directory.
//
// Changes are applied one at a time in order and the first failure stops the
// batch. Changes applied before the failure are not rolled back, so after a
// failed run the target directory can be partially updated. The next
// successful run of a later commit only re-applies what that commit changes.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/schaermu/confsyncd/internal/changeset"
	"github.com/schaermu/confsyncd/internal/format"
	"github.com/schaermu/confsyncd/internal/pathguard"
)

// Error reports a change that could not be applied
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("failed to deploy %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Deployer copies files from a repository checkout into a target directory
type Deployer struct {
	repoDir   string
	targetDir string
	logger    *slog.Logger
}

// New creates a deployer
func New(repoDir, targetDir string, logger *slog.Logger) *Deployer {
	return &Deployer{repoDir: repoDir, targetDir: targetDir, logger: logger}
}

// Deploy applies changes in order. Cancellation is only observed between changes.
func (d *Deployer) Deploy(ctx context.Context, changes []changeset.FileChange) error {
	if len(changes) == 0 {
		return nil
	}
	if err := os.MkdirAll(d.targetDir, 0755); err != nil {
		return &Error{Path: d.targetDir, Err: fmt.Errorf("failed to create target directory: %w", err)}
	}

	for _, change := range changes {
		if err := ctx.Err(); err != nil {
			return &Error{Path: change.Path, Err: err}
		}
		if err := d.apply(change); err != nil {
			return &Error{Path: change.Path, Err: err}
		}
	}
	return nil
}

func (d *Deployer) apply(change changeset.FileChange) error {
	switch change.Kind {
	case changeset.Added, changeset.Modified:
		return d.copyChange(change.Path, "")
	case changeset.Renamed:
		return d.copyChange(change.Path, change.PreviousPath)
	case changeset.Deleted:
		dst, err := d.destination(change.Path)
		if err != nil {
			return err
		}
		return d.remove(dst)
	default:
		d.logger.Warn("skipping change with unknown kind", "kind", change.Kind, "path", change.Path)
		return nil
	}
}

// copyChange guards and validates rel before touching the target directory.
// When previous is set the old destination is removed before the copy, and
// also when the source is missing.
func (d *Deployer) copyChange(rel, previous string) error {
	src, err := pathguard.Join(d.repoDir, rel)
	if err != nil {
		return err
	}
	dst, err := d.destination(rel)
	if err != nil {
		return err
	}
	var oldDst string
	if previous != "" {
		if oldDst, err = d.destination(previous); err != nil {
			return err
		}
	}

	info, err := os.Stat(src)
	if errors.Is(err, os.ErrNotExist) {
		d.logger.Warn("source file missing from working copy, skipping", "path", rel)
		return d.removePrevious(previous, oldDst, dst)
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("source %s is a directory", rel)
	}

	if err := format.Validate(src); err != nil {
		return err
	}

	if err := d.removePrevious(previous, oldDst, dst); err != nil {
		return err
	}

	d.logger.Info("deploying file", "path", rel)
	return copyFile(src, dst, info)
}

// removePrevious deletes the old destination of a rename
func (d *Deployer) removePrevious(previous, oldDst, dst string) error {
	if oldDst == "" || oldDst == dst {
		return nil
	}
	d.logger.Info("removing renamed file", "path", previous)
	return d.remove(oldDst)
}

// destination guards rel below the target directory and refuses the root itself
func (d *Deployer) destination(rel string) (string, error) {
	dst, err := pathguard.Join(d.targetDir, rel)
	if err != nil {
		return "", err
	}
	root, err := pathguard.ContainedWithin(d.targetDir, d.targetDir)
	if err != nil {
		return "", err
	}
	if dst == root {
		return "", fmt.Errorf("refusing to replace target directory %s", d.targetDir)
	}
	return dst, nil
}

func (d *Deployer) remove(dst string) error {
	err := os.Remove(dst)
	if err == nil {
		d.logger.Info("removed file", "dest", dst)
		return nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// copyFile writes src to dst through a temp file in the destination directory
// and renames it into place, keeping the source mode and modification time.
func copyFile(src, dst string, info os.FileInfo) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".confsyncd-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := io.Copy(tmpFile, srcFile); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(info.Mode().Perm()); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Chtimes(tmpPath, info.ModTime(), info.ModTime()); err != nil {
		return err
	}

	return os.Rename(tmpPath, dst)
}
