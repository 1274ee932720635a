// Package repo owns the local working copy of the synchronized branch.
//
// A diverged remote (for example a force-pushed or rebased branch) is never
// treated as an error: the local branch is hard-reset to the remote tip and
// any local drift is discarded.
package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/schaermu/confsyncd/internal/changeset"
	"github.com/schaermu/confsyncd/internal/git"
)

// InvalidLocalStateError reports a working directory that exists, is not
// empty and holds no repository.
type InvalidLocalStateError struct {
	Dir    string
	Reason string
}

func (e *InvalidLocalStateError) Error() string {
	return fmt.Sprintf("invalid local state in %s: %s", e.Dir, e.Reason)
}

// RemoteSyncError wraps a failed VCS operation. Op is one of clone, origin,
// fetch, checkout, pull, reset, head or diff.
type RemoteSyncError struct {
	Op  string
	Err error
}

func (e *RemoteSyncError) Error() string {
	return fmt.Sprintf("repository %s failed: %v", e.Op, e.Err)
}

func (e *RemoteSyncError) Unwrap() error { return e.Err }

// SyncResult describes what one Sync call changed. InitialSync is true when
// there was no previous revision; Changes then lists every tracked file as added.
type SyncResult struct {
	Before      string
	After       string
	Branch      string
	Changes     []changeset.FileChange
	InitialSync bool
}

// Options configures a Handle
type Options struct {
	URL    string
	Branch string
	// Depth limits clone and fetch history. 0 fetches everything.
	Depth int
	// Token is embedded into HTTPS remote URLs
	Token string
}

// Handle manages one working copy through a git backend
type Handle struct {
	dir       string
	opts      Options
	backend   git.Backend
	collector *changeset.Collector
	logger    *slog.Logger
}

// New creates a handle for the working copy at dir
func New(dir string, opts Options, backend git.Backend, logger *slog.Logger) *Handle {
	return &Handle{
		dir:       dir,
		opts:      opts,
		backend:   backend,
		collector: changeset.NewCollector(backend),
		logger:    logger,
	}
}

// Dir returns the working copy directory
func (h *Handle) Dir() string {
	return h.dir
}

// Ensure makes sure a working copy exists, cloning it when the directory is
// absent or empty. An existing copy gets its origin URL refreshed so a rotated
// token takes effect. It reports whether a clone happened.
func (h *Handle) Ensure(ctx context.Context) (bool, error) {
	if h.backend.IsRepository() {
		if err := h.backend.SetOrigin(ctx, git.AuthURL(h.opts.URL, h.opts.Token)); err != nil {
			return false, &RemoteSyncError{Op: "origin", Err: err}
		}
		return false, nil
	}

	entries, err := os.ReadDir(h.dir)
	switch {
	case err == nil && len(entries) > 0:
		return false, &InvalidLocalStateError{Dir: h.dir, Reason: "directory is not empty and is not a git repository"}
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return false, &InvalidLocalStateError{Dir: h.dir, Reason: err.Error()}
	}

	h.logger.Info("cloning repository", "url", git.Redact(h.opts.URL), "branch", h.opts.Branch, "depth", h.opts.Depth)
	if err := h.backend.Clone(ctx, git.AuthURL(h.opts.URL, h.opts.Token), h.opts.Branch, h.opts.Depth); err != nil {
		return false, &RemoteSyncError{Op: "clone", Err: err}
	}
	return true, nil
}

// Sync brings the working copy to the remote branch tip and reports the changes
func (h *Handle) Sync(ctx context.Context) (*SyncResult, error) {
	cloned, err := h.Ensure(ctx)
	if err != nil {
		return nil, err
	}

	before := ""
	if !cloned {
		if before, err = h.head(ctx); err != nil {
			return nil, err
		}
	}

	branch := h.opts.Branch
	if err := h.backend.Fetch(ctx, branch, h.opts.Depth, false); err != nil {
		return nil, &RemoteSyncError{Op: "fetch", Err: err}
	}
	if err := h.backend.Checkout(ctx, branch); err != nil {
		return nil, &RemoteSyncError{Op: "checkout", Err: err}
	}
	if err := h.backend.PullFastForward(ctx, branch); err != nil {
		if !errors.Is(err, git.ErrNonFastForward) {
			return nil, &RemoteSyncError{Op: "pull", Err: err}
		}
		h.logger.Warn("remote history diverged, resetting to remote tip", "branch", branch, "error", err)
		if err := h.backend.Fetch(ctx, branch, h.opts.Depth, true); err != nil {
			return nil, &RemoteSyncError{Op: "fetch", Err: err}
		}
		if err := h.backend.ResetHard(ctx, git.RemoteRef(branch)); err != nil {
			return nil, &RemoteSyncError{Op: "reset", Err: err}
		}
	}

	after, err := h.head(ctx)
	if err != nil {
		return nil, err
	}

	result := &SyncResult{
		Before:      before,
		After:       after,
		Branch:      branch,
		InitialSync: before == "" && after != "",
	}

	if result.InitialSync {
		files, err := h.backend.ListTree(ctx, after)
		if err != nil {
			return nil, &RemoteSyncError{Op: "diff", Err: err}
		}
		result.Changes = changeset.AllAdded(files)
		return result, nil
	}

	result.Changes, err = h.collector.Collect(ctx, before, after)
	if err != nil {
		return nil, &RemoteSyncError{Op: "diff", Err: err}
	}
	return result, nil
}

// head returns HEAD or "" for a repository without commits
func (h *Handle) head(ctx context.Context) (string, error) {
	rev, err := h.backend.Head(ctx)
	if errors.Is(err, git.ErrNoCommits) {
		return "", nil
	}
	if err != nil {
		return "", &RemoteSyncError{Op: "head", Err: err}
	}
	return rev, nil
}
