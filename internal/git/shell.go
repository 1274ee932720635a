package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// ShellBackend implements Backend by shelling out to the git command
type ShellBackend struct {
	dir  string
	opts Options
}

// NewShellBackend creates a backend that runs git against dir
func NewShellBackend(dir string, opts Options) *ShellBackend {
	return &ShellBackend{dir: dir, opts: opts}
}

// IsRepository reports whether dir contains a .git entry
func (b *ShellBackend) IsRepository() bool {
	return hasGitDir(b.dir)
}

// Clone clones a single branch of url into the working directory
func (b *ShellBackend) Clone(ctx context.Context, url, branch string, depth int) error {
	if err := os.MkdirAll(filepath.Dir(b.dir), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	args := []string{"clone", "--branch", branch, "--single-branch"}
	if depth > 0 {
		args = append(args, "--depth", strconv.Itoa(depth))
	}
	args = append(args, url, b.dir)

	if _, err := b.run(ctx, "", args...); err != nil {
		return fmt.Errorf("git clone failed: %w", err)
	}
	return nil
}

// SetOrigin rewrites the origin URL, adding the remote when it does not exist
func (b *ShellBackend) SetOrigin(ctx context.Context, url string) error {
	current, err := b.run(ctx, b.dir, "remote", "get-url", "origin")
	if err != nil {
		if _, err := b.run(ctx, b.dir, "remote", "add", "origin", url); err != nil {
			return fmt.Errorf("git remote add failed: %w", err)
		}
		return nil
	}
	if strings.TrimSpace(string(current)) == url {
		return nil
	}
	if _, err := b.run(ctx, b.dir, "remote", "set-url", "origin", url); err != nil {
		return fmt.Errorf("git remote set-url failed: %w", err)
	}
	return nil
}

// Fetch updates origin/<branch>. The tracking ref is always force-updated;
// force additionally passes --force for rewritten histories.
func (b *ShellBackend) Fetch(ctx context.Context, branch string, depth int, force bool) error {
	args := []string{"fetch"}
	if depth > 0 {
		args = append(args, "--depth", strconv.Itoa(depth))
	}
	if force {
		args = append(args, "--force")
	}
	args = append(args, "origin", fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", branch, branch))

	if _, err := b.run(ctx, b.dir, args...); err != nil {
		return fmt.Errorf("git fetch failed: %w", err)
	}
	return nil
}

// Checkout switches to branch, letting git create it from origin/<branch> if
// needed. Local modifications to tracked files are discarded.
func (b *ShellBackend) Checkout(ctx context.Context, branch string) error {
	if _, err := b.run(ctx, b.dir, "checkout", "--force", branch); err != nil {
		return fmt.Errorf("git checkout failed for branch %q: %w", branch, err)
	}
	return nil
}

// PullFastForward merges the already fetched origin/<branch> fast-forward only.
// Any refusal is reported as ErrNonFastForward.
func (b *ShellBackend) PullFastForward(ctx context.Context, branch string) error {
	if _, err := b.run(ctx, b.dir, "merge", "--ff-only", "refs/remotes/"+RemoteRef(branch)); err != nil {
		return fmt.Errorf("%w: %v", ErrNonFastForward, err)
	}
	return nil
}

// ResetHard resets the current branch to ref
func (b *ShellBackend) ResetHard(ctx context.Context, ref string) error {
	if _, err := b.run(ctx, b.dir, "reset", "--hard", ref); err != nil {
		return fmt.Errorf("git reset failed: %w", err)
	}
	return nil
}

// DiffNameStatus runs git diff --name-status with rename detection between two revisions
func (b *ShellBackend) DiffNameStatus(ctx context.Context, before, after string) ([]DiffRecord, error) {
	out, err := b.run(ctx, b.dir, "diff", "--name-status", "-M", "-z", before, after)
	if err != nil {
		return nil, fmt.Errorf("git diff failed: %w", err)
	}
	return parseNameStatus(out)
}

// ListTree lists every tracked file at ref
func (b *ShellBackend) ListTree(ctx context.Context, ref string) ([]string, error) {
	out, err := b.run(ctx, b.dir, "ls-tree", "-r", "-z", "--name-only", ref)
	if err != nil {
		return nil, fmt.Errorf("git ls-tree failed: %w", err)
	}
	var files []string
	for _, name := range strings.Split(string(out), "\x00") {
		if name != "" {
			files = append(files, name)
		}
	}
	return files, nil
}

// Head returns the commit hash of HEAD, or ErrNoCommits on an unborn branch
func (b *ShellBackend) Head(ctx context.Context) (string, error) {
	out, err := b.run(ctx, b.dir, "rev-parse", "--verify", "--quiet", "HEAD^{commit}")
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", ErrNoCommits
		}
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// run executes git with the given arguments. When dir is set the command runs
// with -C dir. stdout is returned; stderr is attached to the error.
func (b *ShellBackend) run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	var flags []string
	if b.opts.InsecureSkipTLS {
		flags = append(flags, "-c", "http.sslVerify=false")
	}
	if dir != "" {
		flags = append(flags, "-C", dir)
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Args = insertGitFlags(cmd.Args, flags...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, &commandError{err: err, stderr: Redact(strings.TrimSpace(stderr.String()))}
	}
	return stdout.Bytes(), nil
}

// commandError keeps the exit error reachable through errors.As
type commandError struct {
	err    error
	stderr string
}

func (e *commandError) Error() string {
	if e.stderr == "" {
		return e.err.Error()
	}
	return fmt.Sprintf("%v: %s", e.err, e.stderr)
}

func (e *commandError) Unwrap() error { return e.err }

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "clone", "fetch").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// parseNameStatus parses NUL-separated `git diff --name-status -z` output.
// Renames and copies carry two paths, everything else one.
func parseNameStatus(out []byte) ([]DiffRecord, error) {
	fields := strings.Split(string(out), "\x00")
	var records []DiffRecord
	for i := 0; i < len(fields); {
		status := fields[i]
		if status == "" {
			i++
			continue
		}
		if i+1 >= len(fields) || fields[i+1] == "" {
			return nil, fmt.Errorf("malformed name-status output near %q", status)
		}
		rec := DiffRecord{Status: status, Path: fields[i+1]}
		i += 2
		if status[0] == 'R' || status[0] == 'C' {
			if i >= len(fields) || fields[i] == "" {
				return nil, fmt.Errorf("missing destination path for %s %q", status, rec.Path)
			}
			rec.NewPath = fields[i]
			i++
		}
		records = append(records, rec)
	}
	return records, nil
}
