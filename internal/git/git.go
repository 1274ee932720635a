package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// ErrNoCommits is returned by Head when the repository has no commits yet.
	ErrNoCommits = errors.New("repository has no commits")
	// ErrNonFastForward is returned by PullFastForward when the local branch
	// cannot be fast-forwarded to the remote tip.
	ErrNonFastForward = errors.New("non-fast-forward update")
)

// Backend kinds accepted by New.
const (
	KindShell = "shell"
	KindGoGit = "go-git"
)

// Backend provides the VCS operations needed to mirror a single branch into
// one working directory.
type Backend interface {
	// IsRepository reports whether the working directory holds VCS metadata
	IsRepository() bool
	// Clone clones url at branch into the working directory. depth 0 means full history.
	Clone(ctx context.Context, url, branch string, depth int) error
	// SetOrigin points the origin remote at url, creating it when missing
	SetOrigin(ctx context.Context, url string) error
	// Fetch updates the remote tracking ref origin/<branch>
	Fetch(ctx context.Context, branch string, depth int, force bool) error
	// Checkout switches the working copy to the local branch, creating it from
	// origin/<branch> when missing
	Checkout(ctx context.Context, branch string) error
	// PullFastForward fast-forwards the local branch to origin/<branch>
	PullFastForward(ctx context.Context, branch string) error
	// ResetHard resets the current branch, index and working tree to ref
	ResetHard(ctx context.Context, ref string) error
	// DiffNameStatus returns the name-status diff between two revisions
	DiffNameStatus(ctx context.Context, before, after string) ([]DiffRecord, error)
	// ListTree returns all tracked file paths at ref
	ListTree(ctx context.Context, ref string) ([]string, error)
	// Head returns the commit hash HEAD points to
	Head(ctx context.Context) (string, error)
}

// DiffRecord is one line of a name-status diff. Status uses git's letters
// (A, M, D, R<score>, C<score>, T, ...). NewPath is only set for renames and copies.
type DiffRecord struct {
	Status  string
	Path    string
	NewPath string
}

// Options configures a Backend
type Options struct {
	// InsecureSkipTLS disables TLS certificate verification for remote operations
	InsecureSkipTLS bool
}

// New returns the backend of the given kind bound to dir
func New(kind, dir string, opts Options) (Backend, error) {
	switch kind {
	case "", KindShell:
		return NewShellBackend(dir, opts), nil
	case KindGoGit:
		return NewGoGitBackend(dir, opts), nil
	default:
		return nil, fmt.Errorf("unknown git backend %q (must be %s or %s)", kind, KindShell, KindGoGit)
	}
}

// RemoteRef returns the remote tracking ref name for branch
func RemoteRef(branch string) string {
	return "origin/" + branch
}

// AuthURL embeds token into an HTTPS remote URL. Other URLs and empty tokens
// return url unchanged.
func AuthURL(url, token string) string {
	if token == "" || !strings.HasPrefix(url, "https://") {
		return url
	}
	rest := strings.TrimPrefix(url, "https://")
	// drop existing userinfo so the token is the only credential
	if at := strings.Index(rest, "@"); at >= 0 && at < strings.Index(rest+"/", "/") {
		rest = rest[at+1:]
	}
	return "https://" + token + "@" + rest
}

var credentialPattern = regexp.MustCompile(`(https?://)[^/@\s]+@`)

// Redact masks credentials embedded in URLs within s
func Redact(s string) string {
	return credentialPattern.ReplaceAllString(s, "${1}***@")
}

// hasGitDir reports whether dir contains a .git entry
func hasGitDir(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil
}
