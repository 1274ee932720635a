package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// GitRemote is a throwaway non-bare repository on branch main that tests
// clone from and push commits into.
type GitRemote struct {
	t   *testing.T
	Dir string
}

// NewGitRemote initializes an empty repository in a temp directory
func NewGitRemote(t *testing.T) *GitRemote {
	t.Helper()
	r := &GitRemote{t: t, Dir: t.TempDir()}
	r.Git("init", "-b", "main")
	r.Git("config", "user.email", "test@test.com")
	r.Git("config", "user.name", "Test")
	return r
}

// Git runs git inside the repository and returns its combined output
func (r *GitRemote) Git(args ...string) string {
	r.t.Helper()
	out, err := exec.Command("git", append([]string{"-C", r.Dir}, args...)...).CombinedOutput()
	require.NoError(r.t, err, "git %v: %s", args, out)
	return string(out)
}

// Write creates or replaces name without committing it
func (r *GitRemote) Write(name, content string) {
	r.t.Helper()
	full := filepath.Join(r.Dir, name)
	require.NoError(r.t, os.MkdirAll(filepath.Dir(full), 0755))
	require.NoError(r.t, os.WriteFile(full, []byte(content), 0644))
}

// Commit writes files and commits every pending change
func (r *GitRemote) Commit(msg string, files map[string]string) string {
	r.t.Helper()
	for name, content := range files {
		r.Write(name, content)
	}
	r.Git("add", "-A")
	r.Git("commit", "-q", "-m", msg)
	return r.Head()
}

// Head returns the commit hash of HEAD
func (r *GitRemote) Head() string {
	r.t.Helper()
	return strings.TrimSpace(r.Git("rev-parse", "HEAD"))
}
