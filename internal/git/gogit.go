package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"
)

// GoGitBackend implements Backend in-process with go-git
type GoGitBackend struct {
	dir  string
	opts Options
}

// NewGoGitBackend creates a go-git backend bound to dir
func NewGoGitBackend(dir string, opts Options) *GoGitBackend {
	return &GoGitBackend{dir: dir, opts: opts}
}

// IsRepository reports whether dir contains a .git entry
func (b *GoGitBackend) IsRepository() bool {
	return hasGitDir(b.dir)
}

// Clone clones a single branch of url into the working directory
func (b *GoGitBackend) Clone(ctx context.Context, url, branch string, depth int) error {
	if err := os.MkdirAll(filepath.Dir(b.dir), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	_, err := gogit.PlainCloneContext(ctx, b.dir, false, &gogit.CloneOptions{
		URL:             url,
		ReferenceName:   plumbing.NewBranchReferenceName(branch),
		SingleBranch:    true,
		Depth:           depth,
		InsecureSkipTLS: b.opts.InsecureSkipTLS,
	})
	if err != nil {
		return fmt.Errorf("git clone failed: %s", Redact(err.Error()))
	}
	return nil
}

// SetOrigin replaces the origin remote when its URL differs from url
func (b *GoGitBackend) SetOrigin(ctx context.Context, url string) error {
	repo, err := b.open()
	if err != nil {
		return err
	}

	cfg := &config.RemoteConfig{Name: "origin", URLs: []string{url}}
	remote, err := repo.Remote("origin")
	switch {
	case errors.Is(err, gogit.ErrRemoteNotFound):
	case err != nil:
		return fmt.Errorf("failed to read origin: %w", err)
	default:
		urls := remote.Config().URLs
		if len(urls) == 1 && urls[0] == url {
			return nil
		}
		if err := repo.DeleteRemote("origin"); err != nil {
			return fmt.Errorf("failed to update origin: %w", err)
		}
	}
	if _, err := repo.CreateRemote(cfg); err != nil {
		return fmt.Errorf("failed to update origin: %w", err)
	}
	return nil
}

// Fetch updates refs/remotes/origin/<branch>
func (b *GoGitBackend) Fetch(ctx context.Context, branch string, depth int, force bool) error {
	repo, err := b.open()
	if err != nil {
		return err
	}

	spec := config.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", branch, branch))
	err = repo.FetchContext(ctx, &gogit.FetchOptions{
		RemoteName:      "origin",
		RefSpecs:        []config.RefSpec{spec},
		Depth:           depth,
		Force:           force,
		InsecureSkipTLS: b.opts.InsecureSkipTLS,
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return fmt.Errorf("git fetch failed: %s", Redact(err.Error()))
	}
	return nil
}

// Checkout switches to branch, creating it at origin/<branch> when it does not
// exist locally. Local modifications to tracked files are discarded.
func (b *GoGitBackend) Checkout(ctx context.Context, branch string) error {
	repo, err := b.open()
	if err != nil {
		return err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to open worktree: %w", err)
	}

	local := plumbing.NewBranchReferenceName(branch)
	opts := &gogit.CheckoutOptions{Branch: local, Force: true}
	if _, err := repo.Reference(local, true); errors.Is(err, plumbing.ErrReferenceNotFound) {
		remote, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", branch), true)
		if err != nil {
			return fmt.Errorf("git checkout failed for branch %q: %w", branch, err)
		}
		opts.Create = true
		opts.Hash = remote.Hash()
	} else if err != nil {
		return fmt.Errorf("git checkout failed for branch %q: %w", branch, err)
	}

	if err := wt.Checkout(opts); err != nil {
		return fmt.Errorf("git checkout failed for branch %q: %w", branch, err)
	}
	return nil
}

// PullFastForward moves the current branch to origin/<branch> when the local
// tip is an ancestor of it. Anything else is reported as ErrNonFastForward.
func (b *GoGitBackend) PullFastForward(ctx context.Context, branch string) error {
	repo, err := b.open()
	if err != nil {
		return err
	}

	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	remote, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", branch), true)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", RemoteRef(branch), err)
	}
	if head.Hash() == remote.Hash() {
		return nil
	}

	local, err := repo.CommitObject(head.Hash())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNonFastForward, err)
	}
	target, err := repo.CommitObject(remote.Hash())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNonFastForward, err)
	}
	ok, err := local.IsAncestor(target)
	if err != nil {
		// shallow histories can end before the common ancestor
		return fmt.Errorf("%w: %v", ErrNonFastForward, err)
	}
	if !ok {
		return ErrNonFastForward
	}

	return b.reset(repo, remote.Hash())
}

// ResetHard resets the current branch, index and working tree to ref
func (b *GoGitBackend) ResetHard(ctx context.Context, ref string) error {
	repo, err := b.open()
	if err != nil {
		return err
	}
	hash, err := repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return fmt.Errorf("git reset failed: cannot resolve %q: %w", ref, err)
	}
	return b.reset(repo, *hash)
}

// DiffNameStatus compares the trees of two commits with rename detection
func (b *GoGitBackend) DiffNameStatus(ctx context.Context, before, after string) ([]DiffRecord, error) {
	repo, err := b.open()
	if err != nil {
		return nil, err
	}
	from, err := commitTree(repo, before)
	if err != nil {
		return nil, err
	}
	to, err := commitTree(repo, after)
	if err != nil {
		return nil, err
	}

	changes, err := object.DiffTreeWithOptions(ctx, from, to, object.DefaultDiffTreeOptions)
	if err != nil {
		return nil, fmt.Errorf("git diff failed: %w", err)
	}

	records := make([]DiffRecord, 0, len(changes))
	for _, change := range changes {
		action, err := change.Action()
		if err != nil {
			return nil, fmt.Errorf("git diff failed: %w", err)
		}
		switch action {
		case merkletrie.Insert:
			records = append(records, DiffRecord{Status: "A", Path: change.To.Name})
		case merkletrie.Delete:
			records = append(records, DiffRecord{Status: "D", Path: change.From.Name})
		case merkletrie.Modify:
			if change.From.Name != change.To.Name {
				records = append(records, DiffRecord{Status: "R100", Path: change.From.Name, NewPath: change.To.Name})
			} else {
				records = append(records, DiffRecord{Status: "M", Path: change.To.Name})
			}
		}
	}
	return records, nil
}

// ListTree lists every file in the tree of ref
func (b *GoGitBackend) ListTree(ctx context.Context, ref string) ([]string, error) {
	repo, err := b.open()
	if err != nil {
		return nil, err
	}
	tree, err := commitTree(repo, ref)
	if err != nil {
		return nil, err
	}

	var files []string
	err = tree.Files().ForEach(func(f *object.File) error {
		files = append(files, f.Name)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("git ls-tree failed: %w", err)
	}
	return files, nil
}

// Head returns the commit hash of HEAD, or ErrNoCommits on an unborn branch
func (b *GoGitBackend) Head(ctx context.Context) (string, error) {
	repo, err := b.open()
	if err != nil {
		return "", err
	}
	ref, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", ErrNoCommits
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return ref.Hash().String(), nil
}

func (b *GoGitBackend) open() (*gogit.Repository, error) {
	repo, err := gogit.PlainOpen(b.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository %s: %w", b.dir, err)
	}
	return repo, nil
}

func (b *GoGitBackend) reset(repo *gogit.Repository, hash plumbing.Hash) error {
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to open worktree: %w", err)
	}
	if err := wt.Reset(&gogit.ResetOptions{Commit: hash, Mode: gogit.HardReset}); err != nil {
		return fmt.Errorf("git reset failed: %w", err)
	}
	return nil
}

func commitTree(repo *gogit.Repository, rev string) (*object.Tree, error) {
	hash, err := repo.ResolveRevision(plumbing.Revision(strings.TrimSpace(rev)))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve revision %q: %w", rev, err)
	}
	commit, err := repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("cannot load commit %s: %w", hash, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("cannot load tree of %s: %w", hash, err)
	}
	return tree, nil
}
