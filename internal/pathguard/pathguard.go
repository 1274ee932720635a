// Package pathguard keeps paths derived from repository content inside
// their declared base directory.
package pathguard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EscapeError reports a candidate path that resolves outside its base
type EscapeError struct {
	Candidate string
	Base      string
}

func (e *EscapeError) Error() string {
	return fmt.Sprintf("path %q escapes base directory %q", e.Candidate, e.Base)
}

// ContainedWithin resolves candidate to an absolute, symlink-free path and
// verifies it equals base or lies below it. Paths that do not exist yet are
// resolved through their longest existing prefix.
func ContainedWithin(candidate, base string) (string, error) {
	resolvedBase, err := resolve(base)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base %s: %w", base, err)
	}
	resolved, err := resolve(candidate)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", candidate, err)
	}

	rel, err := filepath.Rel(resolvedBase, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", &EscapeError{Candidate: candidate, Base: base}
	}
	return resolved, nil
}

// Join joins the slash-separated relative path rel onto base and guards the result
func Join(base, rel string) (string, error) {
	if filepath.IsAbs(filepath.FromSlash(rel)) {
		return "", &EscapeError{Candidate: rel, Base: base}
	}
	return ContainedWithin(filepath.Join(base, filepath.FromSlash(rel)), base)
}

// resolve makes p absolute and evaluates symlinks in its longest existing prefix
func resolve(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}

	existing := abs
	var rest []string
	for {
		resolved, err := filepath.EvalSymlinks(existing)
		if err == nil {
			return filepath.Join(append([]string{resolved}, rest...)...), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return abs, nil
		}
		rest = append([]string{filepath.Base(existing)}, rest...)
		existing = parent
	}
}
