// Package changeset turns name-status diffs into typed file changes.
package changeset

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/schaermu/confsyncd/internal/git"
)

// Kind classifies a FileChange
type Kind string

const (
	Added    Kind = "added"
	Modified Kind = "modified"
	Deleted  Kind = "deleted"
	Renamed  Kind = "renamed"
)

// FileChange is one file that differs between two revisions.
// PreviousPath is only set for renames.
type FileChange struct {
	Path         string `json:"path"`
	Kind         Kind   `json:"kind"`
	PreviousPath string `json:"previous_path,omitempty"`
}

// Differ produces name-status records between two revisions
type Differ interface {
	DiffNameStatus(ctx context.Context, before, after string) ([]git.DiffRecord, error)
}

// Collector computes change sets
type Collector struct {
	differ Differ
}

// NewCollector creates a collector backed by differ
func NewCollector(differ Differ) *Collector {
	return &Collector{differ: differ}
}

// Collect returns the changes between before and after in diff order.
// Absent or identical revisions yield no changes without consulting the differ.
func (c *Collector) Collect(ctx context.Context, before, after string) ([]FileChange, error) {
	if before == "" || after == "" || before == after {
		return nil, nil
	}

	records, err := c.differ.DiffNameStatus(ctx, before, after)
	if err != nil {
		return nil, fmt.Errorf("failed to diff %s..%s: %w", short(before), short(after), err)
	}

	seen := make(map[string]bool, len(records))
	changes := make([]FileChange, 0, len(records))
	for _, rec := range records {
		change, ok := fromRecord(rec)
		if !ok || seen[change.Path] {
			continue
		}
		seen[change.Path] = true
		changes = append(changes, change)
	}
	return changes, nil
}

// AllAdded lists every path as added, for syncs without a previous revision
func AllAdded(paths []string) []FileChange {
	seen := make(map[string]bool, len(paths))
	changes := make([]FileChange, 0, len(paths))
	for _, p := range paths {
		clean, ok := normalize(p)
		if !ok || seen[clean] {
			continue
		}
		seen[clean] = true
		changes = append(changes, FileChange{Path: clean, Kind: Added})
	}
	return changes
}

func fromRecord(rec git.DiffRecord) (FileChange, bool) {
	p, ok := normalize(rec.Path)
	if !ok {
		return FileChange{}, false
	}

	switch {
	case rec.Status == "A":
		return FileChange{Path: p, Kind: Added}, true
	case rec.Status == "M":
		return FileChange{Path: p, Kind: Modified}, true
	case rec.Status == "D":
		return FileChange{Path: p, Kind: Deleted}, true
	case strings.HasPrefix(rec.Status, "R"):
		newPath, ok := normalize(rec.NewPath)
		if !ok {
			return FileChange{}, false
		}
		return FileChange{Path: newPath, Kind: Renamed, PreviousPath: p}, true
	case strings.HasPrefix(rec.Status, "C") && rec.NewPath != "":
		// a copy adds the destination and leaves the source alone
		newPath, ok := normalize(rec.NewPath)
		if !ok {
			return FileChange{}, false
		}
		return FileChange{Path: newPath, Kind: Modified}, true
	default:
		return FileChange{Path: p, Kind: Modified}, true
	}
}

// normalize cleans a repo-relative slash path. Empty and root paths are rejected.
func normalize(p string) (string, bool) {
	if p == "" {
		return "", false
	}
	clean := path.Clean(p)
	if clean == "." || clean == "/" {
		return "", false
	}
	return clean, true
}

func short(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
