// Package status holds the externally visible sync status.
package status

import (
	"sync/atomic"
	"time"

	"github.com/schaermu/confsyncd/internal/changeset"
)

// SyncMetadata records one completed sync attempt
type SyncMetadata struct {
	RunID        string                 `json:"run_id,omitempty"`
	CommitBefore string                 `json:"commit_before,omitempty"`
	CommitAfter  string                 `json:"commit_after,omitempty"`
	Branch       string                 `json:"branch"`
	Changes      []changeset.FileChange `json:"changes"`
	SyncedAt     time.Time              `json:"synced_at"`
	Reason       string                 `json:"reason"`
	InitialSync  bool                   `json:"initial_sync"`
}

// Status is an immutable snapshot. Values are replaced, never modified.
type Status struct {
	Healthy       bool          `json:"healthy"`
	LastSync      *SyncMetadata `json:"last_sync"`
	PendingReason string        `json:"pending_reason,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// Tracker publishes Status snapshots for concurrent readers
type Tracker struct {
	current atomic.Pointer[Status]
}

// NewTracker creates a healthy tracker, seeded with last when known
func NewTracker(last *SyncMetadata) *Tracker {
	t := &Tracker{}
	t.current.Store(&Status{Healthy: true, LastSync: last})
	return t
}

// Get returns the current snapshot
func (t *Tracker) Get() Status {
	return *t.current.Load()
}

// Begin marks a run with reason as pending, keeping everything else
func (t *Tracker) Begin(reason string) {
	prev := t.current.Load()
	next := *prev
	next.PendingReason = reason
	t.current.Store(&next)
}

// Succeed records a successful run and clears any error
func (t *Tracker) Succeed(meta *SyncMetadata) {
	t.current.Store(&Status{Healthy: true, LastSync: meta})
}

// Fail records a failed run. A nil meta keeps the previous LastSync.
func (t *Tracker) Fail(meta *SyncMetadata, err error) {
	prev := t.current.Load()
	if meta == nil {
		meta = prev.LastSync
	}
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	t.current.Store(&Status{Healthy: false, LastSync: meta, Error: msg})
}

// Revert records a failed run on top of prev, discarding anything published
// since prev was taken.
func (t *Tracker) Revert(prev Status, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	t.current.Store(&Status{Healthy: false, LastSync: prev.LastSync, Error: msg})
}
