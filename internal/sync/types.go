// Package sync implements the staging sync engine for stagesync. It watches
// the source tree, stages copies into a flat staging directory, publishes
// staged files into the target tree under operator control, and records the
// state of every file in a SQLite ledger.
package sync

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Status is the sync state of a single ledger record.
type Status string

// Record statuses as stored in the sync_records.status column.
const (
	StatusPendingSync     Status = "pending_sync"
	StatusSyncing         Status = "syncing"
	StatusSynced          Status = "synced"
	StatusErrorCopying    Status = "error_copying"
	StatusErrorSyncing    Status = "error_syncing"
	StatusPendingDeletion Status = "pending_deletion"
)

// AllStatuses lists every valid status in display order.
var AllStatuses = []Status{
	StatusPendingSync,
	StatusSyncing,
	StatusSynced,
	StatusErrorCopying,
	StatusErrorSyncing,
	StatusPendingDeletion,
}

// ParseStatus converts a database string to a Status.
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}

	return "", fmt.Errorf("sync: unknown status %q", s)
}

func (s Status) String() string {
	return string(s)
}

// transitions lists the allowed target states for each source state.
// pending_deletion has no outgoing edges: the record leaves the ledger only
// through deletion confirmation.
var transitions = map[Status][]Status{
	StatusPendingSync:  {StatusSyncing, StatusErrorCopying, StatusPendingSync, StatusPendingDeletion},
	StatusSyncing:      {StatusSynced, StatusErrorSyncing, StatusErrorCopying, StatusPendingSync, StatusPendingDeletion},
	StatusSynced:       {StatusPendingSync, StatusErrorCopying, StatusPendingDeletion},
	StatusErrorCopying: {StatusPendingSync, StatusErrorCopying, StatusPendingDeletion},
	StatusErrorSyncing: {StatusPendingSync, StatusErrorCopying, StatusPendingDeletion},
}

// CanTransition reports whether a record may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}

	return false
}

// Key identifies a source file in the ledger.
type Key struct {
	Dir  string // relative directory: "" for root, otherwise "a/b/"
	Name string // original filename
}

func (k Key) String() string {
	return k.Dir + k.Name
}

// Record is one row of the sync ledger.
type Record struct {
	ID                 int64  `json:"id"`
	Dir                string `json:"relative_dir_path"`
	OriginalFilename   string `json:"original_filename"`
	TempFilename       string `json:"temp_filename"`
	Status             Status `json:"status"`
	SourceLastModified int64  `json:"source_last_modified"` // Unix nanoseconds
	LastUpdated        int64  `json:"last_updated"`         // Unix nanoseconds
}

// Key returns the ledger key of the record.
func (r *Record) Key() Key {
	return Key{Dir: r.Dir, Name: r.OriginalFilename}
}

// RecordPage is one page of records plus the total number of matching rows.
type RecordPage struct {
	Records []Record `json:"records"`
	Page    int      `json:"page"`
	Size    int      `json:"size"`
	Total   int      `json:"total"`
}

// StatusCounts maps each status to the number of records in it.
type StatusCounts map[Status]int

// keyForPath computes the ledger key of an absolute path below root. Both the
// watcher and the reconciler go through here so their keys always agree.
func keyForPath(root, absPath string) (Key, error) {
	rel, err := filepath.Rel(root, absPath)
	if err != nil {
		return Key{}, fmt.Errorf("sync: computing relative path for %s: %w", absPath, err)
	}

	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return Key{}, fmt.Errorf("sync: %s is outside %s", absPath, root)
	}

	dir, name := path.Split(rel)

	return Key{Dir: nfcNormalize(dir), Name: nfcNormalize(name)}, nil
}

// nfcNormalize returns the NFC form of s. macOS reports decomposed names,
// Linux passes bytes through, so keys are compared in NFC.
func nfcNormalize(s string) string {
	return norm.NFC.String(s)
}
