package model

import "time"

// EntryType distinguishes files from directories in a DirectoryEntry.
type EntryType int

const (
	File EntryType = iota
	Directory
)

func (t EntryType) String() string {
	if t == Directory {
		return "DIRECTORY"
	}

	return "FILE"
}

// blockSizeBytes is the informational block size reported for files —
// always 256 MiB for this store (spec.md §3).
const blockSizeBytes = 256 * 1024 * 1024

// fileReplicationFactor is the informational replication factor reported
// for files — always 1 for this store.
const fileReplicationFactor = 1

// DirectoryEntry is an immutable record describing one path in the store,
// as returned by GetFileStatus/ListStatus. Construct via parsing server
// JSON (see wire.go); there is no public constructor because every field
// is server-derived.
type DirectoryEntry struct {
	Name             string
	FullPath         string
	Length           int64
	Type             EntryType
	Owner            string
	Group            string
	LastAccessTime   time.Time // UTC, server resolution is milliseconds
	LastModifiedTime time.Time // UTC, server resolution is milliseconds
	Permission       string    // three-octal-digit string
	BlockSize        int64     // informational; 256 MiB for files, 0 for directories
	ReplicationFactor int      // informational; 1 for files, 0 for directories
	AclBit           bool
	ExpiryTime       *time.Time // UTC; nil for directories and files with no expiry
}

// IsDirectory reports whether this entry describes a directory.
func (e DirectoryEntry) IsDirectory() bool {
	return e.Type == Directory
}

// ContentSummary aggregates statistics over a directory subtree.
//
// Invariant (spec.md §3, and Open Question §9.2): SpaceConsumed always
// equals Length for this store — there is no replication-adjusted storage
// accounting, unlike stores that report on-disk bytes separately from
// logical bytes.
type ContentSummary struct {
	Length         int64
	FileCount      int64
	DirectoryCount int64
	SpaceConsumed  int64
}

// NewContentSummary builds a ContentSummary, enforcing the
// SpaceConsumed == Length invariant at construction so callers can never
// produce a summary that violates it.
func NewContentSummary(length, fileCount, directoryCount int64) ContentSummary {
	return ContentSummary{
		Length:         length,
		FileCount:      fileCount,
		DirectoryCount: directoryCount,
		SpaceConsumed:  length,
	}
}

// Add folds another summary's counts into this one, returning the combined
// total. Used by the content summarizer to merge per-directory partials.
func (c ContentSummary) Add(other ContentSummary) ContentSummary {
	return NewContentSummary(
		c.Length+other.Length,
		c.FileCount+other.FileCount,
		c.DirectoryCount+other.DirectoryCount,
	)
}
