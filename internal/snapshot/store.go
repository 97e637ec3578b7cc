package snapshot

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no snapshot exists for a key.
var ErrNotFound = errors.New("snapshot not found")

// ScanPage is one page of a per-site scan, ordered by path.
type ScanPage struct {
	Snapshots  []*Snapshot
	NextCursor string // empty when the scan is exhausted
}

// Store abstracts the snapshot storage backend.
//
// Put and Get are linearizable per key. ScanBySite may observe
// concurrent updates but each returned snapshot is self-consistent.
type Store interface {
	// Get returns the snapshot for key, bumping lastAccessedAt
	// (possibly lazily).
	Get(ctx context.Context, key Key) (*Snapshot, error)

	// Put upserts the snapshot with atomic replacement and sets
	// UpdatedAt. RenderedAt is preserved as passed by the caller.
	Put(ctx context.Context, s *Snapshot) error

	// Invalidate removes the snapshot for key, if present.
	Invalidate(ctx context.Context, key Key) error

	// ScanBySite returns snapshots of a site ordered by path,
	// starting after cursor (empty cursor = from the beginning).
	ScanBySite(ctx context.Context, site, cursor string, limit int) (*ScanPage, error)

	// ExpireBefore removes snapshots with UpdatedAt < t and returns
	// how many were removed.
	ExpireBefore(ctx context.Context, t time.Time) (int, error)

	// AcquireLease takes a named lease for ttl. It returns false when
	// another holder currently owns the lease.
	AcquireLease(ctx context.Context, name string, ttl time.Duration) (bool, error)

	Close() error
}

// defaultScanLimit bounds one ScanBySite page when the caller passes
// limit <= 0.
const defaultScanLimit = 1000
