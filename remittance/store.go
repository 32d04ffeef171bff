/*
store.go - Persistence interfaces for remittance data

PURPOSE:

	Defines the boundary between the engine and its storage backend. The
	engine only ever talks to these interfaces; store/sqlite and
	remittance/store (memory) implement them.

KEY INTERFACES:

	ParentStore:  Read parent transactions, write their mirrored summary
	RecordStore:  Per-parent remittance metadata (upsert, never delete)
	ChildStore:   Child transactions. Writes are atomic batches.
	PendingStore: Staging rows. The only hard deletes in the system.
	LeaseStore:   Per-key leases with expiry, for LockManager

BATCH CONTRACT:

	CreateChildren, ArchiveChildren and DeletePending are each ONE atomic
	commit. Callers never pass more than MaxBatchSize ids; chunking is done
	by ChildRecords, not by the store.

NO HARD DELETE:

	ChildStore has no Delete. Financial records are archived instead.

SEE ALSO:
  - children.go: Chunked operations over ChildStore/PendingStore
  - lock.go: LockManager over LeaseStore
*/
package remittance

import (
	"context"
	"time"
)

// ParentStore reads parent transactions.
type ParentStore interface {
	// GetParent returns ErrParentNotFound when the parent does not exist in org.
	GetParent(ctx context.Context, orgID, parentID string) (*ParentTransaction, error)

	// UpdateParentSummary overwrites the mirrored remittance fields.
	UpdateParentSummary(ctx context.Context, orgID, parentID string, summary Summary) error
}

// RecordStore persists remittance records.
type RecordStore interface {
	// GetRecord returns (nil, nil) when no record exists.
	GetRecord(ctx context.Context, orgID, parentID string) (*Record, error)

	// SaveRecord inserts or replaces the record.
	SaveRecord(ctx context.Context, rec Record) error
}

// ChildStore persists child transactions.
type ChildStore interface {
	// GetChild returns (nil, nil) when the child does not exist.
	GetChild(ctx context.Context, orgID, childID string) (*ChildTransaction, error)

	// ListChildrenByParent returns every child (active or not) of the parent.
	ListChildrenByParent(ctx context.Context, orgID, parentID string) ([]ChildTransaction, error)

	// CreateChildren writes all children in one atomic commit.
	CreateChildren(ctx context.Context, children []ChildTransaction) error

	// ArchiveChildren archives the given active children in one atomic commit
	// and returns how many were archived.
	ArchiveChildren(ctx context.Context, orgID string, ids []string, archive Archive) (int, error)
}

// PendingStore persists staging rows.
type PendingStore interface {
	ListPending(ctx context.Context, orgID, parentID string) ([]PendingItem, error)
	SavePending(ctx context.Context, items []PendingItem) error

	// DeletePending hard-deletes the given rows in one atomic commit.
	DeletePending(ctx context.Context, orgID string, ids []string) (int, error)
}

// Store is everything the orchestrator needs besides leases.
type Store interface {
	ParentStore
	RecordStore
	ChildStore
	PendingStore
}

// LeaseStore implements conditional, expiring lease documents.
type LeaseStore interface {
	// AcquireLease creates the lease for key unless a non-expired one exists.
	// Returns false (no error) on contention.
	AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)

	// RenewLease pushes expiry to now+ttl. Returns false if holder no longer
	// owns the lease.
	RenewLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)

	// ReleaseLease deletes the lease if holder owns it. Idempotent.
	ReleaseLease(ctx context.Context, key, holder string) error
}
