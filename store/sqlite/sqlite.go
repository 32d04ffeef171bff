/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:

	Implements every remittance persistence interface (Store, LeaseStore)
	using SQLite. The same SQL runs on PostgreSQL with minor dialect changes.

INTERFACES IMPLEMENTED:

	remittance.ParentStore:  Parent transactions + mirrored summary
	remittance.RecordStore:  Remittance records (upsert)
	remittance.ChildStore:   Child transactions (insert, archive; never delete)
	remittance.PendingStore: Staging rows (insert, hard delete)
	remittance.LeaseStore:   Lease documents with expiry

KEY TABLES:

	parent_transactions: Bank-imported bulk movements
	remittance_records:  Per-parent metadata, one row per parent, never deleted
	child_transactions:  Resolved line items, archived_at instead of DELETE
	pending_items:       Transient staging rows
	leases:              One row per locked remittance

BATCHES:

	CreateChildren, ArchiveChildren and DeletePending each run in one SQL
	transaction. Callers keep batches at or under remittance.MaxBatchSize.

LEASES:

	Acquire is a conditional upsert that only overwrites an expired row, so
	two processes sharing the database file cannot both hold a key.

CONCURRENCY:

	Uses sync.RWMutex for thread-safety within one process. The lease table
	handles cross-process exclusion.

USAGE:

	store, err := sqlite.New("./data/remittance.db")
	if err != nil {
	    log.Fatal(err)
	}
	defer store.Close()

SEE ALSO:
  - remittance/store.go: Interface definitions
  - remittance/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/remittance-engine/remittance"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex

	// Now is the lease clock.
	Now func() time.Time
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, Now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Parent transactions (written by the bank import)
	CREATE TABLE IF NOT EXISTS parent_transactions (
		org_id TEXT NOT NULL,
		id TEXT NOT NULL,
		amount_cents INTEGER NOT NULL,
		date TEXT NOT NULL,
		direction TEXT NOT NULL,
		declared_type TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		counterpart TEXT NOT NULL DEFAULT '',
		` + summaryDDL + `,
		PRIMARY KEY (org_id, id)
	);

	-- Remittance records (never deleted)
	CREATE TABLE IF NOT EXISTS remittance_records (
		org_id TEXT NOT NULL,
		parent_id TEXT NOT NULL,
		` + summaryDDL + `,
		input_hash TEXT NOT NULL DEFAULT '',
		child_ids_json TEXT NOT NULL DEFAULT '[]',
		legacy BOOLEAN NOT NULL DEFAULT FALSE,
		last_operation TEXT NOT NULL DEFAULT '',
		last_actor_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (org_id, parent_id)
	);

	-- Child transactions (archive only, no DELETE)
	CREATE TABLE IF NOT EXISTS child_transactions (
		org_id TEXT NOT NULL,
		id TEXT NOT NULL,
		parent_transaction_id TEXT NOT NULL,
		contact_id TEXT NOT NULL,
		amount_cents INTEGER NOT NULL,
		iban TEXT NOT NULL DEFAULT '',
		tax_id TEXT NOT NULL DEFAULT '',
		date TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'active',
		created_at TEXT NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		archived_at TEXT,
		archived_by TEXT,
		archive_reason TEXT,
		PRIMARY KEY (org_id, id)
	);

	-- Hot path: fallback scan of a parent's children
	CREATE INDEX IF NOT EXISTS idx_children_parent
		ON child_transactions(org_id, parent_transaction_id);

	-- Pending staging rows (hard-deleted once consumed)
	CREATE TABLE IF NOT EXISTS pending_items (
		org_id TEXT NOT NULL,
		id TEXT NOT NULL,
		parent_id TEXT NOT NULL,
		contact_id TEXT NOT NULL DEFAULT '',
		amount_cents INTEGER NOT NULL,
		iban TEXT NOT NULL DEFAULT '',
		tax_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		row_index INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		PRIMARY KEY (org_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_pending_parent
		ON pending_items(org_id, parent_id);

	-- Leases (expires_at in unix milliseconds)
	CREATE TABLE IF NOT EXISTS leases (
		lease_key TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		acquired_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// SUMMARY COLUMNS - Shared by parents and records
// =============================================================================

const summaryDDL = `is_remittance BOOLEAN NOT NULL DEFAULT FALSE,
		remittance_id TEXT NOT NULL DEFAULT '',
		remittance_type TEXT NOT NULL DEFAULT '',
		remittance_direction TEXT NOT NULL DEFAULT '',
		remittance_status TEXT NOT NULL DEFAULT '',
		remittance_item_count INTEGER NOT NULL DEFAULT 0,
		remittance_resolved_count INTEGER NOT NULL DEFAULT 0,
		remittance_pending_count INTEGER NOT NULL DEFAULT 0,
		remittance_expected_total_cents INTEGER NOT NULL DEFAULT 0,
		remittance_resolved_total_cents INTEGER NOT NULL DEFAULT 0,
		remittance_pending_total_cents INTEGER NOT NULL DEFAULT 0`

const summaryColumns = `is_remittance, remittance_id, remittance_type, remittance_direction,
	remittance_status, remittance_item_count, remittance_resolved_count, remittance_pending_count,
	remittance_expected_total_cents, remittance_resolved_total_cents, remittance_pending_total_cents`

func summaryArgs(sm remittance.Summary) []any {
	return []any{
		sm.IsRemittance,
		sm.RemittanceID,
		string(sm.RemittanceType),
		string(sm.RemittanceDirection),
		string(sm.RemittanceStatus),
		sm.RemittanceItemCount,
		sm.RemittanceResolvedCount,
		sm.RemittancePendingCount,
		sm.RemittanceExpectedTotalCents,
		sm.RemittanceResolvedTotalCents,
		sm.RemittancePendingTotalCents,
	}
}

type summaryScan struct {
	rtype, direction, status string
	sm                       remittance.Summary
}

func (ss *summaryScan) dest() []any {
	return []any{
		&ss.sm.IsRemittance,
		&ss.sm.RemittanceID,
		&ss.rtype,
		&ss.direction,
		&ss.status,
		&ss.sm.RemittanceItemCount,
		&ss.sm.RemittanceResolvedCount,
		&ss.sm.RemittancePendingCount,
		&ss.sm.RemittanceExpectedTotalCents,
		&ss.sm.RemittanceResolvedTotalCents,
		&ss.sm.RemittancePendingTotalCents,
	}
}

func (ss *summaryScan) summary() remittance.Summary {
	sm := ss.sm
	sm.RemittanceType = remittance.RemittanceType(ss.rtype)
	sm.RemittanceDirection = remittance.Direction(ss.direction)
	sm.RemittanceStatus = remittance.Status(ss.status)
	return sm
}

// =============================================================================
// PARENT STORE
// =============================================================================

// SaveParent inserts or replaces a parent transaction. Used by the bank
// import and by tests.
func (s *Store) SaveParent(ctx context.Context, p remittance.ParentTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT OR REPLACE INTO parent_transactions
		(org_id, id, amount_cents, date, direction, declared_type, category, counterpart, ` + summaryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	args := []any{p.OrgID, p.ID, p.AmountCents, formatTime(p.Date), string(p.Direction),
		string(p.RemittanceType), p.Category, p.Counterpart}
	args = append(args, summaryArgs(p.Summary)...)

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to save parent: %w", err)
	}
	return nil
}

// GetParent returns a parent transaction scoped to an organization.
func (s *Store) GetParent(ctx context.Context, orgID, parentID string) (*remittance.ParentTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT org_id, id, amount_cents, date, direction, declared_type, category, counterpart, ` + summaryColumns + `
		FROM parent_transactions
		WHERE org_id = ? AND id = ?
	`

	var p remittance.ParentTransaction
	var date, direction, declared string
	var ss summaryScan
	dest := append([]any{&p.OrgID, &p.ID, &p.AmountCents, &date, &direction, &declared, &p.Category, &p.Counterpart}, ss.dest()...)

	err := s.db.QueryRowContext(ctx, query, orgID, parentID).Scan(dest...)
	if err == sql.ErrNoRows {
		return nil, remittance.ErrParentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get parent: %w", err)
	}

	p.Date = parseTime(date)
	p.Direction = remittance.Direction(direction)
	p.RemittanceType = remittance.RemittanceType(declared)
	p.Summary = ss.summary()
	return &p, nil
}

// UpdateParentSummary overwrites the mirrored remittance fields.
func (s *Store) UpdateParentSummary(ctx context.Context, orgID, parentID string, sm remittance.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE parent_transactions SET
			is_remittance = ?, remittance_id = ?, remittance_type = ?, remittance_direction = ?,
			remittance_status = ?, remittance_item_count = ?, remittance_resolved_count = ?,
			remittance_pending_count = ?, remittance_expected_total_cents = ?,
			remittance_resolved_total_cents = ?, remittance_pending_total_cents = ?
		WHERE org_id = ? AND id = ?
	`
	args := append(summaryArgs(sm), orgID, parentID)
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update parent summary: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return remittance.ErrParentNotFound
	}
	return nil
}

// =============================================================================
// RECORD STORE
// =============================================================================

// GetRecord returns the remittance record, or nil when none exists.
func (s *Store) GetRecord(ctx context.Context, orgID, parentID string) (*remittance.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT org_id, parent_id, ` + summaryColumns + `,
		       input_hash, child_ids_json, legacy, last_operation, last_actor_id, created_at, updated_at
		FROM remittance_records
		WHERE org_id = ? AND parent_id = ?
	`

	var r remittance.Record
	var ss summaryScan
	var childIDsJSON, lastOp, createdAt, updatedAt string
	dest := append([]any{&r.OrgID, &r.ParentID}, ss.dest()...)
	dest = append(dest, &r.InputHash, &childIDsJSON, &r.Legacy, &lastOp, &r.LastActorID, &createdAt, &updatedAt)

	err := s.db.QueryRowContext(ctx, query, orgID, parentID).Scan(dest...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	r.ChildIDs = []string{}
	if err := json.Unmarshal([]byte(childIDsJSON), &r.ChildIDs); err != nil {
		return nil, fmt.Errorf("failed to decode child ids: %w", err)
	}
	r.Summary = ss.summary()
	r.LastOperation = remittance.Operation(lastOp)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

// SaveRecord upserts the remittance record.
func (s *Store) SaveRecord(ctx context.Context, rec remittance.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := rec.ChildIDs
	if ids == nil {
		ids = []string{}
	}
	childIDsJSON, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("failed to encode child ids: %w", err)
	}

	query := `
		INSERT OR REPLACE INTO remittance_records
		(org_id, parent_id, ` + summaryColumns + `,
		 input_hash, child_ids_json, legacy, last_operation, last_actor_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	args := append([]any{rec.OrgID, rec.ParentID}, summaryArgs(rec.Summary)...)
	args = append(args, rec.InputHash, string(childIDsJSON), rec.Legacy, string(rec.LastOperation),
		rec.LastActorID, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}

// =============================================================================
// CHILD STORE
// =============================================================================

const childColumns = `org_id, id, parent_transaction_id, contact_id, amount_cents, iban, tax_id, date,
	state, created_at, created_by, archived_at, archived_by, archive_reason`

// GetChild returns a child, or nil when it does not exist.
func (s *Store) GetChild(ctx context.Context, orgID, childID string) (*remittance.ChildTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+childColumns+` FROM child_transactions WHERE org_id = ? AND id = ?`, orgID, childID)
	if err != nil {
		return nil, fmt.Errorf("failed to get child: %w", err)
	}
	defer rows.Close()

	children, err := scanChildren(rows)
	if err != nil || len(children) == 0 {
		return nil, err
	}
	return &children[0], nil
}

// ListChildrenByParent returns every child of a parent, archived included.
func (s *Store) ListChildrenByParent(ctx context.Context, orgID, parentID string) ([]remittance.ChildTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+childColumns+` FROM child_transactions
		WHERE org_id = ? AND parent_transaction_id = ?
		ORDER BY created_at ASC, id ASC`, orgID, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list children: %w", err)
	}
	defer rows.Close()
	return scanChildren(rows)
}

// CreateChildren inserts children in one transaction.
func (s *Store) CreateChildren(ctx context.Context, children []remittance.ChildTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	query := `INSERT INTO child_transactions (` + childColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	for _, c := range children {
		state := c.State
		if state == "" {
			state = remittance.ChildActive
		}
		var archivedAt sql.NullString
		if c.ArchivedAt != nil {
			archivedAt = nullString(formatTime(*c.ArchivedAt))
		}
		_, err := sqlTx.ExecContext(ctx, query,
			c.OrgID, c.ID, c.ParentTransactionID, c.ContactID, c.AmountCents, c.IBAN, c.TaxID,
			formatTime(c.Date), string(state), formatTime(c.CreatedAt), c.CreatedBy,
			archivedAt, nullString(c.ArchivedBy), nullString(string(c.ArchiveReason)))
		if err != nil {
			if isUniqueConstraintError(err) {
				return remittance.ErrDuplicateChild
			}
			return fmt.Errorf("failed to insert child: %w", err)
		}
	}

	return sqlTx.Commit()
}

// ArchiveChildren archives the still-active children among ids in one
// transaction and returns how many rows changed.
func (s *Store) ArchiveChildren(ctx context.Context, orgID string, ids []string, archive remittance.Archive) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	query := `
		UPDATE child_transactions
		SET state = ?, archived_at = ?, archived_by = ?, archive_reason = ?
		WHERE org_id = ? AND id = ? AND archived_at IS NULL
	`
	archived := 0
	for _, id := range ids {
		result, err := sqlTx.ExecContext(ctx, query,
			string(remittance.ChildArchived), formatTime(archive.At), archive.By, string(archive.Reason), orgID, id)
		if err != nil {
			return 0, fmt.Errorf("failed to archive child %s: %w", id, err)
		}
		n, _ := result.RowsAffected()
		archived += int(n)
	}

	if err := sqlTx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit archive batch: %w", err)
	}
	return archived, nil
}

func scanChildren(rows *sql.Rows) ([]remittance.ChildTransaction, error) {
	var children []remittance.ChildTransaction
	for rows.Next() {
		var c remittance.ChildTransaction
		var date, state, createdAt string
		var archivedAt, archivedBy, reason sql.NullString
		if err := rows.Scan(&c.OrgID, &c.ID, &c.ParentTransactionID, &c.ContactID, &c.AmountCents,
			&c.IBAN, &c.TaxID, &date, &state, &createdAt, &c.CreatedBy,
			&archivedAt, &archivedBy, &reason); err != nil {
			return nil, fmt.Errorf("failed to scan child: %w", err)
		}
		c.Date = parseTime(date)
		c.State = remittance.ChildState(state)
		c.CreatedAt = parseTime(createdAt)
		if archivedAt.Valid {
			t := parseTime(archivedAt.String)
			c.ArchivedAt = &t
		}
		c.ArchivedBy = archivedBy.String
		c.ArchiveReason = remittance.ArchiveReason(reason.String)
		children = append(children, c)
	}
	return children, rows.Err()
}

// =============================================================================
// PENDING STORE
// =============================================================================

// ListPending returns the staged rows of a parent in source-row order.
func (s *Store) ListPending(ctx context.Context, orgID, parentID string) ([]remittance.PendingItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT org_id, id, parent_id, contact_id, amount_cents, iban, tax_id, name, row_index, created_at
		FROM pending_items
		WHERE org_id = ? AND parent_id = ?
		ORDER BY row_index ASC, id ASC`, orgID, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending items: %w", err)
	}
	defer rows.Close()

	var items []remittance.PendingItem
	for rows.Next() {
		var p remittance.PendingItem
		var createdAt string
		if err := rows.Scan(&p.OrgID, &p.ID, &p.ParentID, &p.Item.ContactID, &p.Item.AmountCents,
			&p.Item.IBAN, &p.Item.TaxID, &p.Item.Name, &p.Item.RowIndex, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending item: %w", err)
		}
		p.CreatedAt = parseTime(createdAt)
		items = append(items, p)
	}
	return items, rows.Err()
}

// SavePending inserts or replaces staged rows in one transaction.
func (s *Store) SavePending(ctx context.Context, items []remittance.PendingItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	query := `
		INSERT OR REPLACE INTO pending_items
		(org_id, id, parent_id, contact_id, amount_cents, iban, tax_id, name, row_index, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, p := range items {
		if _, err := sqlTx.ExecContext(ctx, query, p.OrgID, p.ID, p.ParentID, p.Item.ContactID,
			p.Item.AmountCents, p.Item.IBAN, p.Item.TaxID, p.Item.Name, p.Item.RowIndex,
			formatTime(p.CreatedAt)); err != nil {
			return fmt.Errorf("failed to save pending item: %w", err)
		}
	}
	return sqlTx.Commit()
}

// DeletePending hard-deletes staged rows in one transaction.
func (s *Store) DeletePending(ctx context.Context, orgID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, orgID)
	for _, id := range ids {
		args = append(args, id)
	}

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_items WHERE org_id = ? AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete pending items: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// =============================================================================
// LEASE STORE
// =============================================================================

// AcquireLease inserts the lease, or takes over an expired one.
func (s *Store) AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (lease_key, holder, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(lease_key) DO UPDATE SET
			holder = excluded.holder,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE leases.expires_at <= ?`,
		key, holder, now.UnixMilli(), now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	return n == 1, nil
}

// RenewLease extends the lease if holder still owns it.
func (s *Store) RenewLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`UPDATE leases SET expires_at = ? WHERE lease_key = ? AND holder = ?`,
		s.Now().Add(ttl).UnixMilli(), key, holder)
	if err != nil {
		return false, fmt.Errorf("failed to renew lease: %w", err)
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

// ReleaseLease deletes the lease if holder owns it.
func (s *Store) ReleaseLease(ctx context.Context, key, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE lease_key = ? AND holder = ?`, key, holder); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
