package remittance

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// =============================================================================
// CHILD RECORD STORE - Chunked operations over children and staging rows
// =============================================================================

// MaxBatchSize is the backend's write-batch ceiling.
const MaxBatchSize = 50

// ChildBackend is the storage ChildRecords operates on.
type ChildBackend interface {
	ChildStore
	PendingStore
}

// ChildRecords resolves, creates and archives children in batches that never
// exceed the configured batch size. Chunks commit in list order; there is no
// atomicity across chunks.
type ChildRecords struct {
	backend   ChildBackend
	batchSize int
	log       *zap.Logger
}

// NewChildRecords creates a ChildRecords. batchSize outside 1..MaxBatchSize
// falls back to MaxBatchSize.
func NewChildRecords(backend ChildBackend, batchSize int, log *zap.Logger) *ChildRecords {
	if batchSize <= 0 || batchSize > MaxBatchSize {
		batchSize = MaxBatchSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ChildRecords{backend: backend, batchSize: batchSize, log: log}
}

// ChunkIDs splits ids into consecutive groups of at most maxSize, keeping
// order. Empty input yields no chunks.
func ChunkIDs(ids []string, maxSize int) [][]string {
	if maxSize <= 0 {
		maxSize = MaxBatchSize
	}
	var chunks [][]string
	for start := 0; start < len(ids); start += maxSize {
		end := min(start+maxSize, len(ids))
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}

// ActiveChildren returns the children of parentID that exist and are not
// archived. When authoritative is non-nil each listed id is checked
// individually; nil means there is no record and the parent is scanned.
func (c *ChildRecords) ActiveChildren(ctx context.Context, orgID, parentID string, authoritative []string) ([]ChildTransaction, error) {
	if authoritative == nil {
		all, err := c.backend.ListChildrenByParent(ctx, orgID, parentID)
		if err != nil {
			return nil, fmt.Errorf("scan children of %s: %w", parentID, err)
		}
		active := make([]ChildTransaction, 0, len(all))
		for _, child := range all {
			if child.ParentTransactionID == parentID && child.Active() {
				active = append(active, child)
			}
		}
		return active, nil
	}

	active := make([]ChildTransaction, 0, len(authoritative))
	seen := make(map[string]bool, len(authoritative))
	for _, id := range authoritative {
		if seen[id] {
			continue
		}
		seen[id] = true
		child, err := c.backend.GetChild(ctx, orgID, id)
		if err != nil {
			return nil, fmt.Errorf("load child %s: %w", id, err)
		}
		if child == nil || child.ParentTransactionID != parentID || !child.Active() {
			continue
		}
		active = append(active, *child)
	}
	return active, nil
}

// ActiveChildIDs is ActiveChildren reduced to ids.
func (c *ChildRecords) ActiveChildIDs(ctx context.Context, orgID, parentID string, authoritative []string) ([]string, error) {
	active, err := c.ActiveChildren(ctx, orgID, parentID, authoritative)
	if err != nil {
		return nil, err
	}
	return childIDs(active), nil
}

// AllActiveChildren is the union of the authoritative list and a full scan.
// Purges use it so that children orphaned by a crash are archived too.
func (c *ChildRecords) AllActiveChildren(ctx context.Context, orgID, parentID string, authoritative []string) ([]ChildTransaction, error) {
	scanned, err := c.ActiveChildren(ctx, orgID, parentID, nil)
	if err != nil {
		return nil, err
	}
	if authoritative == nil {
		return scanned, nil
	}
	listed, err := c.ActiveChildren(ctx, orgID, parentID, authoritative)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(listed))
	for _, child := range listed {
		seen[child.ID] = true
	}
	for _, child := range scanned {
		if !seen[child.ID] {
			listed = append(listed, child)
			seen[child.ID] = true
		}
	}
	return listed, nil
}

// CreateChildren validates and writes children, one commit per chunk.
// Returns how many were written before any failure.
func (c *ChildRecords) CreateChildren(ctx context.Context, children []ChildTransaction) (int, error) {
	for _, child := range children {
		if err := validateChild(child); err != nil {
			return 0, err
		}
	}

	created := 0
	for start := 0; start < len(children); start += c.batchSize {
		end := min(start+c.batchSize, len(children))
		chunk := children[start:end]
		if err := c.backend.CreateChildren(ctx, chunk); err != nil {
			return created, fmt.Errorf("create children batch at %d: %w", start, err)
		}
		created += len(chunk)
		c.log.Debug("children batch committed", zap.Int("size", len(chunk)), zap.Int("created", created))
	}
	return created, nil
}

// SoftArchiveTransactionsByIDs archives ids chunk by chunk and returns the
// total archived. Children are never hard-deleted.
func (c *ChildRecords) SoftArchiveTransactionsByIDs(ctx context.Context, orgID string, ids []string, archive Archive) (int, error) {
	archived := 0
	for _, chunk := range ChunkIDs(ids, c.batchSize) {
		n, err := c.backend.ArchiveChildren(ctx, orgID, chunk, archive)
		if err != nil {
			return archived, fmt.Errorf("archive children batch: %w", err)
		}
		archived += n
		c.log.Debug("archive batch committed",
			zap.Int("size", len(chunk)),
			zap.Int("archived", archived),
			zap.String("reason", string(archive.Reason)))
	}
	return archived, nil
}

// DeletePendingItems hard-deletes every staging row of the parent, chunk by
// chunk. Returns 0 when nothing is staged.
func (c *ChildRecords) DeletePendingItems(ctx context.Context, orgID, parentID string) (int, error) {
	pending, err := c.backend.ListPending(ctx, orgID, parentID)
	if err != nil {
		return 0, fmt.Errorf("list pending items: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}
	ids := make([]string, len(pending))
	for i, p := range pending {
		ids[i] = p.ID
	}

	deleted := 0
	for _, chunk := range ChunkIDs(ids, c.batchSize) {
		n, err := c.backend.DeletePending(ctx, orgID, chunk)
		if err != nil {
			return deleted, fmt.Errorf("delete pending batch: %w", err)
		}
		deleted += n
	}
	return deleted, nil
}

// StagePendingItems replaces the staging rows of a parent with pending, one
// commit per chunk. Returns how many rows were staged.
func (c *ChildRecords) StagePendingItems(ctx context.Context, orgID, parentID string, pending []PendingItem) (int, error) {
	if _, err := c.DeletePendingItems(ctx, orgID, parentID); err != nil {
		return 0, err
	}
	staged := 0
	for start := 0; start < len(pending); start += c.batchSize {
		end := min(start+c.batchSize, len(pending))
		if err := c.backend.SavePending(ctx, pending[start:end]); err != nil {
			return staged, fmt.Errorf("stage pending batch at %d: %w", start, err)
		}
		staged += end - start
	}
	return staged, nil
}
