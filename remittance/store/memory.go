// Package store provides an in-memory implementation of the remittance
// storage interfaces.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/remittance-engine/remittance"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type lease struct {
	holder    string
	expiresAt time.Time
}

// Memory implements remittance.Store and remittance.LeaseStore.
type Memory struct {
	mu       sync.RWMutex
	parents  map[string]remittance.ParentTransaction
	records  map[string]remittance.Record
	children map[string]remittance.ChildTransaction
	pending  map[string]remittance.PendingItem
	leases   map[string]lease

	// Now is the lease clock. Tests replace it to simulate expiry.
	Now func() time.Time
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		parents:  make(map[string]remittance.ParentTransaction),
		records:  make(map[string]remittance.Record),
		children: make(map[string]remittance.ChildTransaction),
		pending:  make(map[string]remittance.PendingItem),
		leases:   make(map[string]lease),
		Now:      time.Now,
	}
}

func scoped(orgID, id string) string {
	return orgID + "/" + id
}

// =============================================================================
// PARENTS
// =============================================================================

// SaveParent stores a parent transaction, as the bank import would.
func (m *Memory) SaveParent(_ context.Context, p remittance.ParentTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parents[scoped(p.OrgID, p.ID)] = p
	return nil
}

func (m *Memory) GetParent(_ context.Context, orgID, parentID string) (*remittance.ParentTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.parents[scoped(orgID, parentID)]
	if !ok {
		return nil, remittance.ErrParentNotFound
	}
	return &p, nil
}

func (m *Memory) UpdateParentSummary(_ context.Context, orgID, parentID string, summary remittance.Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := scoped(orgID, parentID)
	p, ok := m.parents[k]
	if !ok {
		return remittance.ErrParentNotFound
	}
	p.Summary = summary
	m.parents[k] = p
	return nil
}

// =============================================================================
// RECORDS
// =============================================================================

func (m *Memory) GetRecord(_ context.Context, orgID, parentID string) (*remittance.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[scoped(orgID, parentID)]
	if !ok {
		return nil, nil
	}
	r.ChildIDs = append([]string{}, r.ChildIDs...)
	return &r, nil
}

func (m *Memory) SaveRecord(_ context.Context, rec remittance.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ChildIDs = append([]string{}, rec.ChildIDs...)
	m.records[scoped(rec.OrgID, rec.ParentID)] = rec
	return nil
}

// =============================================================================
// CHILDREN
// =============================================================================

func (m *Memory) GetChild(_ context.Context, orgID, childID string) (*remittance.ChildTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.children[scoped(orgID, childID)]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *Memory) ListChildrenByParent(_ context.Context, orgID, parentID string) ([]remittance.ChildTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []remittance.ChildTransaction
	for _, c := range m.children {
		if c.OrgID == orgID && c.ParentTransactionID == parentID {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// CreateChildren adds all children atomically. Existing ids are rejected.
func (m *Memory) CreateChildren(_ context.Context, children []remittance.ChildTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range children {
		if _, exists := m.children[scoped(c.OrgID, c.ID)]; exists {
			return remittance.ErrDuplicateChild
		}
	}
	for _, c := range children {
		m.children[scoped(c.OrgID, c.ID)] = c
	}
	return nil
}

// ArchiveChildren archives the active children among ids atomically.
func (m *Memory) ArchiveChildren(_ context.Context, orgID string, ids []string, archive remittance.Archive) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	archived := 0
	for _, id := range ids {
		k := scoped(orgID, id)
		c, ok := m.children[k]
		if !ok || !c.Active() {
			continue
		}
		at := archive.At
		c.State = remittance.ChildArchived
		c.ArchivedAt = &at
		c.ArchivedBy = archive.By
		c.ArchiveReason = archive.Reason
		m.children[k] = c
		archived++
	}
	return archived, nil
}

// =============================================================================
// PENDING STAGING
// =============================================================================

func (m *Memory) ListPending(_ context.Context, orgID, parentID string) ([]remittance.PendingItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []remittance.PendingItem
	for _, p := range m.pending {
		if p.OrgID == orgID && p.ParentID == parentID {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Item.RowIndex != result[j].Item.RowIndex {
			return result[i].Item.RowIndex < result[j].Item.RowIndex
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (m *Memory) SavePending(_ context.Context, items []remittance.PendingItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range items {
		m.pending[scoped(p.OrgID, p.ID)] = p
	}
	return nil
}

func (m *Memory) DeletePending(_ context.Context, orgID string, ids []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for _, id := range ids {
		k := scoped(orgID, id)
		if _, ok := m.pending[k]; ok {
			delete(m.pending, k)
			deleted++
		}
	}
	return deleted, nil
}

// =============================================================================
// LEASES
// =============================================================================

func (m *Memory) AcquireLease(_ context.Context, key, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	if l, ok := m.leases[key]; ok && now.Before(l.expiresAt) {
		return false, nil
	}
	m.leases[key] = lease{holder: holder, expiresAt: now.Add(ttl)}
	return true, nil
}

func (m *Memory) RenewLease(_ context.Context, key, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[key]
	if !ok || l.holder != holder {
		return false, nil
	}
	l.expiresAt = m.Now().Add(ttl)
	m.leases[key] = l
	return true, nil
}

func (m *Memory) ReleaseLease(_ context.Context, key, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.leases[key]; ok && l.holder == holder {
		delete(m.leases, key)
	}
	return nil
}

// LeaseHolder returns the current holder of key and whether it is live.
func (m *Memory) LeaseHolder(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.leases[key]
	if !ok {
		return "", false
	}
	return l.holder, m.Now().Before(l.expiresAt)
}
