/*
types.go - Core domain types for the remittance engine

PURPOSE:

	Defines the records the engine reads and writes. A remittance is a single
	bulk bank movement (the parent) that is split into many individually
	attributable child transactions.

KEY TYPES:

	ParentTransaction: Bank-imported bulk movement. Never created here.
	ChildTransaction:  One resolved line item. Archived, never deleted.
	Record:            Per-parent remittance metadata (status, hash, counts).
	PendingItem:       Transient staging row. Hard-deleted once consumed.
	Item:              One intended line item, the input to Process/Repair.

AMOUNTS:

	Every amount is an int64 number of cents. Euro values only exist at the
	API boundary (see ToCents/ToEuros in hash.go).

SEE ALSO:
  - store.go: Persistence interfaces for these types
  - orchestrator.go: The operations that mutate them
*/
package remittance

import (
	"math"
	"strings"
	"time"
)

// =============================================================================
// STATUS
// =============================================================================

// Status is the remittance lifecycle state stored on the Record.
type Status string

const (
	StatusNone            Status = "none"
	StatusProcessed       Status = "processed"
	StatusUndone          Status = "undone"
	StatusUndoneLegacy    Status = "undone_legacy"
	StatusRepairedPending Status = "repaired-pending"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusNone, StatusProcessed, StatusUndone, StatusUndoneLegacy, StatusRepairedPending:
		return true
	}
	return false
}

// Direction of the bank movement relative to the organization.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// RemittanceType is the declared kind of bulk movement.
type RemittanceType string

const (
	TypeDonations RemittanceType = "donations"
	TypeReturns   RemittanceType = "returns"
	TypePayments  RemittanceType = "payments"
)

// =============================================================================
// PARENT
// =============================================================================

// Summary is the fixed remittance field set. It is stored on the Record and
// mirrored onto the parent transaction for cheap reads.
type Summary struct {
	IsRemittance        bool           `json:"isRemittance"`
	RemittanceID        string         `json:"remittanceId"`
	RemittanceType      RemittanceType `json:"remittanceType"`
	RemittanceDirection Direction      `json:"remittanceDirection"`
	RemittanceStatus    Status         `json:"remittanceStatus"`

	RemittanceItemCount     int `json:"remittanceItemCount"`
	RemittanceResolvedCount int `json:"remittanceResolvedCount"`
	RemittancePendingCount  int `json:"remittancePendingCount"`

	RemittanceExpectedTotalCents int64 `json:"remittanceExpectedTotalCents"`
	RemittanceResolvedTotalCents int64 `json:"remittanceResolvedTotalCents"`
	RemittancePendingTotalCents  int64 `json:"remittancePendingTotalCents"`
}

// ParentTransaction is the bank-imported bulk movement.
type ParentTransaction struct {
	ID             string
	OrgID          string
	AmountCents    int64
	Date           time.Time
	Direction      Direction
	RemittanceType RemittanceType
	Category       string
	Counterpart    string
	Summary        Summary
}

// IsInboundCollection reports whether the parent is an incoming remittance
// that may be split into children. A category naming another remittance
// type (returns, payments) disqualifies it; free-form accounting categories
// do not.
func (p ParentTransaction) IsInboundCollection() bool {
	if p.Direction != DirectionIn || p.AmountCents <= 0 {
		return false
	}
	if p.RemittanceType != "" && p.RemittanceType != TypeDonations {
		return false
	}
	switch RemittanceType(strings.ToLower(strings.TrimSpace(p.Category))) {
	case TypeReturns, TypePayments:
		return false
	}
	return true
}

// =============================================================================
// CHILDREN
// =============================================================================

// ChildState is the explicit active/archived tag on a child transaction.
type ChildState string

const (
	ChildActive   ChildState = "active"
	ChildArchived ChildState = "archived"
)

// ArchiveReason records why a child was soft-archived.
type ArchiveReason string

const (
	ArchiveUndo   ArchiveReason = "remittance_undo"
	ArchiveRepair ArchiveReason = "remittance_repair"
)

// ChildTransaction is one resolved line item of a remittance.
type ChildTransaction struct {
	ID                  string
	OrgID               string
	ParentTransactionID string
	ContactID           string
	AmountCents         int64
	IBAN                string
	TaxID               string
	Date                time.Time
	State               ChildState
	CreatedAt           time.Time
	CreatedBy           string
	ArchivedAt          *time.Time
	ArchivedBy          string
	ArchiveReason       ArchiveReason
}

// Active reports whether the child counts towards the remittance.
func (c ChildTransaction) Active() bool {
	return c.State != ChildArchived && c.ArchivedAt == nil
}

// Archive carries the fields set on every child by a soft-archive batch.
type Archive struct {
	At     time.Time
	By     string
	Reason ArchiveReason
}

// =============================================================================
// RECORD
// =============================================================================

// Record is the per-parent remittance metadata. Never deleted.
type Record struct {
	ParentID  string
	OrgID     string
	Summary   Summary
	InputHash string
	// ChildIDs is the authoritative list of children written by the last
	// Process/Repair. Empty (not nil) once undone.
	ChildIDs      []string
	Legacy        bool
	LastOperation Operation
	LastActorID   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Status returns the record status, StatusNone for a nil record.
func (r *Record) Status() Status {
	if r == nil || r.Summary.RemittanceStatus == "" {
		return StatusNone
	}
	return r.Summary.RemittanceStatus
}

// AuthoritativeIDs returns the child id list, or nil when there is no record.
// A present record always yields a non-nil slice.
func (r *Record) AuthoritativeIDs() []string {
	if r == nil {
		return nil
	}
	if r.ChildIDs == nil {
		return []string{}
	}
	return r.ChildIDs
}

// =============================================================================
// INPUT
// =============================================================================

// Item is one intended line item of a remittance.
type Item struct {
	ContactID   string `json:"contactId"`
	AmountCents int64  `json:"amountCents"`
	IBAN        string `json:"iban,omitempty"`
	TaxID       string `json:"taxId,omitempty"`
	Name        string `json:"name,omitempty"`
	// RowIndex is the source-file row. Not part of the input hash.
	RowIndex int `json:"rowIndex,omitempty"`
}

// PendingItem is a staging row written mid-import, before children exist.
type PendingItem struct {
	ID        string
	OrgID     string
	ParentID  string
	Item      Item
	CreatedAt time.Time
}

// Counts groups the item counters reported by every operation.
type Counts struct {
	Expected int `json:"expected"`
	Resolved int `json:"resolved"`
	Pending  int `json:"pending"`
}

// Totals groups the cent totals reported by every operation.
type Totals struct {
	ExpectedCents int64 `json:"expectedCents"`
	ResolvedCents int64 `json:"resolvedCents"`
	PendingCents  int64 `json:"pendingCents"`
}

func countsOf(s Summary) Counts {
	return Counts{
		Expected: s.RemittanceItemCount,
		Resolved: s.RemittanceResolvedCount,
		Pending:  s.RemittancePendingCount,
	}
}

func totalsOf(s Summary) Totals {
	return Totals{
		ExpectedCents: s.RemittanceExpectedTotalCents,
		ResolvedCents: s.RemittanceResolvedTotalCents,
		PendingCents:  s.RemittancePendingTotalCents,
	}
}

// addCents adds cents to total. ok is false when the result leaves the int64
// range; total is then saturated.
func addCents(total, cents int64) (sum int64, ok bool) {
	switch {
	case cents > 0 && total > math.MaxInt64-cents:
		return math.MaxInt64, false
	case cents < 0 && total < math.MinInt64-cents:
		return math.MinInt64, false
	}
	return total + cents, true
}

// sumChildren totals child amounts. ok is false on int64 overflow.
func sumChildren(children []ChildTransaction) (int64, bool) {
	var total int64
	for _, c := range children {
		var ok bool
		if total, ok = addCents(total, c.AmountCents); !ok {
			return total, false
		}
	}
	return total, true
}

func childIDs(children []ChildTransaction) []string {
	ids := make([]string, len(children))
	for i, c := range children {
		ids[i] = c.ID
	}
	return ids
}
