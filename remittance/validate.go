package remittance

import (
	"fmt"
	"strings"
)

// Every document headed for storage passes through one of these checks first,
// so nothing partially invalid is ever written.

// ValidateItems rejects item sets that are empty or carry a missing contact
// or a non-positive amount.
func ValidateItems(items []Item) error {
	if len(items) == 0 {
		return &ValidationError{Field: "items", Reason: "at least one item is required"}
	}
	for i, it := range items {
		if strings.TrimSpace(it.ContactID) == "" {
			return &ValidationError{Field: fmt.Sprintf("items[%d].contactId", i), Reason: "is required"}
		}
		if it.AmountCents <= 0 {
			return &ValidationError{Field: fmt.Sprintf("items[%d].amountCents", i), Reason: "must be positive"}
		}
	}
	return nil
}

// ValidateStagedItems is the staging variant: contact may still be unresolved.
func ValidateStagedItems(items []Item) error {
	if len(items) == 0 {
		return &ValidationError{Field: "items", Reason: "at least one item is required"}
	}
	for i, it := range items {
		if it.AmountCents <= 0 {
			return &ValidationError{Field: fmt.Sprintf("items[%d].amountCents", i), Reason: "must be positive"}
		}
	}
	return nil
}

// ValidateItemAmounts rejects any item larger than the parent amount. No
// such item can be part of a split that sums to the parent.
func ValidateItemAmounts(items []Item, parentCents int64) error {
	for i, it := range items {
		if it.AmountCents > parentCents {
			return &ValidationError{
				Field:  fmt.Sprintf("items[%d].amountCents", i),
				Reason: fmt.Sprintf("%d exceeds the parent amount %d", it.AmountCents, parentCents),
			}
		}
	}
	return nil
}

func validateChild(c ChildTransaction) error {
	switch {
	case c.ID == "":
		return &ValidationError{Field: "child.id", Reason: "is required"}
	case c.OrgID == "":
		return &ValidationError{Field: "child.orgId", Reason: "is required"}
	case c.ParentTransactionID == "":
		return &ValidationError{Field: "child.parentTransactionId", Reason: "is required"}
	case c.ContactID == "":
		return &ValidationError{Field: "child.contactId", Reason: "is required"}
	case c.AmountCents <= 0:
		return &ValidationError{Field: "child.amountCents", Reason: "must be positive"}
	}
	return nil
}

func validateRecord(r Record) error {
	s := r.Summary
	switch {
	case r.ParentID == "" || r.OrgID == "":
		return &ValidationError{Field: "record", Reason: "parent and org are required"}
	case !s.RemittanceStatus.Valid():
		return &ValidationError{Field: "record.remittanceStatus", Reason: fmt.Sprintf("unknown status %q", s.RemittanceStatus)}
	case s.RemittanceItemCount < 0 || s.RemittanceResolvedCount < 0 || s.RemittancePendingCount < 0:
		return &ValidationError{Field: "record.counts", Reason: "must not be negative"}
	case s.RemittanceResolvedTotalCents < 0 || s.RemittancePendingTotalCents < 0 || s.RemittanceExpectedTotalCents < 0:
		return &ValidationError{Field: "record.totals", Reason: "must not be negative"}
	}
	return nil
}
