package remittance

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// INPUT HASH - Order-independent fingerprint of a remittance's intended items
// =============================================================================

// canonicalItem is the hash-relevant projection of an Item. Name and RowIndex
// do not participate.
type canonicalItem struct {
	ContactID   string `json:"contactId"`
	AmountCents int64  `json:"amountCents"`
	IBAN        string `json:"iban"`
	TaxID       string `json:"taxId"`
}

type canonicalInput struct {
	ParentID string          `json:"parentId"`
	Items    []canonicalItem `json:"items"`
}

// NormalizeIBAN uppercases and strips all whitespace.
func NormalizeIBAN(iban string) string {
	return strings.ToUpper(strings.Join(strings.Fields(iban), ""))
}

// NormalizeTaxID trims and uppercases.
func NormalizeTaxID(taxID string) string {
	return strings.ToUpper(strings.TrimSpace(taxID))
}

// NormalizeItem returns item with contact, iban and tax id in canonical form.
func NormalizeItem(item Item) Item {
	item.ContactID = strings.TrimSpace(item.ContactID)
	item.IBAN = NormalizeIBAN(item.IBAN)
	item.TaxID = NormalizeTaxID(item.TaxID)
	return item
}

// ComputeInputHash returns the hex SHA-256 of the parent id and the
// normalized items, sorted so that row order never matters.
func ComputeInputHash(parentID string, items []Item) string {
	canon := make([]canonicalItem, len(items))
	for i, it := range items {
		n := NormalizeItem(it)
		canon[i] = canonicalItem{
			ContactID:   n.ContactID,
			AmountCents: n.AmountCents,
			IBAN:        n.IBAN,
			TaxID:       n.TaxID,
		}
	}
	sort.Slice(canon, func(i, j int) bool {
		a, b := canon[i], canon[j]
		if a.ContactID != b.ContactID {
			return a.ContactID < b.ContactID
		}
		if a.AmountCents != b.AmountCents {
			return a.AmountCents < b.AmountCents
		}
		if a.IBAN != b.IBAN {
			return a.IBAN < b.IBAN
		}
		return a.TaxID < b.TaxID
	})

	// Marshal of plain strings and ints cannot fail.
	payload, _ := json.Marshal(canonicalInput{ParentID: parentID, Items: canon})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// MONEY CONVERSION
// =============================================================================

var (
	maxCents = decimal.NewFromInt(math.MaxInt64)
	minCents = decimal.NewFromInt(math.MinInt64)
)

// ToCents converts a euro amount to integer cents, rounding half away from
// zero to absorb binary floating-point noise. NaN, Inf and amounts outside
// the int64 cents range are rejected.
func ToCents(euros float64) (int64, error) {
	if math.IsNaN(euros) || math.IsInf(euros, 0) {
		return 0, &ValidationError{Field: "amount", Reason: "must be a finite number"}
	}
	return DecimalToCents(decimal.NewFromFloat(euros).Round(2))
}

// DecimalToCents converts an exact euro decimal to cents. Sub-cent precision
// and amounts outside the int64 cents range are rejected, never rounded or
// wrapped.
func DecimalToCents(euros decimal.Decimal) (int64, error) {
	cents := euros.Shift(2)
	if !cents.IsInteger() {
		return 0, &ValidationError{Field: "amount", Reason: fmt.Sprintf("%s has more than two decimals", euros)}
	}
	if cents.GreaterThan(maxCents) || cents.LessThan(minCents) {
		return 0, &ValidationError{Field: "amount", Reason: fmt.Sprintf("%s is out of range", euros)}
	}
	return cents.IntPart(), nil
}

// ToEuros converts cents to an exact euro decimal.
func ToEuros(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
