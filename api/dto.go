/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:

	Defines the JSON structures for API communication. These types decouple
	the remittance domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:

	Amounts travel as integer cents (amountCents). Clients that only have a
	euro figure may send "amount" instead; it is parsed as a decimal and must
	carry at most two decimals and fit in int64 cents. Responses carry both
	cents and a euro string.

SEE ALSO:
  - handlers.go: Uses these types
  - remittance/types.go: Domain types
*/
package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/remittance-engine/remittance"
)

// =============================================================================
// REQUESTS
// =============================================================================

// RemittanceRequest is the body of process, repair, undo, sanitize and stage.
type RemittanceRequest struct {
	OrgID      string    `json:"orgId"`
	ParentTxID string    `json:"parentTxId"`
	Items      []ItemDTO `json:"items,omitempty"`
}

// ItemDTO is one intended child line.
type ItemDTO struct {
	ContactID   string           `json:"contactId"`
	AmountCents *int64           `json:"amountCents,omitempty"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	IBAN        string           `json:"iban,omitempty"`
	TaxID       string           `json:"taxId,omitempty"`
	Name        string           `json:"name,omitempty"`
	RowIndex    int              `json:"rowIndex,omitempty"`
}

// toItems converts request items. A nil slice stays nil so the engine falls
// back to staged rows.
func toItems(dtos []ItemDTO) ([]remittance.Item, error) {
	if dtos == nil {
		return nil, nil
	}
	items := make([]remittance.Item, len(dtos))
	for i, d := range dtos {
		var cents int64
		switch {
		case d.AmountCents != nil:
			cents = *d.AmountCents
		case d.Amount != nil:
			c, err := remittance.DecimalToCents(*d.Amount)
			if err != nil {
				var ve *remittance.ValidationError
				if errors.As(err, &ve) {
					return nil, &remittance.ValidationError{Field: fmt.Sprintf("items[%d].amount", i), Reason: ve.Reason}
				}
				return nil, err
			}
			cents = c
		default:
			return nil, &remittance.ValidationError{Field: fmt.Sprintf("items[%d].amountCents", i), Reason: "is required"}
		}
		items[i] = remittance.Item{
			ContactID:   d.ContactID,
			AmountCents: cents,
			IBAN:        d.IBAN,
			TaxID:       d.TaxID,
			Name:        d.Name,
			RowIndex:    d.RowIndex,
		}
	}
	return items, nil
}

// =============================================================================
// RESPONSES
// =============================================================================

// EurosDTO mirrors Totals as euro strings with two decimals.
type EurosDTO struct {
	Expected string `json:"expected"`
	Resolved string `json:"resolved"`
	Pending  string `json:"pending"`
}

func toEuros(t remittance.Totals) EurosDTO {
	return EurosDTO{
		Expected: remittance.ToEuros(t.ExpectedCents).StringFixed(2),
		Resolved: remittance.ToEuros(t.ResolvedCents).StringFixed(2),
		Pending:  remittance.ToEuros(t.PendingCents).StringFixed(2),
	}
}

// OperationResponse is returned by every mutating endpoint, no-ops included.
type OperationResponse struct {
	Operation      remittance.Operation      `json:"operation"`
	Status         remittance.Status         `json:"status"`
	Outcome        remittance.Outcome        `json:"outcome"`
	Idempotent     bool                      `json:"idempotent"`
	SanitizeAction remittance.SanitizeAction `json:"sanitizeAction,omitempty"`
	InputHash      string                    `json:"inputHash,omitempty"`
	Counts         remittance.Counts         `json:"counts"`
	Totals         remittance.Totals         `json:"totals"`
	TotalsEUR      EurosDTO                  `json:"totalsEur"`
	Created        int                       `json:"created"`
	Archived       int                       `json:"archived"`
}

func toOperationResponse(res *remittance.Result) OperationResponse {
	return OperationResponse{
		Operation:      res.Operation,
		Status:         res.Status,
		Outcome:        res.Outcome,
		Idempotent:     res.Idempotent,
		SanitizeAction: res.SanitizeAction,
		InputHash:      res.InputHash,
		Counts:         res.Counts,
		Totals:         res.Totals,
		TotalsEUR:      toEuros(res.Totals),
		Created:        res.Created,
		Archived:       res.Archived,
	}
}

// RecordDTO represents a remittance record in API responses.
type RecordDTO struct {
	ParentTxID    string             `json:"parentTxId"`
	OrgID         string             `json:"orgId"`
	Summary       remittance.Summary `json:"summary"`
	InputHash     string             `json:"inputHash,omitempty"`
	ChildIDs      []string           `json:"childIds"`
	Legacy        bool               `json:"legacy"`
	LastOperation string             `json:"lastOperation,omitempty"`
	LastActorID   string             `json:"lastActorId,omitempty"`
	CreatedAt     time.Time          `json:"createdAt"`
	UpdatedAt     time.Time          `json:"updatedAt"`
}

func toRecordDTO(r *remittance.Record) RecordDTO {
	ids := r.ChildIDs
	if ids == nil {
		ids = []string{}
	}
	return RecordDTO{
		ParentTxID:    r.ParentID,
		OrgID:         r.OrgID,
		Summary:       r.Summary,
		InputHash:     r.InputHash,
		ChildIDs:      ids,
		Legacy:        r.Legacy,
		LastOperation: string(r.LastOperation),
		LastActorID:   r.LastActorID,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

// InvariantDetails explains a blocked_by_invariant error.
type InvariantDetails struct {
	Code     remittance.InvariantCode `json:"code"`
	Expected int64                    `json:"expected"`
	Actual   int64                    `json:"actual"`
	Message  string                   `json:"message"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}
