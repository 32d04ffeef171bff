package remittance

import (
	"fmt"
	"math"
)

// =============================================================================
// INVARIANT CHECKER - Pure assertions over a remittance's children
// =============================================================================

// SumToleranceCents bounds the legacy reconciliation variant of R-SUM-1.
// Fresh Process/Repair always use the exact rule.
const SumToleranceCents int64 = 2

// AssertSumInvariantExact fails with R-SUM-1 unless sumCents == parentCents.
func AssertSumInvariantExact(parentCents, sumCents int64) error {
	if parentCents != sumCents {
		return &InvariantError{
			Code:     CodeSum,
			Expected: parentCents,
			Actual:   sumCents,
			Message:  "active children do not sum to the parent amount",
		}
	}
	return nil
}

// AssertSumInvariant fails with R-SUM-1 unless |parentCents - sumCents| is
// within SumToleranceCents. Only for legacy data.
func AssertSumInvariant(parentCents, sumCents int64) error {
	diff := parentCents - sumCents
	if diff < 0 {
		diff = -diff
	}
	if diff > SumToleranceCents {
		return &InvariantError{
			Code:     CodeSum,
			Expected: parentCents,
			Actual:   sumCents,
			Message:  fmt.Sprintf("active children differ from the parent amount by more than %d cents", SumToleranceCents),
		}
	}
	return nil
}

// sumOverflow is the R-SUM-1 failure for amounts whose total does not fit in
// int64 cents. No parent amount can match such a total.
func sumOverflow(parentCents int64) error {
	return &InvariantError{
		Code:     CodeSum,
		Expected: parentCents,
		Actual:   math.MaxInt64,
		Message:  "amounts overflow the cents range",
	}
}

// assertItemsSumExact applies the exact R-SUM-1 rule to an item set.
func assertItemsSumExact(parentCents int64, items []Item) error {
	sum, ok := sumItems(items)
	if !ok {
		return sumOverflow(parentCents)
	}
	return AssertSumInvariantExact(parentCents, sum)
}

// AssertCountInvariant fails with R-COUNT-1 unless the authoritative id list
// has exactly activeCount entries.
func AssertCountInvariant(ids []string, activeCount int) error {
	if len(ids) != activeCount {
		return &InvariantError{
			Code:     CodeCount,
			Expected: int64(len(ids)),
			Actual:   int64(activeCount),
			Message:  "authoritative child list does not match active children",
		}
	}
	return nil
}

// IdempotenceDecision is the outcome of CheckIdempotence.
type IdempotenceDecision struct {
	ShouldProcess bool
	Reason        string
}

// CheckIdempotence decides whether an operation must write. An undone (or
// repair-pending) remittance is always reprocessed even with an identical hash.
func CheckIdempotence(existingHash, newHash string, status Status) IdempotenceDecision {
	switch {
	case existingHash == "":
		return IdempotenceDecision{ShouldProcess: true, Reason: "no previous input"}
	case status == StatusUndone || status == StatusUndoneLegacy:
		return IdempotenceDecision{ShouldProcess: true, Reason: "remittance was undone"}
	case status == StatusRepairedPending:
		return IdempotenceDecision{ShouldProcess: true, Reason: "repair did not complete"}
	case existingHash != newHash:
		return IdempotenceDecision{ShouldProcess: true, Reason: "input changed"}
	}
	return IdempotenceDecision{ShouldProcess: false, Reason: "identical input already applied"}
}
