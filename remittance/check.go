package remittance

import (
	"context"
	"errors"
	"fmt"
)

// Issue codes reported by Check besides the invariant codes.
const (
	IssueUntrackedChildren = "UNTRACKED_CHILDREN"
	IssueMissingRecord     = "MISSING_RECORD"
	IssueRepairPending     = "REPAIR_PENDING"
	IssueSummaryDrift      = "SUMMARY_DRIFT"
)

// Issue is one inconsistency found by Check.
type Issue struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Expected int64  `json:"expected"`
	Actual   int64  `json:"actual"`
}

// CheckDetails are the raw numbers behind a CheckReport.
type CheckDetails struct {
	ParentAmountCents int64  `json:"parentAmountCents"`
	ActiveCount       int    `json:"activeCount"`
	ListedCount       int    `json:"listedCount"`
	ListedActiveCount int    `json:"listedActiveCount"`
	ActiveSumCents    int64  `json:"activeSumCents"`
	PendingCount      int    `json:"pendingCount"`
	PendingTotalCents int64  `json:"pendingTotalCents"`
	Legacy            bool   `json:"legacy"`
	InputHash         string `json:"inputHash,omitempty"`
}

// CheckReport is the read-only consistency verdict for one remittance.
type CheckReport struct {
	ParentID   string       `json:"parentId"`
	Status     Status       `json:"status"`
	Consistent bool         `json:"consistent"`
	Issues     []Issue      `json:"issues"`
	Details    CheckDetails `json:"details"`
}

func (r *CheckReport) add(issue Issue) {
	r.Issues = append(r.Issues, issue)
}

func (r *CheckReport) addInvariant(err error) {
	var inv *InvariantError
	if errors.As(err, &inv) {
		r.add(Issue{Code: string(inv.Code), Message: inv.Message, Expected: inv.Expected, Actual: inv.Actual})
	}
}

// Check recomputes active children, sum and count without locking or writing.
func (o *Orchestrator) Check(ctx context.Context, req Request) (report *CheckReport, err error) {
	start := o.now()
	defer func() {
		o.rec.ObserveOperation(string(OpCheck), string(OutcomeOf(err)), o.now().Sub(start).Seconds())
	}()

	parent, record, err := o.lookup(ctx, req)
	if err != nil {
		return nil, err
	}
	return o.inspect(ctx, parent, record)
}

func (o *Orchestrator) inspect(ctx context.Context, parent *ParentTransaction, rec *Record) (*CheckReport, error) {
	report := &CheckReport{ParentID: parent.ID, Status: rec.Status(), Issues: []Issue{}}

	scanned, err := o.children.ActiveChildren(ctx, parent.OrgID, parent.ID, nil)
	if err != nil {
		return nil, err
	}
	pending, err := o.store.ListPending(ctx, parent.OrgID, parent.ID)
	if err != nil {
		return nil, fmt.Errorf("load staged items: %w", err)
	}

	d := &report.Details
	d.ParentAmountCents = parent.AmountCents
	d.ActiveCount = len(scanned)
	var sumOK bool
	d.ActiveSumCents, sumOK = sumChildren(scanned)
	d.PendingCount = len(pending)
	for _, p := range pending {
		d.PendingTotalCents, _ = addCents(d.PendingTotalCents, p.Item.AmountCents)
	}

	// sumRule applies R-SUM-1 to the scanned children; an overflowing total
	// always violates it.
	sumRule := func(exact bool) error {
		switch {
		case !sumOK:
			return sumOverflow(parent.AmountCents)
		case exact:
			return AssertSumInvariantExact(parent.AmountCents, d.ActiveSumCents)
		}
		return AssertSumInvariant(parent.AmountCents, d.ActiveSumCents)
	}

	if rec == nil {
		if len(scanned) > 0 {
			report.add(Issue{
				Code:    IssueMissingRecord,
				Message: "active children exist without a remittance record, run sanitize",
				Actual:  int64(len(scanned)),
			})
			report.addInvariant(sumRule(false))
		}
		report.Consistent = len(report.Issues) == 0
		return report, nil
	}

	d.Legacy = rec.Legacy
	d.InputHash = rec.InputHash
	d.ListedCount = len(rec.ChildIDs)

	switch rec.Status() {
	case StatusUndone, StatusUndoneLegacy:
		report.addInvariant(AssertCountInvariant([]string{}, len(scanned)))
	default:
		if rec.Status() == StatusRepairedPending {
			report.add(Issue{Code: IssueRepairPending, Message: "a repair has not completed"})
		}
		listed, err := o.children.ActiveChildren(ctx, parent.OrgID, parent.ID, rec.AuthoritativeIDs())
		if err != nil {
			return nil, err
		}
		d.ListedActiveCount = len(listed)
		report.addInvariant(AssertCountInvariant(rec.ChildIDs, len(listed)))
		if len(scanned) > len(listed) {
			report.add(Issue{
				Code:     IssueUntrackedChildren,
				Message:  "active children exist outside the authoritative list",
				Expected: int64(len(listed)),
				Actual:   int64(len(scanned)),
			})
		}
		report.addInvariant(sumRule(!rec.Legacy))
	}

	if parent.Summary != rec.Summary {
		report.add(Issue{Code: IssueSummaryDrift, Message: "parent summary differs from the remittance record"})
	}

	report.Consistent = len(report.Issues) == 0
	return report, nil
}
