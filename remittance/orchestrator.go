/*
orchestrator.go - Guarded remittance operations

PURPOSE:

	Composes the hasher, invariant checker, lock manager and child record
	store into the Process / Repair / Undo / Sanitize transitions (and the
	read-only Check in check.go).

GUARD SEQUENCE (every mutating operation):
 1. Authorize the caller as an org admin
 2. Load the parent, reject non-inbound parents for Process/Repair
 3. Acquire the per-parent lease (fail fast, retryable)
 4. Load the record under the lease, hash the input, check idempotence
 5. Operation-specific child mutation, chunked
 6. Re-assert R-SUM-1 / R-COUNT-1 over a full scan of active children.
    On violation the final status write is skipped.
 7. Persist record + parent mirror, then release the lease (deferred)

PARTIAL FAILURE:

	Chunk commits are not atomic as a whole. A crash between chunks leaves
	children the record does not list; the next Process refuses to write
	over them and Check reports them until a Repair runs.

SEE ALSO:
  - transitions.go: Which status each operation may start from
  - check.go: Read-only consistency report
*/
package remittance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Config holds optional orchestrator collaborators.
type Config struct {
	BatchSize  int
	Authorizer Authorizer
	Recorder   Recorder
	Logger     *zap.Logger
	Now        func() time.Time
	NewID      func() string
}

// Orchestrator runs remittance operations.
type Orchestrator struct {
	store    Store
	children *ChildRecords
	locks    *LockManager
	auth     Authorizer
	rec      Recorder
	log      *zap.Logger
	now      func() time.Time
	newID    func() string
}

// NewOrchestrator wires an orchestrator over store and locks.
func NewOrchestrator(store Store, locks *LockManager, cfg Config) *Orchestrator {
	o := &Orchestrator{
		store: store,
		locks: locks,
		auth:  cfg.Authorizer,
		rec:   cfg.Recorder,
		log:   cfg.Logger,
		now:   cfg.Now,
		newID: cfg.NewID,
	}
	if o.auth == nil {
		o.auth = OrgAdminAuthorizer{}
	}
	if o.rec == nil {
		o.rec = nopRecorder{}
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	if o.now == nil {
		o.now = func() time.Time { return time.Now().UTC() }
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	o.children = NewChildRecords(store, cfg.BatchSize, o.log)
	return o
}

// Request is the input of every operation.
type Request struct {
	OrgID    string
	ParentID string
	// Items is the intended content. Nil means "use the staged rows".
	Items []Item
	Actor Actor
}

// Result is returned by every successful operation, including no-ops.
type Result struct {
	Operation      Operation      `json:"operation"`
	Status         Status         `json:"status"`
	Outcome        Outcome        `json:"outcome"`
	Idempotent     bool           `json:"idempotent"`
	SanitizeAction SanitizeAction `json:"sanitizeAction,omitempty"`
	InputHash      string         `json:"inputHash,omitempty"`
	Counts         Counts         `json:"counts"`
	Totals         Totals         `json:"totals"`
	Created        int            `json:"created"`
	Archived       int            `json:"archived"`
}

// OutcomeOf classifies an operation error.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeApplied
	case IsInvariantViolation(err):
		return OutcomeBlockedInvariant
	case IsRetryable(err):
		return OutcomeBlockedContention
	}
	return OutcomeFailed
}

type opState struct {
	req    Request
	parent *ParentTransaction
	record *Record
	lease  *Lease
}

func (st *opState) recordHash() string {
	if st.record == nil {
		return ""
	}
	return st.record.InputHash
}

// run executes the shared guard sequence around fn.
func (o *Orchestrator) run(ctx context.Context, op Operation, req Request, fn func(context.Context, *opState) (*Result, error)) (res *Result, err error) {
	start := o.now()
	log := o.log.With(
		zap.String("operation", string(op)),
		zap.String("org_id", req.OrgID),
		zap.String("parent_id", req.ParentID))
	defer func() {
		outcome := OutcomeOf(err)
		if res != nil && err == nil {
			outcome = res.Outcome
		}
		o.rec.ObserveOperation(string(op), string(outcome), o.now().Sub(start).Seconds())
		if err != nil {
			log.Warn("remittance operation failed", zap.String("outcome", string(outcome)), zap.Error(err))
			return
		}
		log.Info("remittance operation finished",
			zap.String("outcome", string(outcome)),
			zap.String("status", string(res.Status)),
			zap.Int("created", res.Created),
			zap.Int("archived", res.Archived))
	}()

	if req.OrgID == "" {
		return nil, &ValidationError{Field: "orgId", Reason: "is required"}
	}
	if req.ParentID == "" {
		return nil, &ValidationError{Field: "parentTxId", Reason: "is required"}
	}
	if err := o.auth.Authorize(ctx, req.Actor, req.OrgID); err != nil {
		return nil, err
	}

	t := transitions[op]
	parent, err := o.store.GetParent(ctx, req.OrgID, req.ParentID)
	if err != nil {
		return nil, err
	}
	if t.inbound && !parent.IsInboundCollection() {
		return nil, fmt.Errorf("%s %s (direction %q, type %q, category %q): %w",
			op, parent.ID, parent.Direction, parent.RemittanceType, parent.Category, ErrNotInbound)
	}
	if req.Items != nil && t.validate != nil {
		if err := t.validate(req.Items); err != nil {
			return nil, err
		}
		if err := ValidateItemAmounts(req.Items, parent.AmountCents); err != nil {
			return nil, err
		}
	}

	lease, err := o.locks.AcquireLockWithHeartbeat(ctx, LockKey(req.OrgID, req.ParentID))
	if err != nil {
		if IsLockError(err) {
			o.rec.IncLockContention(string(op))
		}
		return nil, err
	}
	defer func() {
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			log.Warn("lease release failed", zap.Error(rerr))
		}
	}()

	record, err := o.store.GetRecord(ctx, req.OrgID, req.ParentID)
	if err != nil {
		return nil, fmt.Errorf("load remittance record: %w", err)
	}

	return fn(ctx, &opState{req: req, parent: parent, record: record, lease: lease})
}

// =============================================================================
// PROCESS
// =============================================================================

// Process splits the parent into children built from the request items (or
// the staged rows). Replaying identical input is a no-op.
func (o *Orchestrator) Process(ctx context.Context, req Request) (*Result, error) {
	return o.run(ctx, OpProcess, req, func(ctx context.Context, st *opState) (*Result, error) {
		t := transitions[OpProcess]
		status := st.record.Status()

		items, err := o.resolveItems(ctx, st)
		if err != nil {
			return nil, err
		}
		if items == nil {
			return nil, &ValidationError{Field: "items", Reason: "no items given and nothing staged"}
		}

		hash := ComputeInputHash(st.parent.ID, items)
		if !CheckIdempotence(st.recordHash(), hash, status).ShouldProcess {
			// Staged rows left behind by a crash after the record write.
			if _, err := o.consumePending(ctx, st); err != nil {
				return nil, err
			}
			return o.noop(OpProcess, st.record, hash), nil
		}
		if !t.allows(status) {
			return nil, t.reject(OpProcess, status)
		}
		if err := assertItemsSumExact(st.parent.AmountCents, items); err != nil {
			return nil, o.blocked(OpProcess, st, err)
		}

		existing, err := o.children.ActiveChildren(ctx, st.req.OrgID, st.parent.ID, nil)
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			return nil, o.blocked(OpProcess, st, &InvariantError{
				Code:     CodeCount,
				Expected: 0,
				Actual:   int64(len(existing)),
				Message:  "untracked active children exist, run repair",
			})
		}

		created, err := o.writeChildren(ctx, st, items)
		if err != nil {
			return nil, err
		}
		res, err := o.finalize(ctx, st, OpProcess, hash, items, created)
		if err != nil {
			return nil, err
		}
		res.Created = len(created)
		return res, nil
	})
}

// =============================================================================
// REPAIR
// =============================================================================

// Repair archives every active child and recreates children from the current
// input, under one lease. Input falls back to staged rows, then to the
// currently active children.
func (o *Orchestrator) Repair(ctx context.Context, req Request) (*Result, error) {
	return o.run(ctx, OpRepair, req, func(ctx context.Context, st *opState) (*Result, error) {
		t := transitions[OpRepair]
		status := st.record.Status()

		current, err := o.children.AllActiveChildren(ctx, st.req.OrgID, st.parent.ID, st.record.AuthoritativeIDs())
		if err != nil {
			return nil, err
		}

		items, err := o.resolveItems(ctx, st)
		if err != nil {
			return nil, err
		}
		if items == nil {
			items = itemsFromChildren(current)
		}
		if len(items) == 0 {
			return nil, &ValidationError{Field: "items", Reason: "no items given, staged or active"}
		}

		hash := ComputeInputHash(st.parent.ID, items)
		if !CheckIdempotence(st.recordHash(), hash, status).ShouldProcess {
			report, err := o.inspect(ctx, st.parent, st.record)
			if err != nil {
				return nil, err
			}
			if report.Consistent {
				return o.noop(OpRepair, st.record, hash), nil
			}
		}
		if !t.allows(status) {
			return nil, t.reject(OpRepair, status)
		}
		if err := assertItemsSumExact(st.parent.AmountCents, items); err != nil {
			return nil, o.blocked(OpRepair, st, err)
		}

		// Readers see repaired-pending, never an empty processed remittance.
		marker := o.baseSummary(st)
		if st.record != nil {
			marker = st.record.Summary
		}
		marker.RemittanceStatus = StatusRepairedPending
		if err := o.saveRecord(ctx, st, OpRepair, marker, st.recordHash(), st.record.AuthoritativeIDs(), false); err != nil {
			return nil, err
		}

		archived, err := o.children.SoftArchiveTransactionsByIDs(ctx, st.req.OrgID, childIDs(current), o.archive(st, ArchiveRepair))
		o.rec.AddChildrenArchived(archived)
		if err != nil {
			return nil, err
		}

		created, err := o.writeChildren(ctx, st, items)
		if err != nil {
			return nil, err
		}
		res, err := o.finalize(ctx, st, OpRepair, hash, items, created)
		if err != nil {
			return nil, err
		}
		res.Created = len(created)
		res.Archived = archived
		return res, nil
	})
}

// =============================================================================
// UNDO
// =============================================================================

// Undo soft-archives every active child and marks the remittance undone.
func (o *Orchestrator) Undo(ctx context.Context, req Request) (*Result, error) {
	return o.run(ctx, OpUndo, req, func(ctx context.Context, st *opState) (*Result, error) {
		t := transitions[OpUndo]
		status := st.record.Status()

		if t.alreadyApplied(status) {
			return o.noop(OpUndo, st.record, st.recordHash()), nil
		}
		if !t.allows(status) {
			return nil, t.reject(OpUndo, status)
		}

		active, err := o.children.AllActiveChildren(ctx, st.req.OrgID, st.parent.ID, st.record.AuthoritativeIDs())
		if err != nil {
			return nil, err
		}
		if st.record == nil && len(active) == 0 {
			return nil, &TransitionError{Operation: OpUndo, From: status, Hint: "nothing to undo"}
		}

		archived, err := o.children.SoftArchiveTransactionsByIDs(ctx, st.req.OrgID, childIDs(active), o.archive(st, ArchiveUndo))
		o.rec.AddChildrenArchived(archived)
		if err != nil {
			return nil, err
		}

		remaining, err := o.children.ActiveChildren(ctx, st.req.OrgID, st.parent.ID, nil)
		if err != nil {
			return nil, err
		}
		if err := AssertCountInvariant([]string{}, len(remaining)); err != nil {
			return nil, o.blocked(OpUndo, st, err)
		}
		if st.lease.Lost() {
			return nil, ErrLeaseLost
		}

		summary := o.baseSummary(st)
		summary.RemittanceStatus = t.target
		legacy := st.record != nil && st.record.Legacy
		if err := o.saveRecord(ctx, st, OpUndo, summary, st.recordHash(), []string{}, legacy); err != nil {
			return nil, err
		}

		return &Result{
			Operation: OpUndo,
			Status:    t.target,
			Outcome:   OutcomeApplied,
			InputHash: st.recordHash(),
			Counts:    countsOf(summary),
			Totals:    totalsOf(summary),
			Archived:  archived,
		}, nil
	})
}

// =============================================================================
// SANITIZE
// =============================================================================

// Sanitize corrects metadata of legacy remittances that have no record. It
// never writes children.
func (o *Orchestrator) Sanitize(ctx context.Context, req Request) (*Result, error) {
	return o.run(ctx, OpSanitize, req, func(ctx context.Context, st *opState) (*Result, error) {
		t := transitions[OpSanitize]
		status := st.record.Status()

		if t.alreadyApplied(status) {
			res := o.noop(OpSanitize, st.record, st.recordHash())
			res.SanitizeAction = SanitizeNoop
			return res, nil
		}

		active, err := o.children.ActiveChildren(ctx, st.req.OrgID, st.parent.ID, nil)
		if err != nil {
			return nil, err
		}

		if len(active) == 0 {
			if !st.parent.Summary.IsRemittance {
				res := o.noop(OpSanitize, nil, "")
				res.SanitizeAction = SanitizeNoop
				return res, nil
			}
			summary := o.baseSummary(st)
			summary.RemittanceStatus = StatusUndoneLegacy
			if st.lease.Lost() {
				return nil, ErrLeaseLost
			}
			if err := o.saveRecord(ctx, st, OpSanitize, summary, "", []string{}, true); err != nil {
				return nil, err
			}
			return &Result{
				Operation:      OpSanitize,
				Status:         StatusUndoneLegacy,
				Outcome:        OutcomeApplied,
				SanitizeAction: SanitizeMarkedUndoneLegacy,
				Counts:         countsOf(summary),
				Totals:         totalsOf(summary),
			}, nil
		}

		sum, ok := sumChildren(active)
		summary := o.baseSummary(st)
		summary.RemittanceStatus = StatusProcessed
		sumErr := AssertSumInvariant(st.parent.AmountCents, sum)
		if !ok {
			sumErr = sumOverflow(st.parent.AmountCents)
		}
		if sumErr != nil {
			o.log.Warn("legacy remittance outside tolerance, flagged for repair",
				zap.String("parent_id", st.parent.ID), zap.Error(sumErr))
			summary.RemittanceStatus = StatusRepairedPending
		}
		summary.RemittanceItemCount = len(active)
		summary.RemittanceResolvedCount = len(active)
		summary.RemittanceExpectedTotalCents = st.parent.AmountCents
		summary.RemittanceResolvedTotalCents = sum
		if st.lease.Lost() {
			return nil, ErrLeaseLost
		}
		if err := o.saveRecord(ctx, st, OpSanitize, summary, "", childIDs(active), true); err != nil {
			return nil, err
		}
		return &Result{
			Operation:      OpSanitize,
			Status:         summary.RemittanceStatus,
			Outcome:        OutcomeApplied,
			SanitizeAction: SanitizeRebuiltDoc,
			Counts:         countsOf(summary),
			Totals:         totalsOf(summary),
		}, nil
	})
}

// =============================================================================
// STAGING
// =============================================================================

// Stage replaces the parent's staged rows. Process and Repair consume them
// when called without items. The remittance record is left untouched.
func (o *Orchestrator) Stage(ctx context.Context, req Request) (*Result, error) {
	return o.run(ctx, OpStage, req, func(ctx context.Context, st *opState) (*Result, error) {
		if st.req.Items == nil {
			return nil, &ValidationError{Field: "items", Reason: "at least one item is required"}
		}

		now := o.now()
		pending := make([]PendingItem, len(st.req.Items))
		for i, it := range st.req.Items {
			if it.RowIndex == 0 {
				it.RowIndex = i + 1
			}
			pending[i] = PendingItem{ID: o.newID(), OrgID: st.req.OrgID, ParentID: st.parent.ID, Item: it, CreatedAt: now}
		}
		total, _ := sumItems(st.req.Items)

		staged, err := o.children.StagePendingItems(ctx, st.req.OrgID, st.parent.ID, pending)
		if err != nil {
			return nil, err
		}

		res := &Result{Operation: OpStage, Status: st.record.Status(), Outcome: OutcomeApplied}
		if st.record != nil {
			res.Counts = countsOf(st.record.Summary)
			res.Totals = totalsOf(st.record.Summary)
		}
		res.Counts.Pending = staged
		res.Totals.PendingCents = total
		return res, nil
	})
}

// =============================================================================
// RECORD VIEW
// =============================================================================

// Record returns the stored remittance record of a parent.
func (o *Orchestrator) Record(ctx context.Context, req Request) (*Record, error) {
	_, rec, err := o.lookup(ctx, req)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrRecordNotFound
	}
	return rec, nil
}

// lookup is the unlocked read prelude shared by Check and Record.
func (o *Orchestrator) lookup(ctx context.Context, req Request) (*ParentTransaction, *Record, error) {
	if req.OrgID == "" || req.ParentID == "" {
		return nil, nil, &ValidationError{Field: "orgId/parentTxId", Reason: "are required"}
	}
	if err := o.auth.Authorize(ctx, req.Actor, req.OrgID); err != nil {
		return nil, nil, err
	}
	parent, err := o.store.GetParent(ctx, req.OrgID, req.ParentID)
	if err != nil {
		return nil, nil, err
	}
	rec, err := o.store.GetRecord(ctx, req.OrgID, req.ParentID)
	if err != nil {
		return nil, nil, fmt.Errorf("load remittance record: %w", err)
	}
	return parent, rec, nil
}

// =============================================================================
// SHARED STEPS
// =============================================================================

// resolveItems returns the request items, else the staged rows, else nil.
func (o *Orchestrator) resolveItems(ctx context.Context, st *opState) ([]Item, error) {
	if st.req.Items != nil {
		return st.req.Items, nil
	}
	pending, err := o.store.ListPending(ctx, st.req.OrgID, st.parent.ID)
	if err != nil {
		return nil, fmt.Errorf("load staged items: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}
	items := make([]Item, len(pending))
	for i, p := range pending {
		items[i] = p.Item
	}
	if err := ValidateItems(items); err != nil {
		return nil, fmt.Errorf("staged items: %w", err)
	}
	if err := ValidateItemAmounts(items, st.parent.AmountCents); err != nil {
		return nil, fmt.Errorf("staged items: %w", err)
	}
	return items, nil
}

func (o *Orchestrator) writeChildren(ctx context.Context, st *opState, items []Item) ([]ChildTransaction, error) {
	now := o.now()
	children := make([]ChildTransaction, len(items))
	for i, it := range items {
		n := NormalizeItem(it)
		children[i] = ChildTransaction{
			ID:                  o.newID(),
			OrgID:               st.req.OrgID,
			ParentTransactionID: st.parent.ID,
			ContactID:           n.ContactID,
			AmountCents:         n.AmountCents,
			IBAN:                n.IBAN,
			TaxID:               n.TaxID,
			Date:                st.parent.Date,
			State:               ChildActive,
			CreatedAt:           now,
			CreatedBy:           st.req.Actor.ID,
		}
	}
	n, err := o.children.CreateChildren(ctx, children)
	o.rec.AddChildrenCreated(n)
	if err != nil {
		return nil, err
	}
	return children, nil
}

// finalize re-asserts the invariants over the just-written state and, only if
// they hold, persists the processed record.
func (o *Orchestrator) finalize(ctx context.Context, st *opState, op Operation, hash string, items []Item, created []ChildTransaction) (*Result, error) {
	active, err := o.children.ActiveChildren(ctx, st.req.OrgID, st.parent.ID, nil)
	if err != nil {
		return nil, err
	}
	ids := childIDs(created)
	if err := AssertCountInvariant(ids, len(active)); err != nil {
		return nil, o.blocked(op, st, err)
	}
	resolved, ok := sumChildren(active)
	if !ok {
		return nil, o.blocked(op, st, sumOverflow(st.parent.AmountCents))
	}
	if err := AssertSumInvariantExact(st.parent.AmountCents, resolved); err != nil {
		return nil, o.blocked(op, st, err)
	}
	if st.lease.Lost() {
		return nil, ErrLeaseLost
	}

	summary := o.baseSummary(st)
	summary.RemittanceStatus = transitions[op].target
	summary.RemittanceItemCount = len(items)
	summary.RemittanceResolvedCount = len(active)
	summary.RemittanceExpectedTotalCents, _ = sumItems(items)
	summary.RemittanceResolvedTotalCents = resolved
	if err := o.saveRecord(ctx, st, op, summary, hash, ids, false); err != nil {
		return nil, err
	}
	if _, err := o.consumePending(ctx, st); err != nil {
		return nil, err
	}

	return &Result{
		Operation: op,
		Status:    summary.RemittanceStatus,
		Outcome:   OutcomeApplied,
		InputHash: hash,
		Counts:    countsOf(summary),
		Totals:    totalsOf(summary),
	}, nil
}

func (o *Orchestrator) consumePending(ctx context.Context, st *opState) (int, error) {
	deleted, err := o.children.DeletePendingItems(ctx, st.req.OrgID, st.parent.ID)
	o.rec.AddPendingDeleted(deleted)
	return deleted, err
}

func (o *Orchestrator) saveRecord(ctx context.Context, st *opState, op Operation, summary Summary, hash string, ids []string, legacy bool) error {
	now := o.now()
	rec := Record{
		ParentID:      st.parent.ID,
		OrgID:         st.req.OrgID,
		Summary:       summary,
		InputHash:     hash,
		ChildIDs:      ids,
		Legacy:        legacy,
		LastOperation: op,
		LastActorID:   st.req.Actor.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if st.record != nil {
		rec.CreatedAt = st.record.CreatedAt
	}
	if err := validateRecord(rec); err != nil {
		return err
	}
	if err := o.store.SaveRecord(ctx, rec); err != nil {
		return fmt.Errorf("save remittance record: %w", err)
	}
	if err := o.store.UpdateParentSummary(ctx, st.req.OrgID, st.parent.ID, summary); err != nil {
		return fmt.Errorf("mirror remittance summary: %w", err)
	}
	st.record = &rec
	st.parent.Summary = summary
	return nil
}

// baseSummary carries the identity fields with every counter zeroed.
func (o *Orchestrator) baseSummary(st *opState) Summary {
	rtype := st.parent.RemittanceType
	if rtype == "" {
		rtype = TypeDonations
	}
	return Summary{
		IsRemittance:        true,
		RemittanceID:        st.parent.ID,
		RemittanceType:      rtype,
		RemittanceDirection: st.parent.Direction,
	}
}

func (o *Orchestrator) archive(st *opState, reason ArchiveReason) Archive {
	return Archive{At: o.now(), By: st.req.Actor.ID, Reason: reason}
}

func (o *Orchestrator) noop(op Operation, rec *Record, hash string) *Result {
	res := &Result{
		Operation:  op,
		Status:     rec.Status(),
		Outcome:    OutcomeIdempotent,
		Idempotent: true,
		InputHash:  hash,
	}
	if rec != nil {
		res.Counts = countsOf(rec.Summary)
		res.Totals = totalsOf(rec.Summary)
	}
	return res
}

func (o *Orchestrator) blocked(op Operation, st *opState, err error) error {
	var inv *InvariantError
	if errors.As(err, &inv) {
		o.rec.IncInvariantViolation(string(inv.Code))
	}
	o.log.Error("remittance invariant violated, final status not written",
		zap.String("operation", string(op)),
		zap.String("parent_id", st.parent.ID),
		zap.Error(err))
	return err
}

// sumItems totals item amounts. ok is false on int64 overflow.
func sumItems(items []Item) (int64, bool) {
	var total int64
	for _, it := range items {
		var ok bool
		if total, ok = addCents(total, it.AmountCents); !ok {
			return total, false
		}
	}
	return total, true
}

func itemsFromChildren(children []ChildTransaction) []Item {
	items := make([]Item, len(children))
	for i, c := range children {
		items[i] = Item{ContactID: c.ContactID, AmountCents: c.AmountCents, IBAN: c.IBAN, TaxID: c.TaxID}
	}
	return items
}
