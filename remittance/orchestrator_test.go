package remittance_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/remittance-engine/metrics"
	"github.com/warp/remittance-engine/remittance"
	"github.com/warp/remittance-engine/remittance/store"
	"go.uber.org/zap/zaptest"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	admin    = remittance.Actor{ID: "admin-1", OrgID: "org-1", Role: remittance.RoleAdmin}
	member   = remittance.Actor{ID: "member-1", OrgID: "org-1", Role: remittance.RoleMember}
	outsider = remittance.Actor{ID: "admin-9", OrgID: "org-9", Role: remittance.RoleAdmin}
)

type fixture struct {
	backend *batchRecorder
	locks   *remittance.LockManager
	orch    *remittance.Orchestrator
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend := &batchRecorder{Memory: store.NewMemory()}
	return newFixtureWith(t, backend, backend)
}

func newFixtureWith(t *testing.T, backend *batchRecorder, st remittance.Store) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	m := metrics.New(prometheus.NewRegistry())
	locks := remittance.NewLockManager(backend.Memory, remittance.LockConfig{TTL: time.Minute, HeartbeatInterval: 10 * time.Second}, log)
	orch := remittance.NewOrchestrator(st, locks, remittance.Config{Recorder: m, Logger: log})
	return &fixture{backend: backend, locks: locks, orch: orch, metrics: m}
}

func (f *fixture) saveParent(t *testing.T, id string, cents int64) remittance.ParentTransaction {
	t.Helper()
	p := remittance.ParentTransaction{
		ID:             id,
		OrgID:          "org-1",
		AmountCents:    cents,
		Date:           time.Date(2025, time.March, 3, 0, 0, 0, 0, time.UTC),
		Direction:      remittance.DirectionIn,
		RemittanceType: remittance.TypeDonations,
		Counterpart:    "BANK REMESA 0032",
	}
	require.NoError(t, f.backend.SaveParent(context.Background(), p))
	return p
}

func (f *fixture) children(t *testing.T, parentID string) (all, active []remittance.ChildTransaction) {
	t.Helper()
	all, err := f.backend.ListChildrenByParent(context.Background(), "org-1", parentID)
	require.NoError(t, err)
	for _, c := range all {
		if c.Active() {
			active = append(active, c)
		}
	}
	return all, active
}

func (f *fixture) record(t *testing.T, parentID string) *remittance.Record {
	t.Helper()
	rec, err := f.backend.GetRecord(context.Background(), "org-1", parentID)
	require.NoError(t, err)
	return rec
}

func request(parentID string, items ...remittance.Item) remittance.Request {
	return remittance.Request{OrgID: "org-1", ParentID: parentID, Items: items, Actor: admin}
}

func twoDonors() []remittance.Item {
	return []remittance.Item{
		{ContactID: "donor-1", AmountCents: 2000, IBAN: "ES91 2100 0418 4502 0005 1332", RowIndex: 1},
		{ContactID: "donor-2", AmountCents: 3000, TaxID: "12345678Z", RowIndex: 2},
	}
}

// =============================================================================
// PROCESS / UNDO
// =============================================================================

func TestProcessUndoReprocess_EndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.saveParent(t, "tx-1", 5000)

	// GIVEN: Two items summing exactly to the parent
	// WHEN: Processing
	res, err := f.orch.Process(ctx, request("tx-1", twoDonors()...))
	require.NoError(t, err)

	// THEN: The remittance is processed with two children
	assert.Equal(t, remittance.StatusProcessed, res.Status)
	assert.Equal(t, remittance.OutcomeApplied, res.Outcome)
	assert.False(t, res.Idempotent)
	assert.Equal(t, 2, res.Counts.Expected)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, int64(5000), res.Totals.ResolvedCents)

	rec := f.record(t, "tx-1")
	require.NotNil(t, rec)
	assert.Len(t, rec.ChildIDs, 2)
	assert.Equal(t, 2, rec.Summary.RemittanceItemCount)
	assert.Equal(t, "admin-1", rec.LastActorID)

	parent, err := f.backend.GetParent(ctx, "org-1", "tx-1")
	require.NoError(t, err)
	assert.Equal(t, rec.Summary, parent.Summary, "summary is mirrored onto the parent")
	assert.True(t, parent.Summary.IsRemittance)

	_, active := f.children(t, "tx-1")
	require.Len(t, active, 2)
	assert.Equal(t, parent.Date, active[0].Date)

	// WHEN: Undoing
	res, err = f.orch.Undo(ctx, request("tx-1"))
	require.NoError(t, err)

	// THEN: Both children are archived, never deleted, and the status is undone
	assert.Equal(t, remittance.StatusUndone, res.Status)
	assert.Equal(t, 2, res.Archived)
	all, active := f.children(t, "tx-1")
	assert.Len(t, all, 2)
	assert.Empty(t, active)
	for _, c := range all {
		assert.NotNil(t, c.ArchivedAt)
		assert.Equal(t, remittance.ArchiveUndo, c.ArchiveReason)
		assert.Equal(t, "admin-1", c.ArchivedBy)
	}
	rec = f.record(t, "tx-1")
	assert.Equal(t, remittance.StatusUndone, rec.Status())
	assert.Empty(t, rec.ChildIDs)
	assert.NotNil(t, rec.ChildIDs)
	assert.Zero(t, rec.Summary.RemittanceItemCount)

	// WHEN: Reprocessing the same input
	res, err = f.orch.Process(ctx, request("tx-1", twoDonors()...))
	require.NoError(t, err)

	// THEN: Children are recreated despite the identical hash
	assert.False(t, res.Idempotent)
	assert.Equal(t, remittance.StatusProcessed, res.Status)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 2, res.Counts.Expected)
	assert.Equal(t, int64(5000), res.Totals.ExpectedCents)

	all, active = f.children(t, "tx-1")
	assert.Len(t, all, 4)
	assert.Len(t, active, 2)

	report, err := f.orch.Check(ctx, request("tx-1"))
	require.NoError(t, err)
	assert.True(t, report.Consistent, "issues: %+v", report.Issues)
}

func TestProcess_IdempotentReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.saveParent(t, "tx-1", 5000)

	first, err := f.orch.Process(ctx, request("tx-1", twoDonors()...))
	require.NoError(t, err)

	// GIVEN: The same items in a different order
	items := twoDonors()
	items[0], items[1] = items[1], items[0]

	// WHEN: Processing again
	second, err := f.orch.Process(ctx, request("tx-1", items...))
	require.NoError(t, err)

	// THEN: No-op, no duplicate children
	assert.True(t, second.Idempotent)
	assert.Equal(t, remittance.OutcomeIdempotent, second.Outcome)
	assert.Equal(t, first.InputHash, second.InputHash)
	assert.Equal(t, first.Counts, second.Counts)
	assert.Zero(t, second.Created)
	all, _ := f.children(t, "tx-1")
	assert.Len(t, all, 2)
	assert.Equal(t, []int{2}, f.backend.creates)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Operations.WithLabelValues("process", "idempotent_noop")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Operations.WithLabelValues("process", "applied")))
}

func TestProcess_ChangedInputNeedsRepair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.saveParent(t, "tx-1", 5000)
	_, err := f.orch.Process(ctx, request("tx-1", twoDonors()...))
	require.NoError(t, err)

	changed := []remittance.Item{{ContactID: "donor-1", AmountCents: 5000}}
	_, err = f.orch.Process(ctx, request("tx-1", changed...))

	var trErr *remittance.TransitionError
	require.ErrorAs(t, err, &trErr)
	assert.Equal(t, remittance.StatusProcessed, trErr.From)
	assert.True(t, remittance.IsClientError(err))
}

func TestProcess_UsesParentBatching(t *testing.T) {
	f := newFixture(t)
	items := make([]remittance.Item, 103)
	for i := range items {
		items[i] = remittance.Item{ContactID: "donor", AmountCents: 100 + int64(i), RowIndex: i}
	}
	f.saveParent(t, "tx-big", sumOf(items))

	res, err := f.orch.Process(context.Background(), request("tx-big", items...))
	require.NoError(t, err)
	assert.Equal(t, 103, res.Created)
	assert.Equal(t, []int{50, 50, 3}, f.backend.creates)
}

func sumOf(items []remittance.Item) int64 {
	var total int64
	for _, it := range items {
		total += it.AmountCents
	}
	return total
}

// =============================================================================
// INVARIANT BLOCKS
// =============================================================================

func TestProcess_SumMismatchBlocksBeforeWrite(t *testing.T) {
	f := newFixture(t)
	f.saveParent(t, "tx-1", 5001)

	_, err := f.orch.Process(context.Background(), request("tx-1", twoDonors()...))

	var inv *remittance.InvariantError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, remittance.CodeSum, inv.Code)
	assert.Equal(t, int64(5001), inv.Expected)
	assert.Equal(t, int64(5000), inv.Actual)
	assert.Equal(t, remittance.OutcomeBlockedInvariant, remittance.OutcomeOf(err))

	assert.Nil(t, f.record(t, "tx-1"))
	assert.Empty(t, f.backend.creates)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.InvariantViolations.WithLabelValues("R-SUM-1")))
}

func TestProcess_RejectsItemAboveParentAmount(t *testing.T) {
	// GIVEN: Items whose int64 sum would wrap back to the parent amount
	f := newFixture(t)
	f.saveParent(t, "tx-1", 5000)
	items := []remittance.Item{
		{ContactID: "donor-1", AmountCents: math.MaxInt64},
		{ContactID: "donor-2", AmountCents: math.MaxInt64},
		{ContactID: "donor-3", AmountCents: 5002},
	}

	// WHEN: Processing
	_, err := f.orch.Process(context.Background(), request("tx-1", items...))

	// THEN: The payload is rejected before anything is written
	var valErr *remittance.ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "items[0].amountCents", valErr.Field)
	assert.Nil(t, f.record(t, "tx-1"))
	assert.Empty(t, f.backend.creates)
}

func TestProcess_OverflowingSumBreaksSumInvariant(t *testing.T) {
	// GIVEN: Every item fits the parent, but their total leaves int64
	f := newFixture(t)
	f.saveParent(t, "tx-1", math.MaxInt64)
	items := []remittance.Item{
		{ContactID: "donor-1", AmountCents: math.MaxInt64},
		{ContactID: "donor-2", AmountCents: math.MaxInt64},
		{ContactID: "donor-3", AmountCents: 2},
	}

	// WHEN: Processing
	_, err := f.orch.Process(context.Background(), request("tx-1", items...))

	// THEN: R-SUM-1 blocks it before any child is written
	var inv *remittance.InvariantError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, remittance.CodeSum, inv.Code)
	assert.Equal(t, remittance.OutcomeBlockedInvariant, remittance.OutcomeOf(err))
	assert.Nil(t, f.record(t, "tx-1"))
	assert.Empty(t, f.backend.creates)
}

func TestCheck_OverflowingChildrenAreInconsistent(t *testing.T) {
	// GIVEN: Legacy children whose amounts wrap to the parent amount in int64
	f := newFixture(t)
	ctx := context.Background()
	f.saveParent(t, "tx-1", 5000)
	children := makeChildren("tx-1", 3)
	children[0].AmountCents = math.MaxInt64
	children[1].AmountCents = math.MaxInt64
	children[2].AmountCents = 5002
	require.NoError(t, f.backend.Memory.CreateChildren(ctx, children))

	// WHEN: Checking
	report, err := f.orch.Check(ctx, request("tx-1"))
	require.NoError(t, err)

	// THEN: The sum rule is reported broken
	assert.False(t, report.Consistent)
	assert.Contains(t, issueCodes(report), string(remittance.CodeSum))

	// AND: Sanitize flags it for repair instead of marking it processed
	res, err := f.orch.Sanitize(ctx, request("tx-1"))
	require.NoError(t, err)
	assert.Equal(t, remittance.StatusRepairedPending, res.Status)
}

func TestProcess_UntrackedChildrenBlock(t *testing.T) {
	// GIVEN: Active children without a record (a crashed earlier attempt)
	f := newFixture(t)
	ctx := context.Background()
	f.saveParent(t, "tx-1", 5000)
	require.NoError(t, f.backend.Memory.CreateChildren(ctx, makeChildren("tx-1", 2)))

	// WHEN: Processing
	_, err := f.orch.Process(ctx, request("tx-1", twoDonors()...))

	// THEN: Blocked with R-COUNT-1, nothing written
	var inv *remittance.InvariantError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, remittance.CodeCount, inv.Code)
	assert.Empty(t, f.backend.creates)

	report, err := f.orch.Check(ctx, request("tx-1"))
	require.NoError(t, err)
	assert.False(t, report.Consistent)
	assert.Contains(t, issueCodes(report), remittance.IssueMissingRecord)
}

// droppingStore loses the last child of every create batch.
type droppingStore struct {
	*batchRecorder
}

func (d *droppingStore) CreateChildren(ctx context.Context, children []remittance.ChildTransaction) error {
	return d.batchRecorder.CreateChildren(ctx, children[:len(children)-1])
}

func TestProcess_PostWriteViolationSkipsStatusWrite(t *testing.T) {
	// GIVEN: A backend that silently drops a child
	backend := &batchRecorder{Memory: store.NewMemory()}
	f := newFixtureWith(t, backend, &droppingStore{batchRecorder: backend})
	ctx := context.Background()
	f.saveParent(t, "tx-1", 5000)

	// WHEN: Processing
	_, err := f.orch.Process(ctx, request("tx-1", twoDonors()...))

	// THEN: The count invariant fails and no processed status is written
	var inv *remittance.InvariantError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, remittance.CodeCount, inv.Code)
	assert.Nil(t, f.record(t, "tx-1"))

	// AND: Check flags the remittance
	report, err := f.orch.Check(ctx, request("tx-1"))
	require.NoError(t, err)
	assert.False(t, report.Consistent)
	assert.Equal(t, 1, report.Details.ActiveCount)

	// AND: A repair on a healthy backend converges
	healthy := newFixtureWith(t, backend, backend)
	res, err := healthy.orch.Repair(ctx, request("tx-1", twoDonors()...))
	require.NoError(t, err)
	assert.Equal(t, remittance.StatusProcessed, res.Status)
	assert.Equal(t, 1, res.Archived)
	assert.Equal(t, 2, res.Created)

	report, err = healthy.orch.Check(ctx, request("tx-1"))
	require.NoError(t, err)
	assert.True(t, report.Consistent, "issues: %+v", report.Issues)
}

// =============================================================================
// GUARDS
// =============================================================================

func TestOperations_RequireOrgAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.saveParent(t, "tx-1", 5000)

	tests := []struct {
		name  string
		actor remittance.Actor
		want  error
	}{
		{"anonymous", remittance.Actor{}, remittance.ErrUnauthenticated},
		{"member", member, remittance.ErrPermissionDenied},
		{"other org", outsider, remittance.ErrPermissionDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request("tx-1", twoDonors()...)
			req.Actor = tt.actor

			_, err := f.orch.Process(ctx, req)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, remittance.IsPermission(err))

			_, err = f.orch.Check(ctx, req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, f.backend.creates)
}

func TestProcess_LockContention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.saveParent(t, "tx-1", 5000)

	// GIVEN: Another operation holds the remittance
	lease, err := f.locks.AcquireLockWithHeartbeat(ctx, remittance.LockKey("org-1", "tx-1"))
	require.NoError(t, err)

	// WHEN: Processing
	_, err = f.orch.Process(ctx, request("tx-1", twoDonors()...))

	// THEN: A retryable contention error, nothing written
	assert.True(t, remittance.IsLockError(err))
	assert.Equal(t, remittance.OutcomeBlockedContention, remittance.OutcomeOf(err))
	assert.Empty(t, f.backend.creates)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.LockContention.WithLabelValues("process")))

	// AND: Check still works without the lock
	_, err = f.orch.Check(ctx, request("tx-1"))
	require.NoError(t, err)

	// WHEN: The holder releases, a retry succeeds
	require.NoError(t, lease.Release(ctx))
	_, err = f.orch.Process(ctx, request("tx-1", twoDonors()...))
	require.NoError(t, err)
}

func TestProcess_RejectsNonInbound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out := f.saveParent(t, "tx-out", 5000)
	out.Direction = remittance.DirectionOut
	require.NoError(t, f.backend.SaveParent(ctx, out))

	returns := f.saveParent(t, "tx-ret", 5000)
	returns.RemittanceType = remittance.TypeReturns
	require.NoError(t, f.backend.SaveParent(ctx, returns))

	negative := f.saveParent(t, "tx-neg", -5000)

	refundCategory := f.saveParent(t, "tx-cat", 5000)
	refundCategory.Category = " Returns "
	require.NoError(t, f.backend.SaveParent(ctx, refundCategory))

	for _, p := range []remittance.ParentTransaction{out, returns, negative, refundCategory} {
		_, err := f.orch.Process(ctx, request(p.ID, twoDonors()...))
		assert.ErrorIs(t, err, remittance.ErrNotInbound, p.ID)

		_, err = f.orch.Repair(ctx, request(p.ID, twoDonors()...))
		assert.ErrorIs(t, err, remittance.ErrNotInbound, p.ID)
	}
}

func TestProcess_AcceptsAccountingCategory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.saveParent(t, "tx-1", 5000)
	p.Category = "Cuotas socios 2025"
	require.NoError(t, f.backend.SaveParent(ctx, p))

	res, err := f.orch.Process(ctx, request("tx-1", twoDonors()...))
	require.NoError(t, err)
	assert.Equal(t, remittance.StatusProcessed, res.Status)
}

func TestProcess_ValidatesBeforeWriting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.saveParent(t, "tx-1", 5000)

	tests := []struct {
		name string
		req  remittance.Request
	}{
		{"missing org", remittance.Request{ParentID: "tx-1", Items: twoDonors(), Actor: admin}},
		{"missing parent", remittance.Request{OrgID: "org-1", Items: twoDonors(), Actor: admin}},
		{"empty items", request("tx-1", []remittance.Item{}...)},
		{"missing contact", request("tx-1", remittance.Item{AmountCents: 5000})},
		{"zero amount", request("tx-1", remittance.Item{ContactID: "donor-1"})},
		{"nothing staged", request("tx-1")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.Process(ctx, tt.req)
			assert.ErrorIs(t, err, remittance.ErrInvalidPayload)
		})
	}
	assert.Empty(t, f.backend.creates)
}

func TestProcess_UnknownParent(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Process(context.Background(), request("missing", twoDonors()...))
	assert.True(t, remittance.IsNotFound(err))
}

// slowStore delays child writes so a heartbeat can fire mid-operation.
type slowStore struct {
	*batchRecorder
}

func (s *slowStore) CreateChildren(ctx context.Context, children []remittance.ChildTransaction) error {
	time.Sleep(50 * time.Millisecond)
	return s.batchRecorder.CreateChildren(ctx, children)
}

func TestProcess_LeaseLostSkipsStatusWrite(t *testing.T) {
	// GIVEN: A lease that will be reported lost at the first heartbeat
	backend := &batchRecorder{Memory: store.NewMemory()}
	leases := &stolenLeases{Memory: store.NewMemory()}
	leases.stolen.Store(true)
	log := zaptest.NewLogger(t)
	locks := remittance.NewLockManager(leases, remittance.LockConfig{TTL: time.Second, HeartbeatInterval: 5 * time.Millisecond}, log)
	orch := remittance.NewOrchestrator(&slowStore{batchRecorder: backend}, locks, remittance.Config{Logger: log})
	f := &fixture{backend: backend}
	f.saveParent(t, "tx-1", 5000)

	// WHEN: Processing takes longer than one heartbeat
	_, err := orch.Process(context.Background(), request("tx-1", twoDonors()...))

	// THEN: The operation aborts before the status write
	assert.ErrorIs(t, err, remittance.ErrLeaseLost)
	assert.True(t, remittance.IsRetryable(err))
	assert.Nil(t, f.record(t, "tx-1"))
}

// =============================================================================
// UNDO
// =============================================================================

func TestUndo_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.saveParent(t, "tx-1", 5000)
	_, err := f.orch.Process(ctx, request("tx-1", twoDonors()...))
	require.NoError(t, err)

	_, err = f.orch.Undo(ctx, request("tx-1"))
	require.NoError(t, err)

	res, err := f.orch.Undo(ctx, request("tx-1"))
	require.NoError(t, err)
	assert.True(t, res.Idempotent)
	assert.Equal(t, remittance.StatusUndone, res.Status)
	assert.Equal(t, []int{2}, f.backend.archives)
}

func TestUndo_NothingToUndo(t *testing.T) {
	f := newFixture(t)
	f.saveParent(t, "tx-1", 5000)

	_, err := f.orch.Undo(context.Background(), request("tx-1"))
	assert.ErrorIs(t, err, remittance.ErrInvalidTransition)
}

func TestUndo_ArchivesUntrackedChildrenToo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.saveParent(t, "tx-1", 5000)
	_, err := f.orch.Process(ctx, request("tx-1", twoDonors()...))
	require.NoError(t, err)

	// GIVEN: A stray active child outside the record's list
	require.NoError(t, f.backend.Memory.CreateChildren(ctx, makeChildren("tx-1", 1)))

	res, err := f.orch.Undo(ctx, request("tx-1"))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Archived)
	_, active := f.children(t, "tx-1")
	assert.Empty(t, active)
}

// =============================================================================
// REPAIR
// =============================================================================

func TestRepair_RebuildsFromNewInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.saveParent(t, "tx-1", 5000)
	first, err := f.orch.Process(ctx, request("tx-1", twoDonors()...))
	require.NoError(t, err)

	// GIVEN: A corrected split of the same parent
	corrected := []remittance.Item{
		{ContactID: "donor-1", AmountCents: 1000},
		{ContactID: "donor-2", AmountCents: 1500},
		{ContactID: "donor-3", AmountCents: 2500},
	}

	// WHEN: Repairing
	res, err := f.orch.Repair(ctx, request("tx-1", corrected...))
	require.NoError(t, err)

	// THEN: Old children archived, new ones created, status processed
	assert.Equal(t, remittance.StatusProcessed, res.Status)
	assert.Equal(t, 2, res.Archived)
	assert.Equal(t, 3, res.Created)
	assert.NotEqual(t, first.InputHash, res.InputHash)

	all, active := f.children(t, "tx-1")
	assert.Len(t, all, 5)
	assert.Len(t, active, 3)
	for _, c := range all {
		if !c.Active() {
			assert.Equal(t, remittance.ArchiveRepair, c.ArchiveReason)
		}
	}
	assert.Equal(t, remittance.OpRepair, f.record(t, "tx-1").LastOperation)

	// WHEN: Repairing again with the same input
	again, err := f.orch.Repair(ctx, request("tx-1", corrected...))
	require.NoError(t, err)

	// THEN: Nothing to do
	assert.True(t, again.Idempotent)
	assert.Equal(t, []int{2, 3}, f.backend.creates)
}

func TestRepair_WithoutInputUsesActiveChildren(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.saveParent(t, "tx-1", 5000)
	_, err := f.orch.Process(ctx, request("tx-1", twoDonors()...))
	require.NoError(t, err)

	// GIVEN: The parent mirror drifted from the record
	drifted := f.record(t, "tx-1").Summary
	drifted.RemittanceItemCount = 7
	require.NoError(t, f.backend.UpdateParentSummary(ctx, "org-1", "tx-1", drifted))

	// WHEN: Repairing without items
	res, err := f.orch.Repair(ctx, request("tx-1"))
	require.NoError(t, err)

	// THEN: Children are rebuilt from the active set and the mirror is fixed
	assert.False(t, res.Idempotent)
	assert.Equal(t, 2, res.Created)
	report, err := f.orch.Check(ctx, request("tx-1"))
	require.NoError(t, err)
	assert.True(t, report.Consistent, "issues: %+v", report.Issues)
}

// =============================================================================
// SANITIZE
// =============================================================================

func TestSanitize_LegacyWithoutChildrenMarkedUndone(t *testing.T) {
	// GIVEN: A parent flagged as remittance by old code, no record, no children
	f := newFixture(t)
	ctx := context.Background()
	p := f.saveParent(t, "tx-legacy", 5000)
	p.Summary = remittance.Summary{IsRemittance: true, RemittanceStatus: remittance.StatusProcessed, RemittanceItemCount: 4}
	require.NoError(t, f.backend.SaveParent(ctx, p))

	// WHEN: Sanitizing
	res, err := f.orch.Sanitize(ctx, request("tx-legacy"))
	require.NoError(t, err)

	// THEN: Marked undone_legacy with no child writes
	assert.Equal(t, remittance.SanitizeMarkedUndoneLegacy, res.SanitizeAction)
	assert.Equal(t, remittance.StatusUndoneLegacy, res.Status)
	assert.Empty(t, f.backend.creates)
	assert.Empty(t, f.backend.archives)

	rec := f.record(t, "tx-legacy")
	require.NotNil(t, rec)
	assert.True(t, rec.Legacy)
	assert.Zero(t, rec.Summary.RemittanceItemCount)

	// AND: Sanitizing again is a no-op
	again, err := f.orch.Sanitize(ctx, request("tx-legacy"))
	require.NoError(t, err)
	assert.Equal(t, remittance.SanitizeNoop, again.SanitizeAction)
	assert.True(t, again.Idempotent)

	// AND: The remittance can be processed afresh
	_, err = f.orch.Process(ctx, request("tx-legacy", twoDonors()...))
	require.NoError(t, err)
}

// agingStore advances the lease clock by a full TTL when the record is
// loaded, which happens right after the lease is taken.
type agingStore struct {
	*batchRecorder
	clock *fakeClock
	ttl   time.Duration
}

func (s *agingStore) GetRecord(ctx context.Context, orgID, parentID string) (*remittance.Record, error) {
	s.clock.Advance(s.ttl)
	return s.batchRecorder.GetRecord(ctx, orgID, parentID)
}

func TestSanitize_LeaseLostSkipsRecordWrite(t *testing.T) {
	tests := []struct {
		name     string
		children int
	}{
		{"legacy without children", 0},
		{"legacy with children", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// GIVEN: A legacy remittance whose lease expires mid-operation
			clock := newFakeClock()
			backend := &batchRecorder{Memory: store.NewMemory()}
			log := zaptest.NewLogger(t)
			locks := remittance.NewLockManager(backend.Memory, remittance.LockConfig{TTL: time.Minute, HeartbeatInterval: 10 * time.Second}, log)
			locks.Now = clock.Now
			orch := remittance.NewOrchestrator(&agingStore{batchRecorder: backend, clock: clock, ttl: time.Minute}, locks, remittance.Config{Logger: log})
			f := &fixture{backend: backend}
			ctx := context.Background()

			p := f.saveParent(t, "tx-legacy", 200)
			p.Summary = remittance.Summary{IsRemittance: true, RemittanceStatus: remittance.StatusProcessed}
			require.NoError(t, backend.SaveParent(ctx, p))
			if tt.children > 0 {
				require.NoError(t, backend.Memory.CreateChildren(ctx, makeChildren("tx-legacy", tt.children)))
			}

			// WHEN: Sanitizing
			_, err := orch.Sanitize(ctx, request("tx-legacy"))

			// THEN: No record is written
			assert.ErrorIs(t, err, remittance.ErrLeaseLost)
			assert.Nil(t, f.record(t, "tx-legacy"))
		})
	}
}

func TestSanitize_NotARemittance(t *testing.T) {
	f := newFixture(t)
	f.saveParent(t, "tx-1", 5000)

	res, err := f.orch.Sanitize(context.Background(), request("tx-1"))
	require.NoError(t, err)
	assert.Equal(t, remittance.SanitizeNoop, res.SanitizeAction)
	assert.Nil(t, f.record(t, "tx-1"))
}

func TestSanitize_RebuildsRecordFromLegacyChildren(t *testing.T) {
	tests := []struct {
		name       string
		parent     int64
		wantStatus remittance.Status
	}{
		{"within tolerance", 201, remittance.StatusProcessed},
		{"outside tolerance", 250, remittance.StatusRepairedPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.saveParent(t, "tx-1", tt.parent)
			require.NoError(t, f.backend.Memory.CreateChildren(ctx, makeChildren("tx-1", 2)))

			res, err := f.orch.Sanitize(ctx, request("tx-1"))
			require.NoError(t, err)
			assert.Equal(t, remittance.SanitizeRebuiltDoc, res.SanitizeAction)
			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Equal(t, 2, res.Counts.Resolved)
			assert.Equal(t, int64(200), res.Totals.ResolvedCents)
			assert.Empty(t, f.backend.creates)

			rec := f.record(t, "tx-1")
			require.NotNil(t, rec)
			assert.True(t, rec.Legacy)
			assert.Len(t, rec.ChildIDs, 2)
			assert.Empty(t, rec.InputHash)

			report, err := f.orch.Check(ctx, request("tx-1"))
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus == remittance.StatusProcessed, report.Consistent, "issues: %+v", report.Issues)
		})
	}
}

// =============================================================================
// STAGING
// =============================================================================

func TestStage_ProcessConsumesStagedRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.saveParent(t, "tx-1", 5000)

	// GIVEN: Staged rows, restaged once
	_, err := f.orch.Stage(ctx, request("tx-1", remittance.Item{AmountCents: 1}))
	require.NoError(t, err)
	res, err := f.orch.Stage(ctx, request("tx-1", twoDonors()...))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Counts.Pending)
	assert.Equal(t, int64(5000), res.Totals.PendingCents)
	assert.Nil(t, f.record(t, "tx-1"), "staging does not create a record")

	report, err := f.orch.Check(ctx, request("tx-1"))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Details.PendingCount)

	// WHEN: Processing without items
	processed, err := f.orch.Process(ctx, request("tx-1"))
	require.NoError(t, err)

	// THEN: Staged rows became children and were consumed
	assert.Equal(t, 2, processed.Created)
	pending, err := f.backend.ListPending(ctx, "org-1", "tx-1")
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.PendingDeleted))

	// AND: The hash matches processing the same items directly
	assert.Equal(t, remittance.ComputeInputHash("tx-1", twoDonors()), processed.InputHash)
}

func TestStage_Validates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.saveParent(t, "tx-1", 5000)

	_, err := f.orch.Stage(ctx, request("tx-1"))
	assert.ErrorIs(t, err, remittance.ErrInvalidPayload)

	_, err = f.orch.Stage(ctx, request("tx-1", remittance.Item{ContactID: "donor-1"}))
	assert.ErrorIs(t, err, remittance.ErrInvalidPayload)

	// Unresolved contacts may be staged but not processed
	_, err = f.orch.Stage(ctx, request("tx-1", remittance.Item{AmountCents: 5000}))
	require.NoError(t, err)
	_, err = f.orch.Process(ctx, request("tx-1"))
	assert.ErrorIs(t, err, remittance.ErrInvalidPayload)
}

// =============================================================================
// CHECK / RECORD
// =============================================================================

func issueCodes(r *remittance.CheckReport) []string {
	codes := make([]string, len(r.Issues))
	for i, issue := range r.Issues {
		codes[i] = issue.Code
	}
	return codes
}

func TestCheck_ReportsIssues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.saveParent(t, "tx-1", 5000)
	_, err := f.orch.Process(ctx, request("tx-1", twoDonors()...))
	require.NoError(t, err)

	report, err := f.orch.Check(ctx, request("tx-1"))
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Empty(t, report.Issues)
	assert.Equal(t, int64(5000), report.Details.ActiveSumCents)
	assert.Equal(t, 2, report.Details.ListedActiveCount)

	t.Run("archived child", func(t *testing.T) {
		rec := f.record(t, "tx-1")
		_, err := f.backend.Memory.ArchiveChildren(ctx, "org-1", rec.ChildIDs[:1], remittance.Archive{At: time.Now(), By: "someone"})
		require.NoError(t, err)

		report, err := f.orch.Check(ctx, request("tx-1"))
		require.NoError(t, err)
		assert.False(t, report.Consistent)
		assert.ElementsMatch(t, []string{"R-COUNT-1", "R-SUM-1"}, issueCodes(report))
	})

	t.Run("summary drift", func(t *testing.T) {
		require.NoError(t, f.backend.UpdateParentSummary(ctx, "org-1", "tx-1", remittance.Summary{}))

		report, err := f.orch.Check(ctx, request("tx-1"))
		require.NoError(t, err)
		assert.Contains(t, issueCodes(report), remittance.IssueSummaryDrift)
	})

	t.Run("untracked child", func(t *testing.T) {
		require.NoError(t, f.backend.Memory.CreateChildren(ctx, makeChildren("tx-1", 1)))

		report, err := f.orch.Check(ctx, request("tx-1"))
		require.NoError(t, err)
		assert.Contains(t, issueCodes(report), remittance.IssueUntrackedChildren)
	})

	t.Run("check never writes", func(t *testing.T) {
		before := len(f.backend.creates) + len(f.backend.archives)
		_, err := f.orch.Check(ctx, request("tx-1"))
		require.NoError(t, err)
		assert.Equal(t, before, len(f.backend.creates)+len(f.backend.archives))
	})
}

func TestRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.saveParent(t, "tx-1", 5000)

	_, err := f.orch.Record(ctx, request("tx-1"))
	assert.ErrorIs(t, err, remittance.ErrRecordNotFound)
	assert.True(t, remittance.IsNotFound(err))

	_, err = f.orch.Process(ctx, request("tx-1", twoDonors()...))
	require.NoError(t, err)

	rec, err := f.orch.Record(ctx, request("tx-1"))
	require.NoError(t, err)
	assert.Equal(t, remittance.StatusProcessed, rec.Status())
	assert.Equal(t, remittance.OpProcess, rec.LastOperation)
}
