package remittance

// =============================================================================
// STATE TRANSITIONS - One table for all mutating operations
// =============================================================================
//
//   none ──process──▶ processed ◀──undo/process──▶ undone
//   processed(inconsistent) ──repair──▶ repaired-pending ──▶ processed
//   legacy(no record) ──sanitize──▶ NOOP | REBUILT_DOC | undone_legacy

// Operation names a guarded transition.
type Operation string

const (
	OpProcess  Operation = "process"
	OpRepair   Operation = "repair"
	OpUndo     Operation = "undo"
	OpSanitize Operation = "sanitize"
	OpStage    Operation = "stage"
	OpCheck    Operation = "check"
)

// Outcome is the machine-readable result class of an operation.
type Outcome string

const (
	OutcomeApplied           Outcome = "applied"
	OutcomeIdempotent        Outcome = "idempotent_noop"
	OutcomeBlockedInvariant  Outcome = "blocked_by_invariant"
	OutcomeBlockedContention Outcome = "blocked_by_contention"
	OutcomeFailed            Outcome = "failed"
)

// SanitizeAction reports what Sanitize did.
type SanitizeAction string

const (
	SanitizeNoop               SanitizeAction = "NOOP"
	SanitizeRebuiltDoc         SanitizeAction = "REBUILT_DOC"
	SanitizeMarkedUndoneLegacy SanitizeAction = "MARKED_UNDONE_LEGACY"
)

type transition struct {
	// from lists statuses the operation may write from.
	from map[Status]bool
	// noopFrom lists statuses where the operation is already applied.
	noopFrom map[Status]bool
	// inbound requires an inbound collection parent.
	inbound bool
	// validate checks request items before the lease is taken.
	validate func([]Item) error
	// target is the status written on success.
	target Status
	hint   string
}

func statusSet(statuses ...Status) map[Status]bool {
	set := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		set[s] = true
	}
	return set
}

var transitions = map[Operation]transition{
	OpProcess: {
		from:     statusSet(StatusNone, StatusUndone, StatusUndoneLegacy),
		inbound:  true,
		validate: ValidateItems,
		target:   StatusProcessed,
		hint:     "input differs from the processed remittance, use repair",
	},
	OpRepair: {
		from:     statusSet(StatusNone, StatusProcessed, StatusRepairedPending, StatusUndone, StatusUndoneLegacy),
		inbound:  true,
		validate: ValidateItems,
		target:   StatusProcessed,
	},
	OpUndo: {
		from:     statusSet(StatusNone, StatusProcessed, StatusRepairedPending),
		noopFrom: statusSet(StatusUndone, StatusUndoneLegacy),
		target:   StatusUndone,
	},
	OpSanitize: {
		from: statusSet(StatusNone),
		// Any existing record means there is nothing legacy to sanitize.
		noopFrom: statusSet(StatusProcessed, StatusUndone, StatusUndoneLegacy, StatusRepairedPending),
	},
	OpStage: {
		from:     statusSet(StatusNone, StatusProcessed, StatusRepairedPending, StatusUndone, StatusUndoneLegacy),
		inbound:  true,
		validate: ValidateStagedItems,
	},
}

// allows reports whether op may write starting from status.
func (t transition) allows(status Status) bool {
	return t.from[status]
}

func (t transition) alreadyApplied(status Status) bool {
	return t.noopFrom[status]
}

func (t transition) reject(op Operation, from Status) error {
	return &TransitionError{Operation: op, From: from, Hint: t.hint}
}
