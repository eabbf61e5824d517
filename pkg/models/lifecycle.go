package models

// Lifecycle is the session state machine. Transitions are monotone by
// ordinal; a handler must never lower the ordinal. Failed is absorbing
// except from the terminal success states (summarized, archived).
//
//	detected → capturing → ended → parsed → summarized → archived
//	                         └────────────────────────→ failed
type Lifecycle string

const (
	LifecycleDetected   Lifecycle = "detected"
	LifecycleCapturing  Lifecycle = "capturing"
	LifecycleEnded      Lifecycle = "ended"
	LifecycleParsed     Lifecycle = "parsed"
	LifecycleSummarized Lifecycle = "summarized"
	LifecycleArchived   Lifecycle = "archived"
	LifecycleFailed     Lifecycle = "failed"
)

// FailedOrdinal is the rank of the failed state. Sessions already at or
// beyond SummarizedOrdinal may not move to failed.
const (
	SummarizedOrdinal = 4
	FailedOrdinal     = 99
)

var lifecycleOrdinals = map[Lifecycle]int{
	LifecycleDetected:   0,
	LifecycleCapturing:  1,
	LifecycleEnded:      2,
	LifecycleParsed:     3,
	LifecycleSummarized: SummarizedOrdinal,
	LifecycleArchived:   5,
	LifecycleFailed:     FailedOrdinal,
}

// Ordinal returns the monotone rank of l, or -1 for unknown values.
func (l Lifecycle) Ordinal() int {
	ord, ok := lifecycleOrdinals[l]
	if !ok {
		return -1
	}
	return ord
}

// Valid reports whether l is a known lifecycle state.
func (l Lifecycle) Valid() bool {
	_, ok := lifecycleOrdinals[l]
	return ok
}

// CanTransition reports whether moving from → to is allowed: the ordinal
// must strictly increase, and failed is unreachable from summarized and
// archived.
func CanTransition(from, to Lifecycle) bool {
	fromOrd, toOrd := from.Ordinal(), to.Ordinal()
	if fromOrd < 0 || toOrd < 0 {
		return false
	}
	if to == LifecycleFailed {
		return fromOrd < SummarizedOrdinal
	}
	return toOrd > fromOrd
}

// ParseStatus tracks transcript pipeline progress on a session. Each stage
// checkpoints it so a retry after a crash can resume.
type ParseStatus string

const (
	ParsePending    ParseStatus = "pending"
	ParseInProgress ParseStatus = "in_progress"
	ParseCompleted  ParseStatus = "completed"
	ParseFailed     ParseStatus = "failed"
)

// End reasons reported by session.end events.
const (
	EndReasonExit   = "exit"
	EndReasonClear  = "clear"
	EndReasonLogout = "logout"
	EndReasonError  = "error"
)

// ValidEndReason reports whether r is a recognized session end reason.
func ValidEndReason(r string) bool {
	switch r {
	case EndReasonExit, EndReasonClear, EndReasonLogout, EndReasonError:
		return true
	}
	return false
}
