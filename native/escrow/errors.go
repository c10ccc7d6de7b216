package escrow

import (
	"errors"
	"fmt"
)

// Kind classifies engine errors so adapters can map them onto transport
// status codes.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindNotFound
	KindAuthorization
	KindState
	KindAmount
	KindStructural
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindAuthorization:
		return "authorization"
	case KindState:
		return "state"
	case KindAmount:
		return "amount"
	case KindStructural:
		return "structural"
	default:
		return "unknown"
	}
}

type kindError struct {
	kind   Kind
	reason string
	msg    string
}

func (e *kindError) Error() string { return "escrow: " + e.msg }

func newError(kind Kind, reason, msg string) error {
	return &kindError{kind: kind, reason: reason, msg: msg}
}

var (
	ErrEscrowNotFound    = newError(KindNotFound, "escrow_not_found", "escrow not found")
	ErrMilestoneNotFound = newError(KindNotFound, "milestone_not_found", "milestone not found")

	ErrUnauthorized = newError(KindAuthorization, "unauthorized", "unauthorized")

	ErrInvalidStatus            = newError(KindState, "invalid_status", "invalid status for operation")
	ErrMilestoneAlreadyReleased = newError(KindState, "milestone_already_released", "milestone already released")
	ErrInvalidArbiter           = newError(KindState, "no_arbiter", "no arbiter configured")

	ErrInsufficientFunds = newError(KindAmount, "insufficient_funds", "insufficient funds")
	ErrInvalidAmount     = newError(KindAmount, "invalid_amount", "invalid amount")
	ErrOverpayment       = newError(KindAmount, "overpayment", "attached value exceeds escrow total")

	ErrEmptyMilestones  = newError(KindStructural, "empty_milestones", "milestones must not be empty")
	ErrZeroAmount       = newError(KindStructural, "zero_amount", "total amount must be positive")
	ErrInvalidMilestone = newError(KindStructural, "invalid_milestone", "invalid milestone")
	ErrInvalidIdentity  = newError(KindStructural, "invalid_identity", "invalid identity")
)

// KindOf returns the classification of err, or KindUnknown for errors that did
// not originate from the engine's taxonomy.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindUnknown
}

// ReasonOf returns the stable snake_case reason of the engine sentinel err
// wraps, or "" for errors outside the taxonomy. Reasons refine Kind: several
// sentinels share a kind but never a reason.
func ReasonOf(err error) string {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.reason
	}
	return ""
}

// OpError records the operation and escrow an engine error belongs to.
type OpError struct {
	Op       Operation
	EscrowID uint64
	Err      error
}

func (e *OpError) Error() string {
	if e.Op == OpCreate {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s escrow %d: %v", e.Op, e.EscrowID, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }
