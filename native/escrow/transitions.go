package escrow

import "fmt"

// Operation names an engine entry point.
type Operation string

const (
	OpCreate        Operation = "create"
	OpFund          Operation = "fund"
	OpRelease       Operation = "release_milestone"
	OpRequestCancel Operation = "request_cancel"
	OpApproveCancel Operation = "approve_cancel"
	OpResolve       Operation = "resolve_dispute"
)

// transitions lists, for every (status, operation) pair that is admitted, the
// statuses the operation may leave the escrow in. Pairs not listed are
// rejected with ErrInvalidStatus. Terminal statuses have no entries.
var transitions = map[Status]map[Operation][]Status{
	StatusCreated: {
		OpFund:          {StatusFunded},
		OpRequestCancel: {StatusDisputed},
	},
	StatusFunded: {
		OpRelease:       {StatusFunded, StatusCompleted},
		OpRequestCancel: {StatusDisputed},
	},
	StatusDisputed: {
		OpRelease:       {StatusDisputed, StatusCompleted},
		OpRequestCancel: {StatusDisputed, StatusCancelled},
		OpApproveCancel: {StatusCancelled},
		OpResolve:       {StatusCancelled},
	},
}

// Admits reports whether op may be applied to an escrow in status s.
func Admits(s Status, op Operation) bool {
	_, ok := transitions[s][op]
	return ok
}

func checkTransition(s Status, op Operation) error {
	if !Admits(s, op) {
		return fmt.Errorf("%w: %s not allowed while %s", ErrInvalidStatus, op, s)
	}
	return nil
}

// advance moves esc to the target status, refusing any target the table does
// not list for (current status, op).
func advance(esc *Escrow, op Operation, to Status) error {
	targets, ok := transitions[esc.Status][op]
	if !ok {
		return fmt.Errorf("%w: %s not allowed while %s", ErrInvalidStatus, op, esc.Status)
	}
	for _, candidate := range targets {
		if candidate == to {
			esc.Status = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s cannot move %s to %s", ErrInvalidStatus, op, esc.Status, to)
}
