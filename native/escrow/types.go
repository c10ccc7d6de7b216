package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

// Status enumerates the lifecycle states of an escrow.
type Status uint8

const (
	StatusCreated Status = iota
	StatusFunded
	StatusDisputed
	StatusCompleted
	StatusCancelled
)

var statusNames = map[Status]string{
	StatusCreated:   "created",
	StatusFunded:    "funded",
	StatusDisputed:  "disputed",
	StatusCompleted: "completed",
	StatusCancelled: "cancelled",
}

// Valid reports whether the status is one of the known lifecycle states.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// Terminal reports whether no further transitions are admitted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// MarshalText encodes the status using its lowercase name.
func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("escrow: invalid status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name.
func (s *Status) UnmarshalText(text []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(text)))
	for status, candidate := range statusNames {
		if candidate == name {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("escrow: unknown status %q", string(text))
}

// Milestone is an independently releasable unit of an escrow's total value.
type Milestone struct {
	ID          uint32
	Amount      *big.Int
	Released    bool
	Description string
}

// Clone returns a deep copy of the milestone.
func (m Milestone) Clone() Milestone {
	m.Amount = cloneBigInt(m.Amount)
	return m
}

// Escrow captures the persisted state of a custody agreement.
type Escrow struct {
	ID          uint64
	Payer       [20]byte
	Payee       [20]byte
	Arbiter     *[20]byte
	TotalAmount *big.Int
	Deposited   *big.Int
	Milestones  []Milestone
	Status      Status
	// CancelRequestedBy holds the first party to request cancellation. It is
	// retained after the terminal transition.
	CancelRequestedBy *[20]byte
	CreatedAt         int64
}

// Clone returns a deep copy of the escrow. Engine code mutates clones only.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Arbiter = cloneIdentity(e.Arbiter)
	clone.CancelRequestedBy = cloneIdentity(e.CancelRequestedBy)
	clone.TotalAmount = cloneBigInt(e.TotalAmount)
	clone.Deposited = cloneBigInt(e.Deposited)
	if e.Milestones != nil {
		clone.Milestones = make([]Milestone, len(e.Milestones))
		for i, m := range e.Milestones {
			clone.Milestones[i] = m.Clone()
		}
	}
	return &clone
}

// FindMilestone returns the position of the milestone with the given id.
func (e *Escrow) FindMilestone(id uint32) (int, bool) {
	if e == nil {
		return -1, false
	}
	for i := range e.Milestones {
		if e.Milestones[i].ID == id {
			return i, true
		}
	}
	return -1, false
}

// ReleasedAmount sums the amounts of every released milestone.
func (e *Escrow) ReleasedAmount() *big.Int {
	total := big.NewInt(0)
	if e == nil {
		return total
	}
	for _, m := range e.Milestones {
		if m.Released && m.Amount != nil {
			total.Add(total, m.Amount)
		}
	}
	return total
}

// Unreleased returns the value still held in custody for the escrow, floored
// at zero.
func (e *Escrow) Unreleased() *big.Int {
	if e == nil {
		return big.NewInt(0)
	}
	remaining := new(big.Int).Sub(cloneBigInt(e.Deposited), e.ReleasedAmount())
	if remaining.Sign() < 0 {
		return big.NewInt(0)
	}
	return remaining
}

func (e *Escrow) allReleased() bool {
	for _, m := range e.Milestones {
		if !m.Released {
			return false
		}
	}
	return len(e.Milestones) > 0
}

// IsParty reports whether who is the payer or payee.
func (e *Escrow) IsParty(who [20]byte) bool {
	return e != nil && (e.Payer == who || e.Payee == who)
}

// Counterparty returns the other party of the escrow.
func (e *Escrow) Counterparty(who [20]byte) ([20]byte, bool) {
	switch {
	case e == nil:
		return [20]byte{}, false
	case who == e.Payer:
		return e.Payee, true
	case who == e.Payee:
		return e.Payer, true
	default:
		return [20]byte{}, false
	}
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func cloneIdentity(v *[20]byte) *[20]byte {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
