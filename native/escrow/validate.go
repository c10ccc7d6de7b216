package escrow

import (
	"fmt"
	"math/big"
	"strings"
	"unicode/utf8"

	"github.com/holiman/uint256"
	"golang.org/x/text/unicode/norm"
)

// MaxDescriptionBytes bounds the opaque milestone description reference.
const MaxDescriptionBytes = 512

// normalizeMilestones validates creation input and returns sanitized copies
// together with their total. Checks run in the order empty set, negative
// amounts, zero total, then per-milestone structure.
func normalizeMilestones(in []Milestone) ([]Milestone, *big.Int, error) {
	if len(in) == 0 {
		return nil, nil, ErrEmptyMilestones
	}
	total := big.NewInt(0)
	for i, m := range in {
		if m.Amount == nil {
			return nil, nil, fmt.Errorf("%w: milestone %d amount missing", ErrInvalidMilestone, i)
		}
		if m.Amount.Sign() < 0 {
			return nil, nil, fmt.Errorf("%w: milestone %d amount is negative", ErrInvalidMilestone, i)
		}
		total.Add(total, m.Amount)
	}
	if total.Sign() == 0 {
		return nil, nil, ErrZeroAmount
	}
	if _, overflow := uint256.FromBig(total); overflow {
		return nil, nil, fmt.Errorf("%w: total amount exceeds 256 bits", ErrInvalidMilestone)
	}

	out := make([]Milestone, len(in))
	for i, m := range in {
		if uint64(m.ID) != uint64(i) {
			return nil, nil, fmt.Errorf("%w: milestone at position %d has id %d", ErrInvalidMilestone, i, m.ID)
		}
		if m.Released {
			return nil, nil, fmt.Errorf("%w: milestone %d is already released", ErrInvalidMilestone, i)
		}
		desc, err := normalizeDescription(m.Description)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: milestone %d: %v", ErrInvalidMilestone, i, err)
		}
		out[i] = Milestone{ID: m.ID, Amount: cloneBigInt(m.Amount), Description: desc}
	}
	return out, total, nil
}

func normalizeDescription(desc string) (string, error) {
	if !utf8.ValidString(desc) {
		return "", fmt.Errorf("description is not valid UTF-8")
	}
	normalized := norm.NFC.String(strings.TrimSpace(desc))
	if len(normalized) > MaxDescriptionBytes {
		return "", fmt.Errorf("description exceeds %d bytes", MaxDescriptionBytes)
	}
	return normalized, nil
}

// normalizeArbiter maps the zero identity to "no arbiter".
func normalizeArbiter(arbiter *[20]byte) *[20]byte {
	if arbiter == nil || *arbiter == ([20]byte{}) {
		return nil
	}
	return cloneIdentity(arbiter)
}

// NewMilestones builds a sequential milestone list from amounts and optional
// descriptions.
func NewMilestones(amounts []*big.Int, descriptions []string) []Milestone {
	out := make([]Milestone, len(amounts))
	for i, amount := range amounts {
		out[i] = Milestone{ID: uint32(i), Amount: amount}
		if i < len(descriptions) {
			out[i].Description = descriptions[i]
		}
	}
	return out
}
