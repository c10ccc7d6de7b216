package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"skillchain/native/escrow"
)

var (
	escrowRecordPrefix = []byte("escrow/record/")
	escrowPayerPrefix  = []byte("escrow/payer/")
	escrowPayeePrefix  = []byte("escrow/payee/")
	escrowNextIDKey    = []byte("escrow/next-id")

	errUnknownStatus = errors.New("state: stored escrow has unknown status")
)

func escrowStorageKey(id uint64) []byte {
	buf := make([]byte, len(escrowRecordPrefix)+8)
	copy(buf, escrowRecordPrefix)
	binary.BigEndian.PutUint64(buf[len(escrowRecordPrefix):], id)
	return buf
}

func identityKey(prefix []byte, who [20]byte) []byte {
	buf := make([]byte, len(prefix)+len(who))
	copy(buf, prefix)
	copy(buf[len(prefix):], who[:])
	return buf
}

type storedMilestone struct {
	ID          uint32
	Amount      *big.Int
	Released    bool
	Description string
}

type storedEscrow struct {
	ID                uint64
	Payer             [20]byte
	Payee             [20]byte
	HasArbiter        bool
	Arbiter           [20]byte
	TotalAmount       *big.Int
	Deposited         *big.Int
	Milestones        []storedMilestone
	Status            uint8
	HasCancelRequest  bool
	CancelRequestedBy [20]byte
	CreatedAt         *big.Int
}

func newStoredEscrow(e *escrow.Escrow) *storedEscrow {
	out := &storedEscrow{
		ID:          e.ID,
		Payer:       e.Payer,
		Payee:       e.Payee,
		TotalAmount: nonNil(e.TotalAmount),
		Deposited:   nonNil(e.Deposited),
		Status:      uint8(e.Status),
		CreatedAt:   big.NewInt(e.CreatedAt),
		Milestones:  make([]storedMilestone, len(e.Milestones)),
	}
	if e.Arbiter != nil {
		out.HasArbiter = true
		out.Arbiter = *e.Arbiter
	}
	if e.CancelRequestedBy != nil {
		out.HasCancelRequest = true
		out.CancelRequestedBy = *e.CancelRequestedBy
	}
	for i, m := range e.Milestones {
		out.Milestones[i] = storedMilestone{
			ID:          m.ID,
			Amount:      nonNil(m.Amount),
			Released:    m.Released,
			Description: m.Description,
		}
	}
	return out
}

func (s *storedEscrow) toEscrow() (*escrow.Escrow, error) {
	status := escrow.Status(s.Status)
	if !status.Valid() {
		return nil, errUnknownStatus
	}
	out := &escrow.Escrow{
		ID:          s.ID,
		Payer:       s.Payer,
		Payee:       s.Payee,
		TotalAmount: nonNil(s.TotalAmount),
		Deposited:   nonNil(s.Deposited),
		Status:      status,
		Milestones:  make([]escrow.Milestone, len(s.Milestones)),
	}
	if s.CreatedAt != nil {
		out.CreatedAt = s.CreatedAt.Int64()
	}
	if s.HasArbiter {
		arbiter := s.Arbiter
		out.Arbiter = &arbiter
	}
	if s.HasCancelRequest {
		requester := s.CancelRequestedBy
		out.CancelRequestedBy = &requester
	}
	for i, m := range s.Milestones {
		out.Milestones[i] = escrow.Milestone{
			ID:          m.ID,
			Amount:      nonNil(m.Amount),
			Released:    m.Released,
			Description: m.Description,
		}
	}
	return out, nil
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// EscrowGet loads an escrow record.
func (tx *Tx) EscrowGet(id uint64) (*escrow.Escrow, bool, error) {
	var stored storedEscrow
	ok, err := tx.KVGet(escrowStorageKey(id), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	esc, err := stored.toEscrow()
	if err != nil {
		return nil, false, err
	}
	return esc, true, nil
}

// EscrowPut stages an escrow record.
func (tx *Tx) EscrowPut(e *escrow.Escrow) error {
	if e == nil {
		return fmt.Errorf("escrow: nil record")
	}
	return tx.KVPut(escrowStorageKey(e.ID), newStoredEscrow(e))
}

// NextEscrowID returns the next unused escrow id and advances the counter.
func (tx *Tx) NextEscrowID() (uint64, error) {
	var next uint64
	if _, err := tx.KVGet(escrowNextIDKey, &next); err != nil {
		return 0, err
	}
	if err := tx.KVPut(escrowNextIDKey, next+1); err != nil {
		return 0, err
	}
	return next, nil
}

func (tx *Tx) AppendPayerEscrow(who [20]byte, id uint64) error {
	return tx.KVAppend(identityKey(escrowPayerPrefix, who), id)
}

func (tx *Tx) AppendPayeeEscrow(who [20]byte, id uint64) error {
	return tx.KVAppend(identityKey(escrowPayeePrefix, who), id)
}

func (tx *Tx) PayerEscrows(who [20]byte) ([]uint64, error) {
	var ids []uint64
	if err := tx.KVGetList(identityKey(escrowPayerPrefix, who), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (tx *Tx) PayeeEscrows(who [20]byte) ([]uint64, error) {
	var ids []uint64
	if err := tx.KVGetList(identityKey(escrowPayeePrefix, who), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}
