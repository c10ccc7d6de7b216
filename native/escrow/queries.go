package escrow

import (
	"context"
	"fmt"
)

// view runs fn against a transaction that is always rolled back.
func (e *Engine) view(ctx context.Context, fn func(Tx) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if e.backend == nil {
		return errNilBackend
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, err := e.backend.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin read: %w", err)
	}
	defer tx.Rollback()
	return fn(tx)
}

// Get returns a copy of the escrow record, or false when it does not exist.
func (e *Engine) Get(ctx context.Context, id uint64) (*Escrow, bool, error) {
	var (
		out   *Escrow
		found bool
	)
	err := e.view(ctx, func(tx Tx) error {
		esc, ok, err := tx.EscrowGet(id)
		if err != nil || !ok || esc == nil {
			return err
		}
		out, found = esc.Clone(), true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, found, nil
}

// EscrowsByPayer lists every escrow the identity created, in creation order.
func (e *Engine) EscrowsByPayer(ctx context.Context, who [20]byte) ([]uint64, error) {
	return e.listIndex(ctx, func(tx Tx) ([]uint64, error) { return tx.PayerEscrows(who) })
}

// EscrowsByPayee lists every escrow naming the identity as payee.
func (e *Engine) EscrowsByPayee(ctx context.Context, who [20]byte) ([]uint64, error) {
	return e.listIndex(ctx, func(tx Tx) ([]uint64, error) { return tx.PayeeEscrows(who) })
}

func (e *Engine) listIndex(ctx context.Context, list func(Tx) ([]uint64, error)) ([]uint64, error) {
	out := []uint64{}
	err := e.view(ctx, func(tx Tx) error {
		ids, err := list(tx)
		if err != nil {
			return err
		}
		out = append(out, ids...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Milestones returns copies of the escrow's milestones, or an empty slice for
// unknown escrows.
func (e *Engine) Milestones(ctx context.Context, id uint64) ([]Milestone, error) {
	esc, ok, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []Milestone{}, nil
	}
	return esc.Milestones, nil
}
