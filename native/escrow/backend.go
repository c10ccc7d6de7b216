package escrow

import (
	"context"
	"errors"
	"math/big"
)

// Store persists escrow records and allocates their identifiers.
type Store interface {
	EscrowGet(id uint64) (*Escrow, bool, error)
	EscrowPut(*Escrow) error
	// NextEscrowID returns the next unused id and advances the counter. The
	// advance is only durable once the surrounding transaction commits.
	NextEscrowID() (uint64, error)
}

// Index maintains the append-only per-identity escrow lists.
type Index interface {
	AppendPayerEscrow(who [20]byte, id uint64) error
	AppendPayeeEscrow(who [20]byte, id uint64) error
	PayerEscrows(who [20]byte) ([]uint64, error)
	PayeeEscrows(who [20]byte) ([]uint64, error)
}

// Custody moves value into and out of the escrow pool. Implementations must
// not apply partial transfers.
type Custody interface {
	// Deposit moves the value attached to a funding call from the payer into
	// custody.
	Deposit(from [20]byte, amount *big.Int) error
	// Transfer pays amount out of custody to the recipient.
	Transfer(to [20]byte, amount *big.Int) error
}

// Tx is a unit of work spanning one engine call. Nothing written through a Tx
// is visible until Commit succeeds; Rollback discards it.
type Tx interface {
	Store
	Index
	Custody
	Commit() error
	Rollback() error
}

// Backend opens transactions against the escrow state.
type Backend interface {
	Begin(ctx context.Context) (Tx, error)
}

// CallerResolver supplies the authenticated identity behind a call.
type CallerResolver interface {
	Caller(ctx context.Context) ([20]byte, error)
}

// CallerResolverFunc adapts a function to CallerResolver.
type CallerResolverFunc func(ctx context.Context) ([20]byte, error)

func (f CallerResolverFunc) Caller(ctx context.Context) ([20]byte, error) { return f(ctx) }

var errNoCaller = errors.New("escrow: caller identity not present in context")

type callerKey struct{}

// WithCaller returns a context carrying the caller identity consumed by the
// default resolver.
func WithCaller(ctx context.Context, who [20]byte) context.Context {
	return context.WithValue(ctx, callerKey{}, who)
}

// CallerFromContext extracts an identity stored with WithCaller.
func CallerFromContext(ctx context.Context) ([20]byte, bool) {
	if ctx == nil {
		return [20]byte{}, false
	}
	who, ok := ctx.Value(callerKey{}).([20]byte)
	return who, ok
}

// ContextCaller resolves the caller from values stored with WithCaller.
type ContextCaller struct{}

func (ContextCaller) Caller(ctx context.Context) ([20]byte, error) {
	who, ok := CallerFromContext(ctx)
	if !ok {
		return [20]byte{}, errNoCaller
	}
	return who, nil
}
