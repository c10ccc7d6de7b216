package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"skillchain/core/events"
)

var errNilBackend = errors.New("escrow engine: backend not configured")

// Value flow labels reported to Metrics.
const (
	FlowDeposit     = "deposit"
	FlowPayee       = "payee"
	FlowPayerRefund = "payer_refund"
)

// Metrics receives per-operation outcomes and committed value movements.
type Metrics interface {
	ObserveOperation(op Operation, outcome string, elapsed time.Duration)
	ObserveValue(flow string, amount *big.Int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveOperation(Operation, string, time.Duration) {}
func (noopMetrics) ObserveValue(string, *big.Int)                     {}

// Engine executes escrow lifecycle operations against a transactional
// backend. Calls are serialised; each runs to completion, and state changes,
// transfers and events become visible only when every step succeeded.
type Engine struct {
	mu                sync.Mutex
	backend           Backend
	callers           CallerResolver
	emitter           events.Emitter
	metrics           Metrics
	nowFn             func() int64
	rejectOverpayment bool
}

// Option customises an Engine.
type Option func(*Engine)

// WithEmitter configures the event sink. Nil keeps the no-op emitter.
func WithEmitter(emitter events.Emitter) Option {
	return func(e *Engine) {
		if emitter != nil {
			e.emitter = emitter
		}
	}
}

// WithCallerResolver overrides the context-based caller resolution.
func WithCallerResolver(resolver CallerResolver) Option {
	return func(e *Engine) {
		if resolver != nil {
			e.callers = resolver
		}
	}
}

// WithNowFunc overrides the time source, primarily for deterministic tests.
func WithNowFunc(now func() int64) Option {
	return func(e *Engine) {
		if now != nil {
			e.nowFn = now
		}
	}
}

// WithMetrics installs the recorder for operation outcomes, latency and value flow.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithOverpaymentRejected makes Fund reject attached value above the escrow
// total instead of absorbing the excess into custody.
func WithOverpaymentRejected(reject bool) Option {
	return func(e *Engine) { e.rejectOverpayment = reject }
}

// NewEngine creates an escrow engine over the provided backend.
func NewEngine(backend Backend, opts ...Option) *Engine {
	e := &Engine{
		backend: backend,
		callers: ContextCaller{},
		emitter: events.NoopEmitter{},
		metrics: noopMetrics{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type valueFlow struct {
	name   string
	amount *big.Int
}

// call carries the working state of one engine invocation. Events and value
// flows are buffered until the transaction commits.
type call struct {
	tx     Tx
	caller [20]byte
	events []events.Event
	flows  []valueFlow
}

func (c *call) emit(evt events.Event) { c.events = append(c.events, evt) }

func (c *call) load(id uint64) (*Escrow, error) {
	esc, ok, err := c.tx.EscrowGet(id)
	if err != nil {
		return nil, err
	}
	if !ok || esc == nil {
		return nil, ErrEscrowNotFound
	}
	return esc.Clone(), nil
}

func (c *call) deposit(from [20]byte, amount *big.Int) error {
	if err := c.tx.Deposit(from, amount); err != nil {
		return fmt.Errorf("%w: deposit of %s: %v", ErrInsufficientFunds, amount, err)
	}
	c.flows = append(c.flows, valueFlow{name: FlowDeposit, amount: cloneBigInt(amount)})
	return nil
}

// pay transfers a positive amount out of custody. Zero amounts are skipped.
func (c *call) pay(to [20]byte, amount *big.Int, flow string) error {
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	if err := c.tx.Transfer(to, amount); err != nil {
		return fmt.Errorf("%w: transfer of %s: %v", ErrInsufficientFunds, amount, err)
	}
	c.flows = append(c.flows, valueFlow{name: flow, amount: cloneBigInt(amount)})
	return nil
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if kind := KindOf(err); kind != KindUnknown {
		return kind.String()
	}
	return "error"
}

// run executes fn inside a backend transaction on behalf of the resolved
// caller. On success the transaction commits, then buffered value flows are
// reported and events emitted in call order. On failure nothing is persisted
// or emitted.
func (e *Engine) run(ctx context.Context, op Operation, id uint64, fn func(*call) error) (err error) {
	start := time.Now()
	defer func() { e.metrics.ObserveOperation(op, outcome(err), time.Since(start)) }()

	if ctx == nil {
		ctx = context.Background()
	}
	if e.backend == nil {
		return errNilBackend
	}
	caller, cerr := e.callers.Caller(ctx)
	if cerr != nil {
		return &OpError{Op: op, EscrowID: id, Err: fmt.Errorf("%w: %v", ErrUnauthorized, cerr)}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := e.backend.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin %s: %w", op, err)
	}
	c := &call{tx: tx, caller: caller}
	if ferr := fn(c); ferr != nil {
		if rerr := tx.Rollback(); rerr != nil {
			ferr = errors.Join(ferr, fmt.Errorf("escrow: rollback: %w", rerr))
		}
		return &OpError{Op: op, EscrowID: id, Err: ferr}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("escrow: commit %s: %w", op, err)
	}
	for _, flow := range c.flows {
		e.metrics.ObserveValue(flow.name, flow.amount)
	}
	for _, evt := range c.events {
		e.emitter.Emit(evt)
	}
	return nil
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// Create registers a new escrow paid for by the caller and returns its id.
func (e *Engine) Create(ctx context.Context, payee [20]byte, milestones []Milestone, arbiter *[20]byte) (uint64, error) {
	var created uint64
	err := e.run(ctx, OpCreate, 0, func(c *call) error {
		normalized, total, err := normalizeMilestones(milestones)
		if err != nil {
			return err
		}
		if payee == ([20]byte{}) {
			return fmt.Errorf("%w: payee must not be the zero identity", ErrInvalidIdentity)
		}
		id, err := c.tx.NextEscrowID()
		if err != nil {
			return err
		}
		esc := &Escrow{
			ID:          id,
			Payer:       c.caller,
			Payee:       payee,
			Arbiter:     normalizeArbiter(arbiter),
			TotalAmount: total,
			Deposited:   big.NewInt(0),
			Milestones:  normalized,
			Status:      StatusCreated,
			CreatedAt:   e.now(),
		}
		if err := c.tx.EscrowPut(esc); err != nil {
			return err
		}
		if err := c.tx.AppendPayerEscrow(esc.Payer, id); err != nil {
			return err
		}
		if err := c.tx.AppendPayeeEscrow(esc.Payee, id); err != nil {
			return err
		}
		c.emit(events.EscrowCreated{
			ID:          id,
			Payer:       esc.Payer,
			Payee:       esc.Payee,
			Arbiter:     cloneIdentity(esc.Arbiter),
			TotalAmount: cloneBigInt(total),
		})
		created = id
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

// Fund moves the attached value into custody and marks the escrow funded.
func (e *Engine) Fund(ctx context.Context, id uint64, attached *big.Int) error {
	return e.run(ctx, OpFund, id, func(c *call) error {
		esc, err := c.load(id)
		if err != nil {
			return err
		}
		if c.caller != esc.Payer {
			return fmt.Errorf("%w: only the payer may fund", ErrUnauthorized)
		}
		if err := checkTransition(esc.Status, OpFund); err != nil {
			return err
		}
		value := cloneBigInt(attached)
		if value.Sign() < 0 {
			return fmt.Errorf("%w: attached value is negative", ErrInvalidAmount)
		}
		if value.Cmp(esc.TotalAmount) < 0 {
			return fmt.Errorf("%w: attached %s below total %s", ErrInsufficientFunds, value, esc.TotalAmount)
		}
		if e.rejectOverpayment && value.Cmp(esc.TotalAmount) > 0 {
			return fmt.Errorf("%w: attached %s, total %s", ErrOverpayment, value, esc.TotalAmount)
		}
		if err := c.deposit(esc.Payer, value); err != nil {
			return err
		}
		esc.Deposited = cloneBigInt(esc.TotalAmount)
		if err := advance(esc, OpFund, StatusFunded); err != nil {
			return err
		}
		if err := c.tx.EscrowPut(esc); err != nil {
			return err
		}
		c.emit(events.EscrowFunded{ID: id, Amount: value})
		return nil
	})
}

// ReleaseMilestone pays a single milestone to the payee. Releasing the last
// outstanding milestone completes the escrow.
func (e *Engine) ReleaseMilestone(ctx context.Context, id uint64, milestoneID uint32) error {
	return e.run(ctx, OpRelease, id, func(c *call) error {
		esc, err := c.load(id)
		if err != nil {
			return err
		}
		if c.caller != esc.Payer {
			return fmt.Errorf("%w: only the payer may release milestones", ErrUnauthorized)
		}
		if err := checkTransition(esc.Status, OpRelease); err != nil {
			return err
		}
		pos, ok := esc.FindMilestone(milestoneID)
		if !ok {
			return fmt.Errorf("%w: milestone %d", ErrMilestoneNotFound, milestoneID)
		}
		if esc.Milestones[pos].Released {
			return fmt.Errorf("%w: milestone %d", ErrMilestoneAlreadyReleased, milestoneID)
		}
		amount := cloneBigInt(esc.Milestones[pos].Amount)
		// Custody is pooled across escrows; a release may only spend what this
		// escrow deposited and has not yet paid out.
		if held := esc.Unreleased(); amount.Cmp(held) > 0 {
			return fmt.Errorf("%w: milestone %d needs %s, escrow holds %s", ErrInsufficientFunds, milestoneID, amount, held)
		}
		esc.Milestones[pos].Released = true
		if err := c.pay(esc.Payee, amount, FlowPayee); err != nil {
			return err
		}
		next := esc.Status
		if esc.allReleased() {
			next = StatusCompleted
		}
		if err := advance(esc, OpRelease, next); err != nil {
			return err
		}
		if err := c.tx.EscrowPut(esc); err != nil {
			return err
		}
		c.emit(events.EscrowMilestoneReleased{ID: id, MilestoneID: milestoneID, Amount: amount})
		return nil
	})
}

// RequestCancel records the caller's wish to cancel. The first request moves
// the escrow into dispute; a request from the other party settles it by
// refunding the unreleased value to the payer. Repeated requests from the same
// party change nothing.
func (e *Engine) RequestCancel(ctx context.Context, id uint64) error {
	return e.run(ctx, OpRequestCancel, id, func(c *call) error {
		esc, err := c.load(id)
		if err != nil {
			return err
		}
		if !esc.IsParty(c.caller) {
			return fmt.Errorf("%w: only the payer or payee may request cancellation", ErrUnauthorized)
		}
		if err := checkTransition(esc.Status, OpRequestCancel); err != nil {
			return err
		}
		if esc.CancelRequestedBy == nil {
			requester := c.caller
			esc.CancelRequestedBy = &requester
			if err := advance(esc, OpRequestCancel, StatusDisputed); err != nil {
				return err
			}
			if err := c.tx.EscrowPut(esc); err != nil {
				return err
			}
			c.emit(events.EscrowCancelRequested{ID: id, RequestedBy: requester})
			return nil
		}
		if *esc.CancelRequestedBy == c.caller {
			return nil
		}
		return c.settleCancellation(esc, OpRequestCancel)
	})
}

// ApproveCancel lets the counterparty of a pending cancellation request accept
// it.
func (e *Engine) ApproveCancel(ctx context.Context, id uint64) error {
	return e.run(ctx, OpApproveCancel, id, func(c *call) error {
		esc, err := c.load(id)
		if err != nil {
			return err
		}
		if esc.CancelRequestedBy == nil {
			return fmt.Errorf("%w: no pending cancellation request", ErrInvalidStatus)
		}
		if err := checkTransition(esc.Status, OpApproveCancel); err != nil {
			return err
		}
		counterparty, ok := esc.Counterparty(*esc.CancelRequestedBy)
		if !ok || c.caller != counterparty {
			return fmt.Errorf("%w: only the counterparty of the requester may approve", ErrUnauthorized)
		}
		return c.settleCancellation(esc, OpApproveCancel)
	})
}

// settleCancellation refunds everything still held for esc to the payer and
// cancels it.
func (c *call) settleCancellation(esc *Escrow, op Operation) error {
	released := esc.ReleasedAmount()
	refund := esc.Unreleased()
	if err := c.pay(esc.Payer, refund, FlowPayerRefund); err != nil {
		return err
	}
	if err := advance(esc, op, StatusCancelled); err != nil {
		return err
	}
	if err := c.tx.EscrowPut(esc); err != nil {
		return err
	}
	c.emit(events.EscrowCancelled{ID: esc.ID, RefundToPayer: refund, RefundToPayee: released})
	return nil
}

// ResolveDispute lets the configured arbiter split the value held for a
// disputed escrow between payee and payer. The shares must sum to the value
// still in custody for the escrow (deposited minus milestones already
// released), not to the original deposit.
func (e *Engine) ResolveDispute(ctx context.Context, id uint64, payeeShare, payerRefund *big.Int) error {
	return e.run(ctx, OpResolve, id, func(c *call) error {
		esc, err := c.load(id)
		if err != nil {
			return err
		}
		if esc.Arbiter == nil {
			return ErrInvalidArbiter
		}
		if c.caller != *esc.Arbiter {
			return fmt.Errorf("%w: only the arbiter may resolve disputes", ErrUnauthorized)
		}
		if err := checkTransition(esc.Status, OpResolve); err != nil {
			return err
		}
		toPayee := cloneBigInt(payeeShare)
		toPayer := cloneBigInt(payerRefund)
		if toPayee.Sign() < 0 || toPayer.Sign() < 0 {
			return fmt.Errorf("%w: shares must not be negative", ErrInvalidAmount)
		}
		held := esc.Unreleased()
		if sum := new(big.Int).Add(toPayee, toPayer); sum.Cmp(held) != 0 {
			return fmt.Errorf("%w: shares sum to %s, escrow holds %s", ErrInvalidAmount, sum, held)
		}
		if err := c.pay(esc.Payee, toPayee, FlowPayee); err != nil {
			return err
		}
		if err := c.pay(esc.Payer, toPayer, FlowPayerRefund); err != nil {
			return err
		}
		if err := advance(esc, OpResolve, StatusCancelled); err != nil {
			return err
		}
		if err := c.tx.EscrowPut(esc); err != nil {
			return err
		}
		c.emit(events.EscrowDisputeResolved{ID: id, PayeeShare: toPayee, PayerRefund: toPayer})
		return nil
	})
}
