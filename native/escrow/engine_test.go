package escrow

import (
	"context"
	"errors"
	"math/big"
	"reflect"
	"strings"
	"testing"
	"time"

	"skillchain/core/events"
)

var (
	payer    = newTestAddress(0x01)
	payee    = newTestAddress(0x02)
	arbiter  = newTestAddress(0x03)
	stranger = newTestAddress(0x04)
)

type harness struct {
	t        *testing.T
	backend  *mockBackend
	engine   *Engine
	recorder *events.Recorder
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	backend := newMockBackend()
	recorder := &events.Recorder{}
	opts = append([]Option{WithEmitter(recorder), WithNowFunc(func() int64 { return 1_700_000_000 })}, opts...)
	return &harness{t: t, backend: backend, engine: NewEngine(backend, opts...), recorder: recorder}
}

func as(who [20]byte) context.Context { return WithCaller(context.Background(), who) }

func amounts(values ...int64) []Milestone {
	out := make([]*big.Int, len(values))
	for i, v := range values {
		out[i] = big.NewInt(v)
	}
	return NewMilestones(out, nil)
}

func (h *harness) create(withArbiter bool, values ...int64) uint64 {
	h.t.Helper()
	var arb *[20]byte
	if withArbiter {
		a := arbiter
		arb = &a
	}
	id, err := h.engine.Create(as(payer), payee, amounts(values...), arb)
	if err != nil {
		h.t.Fatalf("create: %v", err)
	}
	return id
}

func (h *harness) funded(withArbiter bool, values ...int64) uint64 {
	h.t.Helper()
	id := h.create(withArbiter, values...)
	var total int64
	for _, v := range values {
		total += v
	}
	h.backend.credit(payer, total)
	if err := h.engine.Fund(as(payer), id, big.NewInt(total)); err != nil {
		h.t.Fatalf("fund: %v", err)
	}
	return id
}

func (h *harness) mustGet(id uint64) *Escrow {
	h.t.Helper()
	esc, ok, err := h.engine.Get(context.Background(), id)
	if err != nil || !ok {
		h.t.Fatalf("get %d: ok=%v err=%v", id, ok, err)
	}
	return esc
}

func (h *harness) eventTypes() []string {
	var out []string
	for _, evt := range h.recorder.Events() {
		out = append(out, evt.EventType())
	}
	return out
}

func expectErr(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}

func TestCreateBuildsRecordAndIndexes(t *testing.T) {
	h := newHarness(t)
	first := h.create(true, 1000, 2000)
	second := h.create(false, 5)
	if first != 0 || second != 1 {
		t.Fatalf("expected sequential ids 0,1 got %d,%d", first, second)
	}

	esc := h.mustGet(first)
	if esc.TotalAmount.Cmp(big.NewInt(3000)) != 0 {
		t.Fatalf("total = %s", esc.TotalAmount)
	}
	if esc.Deposited.Sign() != 0 || esc.Status != StatusCreated {
		t.Fatalf("unexpected initial state: deposited=%s status=%s", esc.Deposited, esc.Status)
	}
	if esc.Payer != payer || esc.Payee != payee || esc.Arbiter == nil || *esc.Arbiter != arbiter {
		t.Fatalf("unexpected parties: %+v", esc)
	}
	if esc.CreatedAt != 1_700_000_000 {
		t.Fatalf("created at = %d", esc.CreatedAt)
	}

	ctx := context.Background()
	byPayer, _ := h.engine.EscrowsByPayer(ctx, payer)
	byPayee, _ := h.engine.EscrowsByPayee(ctx, payee)
	if !reflect.DeepEqual(byPayer, []uint64{0, 1}) || !reflect.DeepEqual(byPayee, []uint64{0, 1}) {
		t.Fatalf("unexpected indexes payer=%v payee=%v", byPayer, byPayee)
	}
	if got := h.recorder.Payloads()[0].Attributes["totalAmount"]; got != "3000" {
		t.Fatalf("created event total = %q", got)
	}
}

func TestCreateValidation(t *testing.T) {
	released := amounts(10, 20)
	released[1].Released = true
	skipped := amounts(10, 20)
	skipped[1].ID = 5
	negative := amounts(10, -1)
	longDesc := amounts(10)
	longDesc[0].Description = strings.Repeat("x", MaxDescriptionBytes+1)
	huge := []Milestone{{ID: 0, Amount: new(big.Int).Lsh(big.NewInt(1), 256)}}

	cases := []struct {
		name       string
		payee      [20]byte
		milestones []Milestone
		want       error
	}{
		{"empty", payee, nil, ErrEmptyMilestones},
		{"zero total", payee, amounts(0, 0), ErrZeroAmount},
		{"pre-released", payee, released, ErrInvalidMilestone},
		{"non-sequential ids", payee, skipped, ErrInvalidMilestone},
		{"negative amount", payee, negative, ErrInvalidMilestone},
		{"description too long", payee, longDesc, ErrInvalidMilestone},
		{"total overflows", payee, huge, ErrInvalidMilestone},
		{"zero payee", [20]byte{}, amounts(10), ErrInvalidIdentity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.engine.Create(as(payer), tc.payee, tc.milestones, nil)
			expectErr(t, err, tc.want)
			if KindOf(err) != KindStructural {
				t.Fatalf("expected structural kind, got %s", KindOf(err))
			}
			if len(h.recorder.Events()) != 0 {
				t.Fatalf("failed create emitted events")
			}
			// the id counter must not advance on failure
			if id := h.create(false, 1); id != 0 {
				t.Fatalf("counter advanced on failure: next id %d", id)
			}
		})
	}
}

func TestCreateNormalizesInput(t *testing.T) {
	h := newHarness(t)
	milestones := amounts(10)
	milestones[0].Description = "  café design  "
	zero := [20]byte{}
	id, err := h.engine.Create(as(payer), payee, milestones, &zero)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	esc := h.mustGet(id)
	if esc.Arbiter != nil {
		t.Fatalf("zero arbiter should normalise to none")
	}
	if esc.Milestones[0].Description != "café design" {
		t.Fatalf("description not normalised: %q", esc.Milestones[0].Description)
	}
	milestones[0].Amount.SetInt64(999)
	if h.mustGet(id).Milestones[0].Amount.Int64() != 10 {
		t.Fatalf("stored milestone aliases caller input")
	}
}

func TestScenarioAFunding(t *testing.T) {
	h := newHarness(t)
	id := h.create(false, 1000, 2000)
	h.backend.credit(payer, 5000)

	err := h.engine.Fund(as(payer), id, big.NewInt(1000))
	expectErr(t, err, ErrInsufficientFunds)
	if KindOf(err) != KindAmount {
		t.Fatalf("expected amount kind, got %s", KindOf(err))
	}
	if h.mustGet(id).Status != StatusCreated {
		t.Fatalf("status changed after failed fund")
	}

	if err := h.engine.Fund(as(payer), id, big.NewInt(3000)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	esc := h.mustGet(id)
	if esc.Status != StatusFunded || esc.Deposited.Cmp(big.NewInt(3000)) != 0 {
		t.Fatalf("unexpected funded state: %s %s", esc.Status, esc.Deposited)
	}
	if h.backend.custody() != 3000 || h.backend.balance(payer) != 2000 {
		t.Fatalf("custody=%d payer=%d", h.backend.custody(), h.backend.balance(payer))
	}

	expectErr(t, h.engine.Fund(as(payer), id, big.NewInt(3000)), ErrInvalidStatus)
}

func TestFundAuthorizationAndOrdering(t *testing.T) {
	h := newHarness(t)
	expectErr(t, h.engine.Fund(as(payer), 42, big.NewInt(1)), ErrEscrowNotFound)

	id := h.create(false, 100)
	h.backend.credit(payer, 100)
	// authorization is checked before the amount
	expectErr(t, h.engine.Fund(as(payee), id, big.NewInt(1)), ErrUnauthorized)
	expectErr(t, h.engine.Fund(as(payer), id, big.NewInt(-5)), ErrInvalidAmount)
	expectErr(t, h.engine.Fund(context.Background(), id, big.NewInt(100)), ErrUnauthorized)
}

func TestFundWithoutBalanceRollsBack(t *testing.T) {
	h := newHarness(t)
	id := h.create(false, 100)
	err := h.engine.Fund(as(payer), id, big.NewInt(100))
	expectErr(t, err, ErrInsufficientFunds)
	if h.mustGet(id).Status != StatusCreated || h.backend.custody() != 0 {
		t.Fatalf("failed deposit left partial state")
	}
}

func TestOverpaymentPolicy(t *testing.T) {
	t.Run("absorbed by default", func(t *testing.T) {
		h := newHarness(t)
		id := h.create(false, 100)
		h.backend.credit(payer, 150)
		if err := h.engine.Fund(as(payer), id, big.NewInt(150)); err != nil {
			t.Fatalf("fund: %v", err)
		}
		esc := h.mustGet(id)
		if esc.Deposited.Int64() != 100 {
			t.Fatalf("deposited = %s, want total", esc.Deposited)
		}
		if h.backend.custody() != 150 {
			t.Fatalf("custody = %d, want full attached value", h.backend.custody())
		}
		payloads := h.recorder.Payloads()
		if got := payloads[len(payloads)-1].Attributes["amount"]; got != "150" {
			t.Fatalf("funded event amount = %q, want attached value", got)
		}
	})
	t.Run("rejected when configured", func(t *testing.T) {
		h := newHarness(t, WithOverpaymentRejected(true))
		id := h.create(false, 100)
		h.backend.credit(payer, 150)
		expectErr(t, h.engine.Fund(as(payer), id, big.NewInt(150)), ErrOverpayment)
		if h.backend.custody() != 0 {
			t.Fatalf("rejected overpayment moved value")
		}
		if err := h.engine.Fund(as(payer), id, big.NewInt(100)); err != nil {
			t.Fatalf("exact fund: %v", err)
		}
	})
}

func TestScenarioBRelease(t *testing.T) {
	h := newHarness(t)
	id := h.funded(false, 1000, 2000)

	if err := h.engine.ReleaseMilestone(as(payer), id, 0); err != nil {
		t.Fatalf("release 0: %v", err)
	}
	if h.backend.balance(payee) != 1000 || h.mustGet(id).Status != StatusFunded {
		t.Fatalf("after first release payee=%d status=%s", h.backend.balance(payee), h.mustGet(id).Status)
	}
	if err := h.engine.ReleaseMilestone(as(payer), id, 1); err != nil {
		t.Fatalf("release 1: %v", err)
	}
	esc := h.mustGet(id)
	if h.backend.balance(payee) != 3000 || esc.Status != StatusCompleted {
		t.Fatalf("after second release payee=%d status=%s", h.backend.balance(payee), esc.Status)
	}
	if h.backend.custody() != 0 {
		t.Fatalf("custody not drained: %d", h.backend.custody())
	}
	// completed escrows reject further releases on status before milestone state
	expectErr(t, h.engine.ReleaseMilestone(as(payer), id, 0), ErrInvalidStatus)

	want := []string{
		events.TypeEscrowCreated,
		events.TypeEscrowFunded,
		events.TypeEscrowMilestoneReleased,
		events.TypeEscrowMilestoneReleased,
	}
	if !reflect.DeepEqual(h.eventTypes(), want) {
		t.Fatalf("events = %v", h.eventTypes())
	}
}

func TestReleaseErrors(t *testing.T) {
	h := newHarness(t)
	unfunded := h.create(false, 10)
	expectErr(t, h.engine.ReleaseMilestone(as(payer), unfunded, 0), ErrInvalidStatus)

	id := h.funded(false, 10, 20)
	expectErr(t, h.engine.ReleaseMilestone(as(payee), id, 0), ErrUnauthorized)
	expectErr(t, h.engine.ReleaseMilestone(as(payer), id, 7), ErrMilestoneNotFound)
	if err := h.engine.ReleaseMilestone(as(payer), id, 0); err != nil {
		t.Fatalf("release: %v", err)
	}
	err := h.engine.ReleaseMilestone(as(payer), id, 0)
	expectErr(t, err, ErrMilestoneAlreadyReleased)
	if KindOf(err) != KindState {
		t.Fatalf("expected state kind, got %s", KindOf(err))
	}
}

func TestReleaseTransferFailureDiscardsMutation(t *testing.T) {
	h := newHarness(t)
	id := h.funded(false, 10, 20)
	h.backend.failTransfers = 1
	before := len(h.recorder.Events())

	expectErr(t, h.engine.ReleaseMilestone(as(payer), id, 0), ErrInsufficientFunds)
	esc := h.mustGet(id)
	if esc.Milestones[0].Released {
		t.Fatalf("milestone marked released despite failed transfer")
	}
	if h.backend.balance(payee) != 0 || h.backend.custody() != 30 {
		t.Fatalf("value moved despite failure")
	}
	if len(h.recorder.Events()) != before {
		t.Fatalf("failed release emitted events")
	}

	h.backend.failTransfers = 0
	if err := h.engine.ReleaseMilestone(as(payer), id, 0); err != nil {
		t.Fatalf("retry release: %v", err)
	}
}

func TestReleaseAllowedDuringDispute(t *testing.T) {
	h := newHarness(t)
	id := h.funded(false, 10, 20)
	if err := h.engine.RequestCancel(as(payee), id); err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	if err := h.engine.ReleaseMilestone(as(payer), id, 0); err != nil {
		t.Fatalf("release while disputed: %v", err)
	}
	if h.mustGet(id).Status != StatusDisputed {
		t.Fatalf("partial release should stay disputed")
	}
	if err := h.engine.ReleaseMilestone(as(payer), id, 1); err != nil {
		t.Fatalf("final release while disputed: %v", err)
	}
	if h.mustGet(id).Status != StatusCompleted {
		t.Fatalf("final release should complete the escrow")
	}
	expectErr(t, h.engine.ApproveCancel(as(payer), id), ErrInvalidStatus)
}

func TestReleaseNeverSpendsAnotherEscrowsDeposit(t *testing.T) {
	h := newHarness(t)
	funded := h.funded(false, 600, 400)
	unfunded := h.create(false, 1000)

	// payer can move an unfunded escrow into dispute on their own
	if err := h.engine.RequestCancel(as(payer), unfunded); err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	expectErr(t, h.engine.ReleaseMilestone(as(payer), unfunded, 0), ErrInsufficientFunds)
	if KindOf(h.engine.ReleaseMilestone(as(payer), unfunded, 0)) != KindAmount {
		t.Fatalf("insufficient funds should be an amount error")
	}

	esc := h.mustGet(unfunded)
	if esc.Status != StatusDisputed || esc.Milestones[0].Released {
		t.Fatalf("rejected release mutated escrow: status=%s released=%v", esc.Status, esc.Milestones[0].Released)
	}
	if got := h.backend.balance(payee); got != 0 {
		t.Fatalf("payee balance = %d", got)
	}

	// custody always equals what the escrows still hold
	held := func() int64 {
		var sum int64
		for _, id := range []uint64{funded, unfunded} {
			sum += h.mustGet(id).Unreleased().Int64()
		}
		return sum
	}
	if got := h.backend.custody(); got != 1000 || held() != 1000 {
		t.Fatalf("custody = %d, held = %d", got, held())
	}
	for _, milestone := range []uint32{0, 1} {
		if err := h.engine.ReleaseMilestone(as(payer), funded, milestone); err != nil {
			t.Fatalf("release %d: %v", milestone, err)
		}
		if h.backend.custody() != held() {
			t.Fatalf("custody %d diverged from held %d", h.backend.custody(), held())
		}
	}
	if got := h.backend.balance(payee); got != 1000 {
		t.Fatalf("payee balance = %d", got)
	}
	if h.backend.custody() != 0 {
		t.Fatalf("custody = %d", h.backend.custody())
	}
}

func TestScenarioCMutualCancellation(t *testing.T) {
	h := newHarness(t)
	id := h.funded(false, 1000, 2000)
	if err := h.engine.ReleaseMilestone(as(payer), id, 0); err != nil {
		t.Fatalf("release: %v", err)
	}

	if err := h.engine.RequestCancel(as(payer), id); err != nil {
		t.Fatalf("payer request: %v", err)
	}
	esc := h.mustGet(id)
	if esc.Status != StatusDisputed || esc.CancelRequestedBy == nil || *esc.CancelRequestedBy != payer {
		t.Fatalf("unexpected dispute state: %+v", esc)
	}

	// a repeat request by the same party is a silent no-op
	eventsBefore := len(h.recorder.Events())
	if err := h.engine.RequestCancel(as(payer), id); err != nil {
		t.Fatalf("repeat request: %v", err)
	}
	if len(h.recorder.Events()) != eventsBefore || h.mustGet(id).Status != StatusDisputed {
		t.Fatalf("repeat request changed state")
	}

	if err := h.engine.RequestCancel(as(payee), id); err != nil {
		t.Fatalf("payee request: %v", err)
	}
	esc = h.mustGet(id)
	if esc.Status != StatusCancelled {
		t.Fatalf("status = %s", esc.Status)
	}
	if h.backend.balance(payer) != 2000 || h.backend.balance(payee) != 1000 || h.backend.custody() != 0 {
		t.Fatalf("payer=%d payee=%d custody=%d", h.backend.balance(payer), h.backend.balance(payee), h.backend.custody())
	}
	payloads := h.recorder.Payloads()
	last := payloads[len(payloads)-1]
	if last.Type != events.TypeEscrowCancelled || last.Attributes["refundToPayer"] != "2000" || last.Attributes["refundToPayee"] != "1000" {
		t.Fatalf("unexpected cancellation event: %+v", last)
	}
}

func TestRequestCancelFromCreated(t *testing.T) {
	h := newHarness(t)
	id := h.create(false, 100)
	if err := h.engine.RequestCancel(as(payee), id); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := h.engine.RequestCancel(as(payer), id); err != nil {
		t.Fatalf("mutual: %v", err)
	}
	esc := h.mustGet(id)
	if esc.Status != StatusCancelled {
		t.Fatalf("status = %s", esc.Status)
	}
	payloads := h.recorder.Payloads()
	last := payloads[len(payloads)-1]
	if last.Attributes["refundToPayer"] != "0" || last.Attributes["refundToPayee"] != "0" {
		t.Fatalf("unfunded cancellation should refund nothing: %v", last.Attributes)
	}
	// funding a disputed-then-cancelled escrow is rejected
	expectErr(t, h.engine.Fund(as(payer), id, big.NewInt(100)), ErrInvalidStatus)
}

func TestRequestCancelErrors(t *testing.T) {
	h := newHarness(t)
	expectErr(t, h.engine.RequestCancel(as(payer), 9), ErrEscrowNotFound)
	id := h.funded(false, 10)
	expectErr(t, h.engine.RequestCancel(as(stranger), id), ErrUnauthorized)
	if err := h.engine.ReleaseMilestone(as(payer), id, 0); err != nil {
		t.Fatalf("release: %v", err)
	}
	expectErr(t, h.engine.RequestCancel(as(payer), id), ErrInvalidStatus)
}

func TestScenarioDApproveCancel(t *testing.T) {
	h := newHarness(t)
	id := h.funded(false, 1000, 2000)

	expectErr(t, h.engine.ApproveCancel(as(payee), id), ErrInvalidStatus)
	if err := h.engine.RequestCancel(as(payer), id); err != nil {
		t.Fatalf("request: %v", err)
	}
	expectErr(t, h.engine.ApproveCancel(as(stranger), id), ErrUnauthorized)
	expectErr(t, h.engine.ApproveCancel(as(payer), id), ErrUnauthorized)

	if err := h.engine.ApproveCancel(as(payee), id); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if h.mustGet(id).Status != StatusCancelled || h.backend.balance(payer) != 3000 {
		t.Fatalf("approve did not refund payer")
	}
	// the retained requester must not allow a second refund
	expectErr(t, h.engine.ApproveCancel(as(payee), id), ErrInvalidStatus)
	if h.backend.balance(payer) != 3000 {
		t.Fatalf("double refund")
	}
}

func TestScenarioEArbiterResolution(t *testing.T) {
	h := newHarness(t)
	id := h.funded(true, 1000, 2000)

	expectErr(t, h.engine.ResolveDispute(as(arbiter), id, big.NewInt(1000), big.NewInt(2000)), ErrInvalidStatus)
	if err := h.engine.RequestCancel(as(payee), id); err != nil {
		t.Fatalf("request: %v", err)
	}

	err := h.engine.ResolveDispute(as(arbiter), id, big.NewInt(1000), big.NewInt(2500))
	expectErr(t, err, ErrInvalidAmount)
	if KindOf(err) != KindAmount {
		t.Fatalf("expected amount kind")
	}
	expectErr(t, h.engine.ResolveDispute(as(payer), id, big.NewInt(1000), big.NewInt(2000)), ErrUnauthorized)
	expectErr(t, h.engine.ResolveDispute(as(arbiter), id, big.NewInt(-1), big.NewInt(3001)), ErrInvalidAmount)

	if err := h.engine.ResolveDispute(as(arbiter), id, big.NewInt(1000), big.NewInt(2000)); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if h.backend.balance(payee) != 1000 || h.backend.balance(payer) != 2000 {
		t.Fatalf("payee=%d payer=%d", h.backend.balance(payee), h.backend.balance(payer))
	}
	if h.mustGet(id).Status != StatusCancelled {
		t.Fatalf("resolution must cancel the escrow")
	}
	payloads := h.recorder.Payloads()
	last := payloads[len(payloads)-1]
	if last.Type != events.TypeEscrowDisputeResolved || last.Attributes["payeeShare"] != "1000" || last.Attributes["payerRefund"] != "2000" {
		t.Fatalf("unexpected resolution event %+v", last)
	}
}

func TestResolveWithoutArbiter(t *testing.T) {
	h := newHarness(t)
	id := h.funded(false, 100)
	if err := h.engine.RequestCancel(as(payer), id); err != nil {
		t.Fatalf("request: %v", err)
	}
	expectErr(t, h.engine.ResolveDispute(as(arbiter), id, big.NewInt(100), big.NewInt(0)), ErrInvalidArbiter)
}

func TestResolveSplitsOnlyValueStillHeld(t *testing.T) {
	h := newHarness(t)
	id := h.funded(true, 1000, 2000)
	if err := h.engine.ReleaseMilestone(as(payer), id, 0); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := h.engine.RequestCancel(as(payer), id); err != nil {
		t.Fatalf("request: %v", err)
	}
	expectErr(t, h.engine.ResolveDispute(as(arbiter), id, big.NewInt(1000), big.NewInt(2000)), ErrInvalidAmount)
	if err := h.engine.ResolveDispute(as(arbiter), id, big.NewInt(500), big.NewInt(1500)); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if h.backend.custody() != 0 || h.backend.balance(payee) != 1500 {
		t.Fatalf("custody=%d payee=%d", h.backend.custody(), h.backend.balance(payee))
	}
}

func TestResolveSecondTransferFailureRollsBackBoth(t *testing.T) {
	h := newHarness(t)
	id := h.funded(true, 100)
	if err := h.engine.RequestCancel(as(payer), id); err != nil {
		t.Fatalf("request: %v", err)
	}
	h.backend.failTransfers = 2
	expectErr(t, h.engine.ResolveDispute(as(arbiter), id, big.NewInt(40), big.NewInt(60)), ErrInsufficientFunds)
	if h.backend.balance(payee) != 0 || h.backend.custody() != 100 {
		t.Fatalf("first transfer survived a failed resolution")
	}
	if h.mustGet(id).Status != StatusDisputed {
		t.Fatalf("status changed after failed resolution")
	}
}

func TestTerminalStatusesAbsorbAllOperations(t *testing.T) {
	h := newHarness(t)
	completed := h.funded(true, 10)
	if err := h.engine.ReleaseMilestone(as(payer), completed, 0); err != nil {
		t.Fatalf("release: %v", err)
	}
	cancelled := h.funded(true, 10)
	if err := h.engine.RequestCancel(as(payer), cancelled); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := h.engine.ApproveCancel(as(payee), cancelled); err != nil {
		t.Fatalf("approve: %v", err)
	}

	for _, id := range []uint64{completed, cancelled} {
		snapshot := h.mustGet(id)
		h.backend.credit(payer, 10)
		attempts := []error{
			h.engine.Fund(as(payer), id, big.NewInt(10)),
			h.engine.ReleaseMilestone(as(payer), id, 0),
			h.engine.RequestCancel(as(payee), id),
			h.engine.ApproveCancel(as(payee), id),
			h.engine.ResolveDispute(as(arbiter), id, big.NewInt(0), big.NewInt(0)),
		}
		for i, err := range attempts {
			if err == nil {
				t.Fatalf("escrow %d attempt %d unexpectedly succeeded", id, i)
			}
		}
		if !reflect.DeepEqual(snapshot, h.mustGet(id)) {
			t.Fatalf("terminal escrow %d changed", id)
		}
	}
}

func TestScenarioFQueriesOnUnknownEscrow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	esc, ok, err := h.engine.Get(ctx, 404)
	if err != nil || ok || esc != nil {
		t.Fatalf("get unknown: %v %v %v", esc, ok, err)
	}
	milestones, err := h.engine.Milestones(ctx, 404)
	if err != nil || len(milestones) != 0 || milestones == nil {
		t.Fatalf("milestones unknown: %v %v", milestones, err)
	}
	ids, err := h.engine.EscrowsByPayer(ctx, stranger)
	if err != nil || ids == nil || len(ids) != 0 {
		t.Fatalf("payer index unknown: %v %v", ids, err)
	}
	ids, err = h.engine.EscrowsByPayee(ctx, stranger)
	if err != nil || ids == nil || len(ids) != 0 {
		t.Fatalf("payee index unknown: %v %v", ids, err)
	}
	if len(h.recorder.Events()) != 0 || h.backend.commits != 0 {
		t.Fatalf("queries must not mutate or emit")
	}
}

func TestQueriesReturnCopies(t *testing.T) {
	h := newHarness(t)
	id := h.create(false, 10)
	esc := h.mustGet(id)
	esc.Milestones[0].Released = true
	esc.TotalAmount.SetInt64(1)
	milestones, _ := h.engine.Milestones(context.Background(), id)
	if milestones[0].Released || h.mustGet(id).TotalAmount.Int64() != 10 {
		t.Fatalf("query results alias stored state")
	}
}

func TestIndexesAreNeverPruned(t *testing.T) {
	h := newHarness(t)
	id := h.funded(false, 10)
	if err := h.engine.ReleaseMilestone(as(payer), id, 0); err != nil {
		t.Fatalf("release: %v", err)
	}
	ids, _ := h.engine.EscrowsByPayee(context.Background(), payee)
	if !reflect.DeepEqual(ids, []uint64{id}) {
		t.Fatalf("completed escrow dropped from index: %v", ids)
	}
}

func TestErrorsCarryOperationContext(t *testing.T) {
	h := newHarness(t)
	err := h.engine.Fund(as(payer), 12, big.NewInt(1))
	var opErr *OpError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OpError, got %T", err)
	}
	if opErr.Op != OpFund || opErr.EscrowID != 12 {
		t.Fatalf("unexpected op context %+v", opErr)
	}
	if KindOf(err) != KindNotFound {
		t.Fatalf("kind = %s", KindOf(err))
	}
	if KindOf(errors.New("other")) != KindUnknown {
		t.Fatalf("foreign errors should be unknown kind")
	}
}

func TestCustomCallerResolver(t *testing.T) {
	resolver := CallerResolverFunc(func(context.Context) ([20]byte, error) { return payer, nil })
	h := newHarness(t, WithCallerResolver(resolver))
	if _, err := h.engine.Create(context.Background(), payee, amounts(1), nil); err != nil {
		t.Fatalf("create with resolver: %v", err)
	}
	failing := CallerResolverFunc(func(context.Context) ([20]byte, error) { return [20]byte{}, errors.New("no token") })
	h = newHarness(t, WithCallerResolver(failing))
	_, err := h.engine.Create(context.Background(), payee, amounts(1), nil)
	expectErr(t, err, ErrUnauthorized)
}

type recordingMetrics struct {
	ops   map[string]int
	flows map[string]int64
}

func (m *recordingMetrics) ObserveOperation(op Operation, outcome string, _ time.Duration) {
	m.ops[string(op)+"/"+outcome]++
}

func (m *recordingMetrics) ObserveValue(flow string, amount *big.Int) {
	m.flows[flow] += amount.Int64()
}

func TestMetricsObserveCommittedFlowsOnly(t *testing.T) {
	metrics := &recordingMetrics{ops: map[string]int{}, flows: map[string]int64{}}
	h := newHarness(t, WithMetrics(metrics))
	id := h.funded(false, 10, 20)
	h.backend.failTransfers = 1
	_ = h.engine.ReleaseMilestone(as(payer), id, 0)
	h.backend.failTransfers = 0
	if err := h.engine.ReleaseMilestone(as(payer), id, 1); err != nil {
		t.Fatalf("release: %v", err)
	}

	if metrics.flows[FlowDeposit] != 30 || metrics.flows[FlowPayee] != 20 {
		t.Fatalf("flows = %v", metrics.flows)
	}
	if metrics.ops["release_milestone/amount"] != 1 || metrics.ops["release_milestone/ok"] != 1 {
		t.Fatalf("ops = %v", metrics.ops)
	}
}
