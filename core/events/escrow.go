package events

import (
	"math/big"
	"strconv"

	"skillchain/core/types"
	"skillchain/crypto"
)

const (
	TypeEscrowCreated           = "escrow.created"
	TypeEscrowFunded            = "escrow.funded"
	TypeEscrowMilestoneReleased = "escrow.milestone_released"
	TypeEscrowCancelRequested   = "escrow.cancel_requested"
	TypeEscrowCancelled         = "escrow.cancelled"
	TypeEscrowDisputeResolved   = "escrow.dispute_resolved"
)

// EscrowCreated is emitted once per successfully created escrow.
type EscrowCreated struct {
	ID          uint64
	Payer       [20]byte
	Payee       [20]byte
	Arbiter     *[20]byte
	TotalAmount *big.Int
}

func (EscrowCreated) EventType() string { return TypeEscrowCreated }

func (e EscrowCreated) Event() *types.Event {
	attrs := escrowAttrs(e.ID)
	attrs["payer"] = crypto.FormatIdentity(e.Payer)
	attrs["payee"] = crypto.FormatIdentity(e.Payee)
	if e.Arbiter != nil {
		attrs["arbiter"] = crypto.FormatIdentity(*e.Arbiter)
	}
	attrs["totalAmount"] = formatAmount(e.TotalAmount)
	return &types.Event{Type: TypeEscrowCreated, Attributes: attrs}
}

// EscrowFunded reports the value attached by the payer, which may exceed the
// escrow total.
type EscrowFunded struct {
	ID     uint64
	Amount *big.Int
}

func (EscrowFunded) EventType() string { return TypeEscrowFunded }

func (e EscrowFunded) Event() *types.Event {
	attrs := escrowAttrs(e.ID)
	attrs["amount"] = formatAmount(e.Amount)
	return &types.Event{Type: TypeEscrowFunded, Attributes: attrs}
}

type EscrowMilestoneReleased struct {
	ID          uint64
	MilestoneID uint32
	Amount      *big.Int
}

func (EscrowMilestoneReleased) EventType() string { return TypeEscrowMilestoneReleased }

func (e EscrowMilestoneReleased) Event() *types.Event {
	attrs := escrowAttrs(e.ID)
	attrs["milestoneId"] = strconv.FormatUint(uint64(e.MilestoneID), 10)
	attrs["amount"] = formatAmount(e.Amount)
	return &types.Event{Type: TypeEscrowMilestoneReleased, Attributes: attrs}
}

type EscrowCancelRequested struct {
	ID          uint64
	RequestedBy [20]byte
}

func (EscrowCancelRequested) EventType() string { return TypeEscrowCancelRequested }

func (e EscrowCancelRequested) Event() *types.Event {
	attrs := escrowAttrs(e.ID)
	attrs["requestedBy"] = crypto.FormatIdentity(e.RequestedBy)
	return &types.Event{Type: TypeEscrowCancelRequested, Attributes: attrs}
}

// EscrowCancelled is emitted for bilateral cancellation. RefundToPayee is the
// value already released to the payee, not a new transfer.
type EscrowCancelled struct {
	ID            uint64
	RefundToPayer *big.Int
	RefundToPayee *big.Int
}

func (EscrowCancelled) EventType() string { return TypeEscrowCancelled }

func (e EscrowCancelled) Event() *types.Event {
	attrs := escrowAttrs(e.ID)
	attrs["refundToPayer"] = formatAmount(e.RefundToPayer)
	attrs["refundToPayee"] = formatAmount(e.RefundToPayee)
	return &types.Event{Type: TypeEscrowCancelled, Attributes: attrs}
}

type EscrowDisputeResolved struct {
	ID          uint64
	PayeeShare  *big.Int
	PayerRefund *big.Int
}

func (EscrowDisputeResolved) EventType() string { return TypeEscrowDisputeResolved }

func (e EscrowDisputeResolved) Event() *types.Event {
	attrs := escrowAttrs(e.ID)
	attrs["payeeShare"] = formatAmount(e.PayeeShare)
	attrs["payerRefund"] = formatAmount(e.PayerRefund)
	return &types.Event{Type: TypeEscrowDisputeResolved, Attributes: attrs}
}

func escrowAttrs(id uint64) map[string]string {
	return map[string]string{"id": strconv.FormatUint(id, 10)}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
