// Package api holds the transport-neutral request and response shapes shared
// by the HTTP and gRPC adapters, and the service that maps them onto the
// escrow engine.
package api

import (
	"math/big"

	"skillchain/crypto"
	"skillchain/native/escrow"
)

// MilestoneInput describes one milestone of a create request.
type MilestoneInput struct {
	Amount      string `json:"amount"`
	Description string `json:"description,omitempty"`
}

type CreateRequest struct {
	Payee      string           `json:"payee"`
	Arbiter    string           `json:"arbiter,omitempty"`
	Milestones []MilestoneInput `json:"milestones"`
}

type FundRequest struct {
	Amount string `json:"amount"`
}

type ResolveRequest struct {
	PayeeShare  string `json:"payeeShare"`
	PayerRefund string `json:"payerRefund"`
}

type CreditRequest struct {
	Identity string `json:"identity"`
	Amount   string `json:"amount"`
}

// CreateResponse carries the new escrow id as a decimal string so it survives
// JSON consumers without 64-bit integers.
type CreateResponse struct {
	ID string `json:"id"`
}

type MilestoneView struct {
	ID          uint32 `json:"id"`
	Amount      string `json:"amount"`
	Released    bool   `json:"released"`
	Description string `json:"description,omitempty"`
}

type EscrowView struct {
	ID                string          `json:"id"`
	Payer             string          `json:"payer"`
	Payee             string          `json:"payee"`
	Arbiter           string          `json:"arbiter,omitempty"`
	TotalAmount       string          `json:"totalAmount"`
	Deposited         string          `json:"deposited"`
	Released          string          `json:"released"`
	Status            escrow.Status   `json:"status"`
	CancelRequestedBy string          `json:"cancelRequestedBy,omitempty"`
	CreatedAt         int64           `json:"createdAt"`
	Milestones        []MilestoneView `json:"milestones"`
}

type ListResponse struct {
	Identity string   `json:"identity"`
	Role     string   `json:"role"`
	Escrows  []string `json:"escrows"`
}

type MilestonesResponse struct {
	Milestones []MilestoneView `json:"milestones"`
}

type BalanceResponse struct {
	Identity string `json:"identity"`
	Balance  string `json:"balance"`
}

// StatusResponse acknowledges a mutation and reports the resulting status.
type StatusResponse struct {
	ID     string        `json:"id"`
	Status escrow.Status `json:"status"`
}

func newMilestoneViews(ms []escrow.Milestone) []MilestoneView {
	out := make([]MilestoneView, len(ms))
	for i, m := range ms {
		out[i] = MilestoneView{
			ID:          m.ID,
			Amount:      amountString(m.Amount),
			Released:    m.Released,
			Description: m.Description,
		}
	}
	return out
}

// NewEscrowView renders an escrow for transport.
func NewEscrowView(e *escrow.Escrow) EscrowView {
	view := EscrowView{
		ID:          formatID(e.ID),
		Payer:       crypto.FormatIdentity(e.Payer),
		Payee:       crypto.FormatIdentity(e.Payee),
		TotalAmount: amountString(e.TotalAmount),
		Deposited:   amountString(e.Deposited),
		Released:    amountString(e.ReleasedAmount()),
		Status:      e.Status,
		CreatedAt:   e.CreatedAt,
		Milestones:  newMilestoneViews(e.Milestones),
	}
	if e.Arbiter != nil {
		view.Arbiter = crypto.FormatIdentity(*e.Arbiter)
	}
	if e.CancelRequestedBy != nil {
		view.CancelRequestedBy = crypto.FormatIdentity(*e.CancelRequestedBy)
	}
	return view
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
