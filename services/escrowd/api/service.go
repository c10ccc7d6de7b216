package api

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"skillchain/core/state"
	"skillchain/crypto"
	"skillchain/native/escrow"
)

// ErrBadRequest marks malformed input rejected before it reaches the engine.
var ErrBadRequest = errors.New("bad request")

// Index roles accepted by List.
const (
	RolePayer = "payer"
	RolePayee = "payee"
)

// Ledger is the reference custody ledger exposed next to the engine.
type Ledger interface {
	Balance(ctx context.Context, who [20]byte) (*big.Int, error)
	Credit(ctx context.Context, to [20]byte, amount *big.Int) error
	CustodyBalance(ctx context.Context) (*big.Int, error)
}

// Service adapts transport requests onto the engine. The caller identity must
// already be attached to ctx with escrow.WithCaller.
type Service struct {
	engine *escrow.Engine
	ledger Ledger
}

func NewService(engine *escrow.Engine, ledger Ledger) *Service {
	return &Service{engine: engine, ledger: ledger}
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}

// ParseID parses a decimal escrow id.
func ParseID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, badRequest("invalid escrow id %q", raw)
	}
	return id, nil
}

// ParseMilestoneID parses a decimal milestone id.
func ParseMilestoneID(raw string) (uint32, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 32)
	if err != nil {
		return 0, badRequest("invalid milestone id %q", raw)
	}
	return uint32(id), nil
}

// ParseAmount parses a base-10 integer amount. Negative values are passed
// through so the engine reports them with its own taxonomy.
func ParseAmount(field, raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, badRequest("%s is required", field)
	}
	v, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, badRequest("%s must be a base-10 integer", field)
	}
	return v, nil
}

// ParseIdentity parses a bech32 or 0x-hex identity.
func ParseIdentity(field, raw string) ([20]byte, error) {
	id, err := crypto.ParseIdentity(raw)
	if err != nil {
		return [20]byte{}, badRequest("%s: %v", field, err)
	}
	return id, nil
}

func formatID(id uint64) string { return strconv.FormatUint(id, 10) }

func (s *Service) Create(ctx context.Context, req CreateRequest) (CreateResponse, error) {
	payee, err := ParseIdentity("payee", req.Payee)
	if err != nil {
		return CreateResponse{}, err
	}
	var arbiter *[20]byte
	if strings.TrimSpace(req.Arbiter) != "" {
		parsed, err := ParseIdentity("arbiter", req.Arbiter)
		if err != nil {
			return CreateResponse{}, err
		}
		arbiter = &parsed
	}
	amounts := make([]*big.Int, len(req.Milestones))
	descriptions := make([]string, len(req.Milestones))
	for i, m := range req.Milestones {
		amount, err := ParseAmount(fmt.Sprintf("milestones[%d].amount", i), m.Amount)
		if err != nil {
			return CreateResponse{}, err
		}
		amounts[i] = amount
		descriptions[i] = m.Description
	}
	id, err := s.engine.Create(ctx, payee, escrow.NewMilestones(amounts, descriptions), arbiter)
	if err != nil {
		return CreateResponse{}, err
	}
	return CreateResponse{ID: formatID(id)}, nil
}

func (s *Service) Fund(ctx context.Context, id uint64, req FundRequest) (StatusResponse, error) {
	amount, err := ParseAmount("amount", req.Amount)
	if err != nil {
		return StatusResponse{}, err
	}
	if err := s.engine.Fund(ctx, id, amount); err != nil {
		return StatusResponse{}, err
	}
	return s.status(ctx, id)
}

func (s *Service) Release(ctx context.Context, id uint64, milestoneID uint32) (StatusResponse, error) {
	if err := s.engine.ReleaseMilestone(ctx, id, milestoneID); err != nil {
		return StatusResponse{}, err
	}
	return s.status(ctx, id)
}

func (s *Service) RequestCancel(ctx context.Context, id uint64) (StatusResponse, error) {
	if err := s.engine.RequestCancel(ctx, id); err != nil {
		return StatusResponse{}, err
	}
	return s.status(ctx, id)
}

func (s *Service) ApproveCancel(ctx context.Context, id uint64) (StatusResponse, error) {
	if err := s.engine.ApproveCancel(ctx, id); err != nil {
		return StatusResponse{}, err
	}
	return s.status(ctx, id)
}

func (s *Service) Resolve(ctx context.Context, id uint64, req ResolveRequest) (StatusResponse, error) {
	payeeShare, err := ParseAmount("payeeShare", req.PayeeShare)
	if err != nil {
		return StatusResponse{}, err
	}
	payerRefund, err := ParseAmount("payerRefund", req.PayerRefund)
	if err != nil {
		return StatusResponse{}, err
	}
	if err := s.engine.ResolveDispute(ctx, id, payeeShare, payerRefund); err != nil {
		return StatusResponse{}, err
	}
	return s.status(ctx, id)
}

func (s *Service) status(ctx context.Context, id uint64) (StatusResponse, error) {
	esc, ok, err := s.engine.Get(ctx, id)
	if err != nil {
		return StatusResponse{}, err
	}
	if !ok {
		return StatusResponse{}, &escrow.OpError{EscrowID: id, Err: escrow.ErrEscrowNotFound}
	}
	return StatusResponse{ID: formatID(id), Status: esc.Status}, nil
}

// Get returns the escrow view, or ok=false when the id is unknown.
func (s *Service) Get(ctx context.Context, id uint64) (EscrowView, bool, error) {
	esc, ok, err := s.engine.Get(ctx, id)
	if err != nil || !ok {
		return EscrowView{}, ok, err
	}
	return NewEscrowView(esc), true, nil
}

func (s *Service) Milestones(ctx context.Context, id uint64) (MilestonesResponse, error) {
	ms, err := s.engine.Milestones(ctx, id)
	if err != nil {
		return MilestonesResponse{}, err
	}
	return MilestonesResponse{Milestones: newMilestoneViews(ms)}, nil
}

// List returns the escrow ids indexed for identity under role.
func (s *Service) List(ctx context.Context, identity, role string) (ListResponse, error) {
	who, err := ParseIdentity("identity", identity)
	if err != nil {
		return ListResponse{}, err
	}
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		role = RolePayer
	}
	var ids []uint64
	switch role {
	case RolePayer:
		ids, err = s.engine.EscrowsByPayer(ctx, who)
	case RolePayee:
		ids, err = s.engine.EscrowsByPayee(ctx, who)
	default:
		return ListResponse{}, badRequest("role must be %q or %q", RolePayer, RolePayee)
	}
	if err != nil {
		return ListResponse{}, err
	}
	out := ListResponse{Identity: crypto.FormatIdentity(who), Role: role, Escrows: make([]string, len(ids))}
	for i, id := range ids {
		out.Escrows[i] = formatID(id)
	}
	return out, nil
}

func (s *Service) Balance(ctx context.Context, identity string) (BalanceResponse, error) {
	who, err := ParseIdentity("identity", identity)
	if err != nil {
		return BalanceResponse{}, err
	}
	balance, err := s.ledger.Balance(ctx, who)
	if err != nil {
		return BalanceResponse{}, err
	}
	return BalanceResponse{Identity: crypto.FormatIdentity(who), Balance: amountString(balance)}, nil
}

// Credit funds an identity on the reference ledger. Authorisation (the
// ledger admin scope) is enforced by the transport.
func (s *Service) Credit(ctx context.Context, req CreditRequest) (BalanceResponse, error) {
	who, err := ParseIdentity("identity", req.Identity)
	if err != nil {
		return BalanceResponse{}, err
	}
	amount, err := ParseAmount("amount", req.Amount)
	if err != nil {
		return BalanceResponse{}, err
	}
	if amount.Sign() <= 0 {
		return BalanceResponse{}, badRequest("amount must be positive")
	}
	if err := s.ledger.Credit(ctx, who, amount); err != nil {
		if errors.Is(err, state.ErrBalanceOverflow) || errors.Is(err, state.ErrInvalidAmount) {
			return BalanceResponse{}, badRequest("%v", err)
		}
		return BalanceResponse{}, err
	}
	return s.Balance(ctx, req.Identity)
}

// CustodyBalance reports the total value held by the custody account.
func (s *Service) CustodyBalance(ctx context.Context) (string, error) {
	v, err := s.ledger.CustodyBalance(ctx)
	if err != nil {
		return "", err
	}
	return amountString(v), nil
}
