package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"gorm.io/gorm"

	"skillchain/core/state"
	"skillchain/crypto"
)

// custodyAccount is the reserved ledger row for the escrow custody pool.
const custodyAccount = "custody"

func (t *Tx) loadBalance(account string) (*big.Int, error) {
	return t.readBalance(t.db, account)
}

func (t *Tx) lockBalance(account string) (*big.Int, error) {
	return t.readBalance(t.forUpdate(), account)
}

func (t *Tx) readBalance(db *gorm.DB, account string) (*big.Int, error) {
	var rec BalanceRecord
	err := db.First(&rec, "account = ?", account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	return parseAmount(rec.Amount)
}

func (t *Tx) storeBalance(account string, amount *big.Int) error {
	if _, overflow := uint256.FromBig(amount); overflow {
		return state.ErrBalanceOverflow
	}
	rec := BalanceRecord{Account: account, Amount: amount.String()}
	return t.db.Save(&rec).Error
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return state.ErrInvalidAmount
	}
	if _, overflow := uint256.FromBig(amount); overflow {
		return state.ErrBalanceOverflow
	}
	return nil
}

func (t *Tx) move(from, to string, amount *big.Int, shortfall error) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	// Lock both rows in account order so opposing moves cannot deadlock.
	first, second := from, to
	if second < first {
		first, second = second, first
	}
	balances := make(map[string]*big.Int, 2)
	for _, account := range []string{first, second} {
		bal, err := t.lockBalance(account)
		if err != nil {
			return err
		}
		balances[account] = bal
	}
	fromBal, toBal := balances[from], balances[to]
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", shortfall, fromBal, amount)
	}
	if err := t.storeBalance(from, fromBal.Sub(fromBal, amount)); err != nil {
		return err
	}
	return t.storeBalance(to, toBal.Add(toBal, amount))
}

// Deposit moves value from the payer's balance into custody.
func (t *Tx) Deposit(from [20]byte, amount *big.Int) error {
	return t.move(crypto.FormatIdentity(from), custodyAccount, amount, state.ErrInsufficientBalance)
}

// Transfer pays value out of custody.
func (t *Tx) Transfer(to [20]byte, amount *big.Int) error {
	return t.move(custodyAccount, crypto.FormatIdentity(to), amount, state.ErrInsufficientCustody)
}

// Credit mints value into an identity's balance.
func (s *Store) Credit(ctx context.Context, to [20]byte, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		t := &Tx{db: db}
		account := crypto.FormatIdentity(to)
		current, err := t.lockBalance(account)
		if err != nil {
			return err
		}
		return t.storeBalance(account, current.Add(current, amount))
	})
}

// Balance reads an identity's balance.
func (s *Store) Balance(ctx context.Context, who [20]byte) (*big.Int, error) {
	t := &Tx{db: s.db.WithContext(ctx)}
	return t.loadBalance(crypto.FormatIdentity(who))
}

// CustodyBalance reads the custody pool total.
func (s *Store) CustodyBalance(ctx context.Context) (*big.Int, error) {
	t := &Tx{db: s.db.WithContext(ctx)}
	return t.loadBalance(custodyAccount)
}
