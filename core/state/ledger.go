package state

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrInsufficientCustody = errors.New("ledger: insufficient custody")
	ErrBalanceOverflow     = errors.New("ledger: balance exceeds 256 bits")
	ErrInvalidAmount       = errors.New("ledger: amount must be positive")
)

var (
	balancePrefix = []byte("ledger/balance/")
	custodyKey    = []byte("ledger/custody")
)

func (tx *Tx) loadAmount(key []byte) (*uint256.Int, error) {
	value := new(big.Int)
	ok, err := tx.KVGet(key, value)
	if err != nil {
		return nil, err
	}
	if !ok {
		return new(uint256.Int), nil
	}
	out, overflow := uint256.FromBig(value)
	if overflow {
		return nil, ErrBalanceOverflow
	}
	return out, nil
}

func (tx *Tx) storeAmount(key []byte, v *uint256.Int) error {
	return tx.KVPut(key, v.ToBig())
}

func toUint256(amount *big.Int) (*uint256.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	out, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrBalanceOverflow
	}
	return out, nil
}

// move debits amount from the from key and credits it to the to key.
func (tx *Tx) move(fromKey, toKey []byte, amount *big.Int, shortfall error) error {
	amt, err := toUint256(amount)
	if err != nil {
		return err
	}
	from, err := tx.loadAmount(fromKey)
	if err != nil {
		return err
	}
	if from.Lt(amt) {
		return fmt.Errorf("%w: have %s, need %s", shortfall, from.Dec(), amt.Dec())
	}
	to, err := tx.loadAmount(toKey)
	if err != nil {
		return err
	}
	sum, overflow := new(uint256.Int).AddOverflow(to, amt)
	if overflow {
		return ErrBalanceOverflow
	}
	if err := tx.storeAmount(fromKey, new(uint256.Int).Sub(from, amt)); err != nil {
		return err
	}
	return tx.storeAmount(toKey, sum)
}

// Deposit moves value from the payer's balance into the custody pool.
func (tx *Tx) Deposit(from [20]byte, amount *big.Int) error {
	return tx.move(identityKey(balancePrefix, from), custodyKey, amount, ErrInsufficientBalance)
}

// Transfer pays value out of the custody pool.
func (tx *Tx) Transfer(to [20]byte, amount *big.Int) error {
	return tx.move(custodyKey, identityKey(balancePrefix, to), amount, ErrInsufficientCustody)
}

// Credit mints value into an identity's balance.
func (tx *Tx) Credit(to [20]byte, amount *big.Int) error {
	amt, err := toUint256(amount)
	if err != nil {
		return err
	}
	key := identityKey(balancePrefix, to)
	current, err := tx.loadAmount(key)
	if err != nil {
		return err
	}
	sum, overflow := new(uint256.Int).AddOverflow(current, amt)
	if overflow {
		return ErrBalanceOverflow
	}
	return tx.storeAmount(key, sum)
}

// Balance reports the spendable balance of an identity.
func (tx *Tx) Balance(who [20]byte) (*big.Int, error) {
	v, err := tx.loadAmount(identityKey(balancePrefix, who))
	if err != nil {
		return nil, err
	}
	return v.ToBig(), nil
}

// Custody reports the total value held in the custody pool, including any
// absorbed overpayment.
func (tx *Tx) Custody() (*big.Int, error) {
	v, err := tx.loadAmount(custodyKey)
	if err != nil {
		return nil, err
	}
	return v.ToBig(), nil
}

// Credit mints value into an identity's balance in its own transaction.
func (m *Manager) Credit(ctx context.Context, to [20]byte, amount *big.Int) error {
	tx, err := m.begin(ctx)
	if err != nil {
		return err
	}
	if err := tx.Credit(to, amount); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Balance reads an identity's balance.
func (m *Manager) Balance(ctx context.Context, who [20]byte) (*big.Int, error) {
	tx, err := m.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return tx.Balance(who)
}

// CustodyBalance reads the custody pool total.
func (m *Manager) CustodyBalance(ctx context.Context) (*big.Int, error) {
	tx, err := m.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return tx.Custody()
}
