package escrow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
)

type mockData struct {
	escrows  map[uint64]*Escrow
	nextID   uint64
	byPayer  map[[20]byte][]uint64
	byPayee  map[[20]byte][]uint64
	balances map[[20]byte]*big.Int
	custody  *big.Int
}

func (d *mockData) clone() *mockData {
	out := &mockData{
		escrows:  make(map[uint64]*Escrow, len(d.escrows)),
		nextID:   d.nextID,
		byPayer:  make(map[[20]byte][]uint64, len(d.byPayer)),
		byPayee:  make(map[[20]byte][]uint64, len(d.byPayee)),
		balances: make(map[[20]byte]*big.Int, len(d.balances)),
		custody:  cloneBigInt(d.custody),
	}
	for id, esc := range d.escrows {
		out.escrows[id] = esc.Clone()
	}
	for who, ids := range d.byPayer {
		out.byPayer[who] = append([]uint64(nil), ids...)
	}
	for who, ids := range d.byPayee {
		out.byPayee[who] = append([]uint64(nil), ids...)
	}
	for who, bal := range d.balances {
		out.balances[who] = cloneBigInt(bal)
	}
	return out
}

// mockBackend keeps committed state in maps and hands each transaction a deep
// copy of it.
type mockBackend struct {
	data          *mockData
	failTransfers int // fail the n-th transfer of a transaction (1-based), 0 disables
	commits       int
	rollbacks     int
}

func newMockBackend() *mockBackend {
	return &mockBackend{data: &mockData{
		escrows:  make(map[uint64]*Escrow),
		byPayer:  make(map[[20]byte][]uint64),
		byPayee:  make(map[[20]byte][]uint64),
		balances: make(map[[20]byte]*big.Int),
		custody:  big.NewInt(0),
	}}
}

func (b *mockBackend) credit(who [20]byte, amount int64) {
	bal := cloneBigInt(b.data.balances[who])
	b.data.balances[who] = bal.Add(bal, big.NewInt(amount))
}

func (b *mockBackend) balance(who [20]byte) int64 {
	return cloneBigInt(b.data.balances[who]).Int64()
}

func (b *mockBackend) custody() int64 { return b.data.custody.Int64() }

func (b *mockBackend) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &mockTx{backend: b, data: b.data.clone()}, nil
}

type mockTx struct {
	backend   *mockBackend
	data      *mockData
	transfers int
	done      bool
}

func (tx *mockTx) EscrowGet(id uint64) (*Escrow, bool, error) {
	esc, ok := tx.data.escrows[id]
	if !ok {
		return nil, false, nil
	}
	return esc.Clone(), true, nil
}

func (tx *mockTx) EscrowPut(esc *Escrow) error {
	if esc == nil {
		return errors.New("nil escrow")
	}
	tx.data.escrows[esc.ID] = esc.Clone()
	return nil
}

func (tx *mockTx) NextEscrowID() (uint64, error) {
	id := tx.data.nextID
	tx.data.nextID++
	return id, nil
}

func (tx *mockTx) AppendPayerEscrow(who [20]byte, id uint64) error {
	tx.data.byPayer[who] = append(tx.data.byPayer[who], id)
	return nil
}

func (tx *mockTx) AppendPayeeEscrow(who [20]byte, id uint64) error {
	tx.data.byPayee[who] = append(tx.data.byPayee[who], id)
	return nil
}

func (tx *mockTx) PayerEscrows(who [20]byte) ([]uint64, error) {
	return append([]uint64(nil), tx.data.byPayer[who]...), nil
}

func (tx *mockTx) PayeeEscrows(who [20]byte) ([]uint64, error) {
	return append([]uint64(nil), tx.data.byPayee[who]...), nil
}

func (tx *mockTx) Deposit(from [20]byte, amount *big.Int) error {
	bal := cloneBigInt(tx.data.balances[from])
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("balance %s below %s", bal, amount)
	}
	tx.data.balances[from] = bal.Sub(bal, amount)
	tx.data.custody.Add(tx.data.custody, amount)
	return nil
}

func (tx *mockTx) Transfer(to [20]byte, amount *big.Int) error {
	tx.transfers++
	if tx.backend.failTransfers != 0 && tx.transfers == tx.backend.failTransfers {
		return errors.New("injected transfer failure")
	}
	if tx.data.custody.Cmp(amount) < 0 {
		return fmt.Errorf("custody %s below %s", tx.data.custody, amount)
	}
	tx.data.custody.Sub(tx.data.custody, amount)
	bal := cloneBigInt(tx.data.balances[to])
	tx.data.balances[to] = bal.Add(bal, amount)
	return nil
}

func (tx *mockTx) Commit() error {
	if tx.done {
		return errors.New("transaction finished")
	}
	tx.done = true
	tx.backend.data = tx.data
	tx.backend.commits++
	return nil
}

func (tx *mockTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.backend.rollbacks++
	return nil
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}
