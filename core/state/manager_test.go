package state

import (
	"bytes"
	"context"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"skillchain/native/escrow"
	"skillchain/storage"
)

func testIdentity(fill byte) [20]byte {
	var id [20]byte
	copy(id[:], bytes.Repeat([]byte{fill}, 20))
	return id
}

var (
	alice = testIdentity(0xA1)
	bob   = testIdentity(0xB2)
	carol = testIdentity(0xC3)
)

func TestTxRollbackLeavesNoTrace(t *testing.T) {
	db := storage.NewMemDB()
	m := NewManager(db)

	tx, err := m.begin(context.Background())
	require.NoError(t, err)
	_, err = tx.NextEscrowID()
	require.NoError(t, err)
	require.NoError(t, tx.Credit(alice, big.NewInt(10)))
	require.NoError(t, tx.Rollback())
	require.Equal(t, 0, db.Len())

	tx, err = m.begin(context.Background())
	require.NoError(t, err)
	id, err := tx.NextEscrowID()
	require.NoError(t, err)
	require.Equal(t, uint64(0), id)
	require.NoError(t, tx.Commit())
	require.ErrorIs(t, tx.Commit(), errTxFinished)
	require.NoError(t, tx.Rollback())

	tx, err = m.begin(context.Background())
	require.NoError(t, err)
	id, err = tx.NextEscrowID()
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)
	require.NoError(t, tx.Rollback())
}

func TestTxReadsOwnWrites(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	tx, err := m.begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()

	require.NoError(t, tx.AppendPayerEscrow(alice, 3))
	require.NoError(t, tx.AppendPayerEscrow(alice, 5))
	ids, err := tx.PayerEscrows(alice)
	require.NoError(t, err)
	require.Equal(t, []uint64{3, 5}, ids)

	empty, err := tx.PayeeEscrows(alice)
	require.NoError(t, err)
	require.NotNil(t, empty)
	require.Empty(t, empty)
}

func TestEscrowRecordRoundTrip(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	arbiter := carol
	requester := bob
	record := &escrow.Escrow{
		ID:          9,
		Payer:       alice,
		Payee:       bob,
		Arbiter:     &arbiter,
		TotalAmount: big.NewInt(300),
		Deposited:   big.NewInt(300),
		Milestones: []escrow.Milestone{
			{ID: 0, Amount: big.NewInt(100), Released: true, Description: "design"},
			{ID: 1, Amount: big.NewInt(200), Description: "build"},
		},
		Status:            escrow.StatusDisputed,
		CancelRequestedBy: &requester,
		CreatedAt:         1_700_000_000,
	}

	tx, err := m.begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.EscrowPut(record))
	require.NoError(t, tx.Commit())

	tx, err = m.begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()
	got, ok, err := tx.EscrowGet(9)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, record.Payer, got.Payer)
	require.Equal(t, *record.Arbiter, *got.Arbiter)
	require.Equal(t, *record.CancelRequestedBy, *got.CancelRequestedBy)
	require.Equal(t, record.Status, got.Status)
	require.Equal(t, record.CreatedAt, got.CreatedAt)
	require.Equal(t, 0, record.TotalAmount.Cmp(got.TotalAmount))
	require.Len(t, got.Milestones, 2)
	require.True(t, got.Milestones[0].Released)
	require.Equal(t, "build", got.Milestones[1].Description)
	require.Equal(t, 0, got.Milestones[1].Amount.Cmp(big.NewInt(200)))

	_, ok, err = tx.EscrowGet(10)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLedgerMovements(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	ctx := context.Background()

	require.NoError(t, m.Credit(ctx, alice, big.NewInt(100)))
	require.ErrorIs(t, m.Credit(ctx, alice, big.NewInt(0)), ErrInvalidAmount)
	require.ErrorIs(t, m.Credit(ctx, alice, new(big.Int).Lsh(big.NewInt(1), 256)), ErrBalanceOverflow)

	tx, err := m.begin(ctx)
	require.NoError(t, err)
	require.ErrorIs(t, tx.Deposit(alice, big.NewInt(101)), ErrInsufficientBalance)
	require.NoError(t, tx.Deposit(alice, big.NewInt(60)))
	require.ErrorIs(t, tx.Transfer(bob, big.NewInt(61)), ErrInsufficientCustody)
	require.NoError(t, tx.Transfer(bob, big.NewInt(25)))
	require.NoError(t, tx.Commit())

	balance, err := m.Balance(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, "40", balance.String())
	balance, err = m.Balance(ctx, bob)
	require.NoError(t, err)
	require.Equal(t, "25", balance.String())
	custody, err := m.CustodyBalance(ctx)
	require.NoError(t, err)
	require.Equal(t, "35", custody.String())

	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	require.NoError(t, m.Credit(ctx, carol, max))
	require.ErrorIs(t, m.Credit(ctx, carol, big.NewInt(1)), ErrBalanceOverflow)
}

func TestBeginHonoursCancelledContext(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Begin(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func runLifecycle(t *testing.T, db storage.Database) {
	t.Helper()
	m := NewManager(db)
	engine := escrow.NewEngine(m)
	ctx := context.Background()
	asAlice := escrow.WithCaller(ctx, alice)

	require.NoError(t, m.Credit(ctx, alice, big.NewInt(3000)))
	arbiter := carol
	id, err := engine.Create(asAlice, bob, escrow.NewMilestones([]*big.Int{big.NewInt(1000), big.NewInt(2000)}, []string{"a", "b"}), &arbiter)
	require.NoError(t, err)

	require.NoError(t, engine.Fund(asAlice, id, big.NewInt(3000)))
	require.NoError(t, engine.ReleaseMilestone(asAlice, id, 0))

	// a second escrow for the same payer lands after the first in the index
	_, err = engine.Create(asAlice, bob, escrow.NewMilestones([]*big.Int{big.NewInt(1)}, nil), nil)
	require.NoError(t, err)

	require.NoError(t, engine.RequestCancel(escrow.WithCaller(ctx, bob), id))
	require.NoError(t, engine.ResolveDispute(escrow.WithCaller(ctx, carol), id, big.NewInt(500), big.NewInt(1500)))

	esc, ok, err := engine.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, escrow.StatusCancelled, esc.Status)

	bobBalance, err := m.Balance(ctx, bob)
	require.NoError(t, err)
	require.Equal(t, "1500", bobBalance.String())
	aliceBalance, err := m.Balance(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, "1500", aliceBalance.String())
	custody, err := m.CustodyBalance(ctx)
	require.NoError(t, err)
	require.Equal(t, "0", custody.String())

	ids, err := engine.EscrowsByPayer(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 1}, ids)
}

func TestEngineOverMemDB(t *testing.T) {
	runLifecycle(t, storage.NewMemDB())
}

func TestEngineOverLevelDB(t *testing.T) {
	db, err := storage.NewLevelDB(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	defer db.Close()
	runLifecycle(t, db)
}

func TestEngineFailureKeepsCounter(t *testing.T) {
	db := storage.NewMemDB()
	m := NewManager(db)
	engine := escrow.NewEngine(m)
	asAlice := escrow.WithCaller(context.Background(), alice)

	id, err := engine.Create(asAlice, bob, escrow.NewMilestones([]*big.Int{big.NewInt(10)}, nil), nil)
	require.NoError(t, err)
	// alice has no balance, so the deposit fails and nothing is written
	before := db.Len()
	require.ErrorIs(t, engine.Fund(asAlice, id, big.NewInt(10)), escrow.ErrInsufficientFunds)
	require.Equal(t, before, db.Len())

	_, err = engine.Create(asAlice, bob, nil, nil)
	require.ErrorIs(t, err, escrow.ErrEmptyMilestones)
	next, err := engine.Create(asAlice, bob, escrow.NewMilestones([]*big.Int{big.NewInt(10)}, nil), nil)
	require.NoError(t, err)
	require.Equal(t, id+1, next)
}
