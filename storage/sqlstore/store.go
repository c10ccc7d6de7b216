package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"skillchain/crypto"
	"skillchain/native/escrow"
)

const (
	rolePayer     = "payer"
	rolePayee     = "payee"
	escrowCounter = "escrow_id"
)

var errConcurrentAllocation = errors.New("sqlstore: escrow id allocated concurrently")

// Open connects to the named driver ("postgres" or "sqlite") and migrates the
// schema.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	case "sqlite", "sqlite3":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	if dialector.Name() == "sqlite" {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	return New(db)
}

// Store implements the escrow backend on a gorm database.
type Store struct {
	db *gorm.DB
}

// New wraps an existing gorm handle and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: nil database")
	}
	if err := db.AutoMigrate(models()...); err != nil {
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *gorm.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Begin opens a SQL transaction.
func (s *Store) Begin(ctx context.Context) (escrow.Tx, error) {
	return s.begin(ctx)
}

func (s *Store) begin(ctx context.Context) (*Tx, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, fmt.Errorf("sqlstore: begin: %w", tx.Error)
	}
	return &Tx{db: tx}, nil
}

// Tx is an open SQL transaction.
type Tx struct {
	db   *gorm.DB
	done bool
}

func (t *Tx) Commit() error {
	if t.done {
		return fmt.Errorf("sqlstore: transaction already finished")
	}
	t.done = true
	return t.db.Commit().Error
}

func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.db.Rollback().Error
}

// forUpdate locks the selected rows until the transaction ends. The sqlite
// dialector drops the clause; sqlite serialises writers on its own.
func (t *Tx) forUpdate() *gorm.DB {
	return t.db.Clauses(clause.Locking{Strength: "UPDATE"})
}

func (t *Tx) EscrowGet(id uint64) (*escrow.Escrow, bool, error) {
	var rec EscrowRecord
	err := t.forUpdate().Preload("Milestones", func(db *gorm.DB) *gorm.DB {
		return db.Order("milestone_id")
	}).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	esc, err := rec.toEscrow()
	if err != nil {
		return nil, false, err
	}
	return esc, true, nil
}

func (t *Tx) EscrowPut(esc *escrow.Escrow) error {
	if esc == nil {
		return fmt.Errorf("sqlstore: nil escrow")
	}
	rec := newEscrowRecord(esc)
	upsert := clause.OnConflict{UpdateAll: true}
	if err := t.db.Omit(clause.Associations).Clauses(upsert).Create(rec).Error; err != nil {
		return err
	}
	if len(rec.Milestones) == 0 {
		return nil
	}
	return t.db.Clauses(upsert).Create(&rec.Milestones).Error
}

// NextEscrowID reads and advances the escrow counter. The conditional update
// fails if another writer advanced it first.
func (t *Tx) NextEscrowID() (uint64, error) {
	counter := CounterRecord{Name: escrowCounter}
	if err := t.db.FirstOrCreate(&counter, CounterRecord{Name: escrowCounter}).Error; err != nil {
		return 0, err
	}
	res := t.db.Model(&CounterRecord{}).
		Where("name = ? AND value = ?", escrowCounter, counter.Value).
		Update("value", counter.Value+1)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected != 1 {
		return 0, errConcurrentAllocation
	}
	return counter.Value, nil
}

func (t *Tx) appendIndex(role string, who [20]byte, id uint64) error {
	return t.db.Create(&IndexRecord{Role: role, Identity: crypto.FormatIdentity(who), EscrowID: id}).Error
}

func (t *Tx) listIndex(role string, who [20]byte) ([]uint64, error) {
	ids := []uint64{}
	err := t.db.Model(&IndexRecord{}).
		Where("role = ? AND identity = ?", role, crypto.FormatIdentity(who)).
		Order("seq").
		Pluck("escrow_id", &ids).Error
	return ids, err
}

func (t *Tx) AppendPayerEscrow(who [20]byte, id uint64) error {
	return t.appendIndex(rolePayer, who, id)
}

func (t *Tx) AppendPayeeEscrow(who [20]byte, id uint64) error {
	return t.appendIndex(rolePayee, who, id)
}

func (t *Tx) PayerEscrows(who [20]byte) ([]uint64, error) { return t.listIndex(rolePayer, who) }
func (t *Tx) PayeeEscrows(who [20]byte) ([]uint64, error) { return t.listIndex(rolePayee, who) }

func formatOptional(id *[20]byte) *string {
	if id == nil {
		return nil
	}
	s := crypto.FormatIdentity(*id)
	return &s
}

func parseOptional(s *string) (*[20]byte, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	id, err := crypto.ParseIdentity(*s)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("sqlstore: malformed amount %q", s)
	}
	return v, nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func newEscrowRecord(e *escrow.Escrow) *EscrowRecord {
	rec := &EscrowRecord{
		ID:                e.ID,
		Payer:             crypto.FormatIdentity(e.Payer),
		Payee:             crypto.FormatIdentity(e.Payee),
		Arbiter:           formatOptional(e.Arbiter),
		TotalAmount:       amountString(e.TotalAmount),
		Deposited:         amountString(e.Deposited),
		Status:            e.Status.String(),
		CancelRequestedBy: formatOptional(e.CancelRequestedBy),
		CreatedAt:         e.CreatedAt,
		Milestones:        make([]MilestoneRecord, len(e.Milestones)),
	}
	for i, m := range e.Milestones {
		rec.Milestones[i] = MilestoneRecord{
			EscrowID:    e.ID,
			MilestoneID: m.ID,
			Amount:      amountString(m.Amount),
			Released:    m.Released,
			Description: m.Description,
		}
	}
	return rec
}

func (r *EscrowRecord) toEscrow() (*escrow.Escrow, error) {
	payer, err := crypto.ParseIdentity(r.Payer)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: payer: %w", err)
	}
	payee, err := crypto.ParseIdentity(r.Payee)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: payee: %w", err)
	}
	arbiter, err := parseOptional(r.Arbiter)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: arbiter: %w", err)
	}
	requester, err := parseOptional(r.CancelRequestedBy)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: cancel requester: %w", err)
	}
	var status escrow.Status
	if err := status.UnmarshalText([]byte(r.Status)); err != nil {
		return nil, err
	}
	total, err := parseAmount(r.TotalAmount)
	if err != nil {
		return nil, err
	}
	deposited, err := parseAmount(r.Deposited)
	if err != nil {
		return nil, err
	}
	out := &escrow.Escrow{
		ID:                r.ID,
		Payer:             payer,
		Payee:             payee,
		Arbiter:           arbiter,
		TotalAmount:       total,
		Deposited:         deposited,
		Status:            status,
		CancelRequestedBy: requester,
		CreatedAt:         r.CreatedAt,
		Milestones:        make([]escrow.Milestone, len(r.Milestones)),
	}
	for i, m := range r.Milestones {
		amount, err := parseAmount(m.Amount)
		if err != nil {
			return nil, err
		}
		out.Milestones[i] = escrow.Milestone{ID: m.MilestoneID, Amount: amount, Released: m.Released, Description: m.Description}
	}
	return out, nil
}
