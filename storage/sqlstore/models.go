package sqlstore

// EscrowRecord is the relational form of an escrow. Amounts are stored as
// base-10 strings so arbitrary precision survives every driver.
type EscrowRecord struct {
	ID                uint64            `gorm:"primaryKey;autoIncrement:false"`
	Payer             string            `gorm:"size:42;index"`
	Payee             string            `gorm:"size:42;index"`
	Arbiter           *string           `gorm:"size:42"`
	TotalAmount       string            `gorm:"not null"`
	Deposited         string            `gorm:"not null"`
	Status            string            `gorm:"size:16;index"`
	CancelRequestedBy *string           `gorm:"size:42"`
	CreatedAt         int64             `gorm:"autoCreateTime:false"`
	Milestones        []MilestoneRecord `gorm:"foreignKey:EscrowID;references:ID"`
}

func (EscrowRecord) TableName() string { return "escrows" }

// MilestoneRecord stores one milestone of an escrow.
type MilestoneRecord struct {
	EscrowID    uint64 `gorm:"primaryKey;autoIncrement:false"`
	MilestoneID uint32 `gorm:"primaryKey;autoIncrement:false"`
	Amount      string `gorm:"not null"`
	Released    bool
	Description string `gorm:"size:512"`
}

func (MilestoneRecord) TableName() string { return "escrow_milestones" }

// IndexRecord is one append-only entry of the per-identity escrow lists.
// Seq preserves insertion order.
type IndexRecord struct {
	Seq      uint64 `gorm:"primaryKey;autoIncrement"`
	Role     string `gorm:"size:8;index:idx_escrow_index_lookup"`
	Identity string `gorm:"size:42;index:idx_escrow_index_lookup"`
	EscrowID uint64
}

func (IndexRecord) TableName() string { return "escrow_index" }

// CounterRecord holds named monotonic counters.
type CounterRecord struct {
	Name  string `gorm:"primaryKey;size:32"`
	Value uint64
}

func (CounterRecord) TableName() string { return "counters" }

// BalanceRecord holds a ledger balance. The custody pool uses a reserved
// account name.
type BalanceRecord struct {
	Account string `gorm:"primaryKey;size:42"`
	Amount  string `gorm:"not null"`
}

func (BalanceRecord) TableName() string { return "ledger_balances" }

func models() []interface{} {
	return []interface{}{
		&EscrowRecord{},
		&MilestoneRecord{},
		&IndexRecord{},
		&CounterRecord{},
		&BalanceRecord{},
	}
}
