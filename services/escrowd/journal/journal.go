// Package journal keeps an append-only, sequenced record of committed escrow
// events in SQLite. Sequences are the cursor stream subscribers resume from.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	// Same pure-Go driver the gorm sqlite dialector links; registering a
	// second "sqlite" driver in one binary panics.
	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"

	"skillchain/core/types"
)

// Entry is a journaled event.
type Entry struct {
	Sequence   int64             `json:"sequence"`
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	EscrowID   uint64            `json:"escrowId"`
	Attributes map[string]string `json:"attributes"`
	RecordedAt time.Time         `json:"recordedAt"`
}

// Event rebuilds the canonical event carried by the entry.
func (e Entry) Event() *types.Event {
	return (&types.Event{Type: e.Type, Attributes: e.Attributes}).Clone()
}

var errNilEvent = errors.New("journal: nil event")

// Journal manages the events table.
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (and migrates) the journal at path. An empty path keeps the
// journal in memory for the life of the process.
func Open(path string) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps in-memory databases shared and serialises writers.
	db.SetMaxOpenConns(1)
	j := &Journal{db: db, now: time.Now}
	if err := j.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS events (
            sequence INTEGER PRIMARY KEY AUTOINCREMENT,
            event_id TEXT NOT NULL UNIQUE,
            type TEXT NOT NULL,
            escrow_id INTEGER NOT NULL,
            attributes TEXT NOT NULL,
            recorded_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS events_escrow ON events(escrow_id, sequence);`,
	}
	for _, stmt := range schema {
		if _, err := j.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Append stores evt and returns the entry with its assigned sequence.
func (j *Journal) Append(ctx context.Context, evt *types.Event) (Entry, error) {
	if evt == nil {
		return Entry{}, errNilEvent
	}
	escrowID, err := strconv.ParseUint(evt.Attributes["id"], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("journal: event %s without escrow id: %w", evt.Type, err)
	}
	attrs, err := json.Marshal(evt.Attributes)
	if err != nil {
		return Entry{}, err
	}
	entry := Entry{
		ID:         uuid.NewString(),
		Type:       evt.Type,
		EscrowID:   escrowID,
		Attributes: evt.Clone().Attributes,
		RecordedAt: j.now().UTC(),
	}
	const stmt = `INSERT INTO events(event_id, type, escrow_id, attributes, recorded_at) VALUES (?, ?, ?, ?, ?)`
	res, err := j.db.ExecContext(ctx, stmt, entry.ID, entry.Type, int64(entry.EscrowID), string(attrs), entry.RecordedAt)
	if err != nil {
		return Entry{}, err
	}
	entry.Sequence, err = res.LastInsertId()
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Since returns up to limit entries with a sequence greater than after, in
// order. A non-positive limit returns everything.
func (j *Journal) Since(ctx context.Context, after int64, limit int) ([]Entry, error) {
	query := `SELECT sequence, event_id, type, escrow_id, attributes, recorded_at FROM events WHERE sequence > ? ORDER BY sequence`
	args := []any{after}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return j.query(ctx, query, args...)
}

// ForEscrow returns every entry of one escrow in order.
func (j *Journal) ForEscrow(ctx context.Context, escrowID uint64) ([]Entry, error) {
	const query = `SELECT sequence, event_id, type, escrow_id, attributes, recorded_at FROM events WHERE escrow_id = ? ORDER BY sequence`
	return j.query(ctx, query, int64(escrowID))
}

// LastSequence returns the newest sequence, or 0 when the journal is empty.
func (j *Journal) LastSequence(ctx context.Context) (int64, error) {
	var value sql.NullInt64
	if err := j.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM events`).Scan(&value); err != nil {
		return 0, err
	}
	return value.Int64, nil
}

func (j *Journal) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Entry{}
	for rows.Next() {
		var (
			entry    Entry
			escrowID int64
			attrs    string
		)
		if err := rows.Scan(&entry.Sequence, &entry.ID, &entry.Type, &escrowID, &attrs, &entry.RecordedAt); err != nil {
			return nil, err
		}
		entry.EscrowID = uint64(escrowID)
		if err := json.Unmarshal([]byte(attrs), &entry.Attributes); err != nil {
			return nil, fmt.Errorf("journal: decode attributes of %d: %w", entry.Sequence, err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
