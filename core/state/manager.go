package state

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"skillchain/native/escrow"
	"skillchain/storage"
)

var errTxFinished = errors.New("state: transaction already finished")

// Manager exposes escrow records, identity indexes and the custody ledger on
// top of a key-value database. Writes are staged in a transaction overlay and
// flushed as a single batch on commit.
type Manager struct {
	db storage.Database
	mu sync.Mutex
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// Begin opens a transaction. Only one transaction is open at a time; Begin
// blocks until the previous one commits or rolls back.
func (m *Manager) Begin(ctx context.Context) (escrow.Tx, error) {
	return m.begin(ctx)
}

func (m *Manager) begin(ctx context.Context) (*Tx, error) {
	if m == nil || m.db == nil {
		return nil, fmt.Errorf("state: database not configured")
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	return &Tx{m: m, overlay: make(map[string][]byte)}, nil
}

// Tx is a buffered view over the manager's database.
type Tx struct {
	m       *Manager
	overlay map[string][]byte
	done    bool
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

func (tx *Tx) get(key []byte) ([]byte, error) {
	if tx.done {
		return nil, errTxFinished
	}
	hashed := kvKey(key)
	if value, ok := tx.overlay[string(hashed)]; ok {
		return value, nil
	}
	value, err := tx.m.db.Get(hashed)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return value, err
}

// KVPut RLP-encodes value and stages it under the supplied key.
func (tx *Tx) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	if tx.done {
		return errTxFinished
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	tx.overlay[string(kvKey(key))] = encoded
	return nil
}

// KVGet decodes the value stored under key into out. The boolean reports
// whether the key existed.
func (tx *Tx) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := tx.get(key)
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVAppend appends value to the RLP list stored under key. Lists only grow.
func (tx *Tx) KVAppend(key []byte, value uint64) error {
	var list []uint64
	if _, err := tx.KVGet(key, &list); err != nil {
		return err
	}
	list = append(list, value)
	return tx.KVPut(key, list)
}

// KVGetList decodes the list stored under key into out, leaving an empty slice
// when the key is absent.
func (tx *Tx) KVGetList(key []byte, out interface{}) error {
	val := reflect.ValueOf(out)
	if val.Kind() != reflect.Ptr || val.IsNil() {
		return fmt.Errorf("kv: destination must be a non-nil pointer")
	}
	elem := val.Elem()
	if elem.Kind() != reflect.Slice {
		return fmt.Errorf("kv: destination must point to a slice")
	}
	ok, err := tx.KVGet(key, out)
	if err != nil {
		return err
	}
	if !ok {
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
	}
	return nil
}

// Commit flushes the overlay in one batch and releases the manager.
func (tx *Tx) Commit() error {
	if tx.done {
		return errTxFinished
	}
	defer tx.finish()
	if len(tx.overlay) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tx.overlay))
	for key := range tx.overlay {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	batch := tx.m.db.NewBatch()
	for _, key := range keys {
		batch.Put([]byte(key), tx.overlay[key])
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	return nil
}

// Rollback discards the overlay. Calling it after Commit is a no-op.
func (tx *Tx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.finish()
	return nil
}

func (tx *Tx) finish() {
	tx.done = true
	tx.overlay = nil
	tx.m.mu.Unlock()
}
