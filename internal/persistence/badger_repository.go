package persistence

import (
	"adaptive-risk-go/internal/models"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
)

// badgerRepository is the BadgerDB implementation of the StateRepository.
// Each component snapshot lives under its own key; Badger's transactional
// writes give the same atomicity as the temp-file-then-rename file backend.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository opens (or creates) a BadgerDB database at dbPath.
func NewBadgerRepository(dbPath string) (StateRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	// Badger's own logging is disabled to keep the engine's logs clean.
	// Errors are still returned from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open state db %s: %w", dbPath, err)
	}

	return &badgerRepository{db: db}, nil
}

func (r *badgerRepository) key(component string) []byte {
	return []byte("state/" + component)
}

func (r *badgerRepository) Save(component string, state any) error {
	data, err := encodeDocument(component, models.SchemaVersion, state)
	if err != nil {
		return fmt.Errorf("failed to encode %s snapshot: %w", component, err)
	}

	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(r.key(component), data)
	})
}

func (r *badgerRepository) Load(component string, out any) (bool, error) {
	var data []byte

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(r.key(component))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			data = append([]byte(nil), val...)
			return nil
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil // the expected "no prior state" case
	}
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}

	ok, err := decodeDocument(data, models.SchemaVersion, out)
	if err != nil {
		return false, fmt.Errorf("failed to decode %s snapshot: %w", component, err)
	}
	return ok, nil
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
