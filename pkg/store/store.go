// Package store persists vault snapshots through luxfi/database so a
// restarted daemon resumes with its pool ledgers, positions, and LP
// accounting intact.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"

	"github.com/plpfi/vault/pkg/vault"
)

var (
	snapshotKey = []byte("vault_snapshot")
	lpKey       = []byte("lp_snapshot")
	savedAtKey  = []byte("vault_snapshot_saved_at")
)

// Open initializes the snapshot database at dataDir. BadgerDB is
// preferred; on failure it falls back to an in-memory database so the
// daemon still runs, just without persistence across restarts.
func Open(dataDir string, logger log.Logger) (database.Database, error) {
	dbManager := manager.NewManager(dataDir, nil)

	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = "plpd"

	db, err := dbManager.New(dbConfig)
	if err != nil {
		logger.Warn("Failed to open BadgerDB", "error", err)
		memConfig := manager.DefaultMemoryConfig()
		db, err = dbManager.New(memConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		logger.Info("Using in-memory database")
		return db, nil
	}

	logger.Info("BadgerDB initialized", "path", filepath.Join(dataDir, "badgerdb"))
	return db, nil
}

// Store saves and restores vault snapshots.
type Store struct {
	db     database.Database
	logger log.Logger
}

// New wraps an open database.
func New(db database.Database, logger log.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// SaveSnapshot writes the vault and LP snapshots and the save time in
// one batch. lp may be nil.
func (s *Store) SaveSnapshot(snap *vault.Snapshot, lp *vault.LpSnapshot) error {
	value, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Reset()

	if err := batch.Put(snapshotKey, value); err != nil {
		return err
	}

	if lp != nil {
		lpValue, err := json.Marshal(lp)
		if err != nil {
			return fmt.Errorf("marshal lp snapshot: %w", err)
		}
		if err := batch.Put(lpKey, lpValue); err != nil {
			return err
		}
	}

	at := make([]byte, 8)
	binary.BigEndian.PutUint64(at, uint64(time.Now().Unix()))
	if err := batch.Put(savedAtKey, at); err != nil {
		return err
	}

	return batch.Write()
}

// LoadSnapshot returns the last saved snapshot, or nil when none exists.
func (s *Store) LoadSnapshot() (*vault.Snapshot, error) {
	value, err := s.db.Get(snapshotKey)
	if err != nil {
		if err == database.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}

	var snap vault.Snapshot
	if err := json.Unmarshal(value, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// LoadLpSnapshot returns the last saved LP accounting, or nil when none
// exists.
func (s *Store) LoadLpSnapshot() (*vault.LpSnapshot, error) {
	value, err := s.db.Get(lpKey)
	if err != nil {
		if err == database.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}

	var snap vault.LpSnapshot
	if err := json.Unmarshal(value, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal lp snapshot: %w", err)
	}
	return &snap, nil
}

// SavedAt reports when the last snapshot was written. Zero time when no
// snapshot has been saved.
func (s *Store) SavedAt() (time.Time, error) {
	value, err := s.db.Get(savedAtKey)
	if err != nil {
		if err == database.ErrNotFound {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	if len(value) < 8 {
		return time.Time{}, fmt.Errorf("corrupt saved_at value")
	}
	return time.Unix(int64(binary.BigEndian.Uint64(value)), 0), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
