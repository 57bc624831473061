package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/kimhsiao/medisync/internal/errors"
	"github.com/kimhsiao/medisync/internal/store"
)

// KVStore implements store.KV on the kv table.
type KVStore struct {
	db  *DB
	now func() time.Time
}

var _ store.KV = (*KVStore)(nil)

// NewKVStore creates a KVStore over an opened database.
func NewKVStore(db *DB) *KVStore {
	return &KVStore{db: db, now: time.Now}
}

// Get returns the value stored under bucket/key or store.ErrNotFound.
func (s *KVStore) Get(bucket, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow("SELECT value FROM kv WHERE bucket = ? AND key = ?", bucket, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, fmt.Sprintf("get %s/%s", bucket, key), err)
	}
	return value, nil
}

// Put inserts or replaces the value under bucket/key.
func (s *KVStore) Put(bucket, key string, value []byte) error {
	query := `INSERT INTO kv (bucket, key, value, updated_at) VALUES (?, ?, ?, ?)
			  ON CONFLICT(bucket, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := s.db.Exec(query, bucket, key, value, s.now().UnixMilli()); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, fmt.Sprintf("put %s/%s", bucket, key), err)
	}
	return nil
}

// Delete removes bucket/key. Missing keys are not an error.
func (s *KVStore) Delete(bucket, key string) error {
	if _, err := s.db.Exec("DELETE FROM kv WHERE bucket = ? AND key = ?", bucket, key); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, fmt.Sprintf("delete %s/%s", bucket, key), err)
	}
	return nil
}

// List returns all entries in bucket ordered by key.
func (s *KVStore) List(bucket string) ([]store.Entry, error) {
	rows, err := s.db.Query("SELECT key, value FROM kv WHERE bucket = ? ORDER BY key", bucket)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, fmt.Sprintf("list %s", bucket), err)
	}
	defer rows.Close()

	var entries []store.Entry
	for rows.Next() {
		var e store.Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, fmt.Sprintf("scan %s", bucket), err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
