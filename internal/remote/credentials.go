package remote

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/syncvault/internal/failure"
	"github.com/roach88/syncvault/internal/keys"
)

// MemoryCredentials keeps credential blobs in a map.
//
// Thread-safety: safe for concurrent use.
type MemoryCredentials struct {
	mu    sync.RWMutex
	blobs map[keys.MemberID][]byte
}

// NewMemoryCredentials returns an empty store.
func NewMemoryCredentials() *MemoryCredentials {
	return &MemoryCredentials{blobs: make(map[keys.MemberID][]byte)}
}

func (m *MemoryCredentials) StoreCredential(_ context.Context, member keys.MemberID, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[member] = bytes.Clone(blob)
	return nil
}

func (m *MemoryCredentials) RetrieveCredential(_ context.Context, member keys.MemberID) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blob, ok := m.blobs[member]
	if !ok {
		return nil, failure.New(failure.KindNotFound, "remote.RetrieveCredential", string(member))
	}
	return bytes.Clone(blob), nil
}

const credentialsSchema = `
CREATE TABLE IF NOT EXISTS credentials (
    member TEXT PRIMARY KEY,
    blob   BLOB NOT NULL
);
`

// SQLiteCredentials keeps credential blobs in a table of an open SQLite
// database, usually the store's own.
type SQLiteCredentials struct {
	db *sql.DB
}

// NewSQLiteCredentials creates the credentials table in db if needed.
func NewSQLiteCredentials(db *sql.DB) (*SQLiteCredentials, error) {
	if _, err := db.Exec(credentialsSchema); err != nil {
		return nil, fmt.Errorf("failed to create credentials table: %w", err)
	}
	return &SQLiteCredentials{db: db}, nil
}

func (s *SQLiteCredentials) StoreCredential(ctx context.Context, member keys.MemberID, blob []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (member, blob) VALUES (?, ?)
		 ON CONFLICT(member) DO UPDATE SET blob = excluded.blob`,
		string(member), blob)
	if err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	return nil
}

func (s *SQLiteCredentials) RetrieveCredential(ctx context.Context, member keys.MemberID) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM credentials WHERE member = ?`, string(member)).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, failure.New(failure.KindNotFound, "remote.RetrieveCredential", string(member))
	}
	if err != nil {
		return nil, fmt.Errorf("retrieve credential: %w", err)
	}
	return blob, nil
}
