// Package credstore persists sealed BYOK provider credentials keyed by
// caller. Values are opaque here: sealing and opening happen in the crypto
// package, the store only ever sees ciphertext.
package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrNotFound = errors.New("credential not found")

type Store interface {
	Put(ctx context.Context, callerID, sealed string) error
	Get(ctx context.Context, callerID string) (string, error)
	Delete(ctx context.Context, callerID string) error
}

type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]string)}
}

func (s *MemoryStore) Put(ctx context.Context, callerID, sealed string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[callerID] = sealed
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, callerID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sealed, ok := s.creds[callerID]
	if !ok {
		return "", ErrNotFound
	}
	return sealed, nil
}

func (s *MemoryStore) Delete(ctx context.Context, callerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, callerID)
	return nil
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS caller_credentials (
			caller_id  TEXT PRIMARY KEY,
			sealed     TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate caller_credentials: %w", err)
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, callerID, sealed string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO caller_credentials (caller_id, sealed, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (caller_id) DO UPDATE SET sealed = $2, updated_at = $3
	`, callerID, sealed, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, callerID string) (string, error) {
	var sealed string
	err := s.db.QueryRowContext(ctx, `
		SELECT sealed FROM caller_credentials WHERE caller_id = $1
	`, callerID).Scan(&sealed)

	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query credential: %w", err)
	}
	return sealed, nil
}

func (s *PostgresStore) Delete(ctx context.Context, callerID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM caller_credentials WHERE caller_id = $1
	`, callerID)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}
