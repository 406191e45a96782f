package mirror

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("mirror document not found")

// Store is the keyed document API behind the chat mirror.
type Store interface {
	Get(ctx context.Context, key string) (Document, error)
	Put(ctx context.Context, doc Document) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	DeleteAll(ctx context.Context) error
}

const createTable = `CREATE TABLE IF NOT EXISTS chat_mirror (
	instance_key TEXT PRIMARY KEY,
	doc          TEXT NOT NULL,
	updated_at   INTEGER NOT NULL
)`

// SQLStore keeps mirror documents as JSON rows in sqlite
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	if _, err := db.ExecContext(ctx, createTable); err != nil {
		return nil, fmt.Errorf("failed to create chat_mirror table: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Get(ctx context.Context, key string) (Document, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM chat_mirror WHERE instance_key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("failed to read mirror %s: %w", key, err)
	}

	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return Document{}, fmt.Errorf("failed to decode mirror %s: %w", key, err)
	}
	doc.Key = key
	return doc, nil
}

func (s *SQLStore) Put(ctx context.Context, doc Document) error {
	if doc.Chat == nil {
		doc.Chat = []Chat{}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode mirror %s: %w", doc.Key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_mirror (instance_key, doc, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(instance_key) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		doc.Key, string(raw), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to write mirror %s: %w", doc.Key, err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_mirror WHERE instance_key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete mirror %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT instance_key FROM chat_mirror ORDER BY instance_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list mirrors: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQLStore) DeleteAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_mirror`); err != nil {
		return fmt.Errorf("failed to delete mirrors: %w", err)
	}
	return nil
}
