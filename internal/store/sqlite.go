package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/xiaot623/chatrelay/internal/domain"
	"github.com/xiaot623/chatrelay/internal/keylock"
)

// SQLiteStore implements Store using SQLite. Locking is process-local, so it
// suits single-instance deployments.
type SQLiteStore struct {
	db    *sql.DB
	locks *keylock.Map
}

// NewSQLiteStore opens dsn and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	// For in-memory SQLite, multiple connections create separate databases.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	s := &SQLiteStore{db: db, locks: keylock.New()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to migrate database")
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			token_key TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL DEFAULT '',
			active_socket_id TEXT,
			metadata TEXT,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return errors.Wrapf(err, "migration failed: %s", m)
		}
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, token string) (*domain.Session, error) {
	var (
		threadID string
		socketID sql.NullString
		metadata sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT thread_id, active_socket_id, metadata FROM sessions WHERE token_key = ?`,
		Key(token),
	).Scan(&threadID, &socketID, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.StoreError(errors.Wrap(err, "get session"))
	}

	sess := &domain.Session{ThreadID: threadID}
	if socketID.Valid {
		sess.SetActiveSocket(socketID.String)
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &sess.Metadata); err != nil {
			return nil, domain.StoreError(errors.Wrap(err, "decode metadata"))
		}
	}
	return sess, nil
}

func (s *SQLiteStore) Put(ctx context.Context, token string, sess *domain.Session) error {
	metadata, err := json.Marshal(sess.Metadata)
	if err != nil {
		return domain.StoreError(errors.Wrap(err, "encode metadata"))
	}
	var socketID sql.NullString
	if id := sess.ActiveSocket(); id != "" {
		socketID = sql.NullString{String: id, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (token_key, thread_id, active_socket_id, metadata, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(token_key) DO UPDATE SET
			thread_id = excluded.thread_id,
			active_socket_id = excluded.active_socket_id,
			metadata = excluded.metadata,
			updated_at = CURRENT_TIMESTAMP`,
		Key(token), sess.ThreadID, socketID, string(metadata),
	)
	if err != nil {
		return domain.StoreError(errors.Wrap(err, "put session"))
	}
	return nil
}

func (s *SQLiteStore) Lock(ctx context.Context, token string) (func(), error) {
	return s.locks.Lock(ctx, Key(token))
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return domain.StoreError(errors.Wrap(err, "ping sqlite"))
	}
	return nil
}
