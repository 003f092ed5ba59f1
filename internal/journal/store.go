// Package journal keeps an optional SQLite audit trail of responder calls.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Exchange statuses.
const (
	StatusReplied  = "replied"  // synchronous reply received
	StatusDeferred = "deferred" // accepted, reply expected on the callback
	StatusFailed   = "failed"
	StatusReserved = "reserved" // handled locally, no responder call
)

// Exchange is one routed command and its outcome.
type Exchange struct {
	ID        int64     `json:"id"`
	RequestID string    `json:"requestId,omitempty"`
	ChatID    string    `json:"chatId"`
	SenderID  string    `json:"senderId"`
	Command   string    `json:"command"`
	Status    string    `json:"status"`
	LatencyMs int64     `json:"latencyMs"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// SQLiteStore persists exchanges. Nothing else about the pipeline is stored.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Record(ctx context.Context, ex Exchange) error {
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exchanges (request_id, chat_id, sender_id, command, status, latency_ms, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.RequestID, ex.ChatID, ex.SenderID, ex.Command, ex.Status, ex.LatencyMs, ex.Error, ex.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record exchange: %w", err)
	}
	return nil
}

// Recent returns the newest exchanges first, optionally limited to one chat.
func (s *SQLiteStore) Recent(ctx context.Context, chatID string, limit int) ([]Exchange, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, request_id, chat_id, sender_id, command, status, latency_ms, error, created_at
		 FROM exchanges`
	args := []any{}
	if chatID != "" {
		query += ` WHERE chat_id = ?`
		args = append(args, chatID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Exchange
	for rows.Next() {
		var ex Exchange
		var requestID, errText sql.NullString
		if err := rows.Scan(&ex.ID, &requestID, &ex.ChatID, &ex.SenderID, &ex.Command,
			&ex.Status, &ex.LatencyMs, &errText, &ex.CreatedAt); err != nil {
			return nil, err
		}
		ex.RequestID = requestID.String
		ex.Error = errText.String
		out = append(out, ex)
	}
	return out, rows.Err()
}

// Prune deletes exchanges older than before and reports how many went.
func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM exchanges WHERE created_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
