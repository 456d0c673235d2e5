// Package sqlstore is a SQLite-backed ledger and conversation log for running
// the assistant outside AWS.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"burrowed-assistant/internal/domain"
)

// Store implements ledger.Store and usecase.ConversationRecorder.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlstore: path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlstore: create database directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open database: %w", err)
	}
	// SQLite has a single writer; one connection keeps writers queued in
	// database/sql instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS token_usage (
		client_id TEXT PRIMARY KEY,
		tokens_used INTEGER NOT NULL CHECK (tokens_used >= 0),
		last_updated INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		agent_stage TEXT NOT NULL,
		input_text TEXT NOT NULL,
		output_text TEXT NOT NULL,
		prompt_tokens INTEGER NOT NULL,
		completion_tokens INTEGER NOT NULL,
		total_tokens INTEGER NOT NULL,
		processing_time_ms INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_client ON conversations(client_id, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Usage returns the ledger row for clientID.
func (s *Store) Usage(ctx context.Context, clientID string) (domain.TokenUsage, bool, error) {
	var (
		used    int
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT tokens_used, last_updated FROM token_usage WHERE client_id = ?`, clientID,
	).Scan(&used, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TokenUsage{}, false, nil
	}
	if err != nil {
		return domain.TokenUsage{}, false, fmt.Errorf("sqlstore: scan usage row: %w", err)
	}
	return domain.TokenUsage{
		ClientID:    clientID,
		TokensUsed:  used,
		LastUpdated: time.UnixMilli(updated).UTC(),
	}, true, nil
}

// Add is a single upsert statement, which SQLite executes atomically.
func (s *Store) Add(ctx context.Context, clientID string, tokens int, now time.Time, window time.Duration) (int, error) {
	query := `
		INSERT INTO token_usage (client_id, tokens_used, last_updated)
		VALUES (?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			tokens_used = CASE
				WHEN token_usage.last_updated < ? THEN excluded.tokens_used
				ELSE token_usage.tokens_used + excluded.tokens_used
			END,
			last_updated = excluded.last_updated
		RETURNING tokens_used`

	var total int
	err := s.db.QueryRowContext(ctx, query,
		clientID, tokens, now.UnixMilli(), now.Add(-window).UnixMilli(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: upsert usage: %w", err)
	}
	return total, nil
}

// RecordConversation appends an audit record.
func (s *Store) RecordConversation(ctx context.Context, rec domain.ConversationRecord) error {
	if strings.TrimSpace(rec.ClientID) == "" {
		return errors.New("sqlstore: client id is required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (
			id, client_id, agent_stage, input_text, output_text,
			prompt_tokens, completion_tokens, total_tokens, processing_time_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ClientID, string(rec.Stage), rec.InputText, rec.OutputText,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens,
		rec.ProcessingTime.Milliseconds(), rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("sqlstore: insert conversation: %w", err)
	}
	return nil
}

// Conversations lists a client's audit records oldest first.
func (s *Store) Conversations(ctx context.Context, clientID string) ([]domain.ConversationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_id, agent_stage, input_text, output_text,
		       prompt_tokens, completion_tokens, total_tokens, processing_time_ms, created_at
		FROM conversations WHERE client_id = ? ORDER BY created_at, id`, clientID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: query conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.ConversationRecord
	for rows.Next() {
		var (
			rec               domain.ConversationRecord
			stage             string
			procMs, createdMs int64
		)
		if err := rows.Scan(&rec.ID, &rec.ClientID, &stage, &rec.InputText, &rec.OutputText,
			&rec.PromptTokens, &rec.CompletionTokens, &rec.TotalTokens, &procMs, &createdMs); err != nil {
			return nil, fmt.Errorf("sqlstore: scan conversation row: %w", err)
		}
		rec.Stage = domain.AgentStage(stage)
		rec.ProcessingTime = time.Duration(procMs) * time.Millisecond
		rec.CreatedAt = time.UnixMilli(createdMs).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: iterate conversations: %w", err)
	}
	return out, nil
}
