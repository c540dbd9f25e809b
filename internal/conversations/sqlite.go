package conversations

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/parleyhq/parley/pkg/models"
)

// SQLiteStore implements Store on a SQLite database file, so history
// survives restarts.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and prepares
// the schema. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection avoids SQLITE_BUSY under concurrent workers.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			peer TEXT NOT NULL,
			thread TEXT,
			interactions INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'active',
			end_reason TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create conversations table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls TEXT,
			tool_call_id TEXT,
			tool_name TEXT,
			is_error INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create turns table: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, seq)`)
	if err != nil {
		return fmt.Errorf("failed to create turns index: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetOrCreate(ctx context.Context, id models.ConversationID, peer, thread string) (*models.Conversation, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	conv, err := s.getTx(ctx, tx, id)
	if err == nil {
		return conv, false, tx.Commit()
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	now := time.Now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, peer, thread, interactions, status, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?, ?)
	`, string(id), peer, nullString(thread), string(models.StatusActive), now, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	return &models.Conversation{
		ID:        id,
		Peer:      peer,
		Thread:    thread,
		Status:    models.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}, true, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id models.ConversationID) (*models.Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	conv, err := s.getTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	return conv, tx.Commit()
}

func (s *SQLiteStore) getTx(ctx context.Context, tx *sql.Tx, id models.ConversationID) (*models.Conversation, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, peer, thread, interactions, status, end_reason, created_at, updated_at
		FROM conversations WHERE id = ?
	`, string(id))

	conv, err := scanConversation(row)
	if err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, role, content, tool_calls, tool_call_id, tool_name, is_error, created_at
		FROM turns WHERE conversation_id = ?
		ORDER BY seq ASC
	`, string(id))
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		conv.Turns = append(conv.Turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read turns: %w", err)
	}
	return conv, nil
}

func (s *SQLiteStore) Append(ctx context.Context, id models.ConversationID, turn models.Turn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	now := time.Now()
	res, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, now, string(id))
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}

	var seq int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM turns WHERE conversation_id = ?
	`, string(id)).Scan(&seq); err != nil {
		return fmt.Errorf("failed to compute turn sequence: %w", err)
	}

	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = now
	}
	var toolCalls sql.NullString
	if len(turn.ToolCalls) > 0 {
		raw, err := json.Marshal(turn.ToolCalls)
		if err != nil {
			return fmt.Errorf("failed to marshal tool calls: %w", err)
		}
		toolCalls = sql.NullString{String: string(raw), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO turns (id, conversation_id, seq, role, content, tool_calls, tool_call_id, tool_name, is_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, turn.ID, string(id), seq+1, string(turn.Role), turn.Content, toolCalls,
		nullString(turn.ToolCallID), nullString(turn.ToolName), turn.IsError, turn.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert turn: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) IncrementAndCheck(ctx context.Context, id models.ConversationID, max int) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, `
		UPDATE conversations SET interactions = interactions + 1, updated_at = ? WHERE id = ?
	`, time.Now(), string(id))
	if err != nil {
		return false, fmt.Errorf("failed to increment interactions: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n == 0 {
		return false, ErrNotFound
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT interactions FROM conversations WHERE id = ?`, string(id)).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to read interactions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return max > 0 && count >= max, nil
}

func (s *SQLiteStore) Terminate(ctx context.Context, id models.ConversationID, reason models.EndReason) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, `
		UPDATE conversations SET status = ?, end_reason = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(models.StatusEnded), string(reason), time.Now(), string(id), string(models.StatusActive))
	if err != nil {
		return false, fmt.Errorf("failed to terminate conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM conversations WHERE id = ?)
		`, string(id)).Scan(&exists); err != nil {
			return false, fmt.Errorf("failed to check conversation: %w", err)
		}
		if !exists {
			return false, ErrNotFound
		}
		return false, tx.Commit()
	}
	return true, tx.Commit()
}

func (s *SQLiteStore) Delete(ctx context.Context, id models.ConversationID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE conversation_id = ?`, string(id)); err != nil {
		return fmt.Errorf("failed to delete turns: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (s *SQLiteStore) List(ctx context.Context) ([]*models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, peer, thread, interactions, status, end_reason, created_at, updated_at
		FROM conversations
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []*models.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read conversations: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var (
		conv      models.Conversation
		id        string
		thread    sql.NullString
		status    string
		endReason sql.NullString
	)
	err := row.Scan(&id, &conv.Peer, &thread, &conv.Interactions, &status, &endReason, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}
	conv.ID = models.ConversationID(id)
	conv.Thread = thread.String
	conv.Status = models.Status(status)
	conv.EndReason = models.EndReason(endReason.String)
	return &conv, nil
}

func scanTurn(rows *sql.Rows) (models.Turn, error) {
	var (
		turn      models.Turn
		role      string
		toolCalls sql.NullString
		callID    sql.NullString
		toolName  sql.NullString
	)
	err := rows.Scan(&turn.ID, &role, &turn.Content, &toolCalls, &callID, &toolName, &turn.IsError, &turn.CreatedAt)
	if err != nil {
		return turn, fmt.Errorf("failed to scan turn: %w", err)
	}
	turn.Role = models.Role(role)
	turn.ToolCallID = callID.String
	turn.ToolName = toolName.String
	if toolCalls.Valid && toolCalls.String != "" {
		if err := json.Unmarshal([]byte(toolCalls.String), &turn.ToolCalls); err != nil {
			return turn, fmt.Errorf("failed to unmarshal tool calls: %w", err)
		}
	}
	return turn, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		_ = err
	}
}
