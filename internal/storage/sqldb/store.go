// Package sqldb is the SQL implementation of the persistence
// collaborator, backed by SQLite.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/mpetrov/sitechat/internal/domain"
	"github.com/mpetrov/sitechat/internal/storage"
)

// Store implements storage.Store over a SQL database.
type Store struct {
	db *sqlx.DB
}

var _ storage.Store = (*Store)(nil)

// New opens the database and bootstraps the schema.
func New(dsn string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			active INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			token TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			message TEXT NOT NULL,
			answer TEXT,
			intent TEXT NOT NULL,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			cached_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_username
			ON sessions(username)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying sqlx handle for test seeding.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) History(ctx context.Context, id domain.ConversationID, limit int) ([]domain.HistoryEntry, error) {
	var rows []domain.HistoryEntry
	// Newest N turns, returned oldest first for prompt assembly.
	err := s.db.SelectContext(ctx, &rows, `
		SELECT message, answer, created_at FROM (
			SELECT message, answer, created_at
			FROM messages
			WHERE conversation_id = ? AND answer IS NOT NULL AND answer != '' AND active = 1
			ORDER BY created_at DESC
			LIMIT ?
		) ORDER BY created_at ASC`, string(id), limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	return rows, nil
}

func (s *Store) InsertTurn(ctx context.Context, turn *domain.Turn) (string, error) {
	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, message, answer, intent,
			prompt_tokens, completion_tokens, cached_tokens, total_tokens,
			active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		turn.ID, string(turn.ConversationID), turn.Message, turn.Answer,
		string(turn.Intent), turn.Usage.Prompt, turn.Usage.Completion,
		turn.Usage.Cached, turn.Usage.Total, turn.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("insert turn: %w", err)
	}
	return turn.ID, nil
}

func (s *Store) DeactivateTurn(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE messages SET active = 0 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deactivate turn: %w", err)
	}
	return nil
}

func (s *Store) SumDailyTokens(ctx context.Context, id domain.ConversationID, day time.Time) (domain.DailyTokens, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	var out domain.DailyTokens
	err := s.db.GetContext(ctx, &out.Conversation, `
		SELECT COALESCE(SUM(total_tokens + cached_tokens), 0)
		FROM messages
		WHERE conversation_id = ? AND created_at >= ? AND created_at < ?`,
		string(id), start, end)
	if err != nil {
		return out, fmt.Errorf("sum conversation tokens: %w", err)
	}

	err = s.db.GetContext(ctx, &out.Global, `
		SELECT COALESCE(SUM(total_tokens + cached_tokens), 0)
		FROM messages
		WHERE created_at >= ? AND created_at < ?`, start, end)
	if err != nil {
		return out, fmt.Errorf("sum global tokens: %w", err)
	}
	return out, nil
}

func (s *Store) AuthorizeSession(ctx context.Context, token string) (*storage.Session, error) {
	var row struct {
		Token          string `db:"token"`
		Username       string `db:"username"`
		ConversationID string `db:"conversation_id"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT s.token, s.username, s.conversation_id
		FROM sessions s
		JOIN users u ON u.username = s.username
		WHERE s.token = ? AND u.active = 1`, token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("authorize session: %w", err)
	}
	return &storage.Session{
		Token:          row.Token,
		User:           row.Username,
		ConversationID: domain.ConversationID(row.ConversationID),
	}, nil
}

func (s *Store) RevokeSessions(ctx context.Context, user string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE username = ?`, user); err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}
	return nil
}

func (s *Store) BlockUser(ctx context.Context, user string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin block transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE username = ?`, user); err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET active = 0 WHERE username = ?`, user); err != nil {
		return fmt.Errorf("deactivate user: %w", err)
	}
	return tx.Commit()
}
