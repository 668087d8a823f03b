package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) EnsureUser(ctx context.Context, userID string) error {
	return ensureUser(ctx, s.db, userID)
}

func ensureUser(ctx context.Context, q querier, userID string) error {
	_, err := q.ExecContext(ctx, `INSERT INTO users (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID)
	return mapPQError(err)
}

func (s *PostgresStore) CreateConversation(ctx context.Context, chatID, userID, title string, initial ...TurnDraft) ([]*Turn, error) {
	if err := validateDrafts(initial); err != nil {
		return nil, err
	}
	var out []*Turn
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureUser(ctx, tx, userID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO chats (chat_id, user_id, title, created_at)
            VALUES ($1, $2, $3, clock_timestamp())
        `, chatID, userID, title); err != nil {
			return fmt.Errorf("chat %s: %w", chatID, mapPQError(err))
		}
		turns, err := insertTurns(ctx, tx, chatID, userID, initial)
		if err != nil {
			return err
		}
		out = turns
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, chatID string) (*Chat, error) {
	var c Chat
	err := s.db.QueryRowContext(ctx, `
        SELECT chat_id, user_id, coalesce(title, ''), created_at FROM chats WHERE chat_id=$1
    `, chatID).Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) AppendTurn(ctx context.Context, chatID, userID string, role Role, content string) (*Turn, error) {
	turns, err := s.AppendTurns(ctx, chatID, userID, TurnDraft{Role: role, Content: content})
	if err != nil {
		return nil, err
	}
	return turns[0], nil
}

func (s *PostgresStore) AppendTurns(ctx context.Context, chatID, userID string, drafts ...TurnDraft) ([]*Turn, error) {
	if err := validateDrafts(drafts); err != nil {
		return nil, err
	}
	var out []*Turn
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		turns, err := insertTurns(ctx, tx, chatID, userID, drafts)
		if err != nil {
			return err
		}
		out = turns
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func insertTurns(ctx context.Context, q querier, chatID, userID string, drafts []TurnDraft) ([]*Turn, error) {
	out := make([]*Turn, 0, len(drafts))
	for _, d := range drafts {
		t := &Turn{ID: uuid.NewString(), ChatID: chatID, UserID: userID, Role: d.Role, Content: d.Content}
		err := q.QueryRowContext(ctx, `
            INSERT INTO messages (message_id, chat_id, user_id, role, content, timestamp)
            VALUES ($1, $2, $3, $4, $5, clock_timestamp())
            RETURNING seq, timestamp
        `, t.ID, chatID, userID, string(d.Role), d.Content).Scan(&t.Seq, &t.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("chat %s: %w", chatID, mapPQError(err))
		}
		out = append(out, t)
	}
	return out, nil
}

const turnColumns = `message_id, seq, chat_id, user_id, role, content, timestamp`

func scanTurn(scanner interface{ Scan(dest ...any) error }) (*Turn, error) {
	var t Turn
	var role string
	if err := scanner.Scan(&t.ID, &t.Seq, &t.ChatID, &t.UserID, &role, &t.Content, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Role = Role(role)
	return &t, nil
}

func (s *PostgresStore) GetTurn(ctx context.Context, chatID, turnID string) (*Turn, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+turnColumns+` FROM messages WHERE chat_id=$1 AND message_id=$2`, chatID, turnID)
	return scanTurn(row)
}

func (s *PostgresStore) ListTurns(ctx context.Context, chatID string, limit int) ([]*Turn, error) {
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx, `
            SELECT `+turnColumns+` FROM (
                SELECT `+turnColumns+` FROM messages WHERE chat_id=$1
                ORDER BY timestamp DESC, seq DESC LIMIT $2
            ) recent ORDER BY timestamp, seq
        `, chatID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
            SELECT `+turnColumns+` FROM messages WHERE chat_id=$1 ORDER BY timestamp, seq
        `, chatID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*Turn, 0)
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) EditTurn(ctx context.Context, chatID, turnID, userID, content string) (*Turn, error) {
	var edited *Turn
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
            UPDATE messages SET content=$1
            WHERE chat_id=$2 AND message_id=$3 AND user_id=$4 AND role='user'
            RETURNING `+turnColumns, content, chatID, turnID, userID)
		t, err := scanTurn(row)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("turn %s in chat %s: %w", turnID, chatID, ErrNotFound)
			}
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id=$1 AND role='bot' AND seq > $2`, chatID, t.Seq); err != nil {
			return err
		}
		edited = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return edited, nil
}

func (s *PostgresStore) ReplaceBotTurnsAfter(ctx context.Context, chatID string, seq int64, userID, content string) (*Turn, int, error) {
	var added *Turn
	removed := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id=$1 AND role='bot' AND seq > $2`, chatID, seq)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		turns, err := insertTurns(ctx, tx, chatID, userID, []TurnDraft{{Role: RoleBot, Content: content}})
		if err != nil {
			return err
		}
		removed = int(n)
		added = turns[0]
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return added, removed, nil
}

func (s *PostgresStore) UpdateTitle(ctx context.Context, chatID, userID, title string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE chats SET title=$1 WHERE chat_id=$2 AND user_id=$3`, title, chatID, userID)
	if err != nil {
		return err
	}
	return requireAffected(res, chatID)
}

func (s *PostgresStore) UpdateTitleIf(ctx context.Context, chatID, userID, expected, title string) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE chats SET title=$1
        WHERE chat_id=$2 AND user_id=$3 AND coalesce(title, '')=$4
    `, title, chatID, userID, expected)
	if err != nil {
		return err
	}
	return requireAffected(res, chatID)
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, chatID, userID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var owner string
		err := tx.QueryRowContext(ctx, `SELECT user_id FROM chats WHERE chat_id=$1 FOR UPDATE`, chatID).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != userID) {
			return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		for _, stmt := range []string{
			`DELETE FROM favorites WHERE chat_id=$1`,
			`DELETE FROM messages WHERE chat_id=$1`,
			`DELETE FROM chats WHERE chat_id=$1`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, chatID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) AddFavorite(ctx context.Context, userID, chatID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureUser(ctx, tx, userID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
            INSERT INTO favorites (user_id, chat_id) VALUES ($1, $2)
            ON CONFLICT (user_id, chat_id) DO NOTHING
        `, userID, chatID)
		if err != nil {
			return fmt.Errorf("chat %s: %w", chatID, mapPQError(err))
		}
		return nil
	})
}

func (s *PostgresStore) RemoveFavorite(ctx context.Context, userID, chatID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM favorites WHERE user_id=$1 AND chat_id=$2`, userID, chatID)
	return err
}

func (s *PostgresStore) ListConversations(ctx context.Context, userID string) ([]*Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT chat_id, user_id, coalesce(title, ''), created_at FROM chats
        WHERE user_id=$1 ORDER BY created_at DESC, chat_id DESC
    `, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*Chat, 0)
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListFavorites(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chat_id FROM favorites WHERE user_id=$1 ORDER BY chat_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func requireAffected(res sql.Result, chatID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}
	return nil
}

// mapPQError converts constraint violations into store sentinels.
func mapPQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return fmt.Errorf("%s: %w", pqErr.Constraint, ErrDuplicateKey)
		case "23503":
			return fmt.Errorf("%s: %w", pqErr.Constraint, ErrNotFound)
		}
	}
	return err
}
