package database

import (
	"context"
	"database/sql"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
        user_id TEXT PRIMARY KEY
    )`,
	`CREATE TABLE IF NOT EXISTS chats (
        chat_id TEXT PRIMARY KEY,
        user_id TEXT NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
        title TEXT,
        created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
    )`,
	`CREATE TABLE IF NOT EXISTS messages (
        message_id TEXT PRIMARY KEY,
        seq BIGSERIAL NOT NULL,
        chat_id TEXT NOT NULL REFERENCES chats(chat_id) ON DELETE CASCADE,
        user_id TEXT NOT NULL,
        role TEXT NOT NULL CHECK (role IN ('user', 'bot')),
        content TEXT NOT NULL,
        timestamp TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
    )`,
	`CREATE INDEX IF NOT EXISTS messages_chat_seq_idx ON messages (chat_id, seq)`,
	`CREATE TABLE IF NOT EXISTS favorites (
        user_id TEXT NOT NULL REFERENCES users(user_id) ON DELETE CASCADE,
        chat_id TEXT NOT NULL REFERENCES chats(chat_id) ON DELETE CASCADE,
        PRIMARY KEY (user_id, chat_id)
    )`,
}

// ApplySchema creates the conversation tables if they do not exist yet.
func ApplySchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return tx.Commit()
}
