package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Connect opens the database and applies the schema.
func Connect(ctx context.Context, dsn string, logger *zap.Logger) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)

	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations applied", zap.Int("statements", len(migrations)))
	return db, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
            id BIGSERIAL PRIMARY KEY,
            kind TEXT NOT NULL CHECK (kind IN ('direct', 'group')),
            title TEXT,
            creator_id BIGINT NOT NULL,
            direct_user_low BIGINT,
            direct_user_high BIGINT,
            last_message_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            CHECK (kind <> 'direct' OR (direct_user_low IS NOT NULL AND direct_user_high IS NOT NULL AND direct_user_low < direct_user_high)),
            CHECK (kind <> 'group' OR title IS NOT NULL)
        );`,
	`CREATE UNIQUE INDEX IF NOT EXISTS conversations_direct_pair_key
            ON conversations (direct_user_low, direct_user_high) WHERE kind = 'direct';`,
	`CREATE TABLE IF NOT EXISTS participants (
            conversation_id BIGINT NOT NULL REFERENCES conversations(id),
            user_id BIGINT NOT NULL,
            role TEXT NOT NULL DEFAULT 'member' CHECK (role IN ('member', 'admin')),
            state TEXT NOT NULL DEFAULT 'active' CHECK (state IN ('active', 'left')),
            is_muted BOOLEAN NOT NULL DEFAULT FALSE,
            last_read_at TIMESTAMPTZ,
            joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            left_at TIMESTAMPTZ,
            PRIMARY KEY (conversation_id, user_id)
        );`,
	`CREATE INDEX IF NOT EXISTS participants_user_idx ON participants (user_id) WHERE state = 'active';`,
	`CREATE TABLE IF NOT EXISTS messages (
            id BIGSERIAL PRIMARY KEY,
            conversation_id BIGINT NOT NULL REFERENCES conversations(id),
            sender_id BIGINT NOT NULL,
            type TEXT NOT NULL CHECK (type IN ('text', 'image', 'file', 'audio', 'video', 'location', 'system')),
            content TEXT NOT NULL DEFAULT '',
            media_ref TEXT,
            metadata JSONB NOT NULL DEFAULT '{}',
            reply_to_id BIGINT REFERENCES messages(id),
            state TEXT NOT NULL DEFAULT 'active' CHECK (state IN ('active', 'edited', 'deleted')),
            edited_at TIMESTAMPTZ,
            deleted_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	`CREATE INDEX IF NOT EXISTS messages_history_idx ON messages (conversation_id, created_at DESC, id DESC);`,
	`CREATE TABLE IF NOT EXISTS read_receipts (
            message_id BIGINT NOT NULL REFERENCES messages(id),
            user_id BIGINT NOT NULL,
            read_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            PRIMARY KEY (message_id, user_id)
        );`,
	`CREATE TABLE IF NOT EXISTS reactions (
            message_id BIGINT NOT NULL REFERENCES messages(id),
            user_id BIGINT NOT NULL,
            emoji TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            PRIMARY KEY (message_id, user_id, emoji)
        );`,
}

// Migrate applies the schema. Every statement is idempotent.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
