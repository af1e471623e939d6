package storage

import (
	"context"
	"database/sql"
	"strings"
)

func initSchema(ctx context.Context, db *sql.DB, driver string) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id {{serial}},
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			display_name TEXT,
			bio TEXT,
			avatar {{blob}},
			created_at_ms BIGINT NOT NULL,
			updated_at_ms BIGINT NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_username ON users(username);`,

		`CREATE TABLE IF NOT EXISTS auth_tokens (
			token TEXT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			device_info TEXT,
			created_at_ms BIGINT NOT NULL,
			expires_at_ms BIGINT NOT NULL,
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_auth_tokens_user ON auth_tokens(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_auth_tokens_expires ON auth_tokens(expires_at_ms);`,

		// dialog_key is "<low id>:<high id>" for dialogs and NULL for groups.
		`CREATE TABLE IF NOT EXISTS chats (
			id {{serial}},
			type TEXT NOT NULL,
			creator_id BIGINT,
			dialog_key TEXT UNIQUE,
			created_at_ms BIGINT NOT NULL,
			FOREIGN KEY(creator_id) REFERENCES users(id) ON DELETE SET NULL
		);`,

		`CREATE TABLE IF NOT EXISTS chat_members (
			chat_id BIGINT NOT NULL,
			user_id BIGINT NOT NULL,
			joined_at_ms BIGINT NOT NULL,
			PRIMARY KEY(chat_id, user_id),
			FOREIGN KEY(chat_id) REFERENCES chats(id) ON DELETE CASCADE,
			FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_members_user ON chat_members(user_id);`,

		`CREATE TABLE IF NOT EXISTS chat_info (
			chat_id BIGINT PRIMARY KEY,
			title TEXT NOT NULL,
			avatar {{blob}},
			updated_at_ms BIGINT NOT NULL,
			FOREIGN KEY(chat_id) REFERENCES chats(id) ON DELETE CASCADE
		);`,

		`CREATE TABLE IF NOT EXISTS member_info (
			chat_id BIGINT NOT NULL,
			user_id BIGINT NOT NULL,
			nickname TEXT,
			role TEXT NOT NULL,
			updated_at_ms BIGINT NOT NULL,
			PRIMARY KEY(chat_id, user_id),
			FOREIGN KEY(chat_id, user_id) REFERENCES chat_members(chat_id, user_id) ON DELETE CASCADE
		);`,

		`CREATE TABLE IF NOT EXISTS messages (
			id {{serial}},
			chat_id BIGINT NOT NULL,
			sender_id BIGINT,
			text TEXT,
			created_at_ms BIGINT NOT NULL,
			expires_at_ms BIGINT,
			FOREIGN KEY(chat_id) REFERENCES chats(id) ON DELETE CASCADE,
			FOREIGN KEY(sender_id) REFERENCES users(id) ON DELETE SET NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat_id ON messages(chat_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_expires_at_ms ON messages(expires_at_ms);`,

		`CREATE TABLE IF NOT EXISTS attachments (
			id {{serial}},
			message_id BIGINT NOT NULL,
			type TEXT NOT NULL,
			data {{blob}} NOT NULL,
			FOREIGN KEY(message_id) REFERENCES messages(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, schemaForDriver(driver, stmt)); err != nil {
			return err
		}
	}
	return nil
}

func schemaForDriver(driver, stmt string) string {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	blob := "BLOB"
	if driver == "pgx" {
		serial = "BIGSERIAL PRIMARY KEY"
		blob = "BYTEA"
	}
	return strings.NewReplacer("{{serial}}", serial, "{{blob}}", blob).Replace(stmt)
}
