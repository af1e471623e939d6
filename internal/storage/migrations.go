package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// applyMigrations brings databases created by older releases up to the
// current schema. Fresh databases already match and every step is a no-op.
func applyMigrations(ctx context.Context, db *sql.DB, driver string) error {
	columns := []struct {
		table, column, definition string
	}{
		{"users", "display_name", "TEXT"},
		{"users", "bio", "TEXT"},
		{"users", "avatar", schemaForDriver(driver, "{{blob}}")},
		{"auth_tokens", "device_info", "TEXT"},
		{"messages", "expires_at_ms", "BIGINT"},
		{"member_info", "updated_at_ms", "BIGINT NOT NULL DEFAULT 0"},
	}
	for _, c := range columns {
		if err := ensureColumn(ctx, db, driver, c.table, c.column, c.definition); err != nil {
			return fmt.Errorf("migrate %s.%s: %w", c.table, c.column, err)
		}
	}

	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_messages_expires_at_ms ON messages(expires_at_ms);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_members_user ON chat_members(user_id);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func ensureColumn(ctx context.Context, db *sql.DB, driver, table, column, definition string) error {
	if !isSafeIdentifier(table) || !isSafeIdentifier(column) {
		return fmt.Errorf("unsafe identifier: table=%q column=%q", table, column)
	}

	exists, err := columnExists(ctx, db, driver, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s;", table, column, definition)
	if driver == "pgx" {
		stmt = fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s;", table, column, definition)
	}

	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return err
	}
	return nil
}

func columnExists(ctx context.Context, db *sql.DB, driver, table, column string) (bool, error) {
	switch driver {
	case "sqlite":
		return columnExistsSQLite(ctx, db, table, column)
	case "pgx":
		return columnExistsPostgres(ctx, db, table, column)
	default:
		return columnExistsPostgres(ctx, db, table, column)
	}
}

func columnExistsSQLite(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	q := fmt.Sprintf("PRAGMA table_info(%s);", table)
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	return false, nil
}

func columnExistsPostgres(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	const q = `SELECT 1
		FROM information_schema.columns
		WHERE table_schema = current_schema()
		AND table_name = $1
		AND column_name = $2;`
	var one int
	if err := db.QueryRowContext(ctx, q, table, column).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func isSafeIdentifier(s string) bool {
	if strings.TrimSpace(s) == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return false
		}
	}
	return true
}
