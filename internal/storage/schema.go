package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// column is one Go-declared column of a table, used both to create the
// table from scratch and to detect columns an older on-disk schema is
// missing.
type column struct {
	name       string
	sqlType    string
	defaultSQL string // literal SQL fragment, e.g. "0" or "''"
}

type table struct {
	name    string
	columns []column
	extra   string // trailing constraints, e.g. UNIQUE(...)
}

var tables = []table{
	{
		name: "users",
		columns: []column{
			{"id", "TEXT PRIMARY KEY", ""},
			{"username", "TEXT NOT NULL", "''"},
			{"password_hash", "TEXT NOT NULL", "''"},
			{"email", "TEXT NOT NULL", "''"},
			{"is_admin", "BOOLEAN NOT NULL", "false"},
			{"created_at", "TIMESTAMP NOT NULL", "CURRENT_TIMESTAMP"},
			{"last_login", "TIMESTAMP NULL", "NULL"},
		},
	},
	{
		name: "devices",
		columns: []column{
			{"id", "TEXT PRIMARY KEY", ""},
			{"user_id", "TEXT NOT NULL", "''"},
			{"display_name", "TEXT NOT NULL", "''"},
			{"hashed_token", "TEXT NOT NULL", "''"},
			{"platform", "TEXT NOT NULL", "''"},
			{"metadata", "TEXT NOT NULL", "''"},
			{"is_active", "BOOLEAN NOT NULL", "true"},
			{"last_seen", "TIMESTAMP NOT NULL", "CURRENT_TIMESTAMP"},
			{"created_at", "TIMESTAMP NOT NULL", "CURRENT_TIMESTAMP"},
		},
	},
	{
		name: "skills",
		columns: []column{
			{"id", "TEXT PRIMARY KEY", ""},
			{"device_id", "TEXT NOT NULL", "''"},
			{"class_name", "TEXT NOT NULL", "''"},
			{"method_name", "TEXT NOT NULL", "''"},
			{"signature", "TEXT NOT NULL", "''"},
			{"docstring", "TEXT NOT NULL", "''"},
			{"last_heartbeat", "TIMESTAMP NOT NULL", "CURRENT_TIMESTAMP"},
			{"created_at", "TIMESTAMP NOT NULL", "CURRENT_TIMESTAMP"},
		},
		extra: "UNIQUE(device_id, class_name, method_name)",
	},
	{
		name: "sessions",
		columns: []column{
			{"id", "TEXT PRIMARY KEY", ""},
			{"device_id", "TEXT NOT NULL", "''"},
			{"user_id", "TEXT NOT NULL", "''"},
			{"title", "TEXT NOT NULL", "''"},
			{"channel", "TEXT NOT NULL", "'api'"},
			{"channel_id", "TEXT NOT NULL", "''"},
			{"is_active", "BOOLEAN NOT NULL", "true"},
			{"created_at", "TIMESTAMP NOT NULL", "CURRENT_TIMESTAMP"},
			{"last_activity", "TIMESTAMP NOT NULL", "CURRENT_TIMESTAMP"},
		},
	},
	{
		name: "messages",
		columns: []column{
			{"id", "TEXT PRIMARY KEY", ""},
			{"session_id", "TEXT NOT NULL", "''"},
			{"role", "TEXT NOT NULL", "''"},
			{"content", "TEXT NOT NULL", "''"},
			{"tool_call_id", "TEXT NOT NULL", "''"},
			{"tool_calls", "TEXT NOT NULL", "''"},
			{"model", "TEXT NOT NULL", "''"},
			{"usage", "TEXT NOT NULL", "''"},
			{"created_at", "TIMESTAMP NOT NULL", "CURRENT_TIMESTAMP"},
		},
	},
}

// EnsureSchema creates any missing tables and, for tables that already
// exist, adds any column present in the Go schema but absent on disk —
// "detect missing column, add with default" per spec.md §4.2. It never
// removes or renames a column.
func EnsureSchema(ctx context.Context, db *sql.DB, driver string) error {
	for _, t := range tables {
		exists, err := tableExists(ctx, db, driver, t.name)
		if err != nil {
			return err
		}
		if !exists {
			if err := createTable(ctx, db, t); err != nil {
				return fmt.Errorf("create table %s: %w", t.name, err)
			}
			continue
		}
		existing, err := existingColumns(ctx, db, driver, t.name)
		if err != nil {
			return fmt.Errorf("introspect table %s: %w", t.name, err)
		}
		for _, c := range t.columns {
			if existing[c.name] {
				continue
			}
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s DEFAULT %s", t.name, c.name, c.sqlType, c.defaultSQL)
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("alter table %s add column %s: %w", t.name, c.name, err)
			}
		}
	}
	return nil
}

func createTable(ctx context.Context, db *sql.DB, t table) error {
	cols := make([]string, 0, len(t.columns))
	for _, c := range t.columns {
		cols = append(cols, fmt.Sprintf("%s %s", c.name, c.sqlType))
	}
	ddl := fmt.Sprintf("CREATE TABLE %s (%s", t.name, joinComma(cols))
	if t.extra != "" {
		ddl += ", " + t.extra
	}
	ddl += ")"
	_, err := db.ExecContext(ctx, ddl)
	return err
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

func tableExists(ctx context.Context, db *sql.DB, driver, name string) (bool, error) {
	var query string
	switch driver {
	case "postgres":
		query = `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`
	default:
		query = `SELECT EXISTS (SELECT 1 FROM sqlite_master WHERE type='table' AND name = ?)`
	}
	var exists bool
	if err := db.QueryRowContext(ctx, query, name).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func existingColumns(ctx context.Context, db *sql.DB, driver, name string) (map[string]bool, error) {
	cols := map[string]bool{}
	switch driver {
	case "postgres":
		rows, err := db.QueryContext(ctx, `SELECT column_name FROM information_schema.columns WHERE table_name = $1`, name)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		for rows.Next() {
			var c string
			if err := rows.Scan(&c); err != nil {
				return nil, err
			}
			cols[c] = true
		}
		return cols, rows.Err()
	default:
		rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", name))
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		for rows.Next() {
			var cid int
			var colName, colType string
			var notNull, pk int
			var dflt sql.NullString
			if err := rows.Scan(&cid, &colName, &colType, &notNull, &dflt, &pk); err != nil {
				return nil, err
			}
			cols[colName] = true
		}
		return cols, rows.Err()
	}
}
