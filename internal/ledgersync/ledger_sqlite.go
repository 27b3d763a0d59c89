package ledgersync

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed sqlite_schema.sql
var sqliteSchemaSQL string

// Schema version tracking:
// 1 - keyed ledger_rows table
const sqliteSchemaVersion = 1

// SQLiteLedger is the single-file durable ledger. Writes go through one
// connection in WAL mode.
type SQLiteLedger struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLiteLedger creates or opens the database at path and applies the
// schema. Safe to call on an existing database.
func OpenSQLiteLedger(path string) (*SQLiteLedger, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite ledger directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite ledger: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect sqlite ledger: %w", err)
	}
	// SQLite supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set sqlite schema version: %w", err)
	}
	return &SQLiteLedger{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (l *SQLiteLedger) Get(ctx context.Context, table, key string) (Row, error) {
	if err := validateLedgerKey(table, key); err != nil {
		return Row{}, err
	}
	var payload, updatedAt string
	err := l.db.QueryRowContext(ctx,
		"SELECT fields, updated_at FROM ledger_rows WHERE table_name = ? AND row_key = ?",
		table, key,
	).Scan(&payload, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, ErrNotFound
	}
	if err != nil {
		return Row{}, ledgerErr("get", table, key, err)
	}
	return decodeSQLRow(table, key, []byte(payload), parseSQLiteTime(updatedAt))
}

func (l *SQLiteLedger) Insert(ctx context.Context, table, key string, fields map[string]any) error {
	if err := validateLedgerKey(table, key); err != nil {
		return err
	}
	payload, err := json.Marshal(nonNilFields(fields))
	if err != nil {
		return ledgerErr("insert", table, key, err)
	}
	result, err := l.db.ExecContext(ctx,
		`INSERT INTO ledger_rows (table_name, row_key, fields, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (table_name, row_key) DO NOTHING`,
		table, key, string(payload), l.timestamp(),
	)
	if err != nil {
		return ledgerErr("insert", table, key, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return ledgerErr("insert", table, key, err)
	}
	if affected == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (l *SQLiteLedger) Upsert(ctx context.Context, table, key string, fields map[string]any) error {
	if err := validateLedgerKey(table, key); err != nil {
		return err
	}
	payload, err := json.Marshal(nonNilFields(fields))
	if err != nil {
		return ledgerErr("upsert", table, key, err)
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO ledger_rows (table_name, row_key, fields, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (table_name, row_key)
		 DO UPDATE SET fields = json_patch(ledger_rows.fields, excluded.fields), updated_at = excluded.updated_at`,
		table, key, string(payload), l.timestamp(),
	)
	return ledgerErr("upsert", table, key, err)
}

func (l *SQLiteLedger) Delete(ctx context.Context, table, key string) error {
	if err := validateLedgerKey(table, key); err != nil {
		return err
	}
	result, err := l.db.ExecContext(ctx, "DELETE FROM ledger_rows WHERE table_name = ? AND row_key = ?", table, key)
	if err != nil {
		return ledgerErr("delete", table, key, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return ledgerErr("delete", table, key, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (l *SQLiteLedger) List(ctx context.Context, table string) ([]Row, error) {
	if strings.TrimSpace(table) == "" {
		return nil, ErrInvalidInput
	}
	rows, err := l.db.QueryContext(ctx,
		"SELECT row_key, fields, updated_at FROM ledger_rows WHERE table_name = ? ORDER BY row_key ASC",
		table,
	)
	if err != nil {
		return nil, ledgerErr("list", table, "", err)
	}
	defer rows.Close()

	out := make([]Row, 0)
	for rows.Next() {
		var key, payload, updatedAt string
		if err := rows.Scan(&key, &payload, &updatedAt); err != nil {
			return nil, ledgerErr("list", table, "", err)
		}
		row, err := decodeSQLRow(table, key, []byte(payload), parseSQLiteTime(updatedAt))
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, ledgerErr("list", table, "", err)
	}
	return out, nil
}

func (l *SQLiteLedger) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *SQLiteLedger) timestamp() string {
	return l.now().Format(time.RFC3339Nano)
}

func parseSQLiteTime(raw string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return parsed
}
