package ledgersync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresLedgerTableName   = "ledgersync_rows"
	postgresOperationTimeout  = 5 * time.Second
	postgresQueueTableName    = "ledgersync_task_queue"
	postgresQueueKey          = "default"
	postgresQueuePollInterval = 10 * time.Millisecond
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresLedger stores every ledger table in one JSONB-keyed table so that
// field merges happen inside the database.
type PostgresLedger struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresLedger(dsn string) (*PostgresLedger, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresLedger{
		dsn:       dsn,
		tableName: postgresLedgerTableName,
		openDB:    sql.Open,
	}, nil
}

func (l *PostgresLedger) Get(ctx context.Context, table, key string) (Row, error) {
	if err := validateLedgerKey(table, key); err != nil {
		return Row{}, err
	}
	if err := l.ensureReady(); err != nil {
		return Row{}, ledgerErr("get", table, key, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT fields, updated_at FROM %s WHERE table_name = $1 AND row_key = $2", postgresQuoteIdentifier(l.tableName))
	var payload []byte
	var updatedAt time.Time
	err := l.db.QueryRowContext(ctx, query, table, key).Scan(&payload, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, ErrNotFound
	}
	if err != nil {
		return Row{}, ledgerErr("get", table, key, err)
	}
	return decodeSQLRow(table, key, payload, updatedAt)
}

func (l *PostgresLedger) Insert(ctx context.Context, table, key string, fields map[string]any) error {
	if err := validateLedgerKey(table, key); err != nil {
		return err
	}
	payload, err := json.Marshal(nonNilFields(fields))
	if err != nil {
		return ledgerErr("insert", table, key, err)
	}
	if err := l.ensureReady(); err != nil {
		return ledgerErr("insert", table, key, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (table_name, row_key, fields, updated_at)
		VALUES ($1, $2, $3::jsonb, NOW())
		ON CONFLICT (table_name, row_key) DO NOTHING`, postgresQuoteIdentifier(l.tableName))
	result, err := l.db.ExecContext(ctx, query, table, key, string(payload))
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

func (l *PostgresLedger) Upsert(ctx context.Context, table, key string, fields map[string]any) error {
	if err := validateLedgerKey(table, key); err != nil {
		return err
	}
	payload, err := json.Marshal(nonNilFields(fields))
	if err != nil {
		return ledgerErr("upsert", table, key, err)
	}
	if err := l.ensureReady(); err != nil {
		return ledgerErr("upsert", table, key, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	quoted := postgresQuoteIdentifier(l.tableName)
	query := fmt.Sprintf(`
		INSERT INTO %s (table_name, row_key, fields, updated_at)
		VALUES ($1, $2, $3::jsonb, NOW())
		ON CONFLICT (table_name, row_key)
		DO UPDATE SET fields = %s.fields || EXCLUDED.fields, updated_at = NOW()`, quoted, quoted)
	_, err = l.db.ExecContext(ctx, query, table, key, string(payload))
	return ledgerErr("upsert", table, key, err)
}

func (l *PostgresLedger) Delete(ctx context.Context, table, key string) error {
	if err := validateLedgerKey(table, key); err != nil {
		return err
	}
	if err := l.ensureReady(); err != nil {
		return ledgerErr("delete", table, key, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE table_name = $1 AND row_key = $2", postgresQuoteIdentifier(l.tableName))
	result, err := l.db.ExecContext(ctx, query, table, key)
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

func (l *PostgresLedger) List(ctx context.Context, table string) ([]Row, error) {
	if strings.TrimSpace(table) == "" {
		return nil, ErrInvalidInput
	}
	if err := l.ensureReady(); err != nil {
		return nil, ledgerErr("list", table, "", err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT row_key, fields, updated_at FROM %s WHERE table_name = $1 ORDER BY row_key ASC", postgresQuoteIdentifier(l.tableName))
	rows, err := l.db.QueryContext(ctx, query, table)
	if err != nil {
		return nil, ledgerErr("list", table, "", err)
	}
	defer rows.Close()
	return scanSQLRows(table, rows)
}

func (l *PostgresLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *PostgresLedger) ensureReady() error {
	if l == nil {
		return ErrInvalidInput
	}
	l.initOnce.Do(func() {
		db, err := l.openDB("postgres", l.dsn)
		if err != nil {
			l.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				table_name TEXT NOT NULL,
				row_key TEXT NOT NULL,
				fields JSONB NOT NULL DEFAULT '{}'::jsonb,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (table_name, row_key)
			)`, postgresQuoteIdentifier(l.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			l.initErr = err
			return
		}
		l.db = db
	})
	return l.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func nonNilFields(fields map[string]any) map[string]any {
	if fields == nil {
		return map[string]any{}
	}
	return fields
}

func decodeSQLRow(table, key string, payload []byte, updatedAt time.Time) (Row, error) {
	fields := map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return Row{}, ledgerErr("decode", table, key, err)
		}
	}
	return Row{Table: table, Key: key, Fields: fields, UpdatedAt: updatedAt.UTC()}, nil
}

func scanSQLRows(table string, rows *sql.Rows) ([]Row, error) {
	out := make([]Row, 0)
	for rows.Next() {
		var key string
		var payload []byte
		var updatedAt time.Time
		if err := rows.Scan(&key, &payload, &updatedAt); err != nil {
			return nil, ledgerErr("list", table, "", err)
		}
		row, err := decodeSQLRow(table, key, payload, updatedAt)
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
