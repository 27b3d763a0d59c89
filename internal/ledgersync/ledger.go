package ledgersync

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Row is one keyed record in a ledger table.
type Row struct {
	Table     string         `json:"table"`
	Key       string         `json:"key"`
	Fields    map[string]any `json:"fields"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// LedgerStore is the local system of record. Get and Delete return
// ErrNotFound for a missing key; every other failure is an ErrLedger.
// Upsert merges the given fields into any existing row.
type LedgerStore interface {
	Get(ctx context.Context, table, key string) (Row, error)
	Insert(ctx context.Context, table, key string, fields map[string]any) error
	Upsert(ctx context.Context, table, key string, fields map[string]any) error
	Delete(ctx context.Context, table, key string) error
	List(ctx context.Context, table string) ([]Row, error)
	Close() error
}

type MemoryLedger struct {
	mu     sync.RWMutex
	tables map[string]map[string]Row
	now    func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		tables: map[string]map[string]Row{},
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (l *MemoryLedger) Get(ctx context.Context, table, key string) (Row, error) {
	if err := validateLedgerKey(table, key); err != nil {
		return Row{}, err
	}
	if err := ctx.Err(); err != nil {
		return Row{}, ledgerErr("get", table, key, err)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	row, ok := l.tables[table][key]
	if !ok {
		return Row{}, ErrNotFound
	}
	return cloneRow(row)
}

func (l *MemoryLedger) Insert(ctx context.Context, table, key string, fields map[string]any) error {
	if err := validateLedgerKey(table, key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return ledgerErr("insert", table, key, err)
	}
	normalized, err := normalizeFields(fields)
	if err != nil {
		return ledgerErr("insert", table, key, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rows := l.ensureTableLocked(table)
	if _, exists := rows[key]; exists {
		return ErrAlreadyExists
	}
	rows[key] = Row{Table: table, Key: key, Fields: normalized, UpdatedAt: l.now()}
	return nil
}

func (l *MemoryLedger) Upsert(ctx context.Context, table, key string, fields map[string]any) error {
	if err := validateLedgerKey(table, key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return ledgerErr("upsert", table, key, err)
	}
	normalized, err := normalizeFields(fields)
	if err != nil {
		return ledgerErr("upsert", table, key, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rows := l.ensureTableLocked(table)
	row, exists := rows[key]
	if !exists {
		row = Row{Table: table, Key: key, Fields: map[string]any{}}
	}
	for name, value := range normalized {
		row.Fields[name] = value
	}
	row.UpdatedAt = l.now()
	rows[key] = row
	return nil
}

func (l *MemoryLedger) Delete(ctx context.Context, table, key string) error {
	if err := validateLedgerKey(table, key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return ledgerErr("delete", table, key, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rows := l.tables[table]
	if _, ok := rows[key]; !ok {
		return ErrNotFound
	}
	delete(rows, key)
	return nil
}

func (l *MemoryLedger) List(ctx context.Context, table string) ([]Row, error) {
	if strings.TrimSpace(table) == "" {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, ledgerErr("list", table, "", err)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	rows := make([]Row, 0, len(l.tables[table]))
	for _, row := range l.tables[table] {
		clone, err := cloneRow(row)
		if err != nil {
			return nil, ledgerErr("list", table, row.Key, err)
		}
		rows = append(rows, clone)
	}
	sortRows(rows)
	return rows, nil
}

func (l *MemoryLedger) Close() error {
	return nil
}

func (l *MemoryLedger) ensureTableLocked(table string) map[string]Row {
	rows, ok := l.tables[table]
	if !ok {
		rows = map[string]Row{}
		l.tables[table] = rows
	}
	return rows
}

// FileLedger keeps every table in one JSON document, rewritten atomically on
// each mutation. Suitable for single-node local deployments.
type FileLedger struct {
	path string
	mem  *MemoryLedger
	mu   sync.Mutex
}

type fileLedgerState struct {
	Tables map[string]map[string]Row `json:"tables"`
}

func NewFileLedger(path string) (*FileLedger, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	l := &FileLedger{path: path, mem: NewMemoryLedger()}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *FileLedger) Get(ctx context.Context, table, key string) (Row, error) {
	return l.mem.Get(ctx, table, key)
}

func (l *FileLedger) Insert(ctx context.Context, table, key string, fields map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.mem.Insert(ctx, table, key, fields); err != nil {
		return err
	}
	if err := l.save(); err != nil {
		_ = l.mem.Delete(context.Background(), table, key)
		return ledgerErr("insert", table, key, err)
	}
	return nil
}

func (l *FileLedger) Upsert(ctx context.Context, table, key string, fields map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.mem.Upsert(ctx, table, key, fields); err != nil {
		return err
	}
	return ledgerErr("upsert", table, key, l.save())
}

func (l *FileLedger) Delete(ctx context.Context, table, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.mem.Delete(ctx, table, key); err != nil {
		return err
	}
	return ledgerErr("delete", table, key, l.save())
}

func (l *FileLedger) List(ctx context.Context, table string) ([]Row, error) {
	return l.mem.List(ctx, table)
}

func (l *FileLedger) Close() error {
	return nil
}

func (l *FileLedger) load() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var state fileLedgerState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	l.mem.mu.Lock()
	defer l.mem.mu.Unlock()
	for table, rows := range state.Tables {
		dst := l.mem.ensureTableLocked(table)
		for key, row := range rows {
			if row.Fields == nil {
				row.Fields = map[string]any{}
			}
			row.Table = table
			row.Key = key
			dst[key] = row
		}
	}
	return nil
}

func (l *FileLedger) save() error {
	l.mem.mu.RLock()
	data, err := json.Marshal(fileLedgerState{Tables: l.mem.tables})
	l.mem.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}

func validateLedgerKey(table, key string) error {
	if strings.TrimSpace(table) == "" || strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	return nil
}

// normalizeFields round-trips through JSON so every backend stores and
// returns the same value shapes.
func normalizeFields(fields map[string]any) (map[string]any, error) {
	if len(fields) == 0 {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func cloneRow(row Row) (Row, error) {
	fields, err := normalizeFields(row.Fields)
	if err != nil {
		return Row{}, err
	}
	row.Fields = fields
	return row, nil
}

func sortRows(rows []Row) {
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Key < rows[j].Key
	})
}

// toFields encodes a typed record as ledger fields.
func toFields(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	fields := map[string]any{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// decodeRow decodes ledger fields into a typed record.
func decodeRow(row Row, v any) error {
	data, err := json.Marshal(row.Fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func getRecord(ctx context.Context, ledger LedgerStore, table, key string, v any) error {
	row, err := ledger.Get(ctx, table, key)
	if err != nil {
		return err
	}
	if err := decodeRow(row, v); err != nil {
		return ledgerErr("decode", table, key, err)
	}
	return nil
}

func putRecord(ctx context.Context, ledger LedgerStore, table, key string, v any) error {
	fields, err := toFields(v)
	if err != nil {
		return ledgerErr("encode", table, key, err)
	}
	return ledger.Upsert(ctx, table, key, fields)
}
