// Package postgres implements agentstart.MemoryAdapter using
// PostgreSQL. JSON columns use JSONB; upserts are update-then-create
// with a retry on unique violation, backed by a unique index on
// todos.thread_id so concurrent writers converge on one row.
//
// The adapter accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentstart/agentstart"
)

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets a structured logger for per-operation debug logs.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// WithTablePrefix prefixes all table names, e.g. "agentstart_".
func WithTablePrefix(prefix string) Option {
	return func(a *Adapter) { a.prefix = prefix }
}

// Adapter is a MemoryAdapter backed by PostgreSQL.
type Adapter struct {
	pool   *pgxpool.Pool
	prefix string
	logger *slog.Logger
}

var _ agentstart.MemoryAdapter = (*Adapter)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates an Adapter using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Adapter {
	a := &Adapter{pool: pool, logger: nopLogger}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Init creates all required tables. Idempotent.
func (a *Adapter) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS ` + a.table("threads") + ` (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL,
			visibility TEXT NOT NULL DEFAULT 'private',
			last_context JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + a.table("messages") + ` (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			role TEXT NOT NULL,
			parts JSONB NOT NULL,
			attachments JSONB,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + a.table("todos") + ` (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			todos JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_` + a.prefix + `threads_user ON ` + a.table("threads") + `(user_id, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_` + a.prefix + `messages_thread ON ` + a.table("messages") + `(thread_id, created_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_` + a.prefix + `todos_thread ON ` + a.table("todos") + `(thread_id)`,
	}
	for _, ddl := range tables {
		if _, err := a.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("postgres: create table: %w", err)
		}
	}
	return nil
}

func (a *Adapter) table(name string) string { return a.prefix + name }

func (a *Adapter) tableFor(model string) (string, error) {
	switch model {
	case agentstart.ModelThread:
		return a.table("threads"), nil
	case agentstart.ModelMessage:
		return a.table("messages"), nil
	case agentstart.ModelTodo:
		return a.table("todos"), nil
	default:
		return "", &agentstart.ErrSchema{Model: model}
	}
}

func columnFor(field string) string {
	switch field {
	case "userId":
		return "user_id"
	case "threadId":
		return "thread_id"
	case "lastContext":
		return "last_context"
	case "createdAt":
		return "created_at"
	case "updatedAt":
		return "updated_at"
	default:
		return field
	}
}

func fieldFor(column string) string {
	switch column {
	case "user_id":
		return "userId"
	case "thread_id":
		return "threadId"
	case "last_context":
		return "lastContext"
	case "created_at":
		return "createdAt"
	case "updated_at":
		return "updatedAt"
	default:
		return column
	}
}

var jsonFields = map[string]bool{
	"lastContext": true, "parts": true, "attachments": true,
	"metadata": true, "todos": true,
}

func encodeValue(field string, v any) any {
	switch t := v.(type) {
	case json.RawMessage:
		return []byte(t)
	case agentstart.Visibility:
		return string(t)
	case agentstart.Role:
		return string(t)
	case string:
		if jsonFields[field] {
			return []byte(t)
		}
		return t
	default:
		return v
	}
}

// args collects positional parameters while SQL is being built.
type args struct{ vals []any }

func (p *args) add(v any) string {
	p.vals = append(p.vals, v)
	return fmt.Sprintf("$%d", len(p.vals))
}

func whereSQL(model string, where []agentstart.Where, p *args) (string, error) {
	if err := agentstart.CheckWhere(model, where); err != nil {
		return "", err
	}
	var ands, ors []string
	for _, w := range where {
		frag, err := clauseSQL(w, p)
		if err != nil {
			return "", err
		}
		if w.Connector == agentstart.Or {
			ors = append(ors, frag)
		} else {
			ands = append(ands, frag)
		}
	}
	if len(ors) > 0 {
		ands = append(ands, "("+strings.Join(ors, " OR ")+")")
	}
	if len(ands) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(ands, " AND "), nil
}

func clauseSQL(w agentstart.Where, p *args) (string, error) {
	col := columnFor(w.Field)
	op := w.Operator
	if op == "" {
		op = agentstart.OpEq
	}
	switch op {
	case agentstart.OpEq:
		return col + " = " + p.add(encodeValue(w.Field, w.Value)), nil
	case agentstart.OpIn:
		return col + " = ANY(" + p.add(toTextSlice(w.Value)) + ")", nil
	case agentstart.OpContains:
		return col + " LIKE " + p.add("%"+fmt.Sprintf("%v", w.Value)+"%"), nil
	case agentstart.OpStartsWith:
		return col + " LIKE " + p.add(fmt.Sprintf("%v", w.Value)+"%"), nil
	case agentstart.OpEndsWith:
		return col + " LIKE " + p.add("%"+fmt.Sprintf("%v", w.Value)), nil
	case agentstart.OpLT:
		return col + " < " + p.add(encodeValue(w.Field, w.Value)), nil
	case agentstart.OpLTE:
		return col + " <= " + p.add(encodeValue(w.Field, w.Value)), nil
	default:
		return "", fmt.Errorf("postgres: unsupported operator %q", op)
	}
}

func toTextSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, len(t))
		for i, e := range t {
			out[i] = fmt.Sprintf("%v", e)
		}
		return out
	default:
		return []string{fmt.Sprintf("%v", v)}
	}
}

func (a *Adapter) Create(ctx context.Context, model string, data map[string]any) (map[string]any, error) {
	table, err := a.tableFor(model)
	if err != nil {
		return nil, err
	}
	row := make(map[string]any, len(data)+1)
	for k, v := range data {
		row[k] = v
	}
	if _, ok := row["id"]; !ok {
		row["id"] = agentstart.NewID()
	}
	var cols, marks []string
	p := &args{}
	for _, field := range agentstart.ModelFields(model) {
		v, ok := row[field]
		if !ok {
			continue
		}
		cols = append(cols, columnFor(field))
		marks = append(marks, p.add(encodeValue(field, v)))
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(marks, ", "))
	if _, err := a.pool.Exec(ctx, q, p.vals...); err != nil {
		if isUniqueViolation(err) {
			return nil, &agentstart.ErrConflict{Model: model, ID: fmt.Sprintf("%v", row["id"])}
		}
		return nil, fmt.Errorf("postgres: insert %s: %w", model, err)
	}
	a.logger.Debug("postgres: created", "model", model, "id", row["id"])
	return a.findByID(ctx, model, fmt.Sprintf("%v", row["id"]))
}

func (a *Adapter) FindOne(ctx context.Context, model string, where []agentstart.Where) (map[string]any, error) {
	rows, err := a.FindMany(ctx, model, where, nil, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (a *Adapter) FindMany(ctx context.Context, model string, where []agentstart.Where, sortBy *agentstart.SortBy, limit, offset int) ([]map[string]any, error) {
	table, err := a.tableFor(model)
	if err != nil {
		return nil, err
	}
	p := &args{}
	cond, err := whereSQL(model, where, p)
	if err != nil {
		return nil, err
	}
	q := "SELECT * FROM " + table + cond
	if sortBy != nil {
		dir := "ASC"
		if strings.EqualFold(sortBy.Direction, "desc") {
			dir = "DESC"
		}
		// ctid breaks created_at ties by physical insertion order
		q += fmt.Sprintf(" ORDER BY %s %s, ctid %s", columnFor(sortBy.Field), dir, dir)
	}
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	if offset > 0 {
		q += fmt.Sprintf(" OFFSET %d", offset)
	}

	start := time.Now()
	rs, err := a.pool.Query(ctx, q, p.vals...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query %s: %w", model, err)
	}
	defer rs.Close()
	out, err := scanRows(rs)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("postgres: query", "model", model, "rows", len(out), "took", time.Since(start))
	return out, nil
}

func (a *Adapter) Count(ctx context.Context, model string, where []agentstart.Where) (int, error) {
	table, err := a.tableFor(model)
	if err != nil {
		return 0, err
	}
	p := &args{}
	cond, err := whereSQL(model, where, p)
	if err != nil {
		return 0, err
	}
	var n int
	err = a.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+table+cond, p.vals...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count %s: %w", model, err)
	}
	return n, nil
}

func (a *Adapter) Update(ctx context.Context, model string, where []agentstart.Where, patch map[string]any) (map[string]any, error) {
	table, err := a.tableFor(model)
	if err != nil {
		return nil, err
	}
	p := &args{}
	cond, err := whereSQL(model, where, p)
	if err != nil {
		return nil, err
	}
	var id string
	err = a.pool.QueryRow(ctx, "SELECT id FROM "+table+cond+" LIMIT 1", p.vals...).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, agentstart.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: find for update: %w", err)
	}
	if err := a.updateByID(ctx, model, table, id, patch); err != nil {
		return nil, err
	}
	return a.findByID(ctx, model, id)
}

func (a *Adapter) UpdateMany(ctx context.Context, model string, where []agentstart.Where, patch map[string]any) (int, error) {
	table, err := a.tableFor(model)
	if err != nil {
		return 0, err
	}
	p := &args{}
	set, err := setSQL(model, patch, p)
	if err != nil {
		return 0, err
	}
	cond, err := whereSQL(model, where, p)
	if err != nil {
		return 0, err
	}
	tag, err := a.pool.Exec(ctx, "UPDATE "+table+" SET "+set+cond, p.vals...)
	if err != nil {
		return 0, fmt.Errorf("postgres: update %s: %w", model, err)
	}
	return int(tag.RowsAffected()), nil
}

// Upsert tries an update first; on no match it inserts, and a
// unique-key race with a concurrent writer is retried once as an
// update, so both callers converge on the same row.
func (a *Adapter) Upsert(ctx context.Context, model string, where []agentstart.Where, create, update map[string]any) (map[string]any, error) {
	row, err := a.Update(ctx, model, where, update)
	if err == nil {
		return row, nil
	}
	if !errors.Is(err, agentstart.ErrNotFound) {
		return nil, err
	}
	row, err = a.Create(ctx, model, create)
	if err == nil {
		return row, nil
	}
	var conflict *agentstart.ErrConflict
	if errors.As(err, &conflict) {
		return a.Update(ctx, model, where, update)
	}
	return nil, err
}

func (a *Adapter) Delete(ctx context.Context, model string, where []agentstart.Where) error {
	table, err := a.tableFor(model)
	if err != nil {
		return err
	}
	p := &args{}
	cond, err := whereSQL(model, where, p)
	if err != nil {
		return err
	}
	var id string
	err = a.pool.QueryRow(ctx, "SELECT id FROM "+table+cond+" LIMIT 1", p.vals...).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return agentstart.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("postgres: find for delete: %w", err)
	}
	_, err = a.pool.Exec(ctx, "DELETE FROM "+table+" WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("postgres: delete %s: %w", model, err)
	}
	return nil
}

func (a *Adapter) DeleteMany(ctx context.Context, model string, where []agentstart.Where) (int, error) {
	table, err := a.tableFor(model)
	if err != nil {
		return 0, err
	}
	p := &args{}
	cond, err := whereSQL(model, where, p)
	if err != nil {
		return 0, err
	}
	tag, err := a.pool.Exec(ctx, "DELETE FROM "+table+cond, p.vals...)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete %s: %w", model, err)
	}
	return int(tag.RowsAffected()), nil
}

func (a *Adapter) updateByID(ctx context.Context, model, table, id string, patch map[string]any) error {
	p := &args{}
	set, err := setSQL(model, patch, p)
	if err != nil {
		return err
	}
	_, err = a.pool.Exec(ctx, "UPDATE "+table+" SET "+set+" WHERE id = "+p.add(id), p.vals...)
	if err != nil {
		return fmt.Errorf("postgres: update %s: %w", model, err)
	}
	return nil
}

func setSQL(model string, patch map[string]any, p *args) (string, error) {
	var sets []string
	for _, field := range agentstart.ModelFields(model) {
		v, ok := patch[field]
		if !ok {
			continue
		}
		sets = append(sets, columnFor(field)+" = "+p.add(encodeValue(field, v)))
	}
	if len(sets) == 0 {
		return "", fmt.Errorf("postgres: empty patch for %s", model)
	}
	return strings.Join(sets, ", "), nil
}

func (a *Adapter) findByID(ctx context.Context, model, id string) (map[string]any, error) {
	return a.FindOne(ctx, model, []agentstart.Where{agentstart.Eq("id", id)})
}

func scanRows(rs pgx.Rows) ([]map[string]any, error) {
	descs := rs.FieldDescriptions()
	var out []map[string]any
	for rs.Next() {
		vals, err := rs.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(descs))
		for i, d := range descs {
			field := fieldFor(string(d.Name))
			row[field] = decodeValue(field, vals[i])
		}
		out = append(out, row)
	}
	return out, rs.Err()
}

func decodeValue(field string, v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case time.Time:
		return t.UTC()
	case []byte:
		if jsonFields[field] {
			return json.RawMessage(t)
		}
		return string(t)
	case map[string]any, []any:
		// pgx decodes JSONB into native values; re-encode so the engine
		// sees the same raw-JSON shape as other adapters.
		b, err := json.Marshal(t)
		if err != nil {
			return nil
		}
		return json.RawMessage(b)
	default:
		return v
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
