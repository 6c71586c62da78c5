// Package sqlite implements agentstart.MemoryAdapter on pure-Go SQLite.
// Zero CGO required. JSON columns are stored as TEXT; dates as RFC 3339
// strings so rows stay portable across adapters.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agentstart/agentstart"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets a structured logger. When set, the adapter emits
// debug logs for every operation including timing and row counts.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// Adapter is a MemoryAdapter backed by a local SQLite file.
type Adapter struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ agentstart.MemoryAdapter = (*Adapter)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates an Adapter using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so
// that all goroutines serialize through one connection, eliminating
// SQLITE_BUSY errors from concurrent writers.
func New(dbPath string, opts ...Option) *Adapter {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with
		// the blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	a := &Adapter{db: db, logger: nopLogger}
	for _, o := range opts {
		o(a)
	}
	a.logger.Debug("sqlite: adapter opened", "path", dbPath)
	return a
}

// Init creates all required tables. Idempotent.
func (a *Adapter) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL,
			visibility TEXT NOT NULL DEFAULT 'private',
			last_context TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			role TEXT NOT NULL,
			parts TEXT NOT NULL,
			attachments TEXT,
			metadata TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS todos (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			todos TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_threads_user ON threads(user_id, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, created_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_todos_thread ON todos(thread_id)`,
	}
	for _, ddl := range tables {
		if _, err := a.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// Close releases the underlying connection.
func (a *Adapter) Close() error { return a.db.Close() }

// tableFor maps model names onto tables.
func tableFor(model string) (string, error) {
	switch model {
	case agentstart.ModelThread:
		return "threads", nil
	case agentstart.ModelMessage:
		return "messages", nil
	case agentstart.ModelTodo:
		return "todos", nil
	default:
		return "", &agentstart.ErrSchema{Model: model}
	}
}

// columnFor maps the engine's camelCase field names onto columns.
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

// encodeValue normalizes a Go value into its column representation.
func encodeValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return agentstart.FormatTime(t)
	case json.RawMessage:
		return string(t)
	case []byte:
		return string(t)
	case agentstart.Visibility:
		return string(t)
	case agentstart.Role:
		return string(t)
	default:
		return v
	}
}

// whereSQL renders a clause list as a WHERE expression. Clauses with
// the Or connector collapse into one parenthesized disjunction ANDed
// with the rest.
func whereSQL(model string, where []agentstart.Where) (string, []any, error) {
	if err := agentstart.CheckWhere(model, where); err != nil {
		return "", nil, err
	}
	var ands, ors []string
	var args []any
	for _, w := range where {
		frag, fragArgs, err := clauseSQL(w)
		if err != nil {
			return "", nil, err
		}
		if w.Connector == agentstart.Or {
			ors = append(ors, frag)
		} else {
			ands = append(ands, frag)
		}
		args = append(args, fragArgs...)
	}
	if len(ors) > 0 {
		ands = append(ands, "("+strings.Join(ors, " OR ")+")")
	}
	if len(ands) == 0 {
		return "", args, nil
	}
	return " WHERE " + strings.Join(ands, " AND "), args, nil
}

func clauseSQL(w agentstart.Where) (string, []any, error) {
	col := columnFor(w.Field)
	op := w.Operator
	if op == "" {
		op = agentstart.OpEq
	}
	switch op {
	case agentstart.OpEq:
		return col + " = ?", []any{encodeValue(w.Value)}, nil
	case agentstart.OpIn:
		vals, ok := w.Value.([]any)
		if !ok {
			if ss, sok := w.Value.([]string); sok {
				vals = make([]any, len(ss))
				for i, s := range ss {
					vals[i] = s
				}
			} else {
				return col + " = ?", []any{encodeValue(w.Value)}, nil
			}
		}
		if len(vals) == 0 {
			return "1 = 0", nil, nil
		}
		marks := make([]string, len(vals))
		args := make([]any, len(vals))
		for i, v := range vals {
			marks[i] = "?"
			args[i] = encodeValue(v)
		}
		return col + " IN (" + strings.Join(marks, ", ") + ")", args, nil
	case agentstart.OpContains:
		return col + ` LIKE ? ESCAPE '\'`, []any{"%" + likeEscape(w.Value) + "%"}, nil
	case agentstart.OpStartsWith:
		return col + ` LIKE ? ESCAPE '\'`, []any{likeEscape(w.Value) + "%"}, nil
	case agentstart.OpEndsWith:
		return col + ` LIKE ? ESCAPE '\'`, []any{"%" + likeEscape(w.Value)}, nil
	case agentstart.OpLT:
		return col + " < ?", []any{encodeValue(w.Value)}, nil
	case agentstart.OpLTE:
		return col + " <= ?", []any{encodeValue(w.Value)}, nil
	default:
		return "", nil, fmt.Errorf("sqlite: unsupported operator %q", op)
	}
}

func likeEscape(v any) string {
	s := fmt.Sprintf("%v", encodeValue(v))
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}

func (a *Adapter) Create(ctx context.Context, model string, data map[string]any) (map[string]any, error) {
	table, err := tableFor(model)
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
	var cols []string
	var marks []string
	var args []any
	for _, field := range agentstart.ModelFields(model) {
		v, ok := row[field]
		if !ok {
			continue
		}
		cols = append(cols, columnFor(field))
		marks = append(marks, "?")
		args = append(args, encodeValue(v))
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(marks, ", "))
	if _, err := a.db.ExecContext(ctx, q, args...); err != nil {
		if isUniqueViolation(err) {
			return nil, &agentstart.ErrConflict{Model: model, ID: fmt.Sprintf("%v", row["id"])}
		}
		return nil, fmt.Errorf("sqlite: insert %s: %w", model, err)
	}
	a.logger.Debug("sqlite: created", "model", model, "id", row["id"])
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
	table, err := tableFor(model)
	if err != nil {
		return nil, err
	}
	cond, args, err := whereSQL(model, where)
	if err != nil {
		return nil, err
	}
	q := "SELECT * FROM " + table + cond
	if sortBy != nil {
		dir := "ASC"
		if strings.EqualFold(sortBy.Direction, "desc") {
			dir = "DESC"
		}
		// rowid breaks createdAt ties by insertion order
		q += fmt.Sprintf(" ORDER BY %s %s, rowid %s", columnFor(sortBy.Field), dir, dir)
	}
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
		if offset > 0 {
			q += fmt.Sprintf(" OFFSET %d", offset)
		}
	} else if offset > 0 {
		q += fmt.Sprintf(" LIMIT -1 OFFSET %d", offset)
	}

	start := time.Now()
	rs, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query %s: %w", model, err)
	}
	defer rs.Close()
	out, err := scanRows(rs)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("sqlite: query", "model", model, "rows", len(out), "took", time.Since(start))
	return out, nil
}

func (a *Adapter) Count(ctx context.Context, model string, where []agentstart.Where) (int, error) {
	table, err := tableFor(model)
	if err != nil {
		return 0, err
	}
	cond, args, err := whereSQL(model, where)
	if err != nil {
		return 0, err
	}
	var n int
	err = a.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+cond, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: count %s: %w", model, err)
	}
	return n, nil
}

func (a *Adapter) Update(ctx context.Context, model string, where []agentstart.Where, patch map[string]any) (map[string]any, error) {
	table, err := tableFor(model)
	if err != nil {
		return nil, err
	}
	cond, args, err := whereSQL(model, where)
	if err != nil {
		return nil, err
	}
	var id string
	err = a.db.QueryRowContext(ctx, "SELECT id FROM "+table+cond+" LIMIT 1", args...).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, agentstart.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: find for update: %w", err)
	}
	if err := a.updateByID(ctx, model, table, id, patch); err != nil {
		return nil, err
	}
	return a.findByID(ctx, model, id)
}

func (a *Adapter) UpdateMany(ctx context.Context, model string, where []agentstart.Where, patch map[string]any) (int, error) {
	table, err := tableFor(model)
	if err != nil {
		return 0, err
	}
	cond, args, err := whereSQL(model, where)
	if err != nil {
		return 0, err
	}
	set, setArgs, err := setSQL(model, patch)
	if err != nil {
		return 0, err
	}
	res, err := a.db.ExecContext(ctx, "UPDATE "+table+" SET "+set+cond, append(setArgs, args...)...)
	if err != nil {
		return 0, fmt.Errorf("sqlite: update %s: %w", model, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Upsert is update-then-create. All statements share one connection,
// which serializes in-process callers; a create that still hits a
// unique index (a racing external writer) is retried once as an
// update.
func (a *Adapter) Upsert(ctx context.Context, model string, where []agentstart.Where, create, update map[string]any) (map[string]any, error) {
	row, err := a.Update(ctx, model, where, update)
	if err == nil {
		return row, nil
	}
	if err != agentstart.ErrNotFound {
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
	table, err := tableFor(model)
	if err != nil {
		return err
	}
	cond, args, err := whereSQL(model, where)
	if err != nil {
		return err
	}
	var id string
	err = a.db.QueryRowContext(ctx, "SELECT id FROM "+table+cond+" LIMIT 1", args...).Scan(&id)
	if err == sql.ErrNoRows {
		return agentstart.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("sqlite: find for delete: %w", err)
	}
	_, err = a.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("sqlite: delete %s: %w", model, err)
	}
	return nil
}

func (a *Adapter) DeleteMany(ctx context.Context, model string, where []agentstart.Where) (int, error) {
	table, err := tableFor(model)
	if err != nil {
		return 0, err
	}
	cond, args, err := whereSQL(model, where)
	if err != nil {
		return 0, err
	}
	res, err := a.db.ExecContext(ctx, "DELETE FROM "+table+cond, args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete %s: %w", model, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (a *Adapter) updateByID(ctx context.Context, model, table, id string, patch map[string]any) error {
	set, args, err := setSQL(model, patch)
	if err != nil {
		return err
	}
	_, err = a.db.ExecContext(ctx, "UPDATE "+table+" SET "+set+" WHERE id = ?", append(args, id)...)
	if err != nil {
		return fmt.Errorf("sqlite: update %s: %w", model, err)
	}
	return nil
}

func setSQL(model string, patch map[string]any) (string, []any, error) {
	fields := agentstart.ModelFields(model)
	var sets []string
	var args []any
	for _, field := range fields {
		v, ok := patch[field]
		if !ok {
			continue
		}
		sets = append(sets, columnFor(field)+" = ?")
		args = append(args, encodeValue(v))
	}
	if len(sets) == 0 {
		return "", nil, fmt.Errorf("sqlite: empty patch for %s", model)
	}
	return strings.Join(sets, ", "), args, nil
}

func (a *Adapter) findByID(ctx context.Context, model, id string) (map[string]any, error) {
	return a.FindOne(ctx, model, []agentstart.Where{agentstart.Eq("id", id)})
}

// scanRows converts a result set into engine rows: camelCase keys,
// time.Time dates, json.RawMessage JSON columns.
func scanRows(rs *sql.Rows) ([]map[string]any, error) {
	cols, err := rs.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rs.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rs.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			field := fieldFor(col)
			row[field] = decodeValue(field, vals[i])
		}
		out = append(out, row)
	}
	return out, rs.Err()
}

func decodeValue(field string, v any) any {
	var s string
	switch t := v.(type) {
	case nil:
		return nil
	case []byte:
		s = string(t)
	case string:
		s = t
	default:
		return v
	}
	if field == "createdAt" || field == "updatedAt" {
		if ts, err := agentstart.ParseTime(s); err == nil {
			return ts
		}
	}
	if jsonFields[field] {
		if s == "" {
			return nil
		}
		return json.RawMessage(s)
	}
	return s
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
