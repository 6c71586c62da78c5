// Package inmem implements agentstart.MemoryAdapter with in-process
// maps. It is the reference adapter: embedding hosts use it for tests
// and single-process deployments.
package inmem

import (
	"context"
	"sync"

	"github.com/agentstart/agentstart"
)

// Adapter is a concurrency-safe in-memory MemoryAdapter. Rows keep
// insertion order so createdAt ties resolve deterministically.
type Adapter struct {
	mu   sync.RWMutex
	rows map[string][]map[string]any
}

var _ agentstart.MemoryAdapter = (*Adapter)(nil)

// New creates an empty adapter.
func New() *Adapter {
	return &Adapter{rows: make(map[string][]map[string]any)}
}

func (a *Adapter) Create(_ context.Context, model string, data map[string]any) (map[string]any, error) {
	if err := checkModel(model); err != nil {
		return nil, err
	}
	row := cloneRow(data)
	if _, ok := row["id"]; !ok {
		row["id"] = agentstart.NewID()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if id, ok := row["id"].(string); ok && id != "" {
		for _, existing := range a.rows[model] {
			if existing["id"] == id {
				return nil, &agentstart.ErrConflict{Model: model, ID: id}
			}
		}
	}
	a.rows[model] = append(a.rows[model], row)
	return cloneRow(row), nil
}

func (a *Adapter) FindOne(_ context.Context, model string, where []agentstart.Where) (map[string]any, error) {
	if err := agentstart.CheckWhere(model, where); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, row := range a.rows[model] {
		if agentstart.MatchWhere(row, where) {
			return cloneRow(row), nil
		}
	}
	return nil, nil
}

func (a *Adapter) FindMany(_ context.Context, model string, where []agentstart.Where, sortBy *agentstart.SortBy, limit, offset int) ([]map[string]any, error) {
	if err := agentstart.CheckWhere(model, where); err != nil {
		return nil, err
	}
	a.mu.RLock()
	var out []map[string]any
	for _, row := range a.rows[model] {
		if agentstart.MatchWhere(row, where) {
			out = append(out, cloneRow(row))
		}
	}
	a.mu.RUnlock()

	agentstart.SortRows(out, sortBy)
	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (a *Adapter) Count(_ context.Context, model string, where []agentstart.Where) (int, error) {
	if err := agentstart.CheckWhere(model, where); err != nil {
		return 0, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	n := 0
	for _, row := range a.rows[model] {
		if agentstart.MatchWhere(row, where) {
			n++
		}
	}
	return n, nil
}

func (a *Adapter) Update(_ context.Context, model string, where []agentstart.Where, patch map[string]any) (map[string]any, error) {
	if err := agentstart.CheckWhere(model, where); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, row := range a.rows[model] {
		if agentstart.MatchWhere(row, where) {
			applyPatch(row, patch)
			return cloneRow(row), nil
		}
	}
	return nil, agentstart.ErrNotFound
}

func (a *Adapter) UpdateMany(_ context.Context, model string, where []agentstart.Where, patch map[string]any) (int, error) {
	if err := agentstart.CheckWhere(model, where); err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, row := range a.rows[model] {
		if agentstart.MatchWhere(row, where) {
			applyPatch(row, patch)
			n++
		}
	}
	return n, nil
}

// Upsert is atomic: match and insert-or-patch happen under one lock.
func (a *Adapter) Upsert(_ context.Context, model string, where []agentstart.Where, create, update map[string]any) (map[string]any, error) {
	if err := agentstart.CheckWhere(model, where); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, row := range a.rows[model] {
		if agentstart.MatchWhere(row, where) {
			applyPatch(row, update)
			return cloneRow(row), nil
		}
	}
	row := cloneRow(create)
	if _, ok := row["id"]; !ok {
		row["id"] = agentstart.NewID()
	}
	a.rows[model] = append(a.rows[model], row)
	return cloneRow(row), nil
}

func (a *Adapter) Delete(_ context.Context, model string, where []agentstart.Where) error {
	if err := agentstart.CheckWhere(model, where); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	rows := a.rows[model]
	for i, row := range rows {
		if agentstart.MatchWhere(row, where) {
			a.rows[model] = append(rows[:i:i], rows[i+1:]...)
			return nil
		}
	}
	return agentstart.ErrNotFound
}

func (a *Adapter) DeleteMany(_ context.Context, model string, where []agentstart.Where) (int, error) {
	if err := agentstart.CheckWhere(model, where); err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	kept := a.rows[model][:0]
	n := 0
	for _, row := range a.rows[model] {
		if agentstart.MatchWhere(row, where) {
			n++
			continue
		}
		kept = append(kept, row)
	}
	a.rows[model] = kept
	return n, nil
}

func checkModel(model string) error {
	if agentstart.ModelFields(model) == nil {
		return &agentstart.ErrSchema{Model: model}
	}
	return nil
}

func applyPatch(row, patch map[string]any) {
	for k, v := range patch {
		row[k] = v
	}
}

// cloneRow shallow-copies a row so callers cannot mutate stored state.
// Values are treated as immutable by convention (the engine always
// builds fresh maps).
func cloneRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
