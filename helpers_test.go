package agentstart

import (
	"context"
	"sync"
)

// memStore is a minimal in-process MemoryAdapter for package tests.
// The importable adapters live in memory/; this one exists because the
// package cannot import its own implementors.
type memStore struct {
	mu   sync.Mutex
	rows map[string][]map[string]any
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string][]map[string]any)}
}

var _ MemoryAdapter = (*memStore)(nil)

func (s *memStore) Create(_ context.Context, model string, data map[string]any) (map[string]any, error) {
	if err := CheckWhere(model, nil); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row := cloneRow(data)
	if _, ok := row["id"]; !ok {
		row["id"] = NewID()
	}
	s.rows[model] = append(s.rows[model], row)
	return cloneRow(row), nil
}

func (s *memStore) FindOne(_ context.Context, model string, where []Where) (map[string]any, error) {
	if err := CheckWhere(model, where); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows[model] {
		if MatchWhere(row, where) {
			return cloneRow(row), nil
		}
	}
	return nil, nil
}

func (s *memStore) FindMany(_ context.Context, model string, where []Where, sortBy *SortBy, limit, offset int) ([]map[string]any, error) {
	if err := CheckWhere(model, where); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]any
	for _, row := range s.rows[model] {
		if MatchWhere(row, where) {
			out = append(out, cloneRow(row))
		}
	}
	SortRows(out, sortBy)
	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) Count(ctx context.Context, model string, where []Where) (int, error) {
	rows, err := s.FindMany(ctx, model, where, nil, 0, 0)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (s *memStore) Update(_ context.Context, model string, where []Where, patch map[string]any) (map[string]any, error) {
	if err := CheckWhere(model, where); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows[model] {
		if MatchWhere(row, where) {
			for k, v := range patch {
				row[k] = v
			}
			return cloneRow(row), nil
		}
	}
	return nil, ErrNotFound
}

func (s *memStore) UpdateMany(_ context.Context, model string, where []Where, patch map[string]any) (int, error) {
	if err := CheckWhere(model, where); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, row := range s.rows[model] {
		if MatchWhere(row, where) {
			for k, v := range patch {
				row[k] = v
			}
			n++
		}
	}
	return n, nil
}

func (s *memStore) Upsert(_ context.Context, model string, where []Where, create, update map[string]any) (map[string]any, error) {
	if err := CheckWhere(model, where); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows[model] {
		if MatchWhere(row, where) {
			for k, v := range update {
				row[k] = v
			}
			return cloneRow(row), nil
		}
	}
	row := cloneRow(create)
	if _, ok := row["id"]; !ok {
		row["id"] = NewID()
	}
	s.rows[model] = append(s.rows[model], row)
	return cloneRow(row), nil
}

func (s *memStore) Delete(ctx context.Context, model string, where []Where) error {
	_, err := s.DeleteMany(ctx, model, where)
	return err
}

func (s *memStore) DeleteMany(_ context.Context, model string, where []Where) (int, error) {
	if err := CheckWhere(model, where); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.rows[model][:0]
	n := 0
	for _, row := range s.rows[model] {
		if MatchWhere(row, where) {
			n++
			continue
		}
		kept = append(kept, row)
	}
	s.rows[model] = kept
	return n, nil
}

func cloneRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

// scriptStep is one scripted model turn for scriptProvider.
type scriptStep struct {
	deltas []Delta
	resp   ChatResponse
	err    error
}

// scriptProvider replays scripted responses and records requests.
type scriptProvider struct {
	mu    sync.Mutex
	steps []scriptStep
	reqs  []ChatRequest

	reasoning bool
	caching   bool
}

var (
	_ Provider         = (*scriptProvider)(nil)
	_ ReasoningCapable = (*scriptProvider)(nil)
	_ CacheCapable     = (*scriptProvider)(nil)
)

func (p *scriptProvider) Name() string            { return "script" }
func (p *scriptProvider) SupportsReasoning() bool { return p.reasoning }
func (p *scriptProvider) SupportsCaching() bool   { return p.caching }

func (p *scriptProvider) next(req ChatRequest) scriptStep {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
	if len(p.steps) == 0 {
		return scriptStep{resp: ChatResponse{FinishReason: FinishStop}}
	}
	step := p.steps[0]
	p.steps = p.steps[1:]
	return step
}

func (p *scriptProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	step := p.next(req)
	return step.resp, step.err
}

func (p *scriptProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- Delta) (ChatResponse, error) {
	step := p.next(req)
	for _, d := range step.deltas {
		select {
		case ch <- d:
		case <-ctx.Done():
			return step.resp, ctx.Err()
		}
	}
	return step.resp, step.err
}

// requests returns a snapshot of the recorded requests.
func (p *scriptProvider) requests() []ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ChatRequest, len(p.reqs))
	copy(out, p.reqs)
	return out
}

// collectFrames drains a closed writer into a slice.
func collectFrames(w *Writer) []Frame {
	var out []Frame
	for f := range w.Frames() {
		out = append(out, f)
	}
	return out
}
