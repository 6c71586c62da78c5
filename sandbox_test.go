package agentstart

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type stubFS struct{}

func (stubFS) ReadDir(context.Context, string, ReadDirOptions) ([]Dirent, error) { return nil, nil }
func (stubFS) ReadFile(context.Context, string) ([]byte, error)                  { return nil, nil }
func (stubFS) WriteFile(context.Context, string, []byte, WriteFileOptions) error { return nil }
func (stubFS) Mkdir(context.Context, string, bool) error                         { return nil }
func (stubFS) Remove(context.Context, string, RemoveOptions) error               { return nil }
func (stubFS) Rename(context.Context, string, string) error                      { return nil }
func (stubFS) Stat(context.Context, string) (Dirent, error)                      { return Dirent{}, nil }
func (stubFS) Exists(context.Context, string) (bool, error)                      { return true, nil }
func (stubFS) Glob(context.Context, []string, GlobOptions) ([]string, error)     { return nil, nil }
func (stubFS) Watch(context.Context, string, func(WatchEvent), WatchOptions) (WatchHandle, error) {
	return nil, nil
}

type stubShell struct{}

func (stubShell) Exec(context.Context, string, ExecOptions) (ExecResult, error) {
	return ExecResult{}, nil
}

type stubSandbox struct {
	id      string
	stopped bool
}

func (s *stubSandbox) ID() string   { return s.id }
func (s *stubSandbox) FS() FS       { return stubFS{} }
func (s *stubSandbox) Shell() Shell { return stubShell{} }
func (s *stubSandbox) Stop(context.Context) error {
	s.stopped = true
	return nil
}

// countingProvisioner hands out sequentially numbered sandboxes and
// tracks which ids are connectable.
type countingProvisioner struct {
	creates  int
	connects int
	known    map[string]*stubSandbox
}

func newCountingProvisioner() *countingProvisioner {
	return &countingProvisioner{known: make(map[string]*stubSandbox)}
}

func (p *countingProvisioner) Create(context.Context) (Sandbox, error) {
	p.creates++
	sb := &stubSandbox{id: fmt.Sprintf("sb-%d", p.creates)}
	p.known[sb.id] = sb
	return sb, nil
}

func (p *countingProvisioner) Connect(_ context.Context, id string) (Sandbox, error) {
	p.connects++
	sb, ok := p.known[id]
	if !ok {
		return nil, errors.New("no such sandbox: " + id)
	}
	return sb, nil
}

func newTestManager(t *testing.T) (*SandboxManager, *countingProvisioner, *LeaseManager) {
	t.Helper()
	p := newCountingProvisioner()
	leases := NewLeaseManager(NewMemoryKV(), time.Minute)
	return NewSandboxManager(p, leases), p, leases
}

func TestSandboxManager_CreateWhenNoID(t *testing.T) {
	ctx := context.Background()
	m, p, leases := newTestManager(t)

	if err := m.ConnectOrCreate(ctx, "", "tok"); err != nil {
		t.Fatalf("ConnectOrCreate: %v", err)
	}
	if p.creates != 1 || m.ID() != "sb-1" {
		t.Fatalf("creates = %d, id = %q", p.creates, m.ID())
	}
	if m.Token() != "tok" {
		t.Errorf("token = %q", m.Token())
	}
	// The lease is armed on creation.
	alive, err := leases.Alive(ctx, "sb-1")
	if err != nil || !alive {
		t.Errorf("lease alive = (%v, %v)", alive, err)
	}
}

func TestSandboxManager_ReattachOnAliveLease(t *testing.T) {
	ctx := context.Background()
	m, p, leases := newTestManager(t)

	m.ConnectOrCreate(ctx, "", "")
	first := m.ID()

	// A second manager (a new stream) reattaches instead of creating.
	m2 := NewSandboxManager(p, leases)
	if err := m2.ConnectOrCreate(ctx, first, ""); err != nil {
		t.Fatalf("ConnectOrCreate: %v", err)
	}
	if m2.ID() != first {
		t.Errorf("id = %q, want reattach to %q", m2.ID(), first)
	}
	if p.creates != 1 {
		t.Errorf("creates = %d, reattach must not provision", p.creates)
	}
}

func TestSandboxManager_CreateOnLapsedLease(t *testing.T) {
	ctx := context.Background()
	m, p, leases := newTestManager(t)

	m.ConnectOrCreate(ctx, "", "")
	first := m.ID()
	leases.Release(ctx, first)

	m2 := NewSandboxManager(p, leases)
	if err := m2.ConnectOrCreate(ctx, first, ""); err != nil {
		t.Fatalf("ConnectOrCreate: %v", err)
	}
	if m2.ID() == first {
		t.Error("a dead lease means the old sandbox is gone; a fresh one is required")
	}
	if p.creates != 2 {
		t.Errorf("creates = %d, want 2", p.creates)
	}
}

func TestSandboxManager_CreateWhenAttachFails(t *testing.T) {
	ctx := context.Background()
	m, p, leases := newTestManager(t)

	// Lease exists but the provisioner no longer knows the sandbox.
	leases.Refresh(ctx, "vanished")
	if err := m.ConnectOrCreate(ctx, "vanished", ""); err != nil {
		t.Fatalf("ConnectOrCreate: %v", err)
	}
	if m.ID() == "vanished" || p.creates != 1 {
		t.Errorf("id = %q, creates = %d", m.ID(), p.creates)
	}
}

func TestSandboxManager_RecreatesOnExpiredLease(t *testing.T) {
	ctx := context.Background()
	m, p, leases := newTestManager(t)
	m.ConnectOrCreate(ctx, "", "")
	first := m.ID()

	// Simulate the heartbeat lapsing between operations.
	leases.Release(ctx, first)

	// Any guarded operation transparently provisions a replacement.
	if _, err := m.FS().Exists(ctx, "x"); err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if m.ID() == first || p.creates != 2 {
		t.Errorf("id = %q, creates = %d", m.ID(), p.creates)
	}
}

func TestSandboxManager_OperationsRefreshLease(t *testing.T) {
	ctx := context.Background()
	m, _, leases := newTestManager(t)
	m.ConnectOrCreate(ctx, "", "")

	before, ok, err := leases.LastActivity(ctx, m.ID())
	if err != nil || !ok {
		t.Fatalf("LastActivity = (%v, %v, %v)", before, ok, err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := m.FS().Exists(ctx, "x"); err != nil {
		t.Fatalf("Exists: %v", err)
	}
	after, _, _ := leases.LastActivity(ctx, m.ID())
	if !after.After(before) {
		t.Errorf("lease not refreshed: %v -> %v", before, after)
	}
}

func TestSandboxManager_Stop(t *testing.T) {
	ctx := context.Background()
	m, p, leases := newTestManager(t)
	m.ConnectOrCreate(ctx, "", "")
	id := m.ID()

	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !p.known[id].stopped {
		t.Error("underlying sandbox not stopped")
	}
	if alive, _ := leases.Alive(ctx, id); alive {
		t.Error("lease must be released on stop")
	}

	// Operations after Stop fail until ConnectOrCreate runs again.
	var sbErr *ErrSandbox
	if _, err := m.Shell().Exec(ctx, "true", ExecOptions{}); !errors.As(err, &sbErr) {
		t.Fatalf("post-stop exec = %v, want *ErrSandbox", err)
	}

	if err := m.ConnectOrCreate(ctx, "", ""); err != nil {
		t.Fatalf("ConnectOrCreate after stop: %v", err)
	}
	if _, err := m.Shell().Exec(ctx, "true", ExecOptions{}); err != nil {
		t.Errorf("exec after reconnect: %v", err)
	}
}

func TestSandboxManager_Status(t *testing.T) {
	ctx := context.Background()
	m, _, leases := newTestManager(t)

	st, err := m.Status(ctx)
	if err != nil || st.Active {
		t.Fatalf("idle status = (%+v, %v)", st, err)
	}

	m.ConnectOrCreate(ctx, "", "")
	st, err = m.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Active || !st.Reusable || st.SandboxID != m.ID() {
		t.Errorf("status = %+v", st)
	}

	leases.Release(ctx, m.ID())
	st, _ = m.Status(ctx)
	if st.Reusable {
		t.Error("released lease must clear reusable")
	}
}

func TestMergeIgnores(t *testing.T) {
	got := MergeIgnores([]string{"custom", "node_modules"})
	seen := map[string]int{}
	for _, g := range got {
		seen[g]++
	}
	if seen["node_modules"] != 1 {
		t.Errorf("node_modules appears %d times", seen["node_modules"])
	}
	if seen["custom"] != 1 {
		t.Errorf("custom ignore missing: %v", got)
	}
}
