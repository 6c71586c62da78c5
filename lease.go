package agentstart

import (
	"context"
	"time"
)

// DefaultAutoStopDelay is the lease TTL applied when the host configures
// none. A sandbox whose lease is not refreshed within this window is
// considered dead and will be recreated on next use.
const DefaultAutoStopDelay = 60 * time.Second

// LeaseManager owns the heartbeat keys that declare a sandbox alive.
// The key is sandbox:heartbeat:<sandboxId>; its value is the last
// activity timestamp and its TTL is the auto-stop delay. Absence of the
// key means the sandbox has expired.
type LeaseManager struct {
	kv  KV
	ttl time.Duration
}

// NewLeaseManager creates a lease manager over kv. ttl is clamped to a
// minimum of 1ms; zero selects DefaultAutoStopDelay.
func NewLeaseManager(kv KV, ttl time.Duration) *LeaseManager {
	if ttl == 0 {
		ttl = DefaultAutoStopDelay
	}
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	return &LeaseManager{kv: kv, ttl: ttl}
}

// TTL returns the configured lease duration.
func (l *LeaseManager) TTL() time.Duration { return l.ttl }

// Key returns the heartbeat key for a sandbox id.
func (l *LeaseManager) Key(sandboxID string) string {
	return "sandbox:heartbeat:" + sandboxID
}

// Refresh re-arms the lease with the current timestamp and TTL.
// Called before every sandbox operation (keepAlive).
func (l *LeaseManager) Refresh(ctx context.Context, sandboxID string) error {
	return l.kv.Set(ctx, l.Key(sandboxID), FormatTime(Now()), l.ttl)
}

// Alive reports whether the sandbox's lease key exists.
func (l *LeaseManager) Alive(ctx context.Context, sandboxID string) (bool, error) {
	return l.kv.Exists(ctx, l.Key(sandboxID))
}

// LastActivity returns the timestamp stored in the lease, if present.
func (l *LeaseManager) LastActivity(ctx context.Context, sandboxID string) (time.Time, bool, error) {
	v, ok, err := l.kv.Get(ctx, l.Key(sandboxID))
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, perr := ParseTime(v)
	if perr != nil {
		return time.Time{}, false, nil
	}
	return t, true, nil
}

// Release deletes the heartbeat key. Called on Stop/Dispose.
func (l *LeaseManager) Release(ctx context.Context, sandboxID string) error {
	return l.kv.Delete(ctx, l.Key(sandboxID))
}
