package agentstart

import (
	"context"
	"testing"
	"time"
)

func TestMemoryKV_SetGet(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()

	if err := kv.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := kv.Get(ctx, "k")
	if err != nil || !ok || v != "v" {
		t.Fatalf("Get = (%q, %v, %v), want (v, true, nil)", v, ok, err)
	}

	_, ok, err = kv.Get(ctx, "missing")
	if err != nil || ok {
		t.Fatalf("Get missing = (_, %v, %v), want (false, nil)", ok, err)
	}
}

func TestMemoryKV_Delete(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	kv.Set(ctx, "k", "v", 0)

	if err := kv.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok, _ := kv.Exists(ctx, "k"); ok {
		t.Error("key exists after delete")
	}
	// Deleting a missing key is not an error.
	if err := kv.Delete(ctx, "k"); err != nil {
		t.Errorf("Delete missing: %v", err)
	}
}

func TestMemoryKV_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	kv.now = func() time.Time { return now }

	kv.Set(ctx, "lease", "alive", 30*time.Second)

	if ok, _ := kv.Exists(ctx, "lease"); !ok {
		t.Fatal("key should exist before expiry")
	}

	now = now.Add(29 * time.Second)
	if ok, _ := kv.Exists(ctx, "lease"); !ok {
		t.Error("key should survive within TTL")
	}

	now = now.Add(2 * time.Second)
	if ok, _ := kv.Exists(ctx, "lease"); ok {
		t.Error("key should lapse after TTL")
	}
	if _, ok, _ := kv.Get(ctx, "lease"); ok {
		t.Error("expired key should be gone")
	}
}

func TestMemoryKV_SetResetsTTL(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	kv.now = func() time.Time { return now }

	kv.Set(ctx, "lease", "a", 10*time.Second)
	now = now.Add(8 * time.Second)
	kv.Set(ctx, "lease", "b", 10*time.Second) // refresh

	now = now.Add(8 * time.Second) // 16s after first write, 8s after refresh
	v, ok, _ := kv.Get(ctx, "lease")
	if !ok || v != "b" {
		t.Errorf("Get = (%q, %v), want (b, true): refresh must re-arm the TTL", v, ok)
	}
}

func TestMemoryKV_NoExpiryWhenTTLZero(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	kv.now = func() time.Time { return now }

	kv.Set(ctx, "k", "v", 0)
	now = now.Add(24 * time.Hour)
	if ok, _ := kv.Exists(ctx, "k"); !ok {
		t.Error("ttl<=0 keys must never expire")
	}
}
