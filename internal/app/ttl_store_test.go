package app

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryKeyStoreExpiry(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	keys := NewMemoryKeyStore()
	keys.SetClock(func() time.Time { return now })
	ctx := context.Background()

	if err := keys.Put(ctx, "idem:abc", []byte(`{"status":201}`), time.Minute); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	value, err := keys.Get(ctx, "idem:abc")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(value) != `{"status":201}` {
		t.Fatalf("unexpected value %q", value)
	}

	// Mutating the returned slice must not corrupt the stored entry.
	value[0] = 'X'
	again, err := keys.Get(ctx, "idem:abc")
	if err != nil {
		t.Fatalf("second get failed: %v", err)
	}
	if string(again) != `{"status":201}` {
		t.Fatalf("stored value was aliased, got %q", again)
	}

	now = now.Add(time.Minute + time.Second)
	if _, err := keys.Get(ctx, "idem:abc"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected expiry, got %v", err)
	}
}

func TestMemoryKeyStoreDelete(t *testing.T) {
	keys := NewMemoryKeyStore()
	ctx := context.Background()

	if err := keys.Put(ctx, "one", []byte("1"), time.Hour); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := keys.Delete(ctx, "one"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := keys.Get(ctx, "one"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected miss after delete, got %v", err)
	}
	if _, err := keys.Get(ctx, "never-stored"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected miss for unknown key, got %v", err)
	}
}
