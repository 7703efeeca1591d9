package journal

import (
	"context"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func TestSQLiteStore_LeaseAcquireRenewRelease(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	acq, err := store.TryAcquireLease(ctx, "e1", "owner1", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("TryAcquireLease owner1: %v", err)
	}
	if !acq {
		t.Fatalf("expected owner1 to acquire")
	}

	acq2, err := store.TryAcquireLease(ctx, "e1", "owner2", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("TryAcquireLease owner2: %v", err)
	}
	if acq2 {
		t.Fatalf("expected owner2 not to acquire while active")
	}

	if err := store.RenewLease(ctx, "e1", "owner1", 100*time.Millisecond); err != nil {
		t.Fatalf("RenewLease owner1: %v", err)
	}
	if err := store.RenewLease(ctx, "e1", "owner2", 100*time.Millisecond); err == nil {
		t.Fatalf("expected RenewLease owner2 to fail")
	}

	if err := store.ReleaseLease(ctx, "e1", "owner1"); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}

	acq3, err := store.TryAcquireLease(ctx, "e1", "owner2", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("TryAcquireLease owner2 after release: %v", err)
	}
	if !acq3 {
		t.Fatalf("expected owner2 to acquire after release")
	}
}

func TestSQLiteStore_LeaseConcurrentAcquireOnlyOne(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		acquired []string
	)

	owners := []string{"owner1", "owner2", "owner3", "owner4"}
	for _, owner := range owners {
		wg.Add(1)
		go func(o string) {
			defer wg.Done()
			ok, err := store.TryAcquireLease(ctx, "e1", o, 250*time.Millisecond)
			if err != nil {
				return
			}
			if ok {
				mu.Lock()
				acquired = append(acquired, o)
				mu.Unlock()
			}
		}(owner)
	}
	wg.Wait()

	if len(acquired) != 1 {
		t.Fatalf("expected exactly one acquirer, got %d: %v", len(acquired), acquired)
	}
}

func TestSQLiteStore_LeaseExpires(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	acq, err := store.TryAcquireLease(ctx, "e1", "owner1", 20*time.Millisecond)
	if err != nil || !acq {
		t.Fatalf("TryAcquireLease owner1: acq=%v err=%v", acq, err)
	}

	time.Sleep(30 * time.Millisecond)

	acq2, err := store.TryAcquireLease(ctx, "e1", "owner2", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("TryAcquireLease owner2: %v", err)
	}
	if !acq2 {
		t.Fatalf("expected owner2 to acquire after expiry")
	}
}
