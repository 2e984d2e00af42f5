package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
)

func TestCheckAndIncrementUsageUpToQuota(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const quota = 3
	for i := int64(1); i <= quota; i++ {
		admitted, count, err := s.CheckAndIncrementUsage(ctx, "acct_u", "2026-08-30", quota, "203.0.113.0")
		if err != nil {
			t.Fatalf("CheckAndIncrementUsage #%d: %v", i, err)
		}
		if !admitted {
			t.Fatalf("call #%d rejected below quota", i)
		}
		if count != i {
			t.Errorf("count after call #%d = %d, want %d", i, count, i)
		}
	}

	admitted, count, err := s.CheckAndIncrementUsage(ctx, "acct_u", "2026-08-30", quota, "203.0.113.0")
	if err != nil {
		t.Fatalf("CheckAndIncrementUsage over quota: %v", err)
	}
	if admitted {
		t.Error("call over quota was admitted")
	}
	if count != quota {
		t.Errorf("count after rejection = %d, want unchanged %d", count, quota)
	}
}

func TestCheckAndIncrementUsageDayRollover(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	admitted, _, err := s.CheckAndIncrementUsage(ctx, "acct_u", "2026-08-30", 1, "")
	if err != nil || !admitted {
		t.Fatalf("day 1: admitted=%v err=%v", admitted, err)
	}
	admitted, _, err = s.CheckAndIncrementUsage(ctx, "acct_u", "2026-08-30", 1, "")
	if err != nil {
		t.Fatal(err)
	}
	if admitted {
		t.Fatal("second call on day 1 admitted past quota")
	}

	// New day starts a fresh counter; the old one is ignored, not deleted.
	admitted, count, err := s.CheckAndIncrementUsage(ctx, "acct_u", "2026-08-31", 1, "")
	if err != nil || !admitted {
		t.Fatalf("day 2: admitted=%v err=%v", admitted, err)
	}
	if count != 1 {
		t.Errorf("day 2 count = %d, want 1", count)
	}
	old, err := s.UsageCount(ctx, "acct_u", "2026-08-30")
	if err != nil {
		t.Fatal(err)
	}
	if old != 1 {
		t.Errorf("day 1 counter = %d, want preserved 1", old)
	}
}

func TestConcurrentUsageNeverExceedsQuota(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const (
		quota   = 10
		callers = 40
	)
	var admittedCount atomic.Int64
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			admitted, _, err := s.CheckAndIncrementUsage(ctx, "acct_q", "2026-08-30", quota, "")
			if err != nil {
				errs <- err
				return
			}
			if admitted {
				admittedCount.Add(1)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("CheckAndIncrementUsage: %v", err)
	}

	if got := admittedCount.Load(); got != quota {
		t.Errorf("admitted = %d, want exactly %d", got, quota)
	}
	final, err := s.UsageCount(ctx, "acct_q", "2026-08-30")
	if err != nil {
		t.Fatal(err)
	}
	if final != quota {
		t.Errorf("final counter = %d, want %d", final, quota)
	}
}
