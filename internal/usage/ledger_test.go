package usage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/selahapp/selah-go/internal/store"
)

func newTestLedger(t *testing.T, quota int64) *Ledger {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return NewLedger(st, quota)
}

func TestCheckAndRecordStopsAtQuota(t *testing.T) {
	l := newTestLedger(t, 3)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		d, err := l.CheckAndRecord(ctx, "acct_1", "203.0.113.7")
		if err != nil {
			t.Fatalf("CheckAndRecord %d: %v", i, err)
		}
		if !d.Admitted || d.Count != i {
			t.Fatalf("request %d: decision = %+v", i, d)
		}
	}

	// The quota is spent; further requests are rejected without counting.
	for i := 0; i < 2; i++ {
		d, err := l.CheckAndRecord(ctx, "acct_1", "203.0.113.7")
		if err != nil {
			t.Fatalf("over-quota CheckAndRecord: %v", err)
		}
		if d.Admitted {
			t.Fatal("admitted past quota")
		}
		if d.Count != 3 {
			t.Errorf("rejected request moved the counter: %d", d.Count)
		}
		if d.Remaining() != 0 {
			t.Errorf("Remaining = %d, want 0", d.Remaining())
		}
	}
}

func TestQuotaRollsOverAtUTCMidnight(t *testing.T) {
	l := newTestLedger(t, 2)
	ctx := context.Background()

	day1 := time.Date(2026, 8, 30, 23, 59, 0, 0, time.UTC)
	l.now = func() time.Time { return day1 }
	for i := 0; i < 2; i++ {
		if _, err := l.CheckAndRecord(ctx, "acct_1", ""); err != nil {
			t.Fatalf("CheckAndRecord: %v", err)
		}
	}
	d, err := l.CheckAndRecord(ctx, "acct_1", "")
	if err != nil {
		t.Fatalf("CheckAndRecord: %v", err)
	}
	if d.Admitted {
		t.Fatal("admitted past quota on day 1")
	}

	// Two minutes later it is a new UTC day with a fresh counter.
	l.now = func() time.Time { return day1.Add(2 * time.Minute) }
	d, err = l.CheckAndRecord(ctx, "acct_1", "")
	if err != nil {
		t.Fatalf("CheckAndRecord: %v", err)
	}
	if !d.Admitted || d.Count != 1 {
		t.Fatalf("day-2 decision = %+v, want admitted with count 1", d)
	}

	today, err := l.Count(ctx, "acct_1")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if today.Day != "2026-08-31" || today.Count != 1 {
		t.Errorf("Count = %+v, want day 2026-08-31 with count 1", today)
	}
}

func TestConcurrentCallersNeverOvershootQuota(t *testing.T) {
	const quota = 10
	const callers = 40
	l := newTestLedger(t, quota)
	ctx := context.Background()

	var wg sync.WaitGroup
	admitted := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.CheckAndRecord(ctx, "acct_1", "203.0.113.7")
			if err != nil {
				t.Errorf("CheckAndRecord: %v", err)
				return
			}
			admitted <- d.Admitted
		}()
	}
	wg.Wait()
	close(admitted)

	var got int
	for ok := range admitted {
		if ok {
			got++
		}
	}
	if got != quota {
		t.Fatalf("admitted = %d, want exactly %d", got, quota)
	}
}

func TestCoarseIP(t *testing.T) {
	cases := []struct{ in, want string }{
		{"203.0.113.77", "203.0.113.0/24"},
		{"2001:db8:abcd:12:ffff::1", "2001:db8:abcd:12::/64"},
		{"not-an-ip", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := CoarseIP(tc.in); got != tc.want {
			t.Errorf("CoarseIP(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
