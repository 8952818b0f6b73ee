package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestNewJanitorValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewJanitor(nil, &fakeLedgerPurger{}, time.Hour, time.Hour, 10, nil); err == nil {
		t.Error("expected error for nil repository")
	}

	j, err := NewJanitor(&fakeNotificationRepo{}, nil, 0, 0, 0, nil)
	if err != nil {
		t.Fatalf("NewJanitor() error = %v", err)
	}
	if j.interval != defaultPurgeInterval {
		t.Errorf("interval = %v, want %v", j.interval, defaultPurgeInterval)
	}
	if j.retention != defaultRetention {
		t.Errorf("retention = %v, want %v", j.retention, defaultRetention)
	}
	if j.batchSize != defaultPurgeBatchSize {
		t.Errorf("batchSize = %d, want %d", j.batchSize, defaultPurgeBatchSize)
	}
}

func TestJanitorSweepUsesRetentionCutoff(t *testing.T) {
	t.Parallel()

	fixedNow := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	wantCutoff := fixedNow.Add(-72 * time.Hour)

	var mu sync.Mutex
	var notificationCutoff, ledgerCutoff time.Time

	repo := &fakeNotificationRepo{
		purgeTerminalFn: func(_ context.Context, olderThan time.Time, _ int) (int64, error) {
			mu.Lock()
			notificationCutoff = olderThan
			mu.Unlock()
			return 3, nil
		},
	}
	ledger := &fakeLedgerPurger{
		purgeBeforeFn: func(_ context.Context, olderThan time.Time) (int64, error) {
			mu.Lock()
			ledgerCutoff = olderThan
			mu.Unlock()
			return 5, nil
		},
	}

	j, err := NewJanitor(repo, ledger, time.Hour, 72*time.Hour, 100, nil)
	if err != nil {
		t.Fatalf("NewJanitor() error = %v", err)
	}
	j.now = func() time.Time { return fixedNow }

	if err := j.sweep(context.Background()); err != nil {
		t.Fatalf("sweep() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !notificationCutoff.Equal(wantCutoff) {
		t.Errorf("notification cutoff = %v, want %v", notificationCutoff, wantCutoff)
	}
	if !ledgerCutoff.Equal(wantCutoff) {
		t.Errorf("ledger cutoff = %v, want %v", ledgerCutoff, wantCutoff)
	}
}

func TestJanitorSweepKeepsCurrentMonthLedger(t *testing.T) {
	t.Parallel()

	// Retention cutoff lands inside the running month; the ledger purge
	// must stop at the month start so budget totals stay intact.
	fixedNow := time.Date(2026, 5, 31, 12, 0, 0, 0, time.UTC)
	retention := 30 * 24 * time.Hour

	var mu sync.Mutex
	var notificationCutoff, ledgerCutoff time.Time

	repo := &fakeNotificationRepo{
		purgeTerminalFn: func(_ context.Context, olderThan time.Time, _ int) (int64, error) {
			mu.Lock()
			notificationCutoff = olderThan
			mu.Unlock()
			return 0, nil
		},
	}
	ledger := &fakeLedgerPurger{
		purgeBeforeFn: func(_ context.Context, olderThan time.Time) (int64, error) {
			mu.Lock()
			ledgerCutoff = olderThan
			mu.Unlock()
			return 0, nil
		},
	}

	j, err := NewJanitor(repo, ledger, time.Hour, retention, 100, nil)
	if err != nil {
		t.Fatalf("NewJanitor() error = %v", err)
	}
	j.now = func() time.Time { return fixedNow }

	if err := j.sweep(context.Background()); err != nil {
		t.Fatalf("sweep() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if want := fixedNow.Add(-retention); !notificationCutoff.Equal(want) {
		t.Errorf("notification cutoff = %v, want %v", notificationCutoff, want)
	}
	if want := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC); !ledgerCutoff.Equal(want) {
		t.Errorf("ledger cutoff = %v, want month start %v", ledgerCutoff, want)
	}
}

func TestJanitorSweepDrainsFullBatches(t *testing.T) {
	t.Parallel()

	var calls int
	repo := &fakeNotificationRepo{
		purgeTerminalFn: func(_ context.Context, _ time.Time, limit int) (int64, error) {
			calls++
			// Two full batches, then a short one ends the loop.
			if calls < 3 {
				return int64(limit), nil
			}
			return 1, nil
		},
	}

	j, err := NewJanitor(repo, nil, time.Hour, time.Hour, 50, nil)
	if err != nil {
		t.Fatalf("NewJanitor() error = %v", err)
	}

	if err := j.sweep(context.Background()); err != nil {
		t.Fatalf("sweep() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("purge calls = %d, want 3", calls)
	}
}

func TestJanitorSweepPropagatesError(t *testing.T) {
	t.Parallel()

	repoErr := errors.New("deadlock detected")
	repo := &fakeNotificationRepo{
		purgeTerminalFn: func(context.Context, time.Time, int) (int64, error) {
			return 0, repoErr
		},
	}

	j, err := NewJanitor(repo, nil, time.Hour, time.Hour, 50, nil)
	if err != nil {
		t.Fatalf("NewJanitor() error = %v", err)
	}

	if err := j.sweep(context.Background()); !errors.Is(err, repoErr) {
		t.Fatalf("sweep() error = %v, want wrapped repo error", err)
	}
}

func TestJanitorStartStopsOnCancel(t *testing.T) {
	t.Parallel()

	j, err := NewJanitor(&fakeNotificationRepo{}, nil, 10*time.Millisecond, time.Hour, 50, nil)
	if err != nil {
		t.Fatalf("NewJanitor() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Start(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return after cancellation")
	}
}
