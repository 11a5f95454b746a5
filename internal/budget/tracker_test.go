package budget_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"scribe/internal/budget"
	"scribe/internal/services"
)

const mb = int64(1) << 20

func TestAvailableNeverNegative(t *testing.T) {
	tracker := budget.NewTracker(256*mb, nil)
	tracker.Reserve(512 * mb)
	if got := tracker.Available(); got != 0 {
		t.Fatalf("Available = %d, want 0", got)
	}
	if got := tracker.Usage(); got != 512*mb {
		t.Fatalf("Usage = %d, want %d", got, 512*mb)
	}
}

func TestCeilingWithinClamp(t *testing.T) {
	tiny := budget.NewTracker(1, nil)
	if got := tiny.MaxConcurrentUploads(nil); got != budget.MinConcurrentUploads {
		t.Fatalf("ceiling = %d, want floor of %d", got, budget.MinConcurrentUploads)
	}

	huge := budget.NewTracker(1<<50, nil)
	if got := huge.MaxConcurrentUploads([]int64{mb}); got != budget.MaxConcurrentUploads {
		t.Fatalf("ceiling = %d, want cap of %d", got, budget.MaxConcurrentUploads)
	}
}

func TestCeilingMonotonicInUsage(t *testing.T) {
	tracker := budget.NewTracker(4096*mb, nil)
	queued := []int64{50 * mb, 120 * mb}

	prev := tracker.MaxConcurrentUploads(queued)
	for i := 0; i < 16; i++ {
		tracker.Reserve(200 * mb)
		got := tracker.MaxConcurrentUploads(queued)
		if got > prev {
			t.Fatalf("ceiling rose from %d to %d as usage grew", prev, got)
		}
		if got < budget.MinConcurrentUploads || got > budget.MaxConcurrentUploads {
			t.Fatalf("ceiling %d outside clamp", got)
		}
		prev = got
	}
}

func TestLargeQueuedFileReducesConcurrency(t *testing.T) {
	// Three queued jobs of 10MB, 500MB, 10MB under a 1024MB limit: the large
	// job's contribution to the per-slot cost must keep the ceiling at 2.
	tracker := budget.NewTracker(1024*mb, nil)
	queued := []int64{10 * mb, 500 * mb, 10 * mb}

	if got := tracker.MaxConcurrentUploads(queued); got != 2 {
		t.Fatalf("ceiling = %d, want 2", got)
	}

	// Small files alone allow more parallelism under the same limit.
	small := []int64{10 * mb, 12 * mb, 8 * mb}
	if got := tracker.MaxConcurrentUploads(small); got <= 2 {
		t.Fatalf("small-file ceiling = %d, want > 2", got)
	}
}

func TestReleaseRestoresBudget(t *testing.T) {
	tracker := budget.NewTracker(1024*mb, nil)
	estimate := budget.UploadEstimate(100 * mb)

	tracker.Reserve(estimate)
	usageHeld := tracker.Usage()
	tracker.Release(estimate)

	if got := tracker.Usage(); got != usageHeld-estimate {
		t.Fatalf("usage after release = %d, want %d", got, usageHeld-estimate)
	}
	if got := tracker.Usage(); got != 0 {
		t.Fatalf("usage = %d, want 0", got)
	}
}

func TestPreparedBytesCountAgainstBudget(t *testing.T) {
	tracker := budget.NewTracker(1024*mb, nil)
	tracker.AddPrepared(300 * mb)
	tracker.SetCacheBytes(200 * mb)

	if got := tracker.Usage(); got != 500*mb {
		t.Fatalf("usage = %d, want %d", got, 500*mb)
	}
	tracker.ReleasePrepared(300 * mb)
	if got := tracker.Usage(); got != 200*mb {
		t.Fatalf("usage after release = %d, want %d", got, 200*mb)
	}
}

func TestWaitForBudgetTimesOut(t *testing.T) {
	tracker := budget.NewTracker(100*mb, nil)
	tracker.Reserve(100 * mb)

	err := tracker.WaitForBudget(context.Background(), 50*mb, 20*time.Millisecond)
	if !errors.Is(err, services.ErrBudgetTimeout) {
		t.Fatalf("expected ErrBudgetTimeout, got %v", err)
	}
}

func TestWaitForBudgetWakesOnRelease(t *testing.T) {
	tracker := budget.NewTracker(100*mb, nil)
	tracker.Reserve(100 * mb)

	done := make(chan error, 1)
	go func() {
		done <- tracker.WaitForBudget(context.Background(), 50*mb, 5*time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	tracker.Release(60 * mb)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitForBudget: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by release")
	}
}

func TestWaitForBudgetHonorsContext(t *testing.T) {
	tracker := budget.NewTracker(100*mb, nil)
	tracker.Reserve(100 * mb)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := tracker.WaitForBudget(ctx, 50*mb, 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLoweringLimitKeepsExistingReservations(t *testing.T) {
	tracker := budget.NewTracker(2048*mb, nil)
	tracker.Reserve(1500 * mb)

	tracker.SetLimit(512 * mb)

	if got := tracker.Usage(); got != 1500*mb {
		t.Fatalf("usage = %d after lowering limit, want %d", got, 1500*mb)
	}
	if got := tracker.Available(); got != 0 {
		t.Fatalf("available = %d, want 0", got)
	}
}
