package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tanq16/partdl/internal/segments"
	"github.com/tanq16/partdl/internal/utils"
)

// fakeFetcher fails a segment failures[idx] times before succeeding.
type fakeFetcher struct {
	mu       sync.Mutex
	failures map[int]int
	fatal    map[int]bool
	calls    map[int]int
	delay    time.Duration

	active    atomic.Int32
	maxActive atomic.Int32
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{failures: map[int]int{}, fatal: map[int]bool{}, calls: map[int]int{}}
}

func (f *fakeFetcher) Fetch(ctx context.Context, seg *segments.Segment) error {
	if err := seg.Transition(segments.InFlight); err != nil {
		return err
	}
	seg.Attempts++
	n := f.active.Add(1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	defer f.active.Add(-1)
	time.Sleep(f.delay)

	f.mu.Lock()
	f.calls[seg.Index]++
	call := f.calls[seg.Index]
	fail := call <= f.failures[seg.Index]
	fatal := f.fatal[seg.Index]
	f.mu.Unlock()

	if fatal {
		seg.Transition(segments.Failed)
		return errors.New("not retryable")
	}
	if fail {
		seg.Transition(segments.Failed)
		return &utils.TransferError{Index: seg.Index, StatusCode: 503, Err: errors.New("unavailable")}
	}
	seg.Downloaded = seg.ExpectedSize
	return seg.Transition(segments.Done)
}

func (f *fakeFetcher) callCount(idx int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[idx]
}

func TestRunBoundsConcurrency(t *testing.T) {
	segs, _ := segments.Plan(100, 5)
	f := newFakeFetcher()
	f.delay = 10 * time.Millisecond
	if err := Run(context.Background(), segs, f, Config{Workers: 4, MaxRetries: 3}); err != nil {
		t.Fatal(err)
	}
	if !segments.AllDone(segs) {
		t.Error("not all segments done")
	}
	if got := f.maxActive.Load(); got > 4 || got < 1 {
		t.Errorf("max concurrent fetches = %d, want 1..4", got)
	}
}

func TestRunSkipsDoneSegments(t *testing.T) {
	segs, _ := segments.Plan(30, 10)
	segs[0].MarkDone()
	segs[2].MarkDone()
	f := newFakeFetcher()
	if err := Run(context.Background(), segs, f, Config{Workers: 8}); err != nil {
		t.Fatal(err)
	}
	if f.callCount(0) != 0 || f.callCount(2) != 0 {
		t.Error("done segments were fetched again")
	}
	if f.callCount(1) != 1 {
		t.Errorf("segment 1 fetched %d times", f.callCount(1))
	}
}

func TestRunNothingPending(t *testing.T) {
	segs, _ := segments.Plan(0, 10)
	if err := Run(context.Background(), segs, newFakeFetcher(), Config{Workers: 4}); err != nil {
		t.Fatal(err)
	}
}

func TestRunRetriesTransientFailures(t *testing.T) {
	segs, _ := segments.Plan(40, 10)
	f := newFakeFetcher()
	f.failures[1] = 2
	f.failures[3] = 1
	err := Run(context.Background(), segs, f, Config{Workers: 2, MaxRetries: 3, RetryBackoff: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if segs[1].Attempts != 3 || segs[3].Attempts != 2 {
		t.Errorf("attempts = %d, %d", segs[1].Attempts, segs[3].Attempts)
	}
	if !segments.AllDone(segs) {
		t.Error("not all segments done")
	}
}

func TestRunEscalatesExhaustedSegment(t *testing.T) {
	segs, _ := segments.Plan(50, 10)
	f := newFakeFetcher()
	f.failures[0] = 100
	err := Run(context.Background(), segs, f, Config{Workers: 1, MaxRetries: 3, RetryBackoff: time.Millisecond})
	var se *utils.SessionError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want SessionError", err)
	}
	if !IsSessionError(err) {
		t.Error("IsSessionError = false")
	}
	if len(se.Failures) != 1 || se.Failures[0].Index != 0 || se.Failures[0].Attempts != 3 {
		t.Errorf("failures = %+v", se.Failures)
	}
	if segs[0].State() != segments.Failed {
		t.Errorf("segment 0 state = %s", segs[0].State())
	}
	// single worker: nothing after the failed segment is dispatched
	for _, seg := range segs[1:] {
		if seg.State() != segments.Pending {
			t.Errorf("segment %d state = %s, want pending", seg.Index, seg.State())
		}
	}
	var te *utils.TransferError
	if !errors.As(err, &te) {
		t.Error("session error should unwrap to the segment's TransferError")
	}
}

func TestRunKeepsDoneSegmentsOnFailure(t *testing.T) {
	segs, _ := segments.Plan(30, 10)
	f := newFakeFetcher()
	f.failures[2] = 100
	err := Run(context.Background(), segs, f, Config{Workers: 1, MaxRetries: 2})
	if !IsSessionError(err) {
		t.Fatalf("err = %v", err)
	}
	if segs[0].State() != segments.Done || segs[1].State() != segments.Done {
		t.Error("segments completed before the failure should stay done")
	}
}

func TestRunStopsOnFatalError(t *testing.T) {
	segs, _ := segments.Plan(10, 10)
	f := newFakeFetcher()
	f.fatal[0] = true
	err := Run(context.Background(), segs, f, Config{Workers: 1, MaxRetries: 5})
	if !IsSessionError(err) {
		t.Fatalf("err = %v", err)
	}
	if f.callCount(0) != 1 {
		t.Errorf("non-retryable error retried %d times", f.callCount(0))
	}
}

func TestRunCancelled(t *testing.T) {
	segs, _ := segments.Plan(100, 10)
	f := newFakeFetcher()
	f.failures[0] = 100
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := Run(ctx, segs, f, Config{Workers: 1, MaxRetries: 100, RetryBackoff: 50 * time.Millisecond})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
