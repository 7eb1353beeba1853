package fetcher

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	partdlhttp "github.com/tanq16/partdl/internal/downloaders/http"
	"github.com/tanq16/partdl/internal/partstore"
	"github.com/tanq16/partdl/internal/segments"
	"github.com/tanq16/partdl/internal/testutil"
	"github.com/tanq16/partdl/internal/utils"
)

func readPart(t *testing.T, store partstore.Store, index int) []byte {
	t.Helper()
	r, err := store.OpenForRead(context.Background(), index)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestFetchSegment(t *testing.T) {
	data := testutil.GenerateTestData(10_000)
	srv := testutil.NewRangeServer(t, data)
	store := partstore.NewMemoryStore()
	var counter atomic.Int64
	var done []int
	f := New(partdlhttp.NewSource(srv.URL, http.DefaultClient), store, &counter, Options{
		BufferSize: 333,
		OnDone:     func(seg *segments.Segment) { done = append(done, seg.Index) },
	})

	segs, _ := segments.Plan(10_000, 4096)
	for _, seg := range segs {
		if err := f.Fetch(context.Background(), seg); err != nil {
			t.Fatalf("segment %d: %v", seg.Index, err)
		}
		if seg.State() != segments.Done {
			t.Errorf("segment %d state = %s", seg.Index, seg.State())
		}
		if got := readPart(t, store, seg.Index); !bytes.Equal(got, data[seg.Start:seg.End+1]) {
			t.Errorf("segment %d content mismatch", seg.Index)
		}
	}
	if counter.Load() != 10_000 {
		t.Errorf("counter = %d, want 10000", counter.Load())
	}
	if len(done) != 3 {
		t.Errorf("OnDone called %d times", len(done))
	}
}

func TestFetchRejectsIgnoredRange(t *testing.T) {
	data := testutil.GenerateTestData(2048)
	srv := testutil.NewRangeServer(t, data)
	srv.DisableRanges()
	store := partstore.NewMemoryStore()
	var counter atomic.Int64
	f := New(partdlhttp.NewSource(srv.URL, http.DefaultClient), store, &counter, Options{})

	segs, _ := segments.Plan(2048, 1024)
	err := f.Fetch(context.Background(), segs[1])
	if !errors.Is(err, utils.ErrRangeRequestsNotSupported) {
		t.Fatalf("err = %v, want ErrRangeRequestsNotSupported", err)
	}
	if counter.Load() != 0 {
		t.Errorf("counter = %d after a rejected response", counter.Load())
	}
	if ok, _ := store.Exists(context.Background(), 1); ok && segs[1].State() == segments.Done {
		t.Error("segment completed from a full-body response")
	}
}

func TestFetchRejectsBadResponses(t *testing.T) {
	tests := []struct {
		name     string
		fault    testutil.Fault
		mismatch bool
		status   int
	}{
		{"server error", testutil.Fault{Status: http.StatusInternalServerError}, false, http.StatusInternalServerError},
		{"short body", testutil.Fault{Short: 10}, true, 0},
		{"excess body", testutil.Fault{Extra: 10}, true, 0},
		{"wrong content range", testutil.Fault{BadRange: true}, false, http.StatusPartialContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := testutil.GenerateTestData(2048)
			srv := testutil.NewRangeServer(t, data)
			srv.InjectFault(1024, tt.fault)
			store := partstore.NewMemoryStore()
			var counter atomic.Int64
			f := New(partdlhttp.NewSource(srv.URL, http.DefaultClient), store, &counter, Options{})

			segs, _ := segments.Plan(2048, 1024)
			err := f.Fetch(context.Background(), segs[1])
			if err == nil {
				t.Fatal("expected error")
			}
			if segs[1].State() != segments.Failed {
				t.Errorf("state = %s, want failed", segs[1].State())
			}
			var sme *utils.SizeMismatchError
			var te *utils.TransferError
			if tt.mismatch && !errors.As(err, &sme) {
				t.Errorf("err = %v, want SizeMismatchError", err)
			}
			if !tt.mismatch {
				if !errors.As(err, &te) {
					t.Fatalf("err = %v, want TransferError", err)
				}
				if te.StatusCode != tt.status {
					t.Errorf("status = %d, want %d", te.StatusCode, tt.status)
				}
			}
			if size, err := store.SizeOf(context.Background(), 1); err == nil && size > segs[1].ExpectedSize {
				t.Errorf("stored %d bytes for a %d byte segment", size, segs[1].ExpectedSize)
			}
		})
	}
}

func TestRetryDoesNotDoubleCount(t *testing.T) {
	data := testutil.GenerateTestData(4000)
	srv := testutil.NewRangeServer(t, data)
	srv.InjectFault(0, testutil.Fault{Short: 1500, Times: 1})
	store := partstore.NewMemoryStore()
	var counter atomic.Int64
	f := New(partdlhttp.NewSource(srv.URL, http.DefaultClient), store, &counter, Options{BufferSize: 512})

	segs, _ := segments.Single(4000)
	seg := segs[0]
	if err := f.Fetch(context.Background(), seg); err == nil {
		t.Fatal("first attempt should fail")
	}
	if counter.Load() != 2500 {
		t.Fatalf("counter after failed attempt = %d, want 2500", counter.Load())
	}
	if err := f.Fetch(context.Background(), seg); err != nil {
		t.Fatal(err)
	}
	if counter.Load() != 4000 {
		t.Errorf("counter after retry = %d, want 4000", counter.Load())
	}
	if seg.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", seg.Attempts)
	}
}

func TestDiskResumeRequestsRemainder(t *testing.T) {
	data := testutil.GenerateTestData(3000)
	srv := testutil.NewRangeServer(t, data)
	store, err := partstore.NewDiskStore(filepath.Join(t.TempDir(), "out.bin"))
	if err != nil {
		t.Fatal(err)
	}
	segs, _ := segments.Plan(3000, 3000)
	seg := segs[0]

	w, _ := store.OpenForWrite(context.Background(), seg, false)
	w.Write(data[:1200])
	w.Close()

	// the remainder starts at 1200; a wrong Content-Range there would fail
	var counter atomic.Int64
	f := New(partdlhttp.NewSource(srv.URL, http.DefaultClient), store, &counter, Options{})
	if err := f.Fetch(context.Background(), seg); err != nil {
		t.Fatal(err)
	}
	if got := readPart(t, store, 0); !bytes.Equal(got, data) {
		t.Error("resumed part does not match source")
	}
	if counter.Load() != 3000 {
		t.Errorf("counter = %d, want 3000", counter.Load())
	}
}

func TestConcurrentFetchCounter(t *testing.T) {
	data := testutil.GenerateTestData(64 * 1024)
	srv := testutil.NewRangeServer(t, data)
	store := partstore.NewMemoryStore()
	var counter atomic.Int64
	f := New(partdlhttp.NewSource(srv.URL, http.DefaultClient), store, &counter, Options{BufferSize: 100})

	segs, _ := segments.Plan(int64(len(data)), 1000)
	errs := make(chan error, len(segs))
	for _, seg := range segs {
		go func(s *segments.Segment) { errs <- f.Fetch(context.Background(), s) }(seg)
	}
	for range segs {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}
	if counter.Load() != int64(len(data)) {
		t.Errorf("counter = %d, want %d", counter.Load(), len(data))
	}
}

func TestRateLimiter(t *testing.T) {
	if NewLimiter(0, 0) != nil {
		t.Error("zero rate should disable limiting")
	}
	data := testutil.GenerateTestData(2000)
	srv := testutil.NewRangeServer(t, data)
	var counter atomic.Int64
	f := New(partdlhttp.NewSource(srv.URL, http.DefaultClient), partstore.NewMemoryStore(), &counter, Options{
		BufferSize: 500,
		Limiter:    NewLimiter(4000, 500),
	})
	segs, _ := segments.Single(2000)
	start := time.Now()
	if err := f.Fetch(context.Background(), segs[0]); err != nil {
		t.Fatal(err)
	}
	// 500 burst then 1500 bytes at 4000 B/s
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("limited fetch took %s", elapsed)
	}
}

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		header     string
		start, end int64
		wantErr    bool
	}{
		{"bytes 0-99/100", 0, 99, false},
		{"bytes 5-5/*", 5, 5, false},
		{"bytes 10-5/100", 0, 0, true},
		{"items 0-1/2", 0, 0, true},
		{"", 0, 0, true},
	}
	for _, tt := range tests {
		start, end, err := ParseContentRange(tt.header)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseContentRange(%q) err = %v", tt.header, err)
			continue
		}
		if !tt.wantErr && (start != tt.start || end != tt.end) {
			t.Errorf("ParseContentRange(%q) = %d-%d", tt.header, start, end)
		}
	}
}
