package transfer

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	partdlhttp "github.com/tanq16/partdl/internal/downloaders/http"
	"github.com/tanq16/partdl/internal/segments"
	"github.com/tanq16/partdl/internal/testutil"
	"github.com/tanq16/partdl/internal/utils"
)

func testJob(t *testing.T, url string, segmentSize int64) *utils.PartdlJob {
	t.Helper()
	dir := t.TempDir()
	return &utils.PartdlJob{
		ID:          "test",
		JobType:     "http",
		URL:         url,
		OutputPath:  filepath.Join(dir, "object.bin"),
		Connections: 4,
		SegmentSize: segmentSize,
		Transfer: utils.TransferConfig{
			MaxRetries:     3,
			RetryBackoff:   time.Millisecond,
			RequestTimeout: 5 * time.Second,
			ProgressTick:   10 * time.Millisecond,
			LedgerPath:     filepath.Join(dir, "ledger.db"),
		},
	}
}

func runJob(t *testing.T, job *utils.PartdlJob) (Result, error) {
	t.Helper()
	return Run(context.Background(), job, partdlhttp.NewSource(job.URL, http.DefaultClient), nil)
}

func assertFile(t *testing.T, path string, want []byte) {
	t.Helper()
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("%s: %d bytes, content differs from source (%d bytes)", path, len(got), len(want))
	}
}

func TestSessionDownload(t *testing.T) {
	data := testutil.GenerateTestData(100_000)
	srv := testutil.NewRangeServer(t, data)
	job := testJob(t, srv.URL+"/object.bin", 16*1024)

	res, err := runJob(t, job)
	if err != nil {
		t.Fatal(err)
	}
	assertFile(t, job.OutputPath, data)
	if res.Segments != 7 || res.Artifact.Size != int64(len(data)) {
		t.Errorf("result = %+v", res)
	}
	if srv.Gets() != 7 {
		t.Errorf("GET requests = %d, want 7", srv.Gets())
	}
	if _, err := os.Stat(utils.PartsDir(job.OutputPath)); !os.IsNotExist(err) {
		t.Error("parts directory not cleaned up")
	}
}

func TestSessionScaledScenario(t *testing.T) {
	const kb = 1024
	data := testutil.GenerateTestData(150 * kb)
	srv := testutil.NewRangeServer(t, data)
	job := testJob(t, srv.URL, 64*kb)

	s := NewSession(job, partdlhttp.NewSource(job.URL, http.DefaultClient), nil)
	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []int64{64 * kb, 64 * kb, 22 * kb}
	for i, seg := range s.Segments {
		if seg.ExpectedSize != want[i] {
			t.Errorf("segment %d size = %d, want %d", i, seg.ExpectedSize, want[i])
		}
	}
	if res.Artifact.Size != 150*kb {
		t.Errorf("artifact size = %d", res.Artifact.Size)
	}
	if s.Counter.Load() != 150*kb {
		t.Errorf("counter = %d", s.Counter.Load())
	}
	assertFile(t, job.OutputPath, data)
}

func TestSessionEmptyObject(t *testing.T) {
	srv := testutil.NewRangeServer(t, []byte{})
	job := testJob(t, srv.URL, 1024)
	res, err := runJob(t, job)
	if err != nil {
		t.Fatal(err)
	}
	if res.Segments != 0 || res.Artifact.Size != 0 {
		t.Errorf("result = %+v", res)
	}
	if srv.Gets() != 0 {
		t.Errorf("empty object triggered %d fetches", srv.Gets())
	}
	assertFile(t, job.OutputPath, []byte{})
}

func TestSessionWithoutRangeSupport(t *testing.T) {
	data := testutil.GenerateTestData(50_000)
	srv := testutil.NewRangeServer(t, data)
	srv.DisableRanges()
	job := testJob(t, srv.URL, 1024)
	res, err := runJob(t, job)
	if err != nil {
		t.Fatal(err)
	}
	if res.Segments != 1 || srv.Gets() != 1 {
		t.Errorf("segments = %d, gets = %d, want a single full fetch", res.Segments, srv.Gets())
	}
	assertFile(t, job.OutputPath, data)
}

func TestSessionResumeAfterFailure(t *testing.T) {
	data := testutil.GenerateTestData(40_000)
	srv := testutil.NewRangeServer(t, data)
	srv.InjectFault(20_000, testutil.Fault{Status: http.StatusServiceUnavailable})
	job := testJob(t, srv.URL, 10_000)
	output := job.OutputPath

	_, err := runJob(t, job)
	var se *utils.SessionError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want SessionError", err)
	}
	if len(se.Failures) != 1 || se.Failures[0].Index != 2 || se.Failures[0].Attempts != 3 {
		t.Errorf("failures = %+v", se.Failures)
	}
	if _, err := os.Stat(output); !os.IsNotExist(err) {
		t.Fatal("failed session wrote the output file")
	}

	srv.ClearFaults()
	before := srv.Gets()
	job.OutputPath = output
	s := NewSession(job, partdlhttp.NewSource(job.URL, http.DefaultClient), nil)
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	fetched := srv.Gets() - before
	if fetched < 1 || fetched > 4 {
		t.Errorf("resumed session issued %d fetches", fetched)
	}
	if s.Resumed == 0 {
		t.Error("no bytes were reused from the failed session")
	}
	if s.Counter.Load() != int64(len(data)) {
		t.Errorf("counter = %d", s.Counter.Load())
	}
	assertFile(t, output, data)
}

func TestSessionResumeIsIdempotent(t *testing.T) {
	data := testutil.GenerateTestData(30_000)
	srv := testutil.NewRangeServer(t, data)
	job := testJob(t, srv.URL, 7_000)
	job.Transfer.KeepParts = true
	output := job.OutputPath

	if _, err := runJob(t, job); err != nil {
		t.Fatal(err)
	}
	first, _ := os.ReadFile(output)
	os.Remove(output)

	before := srv.Gets()
	job.OutputPath = output
	s := NewSession(job, partdlhttp.NewSource(job.URL, http.DefaultClient), nil)
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if srv.Gets() != before {
		t.Errorf("resume with complete parts issued %d fetches", srv.Gets()-before)
	}
	if s.Resumed != int64(len(data)) {
		t.Errorf("resumed = %d, want %d", s.Resumed, len(data))
	}
	assertFile(t, output, first)
}

func TestSessionMismatchedSegmentNeverDone(t *testing.T) {
	data := testutil.GenerateTestData(3000)
	srv := testutil.NewRangeServer(t, data)
	srv.InjectFault(1000, testutil.Fault{Short: 1})
	job := testJob(t, srv.URL, 1000)
	job.Connections = 1
	s := NewSession(job, partdlhttp.NewSource(job.URL, http.DefaultClient), nil)
	_, err := s.Run(context.Background())
	var sme *utils.SizeMismatchError
	if !errors.As(err, &sme) {
		t.Fatalf("err = %v, want SizeMismatchError inside the session error", err)
	}
	if s.Segments[1].State() == segments.Done {
		t.Error("short segment reached done")
	}
	if _, err := os.Stat(job.OutputPath); !os.IsNotExist(err) {
		t.Error("output written despite mismatched segment")
	}
}

func TestSessionRefusesChangedSource(t *testing.T) {
	data := testutil.GenerateTestData(20_000)
	srv := testutil.NewRangeServer(t, data)
	srv.InjectFault(10_000, testutil.Fault{Status: http.StatusBadGateway})
	job := testJob(t, srv.URL, 10_000)
	job.Connections = 1
	output := job.OutputPath
	if _, err := runJob(t, job); err == nil {
		t.Fatal("expected first session to fail")
	}

	srv.ClearFaults()
	srv.SetETag(`"v2"`)
	job.OutputPath = output
	if _, err := runJob(t, job); !errors.Is(err, utils.ErrSourceChanged) {
		t.Fatalf("err = %v, want ErrSourceChanged", err)
	}

	job.OutputPath = output
	job.Transfer.Force = true
	before := srv.Gets()
	if _, err := runJob(t, job); err != nil {
		t.Fatal(err)
	}
	if got := srv.Gets() - before; got != 2 {
		t.Errorf("forced session fetched %d segments, want 2", got)
	}
	assertFile(t, output, data)
}

func TestSessionAlternateStores(t *testing.T) {
	data := testutil.GenerateTestData(12_345)
	srv := testutil.NewRangeServer(t, data)
	tests := []struct {
		name string
		cfg  func(*utils.TransferConfig)
	}{
		{"memory", func(c *utils.TransferConfig) { c.MemoryThreshold = 1 << 20 }},
		{"blob", func(c *utils.TransferConfig) { c.StoreURL = "mem://" }},
		{"rate limited", func(c *utils.TransferConfig) { c.RateLimit = 1 << 20 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := testJob(t, srv.URL, 2_000)
			tt.cfg(&job.Transfer)
			if _, err := runJob(t, job); err != nil {
				t.Fatal(err)
			}
			assertFile(t, job.OutputPath, data)
		})
	}
}

func TestSessionMetadataError(t *testing.T) {
	job := testJob(t, "http://127.0.0.1:1/unreachable", 1024)
	_, err := runJob(t, job)
	var me *utils.MetadataError
	if !errors.As(err, &me) {
		t.Fatalf("err = %v, want MetadataError", err)
	}
}

func TestResolveOutputPath(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "have.bin")
	os.WriteFile(existing, []byte("12345"), 0644)
	obj := utils.RemoteObject{Name: "remote.bin", TotalSize: 5}

	tests := []struct {
		name     string
		output   string
		obj      utils.RemoteObject
		force    bool
		want     string
		wantSkip bool
	}{
		{"explicit", filepath.Join(dir, "new.bin"), obj, false, filepath.Join(dir, "new.bin"), false},
		{"same size skips", existing, obj, false, existing, true},
		{"forced renames", existing, obj, true, filepath.Join(dir, "have-(1).bin"), false},
		{"different size renames", existing, utils.RemoteObject{TotalSize: 9}, false, filepath.Join(dir, "have-(1).bin"), false},
		{"directory", dir, obj, false, filepath.Join(dir, "remote.bin"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, skip, err := ResolveOutputPath(tt.output, tt.obj, "http://x/y", tt.force)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want || skip != tt.wantSkip {
				t.Errorf("got %q skip=%v, want %q skip=%v", got, skip, tt.want, tt.wantSkip)
			}
		})
	}
}

func TestSessionBlobPartsIsolatedByDirectory(t *testing.T) {
	bucket := "file://" + t.TempDir()
	dataA := testutil.GenerateTestData(40_000)
	dataB := make([]byte, len(dataA))
	for i := range dataB {
		dataB[i] = dataA[i] ^ 0xff
	}
	srvA := testutil.NewRangeServer(t, dataA)
	srvB := testutil.NewRangeServer(t, dataB)

	jobA := testJob(t, srvA.URL, 10_000)
	jobA.Transfer.StoreURL = bucket
	jobA.Transfer.KeepParts = true
	if _, err := runJob(t, jobA); err != nil {
		t.Fatal(err)
	}

	jobB := testJob(t, srvB.URL, 10_000)
	jobB.Transfer.StoreURL = bucket
	if filepath.Base(jobA.OutputPath) != filepath.Base(jobB.OutputPath) {
		t.Fatal("both outputs need the same file name")
	}
	if _, err := runJob(t, jobB); err != nil {
		t.Fatal(err)
	}
	if srvB.Gets() != 4 {
		t.Errorf("second object fetched %d segments, want 4", srvB.Gets())
	}
	assertFile(t, jobB.OutputPath, dataB)
}

func TestClaimOutputRenamesBusyPath(t *testing.T) {
	dir := t.TempDir()
	want := filepath.Join(dir, "same.bin")
	obj := utils.RemoteObject{Name: "same.bin", TotalSize: 10}

	first, _, releaseFirst, err := claimOutput(want, obj, "http://x/same.bin", false)
	if err != nil || first != want {
		t.Fatalf("first claim = %q, %v", first, err)
	}
	second, _, releaseSecond, err := claimOutput(want, obj, "http://x/same.bin", false)
	if err != nil {
		t.Fatal(err)
	}
	if second != filepath.Join(dir, "same-(1).bin") {
		t.Errorf("second claim = %q, want a renamed path", second)
	}
	third, _, releaseThird, _ := claimOutput(want, obj, "http://x/same.bin", false)
	if third != filepath.Join(dir, "same-(2).bin") {
		t.Errorf("third claim = %q", third)
	}
	releaseThird()
	releaseSecond()
	releaseFirst()

	again, _, release, _ := claimOutput(want, obj, "http://x/same.bin", false)
	defer release()
	if again != want {
		t.Errorf("released path not reusable, got %q", again)
	}
}

func TestBlobPrefix(t *testing.T) {
	a := blobPrefix("/data/a/f.bin")
	b := blobPrefix("/data/b/f.bin")
	if a == b {
		t.Errorf("same prefix %q for different directories", a)
	}
	if !strings.HasPrefix(a, "f.bin-") || a != blobPrefix("/data/a/f.bin") {
		t.Errorf("prefix = %q", a)
	}
}
