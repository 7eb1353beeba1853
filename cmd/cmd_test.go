package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/tanq16/partdl/internal/config"
	"github.com/tanq16/partdl/internal/partstore"
	"github.com/tanq16/partdl/internal/utils"
	"gopkg.in/yaml.v3"
)

func TestNormalizeJobType(t *testing.T) {
	tests := map[string]string{
		"http":         "http",
		"HTTPS":        "http",
		" s3 ":         "s3",
		"gdrive":       "google-drive",
		"drive":        "google-drive",
		"google-drive": "google-drive",
		"youtube":      "",
		"":             "",
	}
	for in, want := range tests {
		if got := normalizeJobType(in); got != want {
			t.Errorf("normalizeJobType(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildJobsFromBatch(t *testing.T) {
	raw := `
http:
  - link: https://example.com/a.iso
    op: out/a.iso
  - link: ""
s3:
  - link: s3://bucket/key.tar
    profile: backup
gdrive:
  - link: https://drive.google.com/file/d/abc/view
    api-key: AIzaTest
ftp:
  - link: ftp://example.com/x
`
	var bf BatchFile
	if err := yaml.Unmarshal([]byte(raw), &bf); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load("", nil)
	if err != nil {
		t.Fatal(err)
	}
	jobs := buildJobsFromBatch(cfg, bf)
	if len(jobs) != 3 {
		t.Fatalf("got %d jobs, want 3", len(jobs))
	}
	byType := make(map[string]utils.PartdlJob)
	for _, job := range jobs {
		byType[job.JobType] = job
	}
	if job := byType["http"]; job.OutputPath != "out/a.iso" || job.Connections != cfg.Connections {
		t.Errorf("http job = %+v", job)
	}
	if job := byType["s3"]; job.Metadata["profile"] != "backup" {
		t.Errorf("s3 metadata = %v", job.Metadata)
	}
	if job := byType["google-drive"]; job.Metadata["apiKey"] != "AIzaTest" {
		t.Errorf("drive metadata = %v", job.Metadata)
	}
}

func TestJobTypeFor(t *testing.T) {
	tests := map[string]string{
		"https://example.com/file.zip":             "http",
		"s3://bucket/key":                          "s3",
		"https://drive.google.com/file/d/abc/view": "google-drive",
	}
	for link, want := range tests {
		if got := jobTypeFor(link); got != want {
			t.Errorf("jobTypeFor(%q) = %q, want %q", link, got, want)
		}
	}
}

func TestCleanTarget(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	target := filepath.Join(dir, "file.bin")
	partsDir := utils.PartsDir(target)
	if err := os.MkdirAll(partsDir, 0755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(partsDir, utils.PartPrefix(target)+"0"), []byte("x"), 0644)

	ledgerPath := filepath.Join(dir, "ledger.db")
	ledger, err := partstore.OpenLedger(ledgerPath)
	if err != nil {
		t.Fatal(err)
	}
	obj := utils.RemoteObject{ID: "u", TotalSize: 10}
	if _, err := ledger.Begin(ctx, target, obj, 10, false); err != nil {
		t.Fatal(err)
	}
	ledger.MarkDone(ctx, target, 0, 10)
	ledger.Close()

	if err := cleanTarget(ctx, target, ledgerPath); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(partsDir); !os.IsNotExist(err) {
		t.Error("parts directory still present")
	}
	ledger, err = partstore.OpenLedger(ledgerPath)
	if err != nil {
		t.Fatal(err)
	}
	defer ledger.Close()
	done, err := ledger.Completed(ctx, target)
	if err != nil {
		t.Fatal(err)
	}
	if len(done) != 0 {
		t.Errorf("ledger still holds %d segments", len(done))
	}
}
