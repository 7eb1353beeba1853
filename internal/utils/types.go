package utils

import (
	"context"
	"io"
	"time"
)

// RemoteObject is resolved once per session and never mutated afterwards.
type RemoteObject struct {
	ID            string
	Name          string
	TotalSize     int64
	AcceptsRanges bool
	ETag          string
}

// Range is an inclusive byte span. Whole asks for the entire object without
// a Range header, used when the server cannot serve partial content.
type Range struct {
	Start int64
	End   int64
	Whole bool
}

type RangeBody struct {
	Body          io.ReadCloser
	StatusCode    int
	ContentRange  string
	ContentLength int64
}

// Source is the catalog + authenticated transport for one remote object.
type Source interface {
	Resolve(ctx context.Context) (RemoteObject, error)
	OpenRange(ctx context.Context, r Range) (*RangeBody, error)
}

// Downloader validates a job and builds the Source that serves it.
type Downloader interface {
	ValidateJob(job *PartdlJob) error
	BuildJob(ctx context.Context, job *PartdlJob) (Source, error)
}

type PartdlJob struct {
	ID               string
	JobType          string
	URL              string
	OutputPath       string
	Connections      int
	SegmentSize      int64
	Metadata         map[string]any
	HTTPClientConfig HTTPClientConfig
	Transfer         TransferConfig
	// PauseFunc and ResumeFunc bracket interactive prompts so the progress
	// display does not draw over them.
	PauseFunc  func()
	ResumeFunc func()
}

type TransferConfig struct {
	MaxRetries      int
	RetryBackoff    time.Duration
	RequestTimeout  time.Duration
	RateLimit       int64 // bytes per second, 0 disables
	ProgressTick    time.Duration
	StoreURL        string
	LedgerPath      string
	MemoryThreshold int64
	Force           bool
	KeepParts       bool
}

type DownloadEntry struct {
	OutputPath string `yaml:"op"`
	URL        string `yaml:"link"`
	Type       string `yaml:"type"`
}
