package transfer

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	gdrive "github.com/tanq16/partdl/internal/downloaders/google-drive"
	partdlhttp "github.com/tanq16/partdl/internal/downloaders/http"
	s3dl "github.com/tanq16/partdl/internal/downloaders/s3"
	"github.com/tanq16/partdl/internal/output"
	"github.com/tanq16/partdl/internal/relay"
	"github.com/tanq16/partdl/internal/utils"
)

// Registry maps job types to their downloaders.
var Registry = map[string]utils.Downloader{
	"http":         &partdlhttp.HTTPDownloader{},
	"google-drive": &gdrive.GDriveDownloader{},
	"s3":           &s3dl.S3Downloader{},
}

type BatchOptions struct {
	Workers int
	// Manager is owned by the caller when set; otherwise RunJobs creates,
	// starts and stops its own display.
	Manager *output.Manager
	Relay   relay.Relay
	// Downloaders overrides Registry.
	Downloaders map[string]utils.Downloader
}

type JobResult struct {
	Job     utils.PartdlJob
	Result  Result
	Relayed string
	Err     error
}

// RunJobs runs every job as its own session, at most Workers at a time.
// The returned error summarises failures; per-job detail is in the results.
func RunJobs(ctx context.Context, jobs []utils.PartdlJob, opts BatchOptions) ([]JobResult, error) {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Downloaders == nil {
		opts.Downloaders = Registry
	}
	mgr := opts.Manager
	if mgr == nil {
		mgr = output.NewManager()
		mgr.StartDisplay()
		defer mgr.StopDisplay()
	}

	results := make([]JobResult, len(jobs))
	jobCh := make(chan int, len(jobs))
	for i := range jobs {
		jobCh <- i
	}
	close(jobCh)

	var wg sync.WaitGroup
	for range min(opts.Workers, max(len(jobs), 1)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobCh {
				results[i] = processJob(ctx, jobs[i], mgr, opts)
			}
		}()
	}
	wg.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		return results, fmt.Errorf("%d of %d downloads failed", failed, len(jobs))
	}
	return results, nil
}

func processJob(ctx context.Context, job utils.PartdlJob, mgr *output.Manager, opts BatchOptions) JobResult {
	label := job.URL
	if job.OutputPath != "" {
		label = job.OutputPath
	}
	id := mgr.Register(label)
	fail := func(err error) JobResult {
		log.Error().Str("op", "transfer/batch").Msgf("%s: %v", job.URL, err)
		mgr.ReportError(id, err)
		return JobResult{Job: job, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	downloader, ok := opts.Downloaders[job.JobType]
	if !ok {
		return fail(fmt.Errorf("unknown job type: %s", job.JobType))
	}
	if job.Metadata == nil {
		job.Metadata = make(map[string]any)
	}
	job.PauseFunc = mgr.Pause
	job.ResumeFunc = mgr.Resume

	mgr.SetMessage(id, fmt.Sprintf("Validating %s job", job.JobType))
	if err := downloader.ValidateJob(&job); err != nil {
		return fail(fmt.Errorf("validation failed: %w", err))
	}
	mgr.SetMessage(id, fmt.Sprintf("Building %s job", job.JobType))
	source, err := downloader.BuildJob(ctx, &job)
	if err != nil {
		return fail(fmt.Errorf("build failed: %w", err))
	}

	mgr.SetMessage(id, fmt.Sprintf("Downloading %s", label))
	res, err := Run(ctx, &job, source, mgr.Reporter(id))
	if err != nil {
		return fail(err)
	}
	out := JobResult{Job: job, Result: res}
	if res.Skipped {
		mgr.Complete(id, fmt.Sprintf("Already have %s", res.Artifact.Path))
		return out
	}

	if opts.Relay != nil {
		mgr.SetMessage(id, fmt.Sprintf("Relaying %s", res.Artifact.Path))
		out.Relayed, err = opts.Relay.Ship(ctx, res.Artifact, filepath.Base(res.Artifact.Path))
		if err != nil {
			out.Err = fmt.Errorf("relay failed: %w", err)
			mgr.ReportError(id, out.Err)
			return out
		}
	}
	msg := fmt.Sprintf("Completed %s (%s in %s)", res.Artifact.Path, output.FormatBytes(res.Artifact.Size), res.Elapsed.Round(time.Millisecond))
	if res.Resumed > 0 {
		msg += fmt.Sprintf(", %s reused", output.FormatBytes(res.Resumed))
	}
	mgr.Complete(id, msg)
	return out
}
