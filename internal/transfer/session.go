// Package transfer runs one download session end to end: resolve, plan,
// resume scan, concurrent fetch with progress sampling, and merge.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/partdl/internal/fetcher"
	"github.com/tanq16/partdl/internal/merger"
	"github.com/tanq16/partdl/internal/partstore"
	"github.com/tanq16/partdl/internal/progress"
	"github.com/tanq16/partdl/internal/scheduler"
	"github.com/tanq16/partdl/internal/segments"
	"github.com/tanq16/partdl/internal/utils"
)

// Session exclusively owns its segments and part namespace while it runs.
type Session struct {
	ID        string
	Job       *utils.PartdlJob
	Object    utils.RemoteObject
	Segments  []*segments.Segment
	Counter   atomic.Int64
	StartTime time.Time
	Resumed   int64

	source    utils.Source
	store     partstore.Store
	ledger    *partstore.Ledger
	namespace string
	reporter  progress.Reporter
}

type Result struct {
	SessionID string
	Object    utils.RemoteObject
	Artifact  merger.Artifact
	Segments  int
	Resumed   int64
	Elapsed   time.Duration
	// Skipped is set when the output already exists with the same size.
	Skipped bool
}

func NewSession(job *utils.PartdlJob, source utils.Source, reporter progress.Reporter) *Session {
	return &Session{
		ID:       uuid.New().String(),
		Job:      job,
		source:   source,
		reporter: reporter,
	}
}

// Run is a convenience wrapper over NewSession and Session.Run.
func Run(ctx context.Context, job *utils.PartdlJob, source utils.Source, reporter progress.Reporter) (Result, error) {
	return NewSession(job, source, reporter).Run(ctx)
}

func (s *Session) Run(ctx context.Context) (Result, error) {
	s.StartTime = time.Now()
	logger := log.With().Str("op", "transfer/session").Str("session", s.ID[:8]).Logger()

	obj, err := s.source.Resolve(ctx)
	if err != nil {
		var me *utils.MetadataError
		if !errors.As(err, &me) {
			err = &utils.MetadataError{ID: s.Job.URL, Err: err}
		}
		return Result{SessionID: s.ID}, err
	}
	s.Object = obj

	outputPath, skip, release, err := claimOutput(s.Job.OutputPath, obj, s.Job.URL, s.Job.Transfer.Force)
	if err != nil {
		return Result{SessionID: s.ID, Object: obj}, err
	}
	defer release()
	s.Job.OutputPath = outputPath
	if skip {
		logger.Warn().Msgf("%s already exists with the expected size, skipping", outputPath)
		return Result{SessionID: s.ID, Object: obj, Artifact: merger.Artifact{Path: outputPath, Size: obj.TotalSize}, Skipped: true}, nil
	}

	segSize := s.Job.SegmentSize
	if segSize == 0 {
		segSize = utils.DefaultSegmentSize
	}
	if obj.AcceptsRanges {
		s.Segments, err = segments.Plan(obj.TotalSize, segSize)
	} else {
		logger.Warn().Msg("server does not support range requests, using a single connection")
		s.Segments, err = segments.Single(obj.TotalSize)
		segSize = max(obj.TotalSize, 1)
	}
	if err != nil {
		return Result{SessionID: s.ID, Object: obj}, err
	}
	logger.Info().Msgf("%s: %d bytes in %d segments", outputPath, obj.TotalSize, len(s.Segments))

	defer s.close()
	if err := s.openStore(ctx, segSize); err != nil {
		return Result{SessionID: s.ID, Object: obj}, err
	}

	s.Resumed, err = partstore.Scan(ctx, s.store, s.Segments)
	if err != nil {
		return Result{SessionID: s.ID, Object: obj}, err
	}
	s.Counter.Store(s.Resumed)

	if err := s.fetchAll(ctx); err != nil {
		counts := segments.Counts(s.Segments)
		logger.Error().Msgf("session stopped with %d of %d segments done; parts kept in %s for resume",
			counts[segments.Done], len(s.Segments), s.store)
		return Result{SessionID: s.ID, Object: obj, Segments: len(s.Segments), Resumed: s.Resumed}, err
	}

	artifact, err := merger.Merge(ctx, s.store, s.Segments, outputPath, merger.Options{KeepParts: s.Job.Transfer.KeepParts})
	if err != nil {
		return Result{SessionID: s.ID, Object: obj, Segments: len(s.Segments), Resumed: s.Resumed}, err
	}
	if s.ledger != nil && !s.Job.Transfer.KeepParts {
		if err := s.ledger.Forget(ctx, s.namespace); err != nil {
			logger.Warn().Msgf("could not clear ledger entry: %v", err)
		}
	}
	return Result{
		SessionID: s.ID,
		Object:    obj,
		Artifact:  artifact,
		Segments:  len(s.Segments),
		Resumed:   s.Resumed,
		Elapsed:   time.Since(s.StartTime),
	}, nil
}

func (s *Session) fetchAll(ctx context.Context) error {
	cfg := s.Job.Transfer
	opts := fetcher.Options{
		StallTimeout: cfg.RequestTimeout,
		BufferSize:   utils.DefaultBufferSize,
		Limiter:      fetcher.NewLimiter(cfg.RateLimit, utils.DefaultBufferSize),
		Whole:        !s.Object.AcceptsRanges,
	}
	if s.ledger != nil {
		opts.OnDone = func(seg *segments.Segment) {
			if err := s.ledger.MarkDone(ctx, s.namespace, seg.Index, seg.ExpectedSize); err != nil {
				log.Warn().Str("op", "transfer/session").Msgf("could not record segment %d: %v", seg.Index, err)
			}
		}
	}
	f := fetcher.New(s.source, s.store, &s.Counter, opts)

	monitor := progress.NewMonitor(&s.Counter, s.Object.TotalSize, s.Resumed, cfg.ProgressTick, s.reporter)
	monitor.Start(ctx)
	defer monitor.Stop()

	return scheduler.Run(ctx, s.Segments, f, scheduler.Config{
		Workers:      s.Job.Connections,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
	})
}

// openStore picks the part backend and validates prior parts against the
// ledger before they can be reused.
func (s *Session) openStore(ctx context.Context, segSize int64) error {
	cfg := s.Job.Transfer
	s.namespace = partNamespace(s.Job.OutputPath)

	var err error
	s.store, err = openPartStore(ctx, cfg, s.Job.OutputPath, s.Object.TotalSize)
	if err != nil {
		return err
	}

	if cfg.LedgerPath == "" {
		return nil
	}
	s.ledger, err = partstore.OpenLedger(cfg.LedgerPath)
	if err != nil {
		return err
	}
	stale, err := s.ledger.Begin(ctx, s.namespace, s.Object, segSize, cfg.Force)
	if err != nil {
		return err
	}
	if stale {
		if err := s.store.Cleanup(ctx); err != nil {
			return fmt.Errorf("error discarding stale parts: %w", err)
		}
	}
	return nil
}

// partNamespace identifies the parts and ledger rows of one output file.
func partNamespace(outputPath string) string {
	abs, err := filepath.Abs(outputPath)
	if err != nil {
		return outputPath
	}
	return abs
}

// blobPrefix keeps the readable file name but qualifies it with the full
// namespace, so outputs sharing a name in different directories never share
// parts in a bucket.
func blobPrefix(namespace string) string {
	sum := sha256.Sum256([]byte(namespace))
	return filepath.Base(namespace) + "-" + hex.EncodeToString(sum[:6])
}

// openPartStore keeps small objects in memory, uses a bucket when a store
// URL is configured and falls back to the temp directory next to the output.
func openPartStore(ctx context.Context, cfg utils.TransferConfig, outputPath string, totalSize int64) (partstore.Store, error) {
	switch {
	case cfg.MemoryThreshold > 0 && totalSize <= cfg.MemoryThreshold:
		return partstore.NewMemoryStore(), nil
	case cfg.StoreURL != "":
		store, err := partstore.OpenBlobStore(ctx, cfg.StoreURL, blobPrefix(partNamespace(outputPath)))
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		store, err := partstore.NewDiskStore(outputPath)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

func (s *Session) close() {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Warn().Str("op", "transfer/session").Msgf("error closing part store: %v", err)
		}
	}
	if s.ledger != nil {
		s.ledger.Close()
	}
}

// outputs holds the output paths of sessions running in this process.
var outputs = struct {
	sync.Mutex
	paths map[string]bool
}{paths: make(map[string]bool)}

// claimOutput resolves the output path and reserves it until release is
// called. A path held by another running session is renamed around, so two
// sessions never write the same parts.
func claimOutput(outputPath string, obj utils.RemoteObject, link string, force bool) (string, bool, func(), error) {
	outputs.Lock()
	defer outputs.Unlock()
	path, skip, err := ResolveOutputPath(outputPath, obj, link, force)
	if err != nil || skip {
		return path, skip, func() {}, err
	}
	taken := func(p string) bool { return outputs.paths[partNamespace(p)] }
	if taken(path) {
		renamed := utils.RenewOutputPathExcept(path, taken)
		log.Warn().Str("op", "transfer/session").Msgf("%s is in use by another download, writing %s", path, renamed)
		path = renamed
	}
	key := partNamespace(path)
	outputs.paths[key] = true
	return path, false, func() {
		outputs.Lock()
		delete(outputs.paths, key)
		outputs.Unlock()
	}, nil
}

// ResolveOutputPath fills in a missing output name from the object and
// renames around an existing file. skip reports an existing file that
// already has the object's size.
func ResolveOutputPath(outputPath string, obj utils.RemoteObject, link string, force bool) (string, bool, error) {
	name := obj.Name
	if name == "" {
		name = utils.NameFromURL(link)
	}
	if outputPath == "" {
		outputPath = name
	}
	info, err := os.Stat(outputPath)
	if os.IsNotExist(err) {
		return outputPath, false, nil
	}
	if err != nil {
		return "", false, err
	}
	if info.IsDir() {
		return ResolveOutputPath(filepath.Join(outputPath, name), obj, link, force)
	}
	if info.Size() == obj.TotalSize && !force {
		return outputPath, true, nil
	}
	return utils.RenewOutputPath(outputPath), false, nil
}
