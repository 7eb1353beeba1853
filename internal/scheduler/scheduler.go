// Package scheduler drives a bounded pool of workers over the pending
// segments of a session.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/partdl/internal/segments"
	"github.com/tanq16/partdl/internal/utils"
	"golang.org/x/sync/errgroup"
)

// Fetcher performs a single attempt for one segment.
type Fetcher interface {
	Fetch(ctx context.Context, seg *segments.Segment) error
}

type Config struct {
	Workers int
	// MaxRetries bounds the attempts made for one segment.
	MaxRetries   int
	RetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = utils.DefaultMaxRetries
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	return c
}

// Run fetches every segment that is not yet Done with at most
// min(Workers, pending) concurrent workers. When a segment runs out of
// attempts no further segments are dispatched; segments already in flight
// finish normally so their parts stay usable for a later resume.
func Run(ctx context.Context, segs []*segments.Segment, fetcher Fetcher, cfg Config) error {
	cfg = cfg.withDefaults()
	pending := make([]*segments.Segment, 0, len(segs))
	for _, seg := range segs {
		if seg.State() != segments.Done {
			pending = append(pending, seg)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	workers := segments.EffectiveWorkers(len(pending), cfg.Workers)
	log.Debug().Str("op", "scheduler").Msgf("dispatching %d segments over %d workers", len(pending), workers)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var mu sync.Mutex
	var failures []utils.SegmentFailure

	for _, seg := range pending {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			err := runSegment(ctx, seg, fetcher, cfg)
			if err == nil || ctx.Err() != nil {
				return err
			}
			mu.Lock()
			failures = append(failures, utils.SegmentFailure{Index: seg.Index, Attempts: seg.Attempts, Err: err})
			mu.Unlock()
			return err
		})
	}
	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if len(failures) > 0 {
		sort.Slice(failures, func(i, j int) bool { return failures[i].Index < failures[j].Index })
		return &utils.SessionError{Failures: failures}
	}
	return err
}

func runSegment(ctx context.Context, seg *segments.Segment, fetcher Fetcher, cfg Config) error {
	var err error
	for attempt := range cfg.MaxRetries {
		if attempt > 0 {
			backoff := time.Duration(attempt+1) * cfg.RetryBackoff
			log.Warn().Str("op", "scheduler").Msgf("segment %d attempt %d failed: %v (retrying in %s)", seg.Index, attempt, err, backoff)
			if serr := sleep(ctx, backoff); serr != nil {
				return serr
			}
		}
		err = fetcher.Fetch(ctx, seg)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !utils.IsRetryable(err) {
			break
		}
	}
	log.Error().Str("op", "scheduler").Msgf("segment %d failed after %d attempts: %v", seg.Index, seg.Attempts, err)
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsSessionError reports whether err came from a segment exhausting its
// attempts rather than from cancellation.
func IsSessionError(err error) bool {
	var se *utils.SessionError
	return errors.As(err, &se)
}
