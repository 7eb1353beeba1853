// Package partstore persists the bytes of each segment under a per-session
// namespace and answers the resume question "is this segment already
// complete?". Disk, in-memory and gocloud blob backends share one contract.
package partstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/partdl/internal/segments"
	"github.com/tanq16/partdl/internal/utils"
)

var (
	ErrPartNotFound = errors.New("part not found")
	ErrPartBusy     = errors.New("part already open for writing")
)

// PartWriter is an exclusive handle on one segment's artifact. Offset is
// the number of bytes already present when the handle was opened.
type PartWriter interface {
	io.Writer
	Offset() int64
	Close() error
}

type Store interface {
	OpenForWrite(ctx context.Context, seg *segments.Segment, resume bool) (PartWriter, error)
	Finalize(ctx context.Context, seg *segments.Segment) error
	SizeOf(ctx context.Context, index int) (int64, error)
	Exists(ctx context.Context, index int) (bool, error)
	OpenForRead(ctx context.Context, index int) (io.ReadCloser, error)
	Remove(ctx context.Context, index int) error
	Cleanup(ctx context.Context) error
	Close() error
	String() string
}

// Scan marks every segment whose stored size equals its expected size as
// Done and returns the number of bytes reused.
func Scan(ctx context.Context, store Store, segs []*segments.Segment) (int64, error) {
	var resumed int64
	for _, seg := range segs {
		if err := ctx.Err(); err != nil {
			return resumed, err
		}
		size, err := store.SizeOf(ctx, seg.Index)
		if errors.Is(err, ErrPartNotFound) {
			continue
		}
		if err != nil {
			return resumed, fmt.Errorf("error checking part %d: %w", seg.Index, err)
		}
		if size != seg.ExpectedSize {
			log.Debug().Str("op", "partstore/scan").Msgf("part %d has %d of %d bytes, will refetch", seg.Index, size, seg.ExpectedSize)
			continue
		}
		if err := seg.MarkDone(); err != nil {
			return resumed, err
		}
		resumed += size
	}
	if resumed > 0 {
		log.Info().Str("op", "partstore/scan").Msgf("resuming with %d bytes already stored in %s", resumed, store)
	}
	return resumed, nil
}

// checkFinal is the shared Finalize body: a part is committed only when its
// stored size equals the expected size exactly.
func checkFinal(ctx context.Context, store Store, seg *segments.Segment) error {
	size, err := store.SizeOf(ctx, seg.Index)
	if errors.Is(err, ErrPartNotFound) {
		return &utils.SizeMismatchError{Index: seg.Index, Expected: seg.ExpectedSize, Actual: 0}
	}
	if err != nil {
		return err
	}
	if size != seg.ExpectedSize {
		return &utils.SizeMismatchError{Index: seg.Index, Expected: seg.ExpectedSize, Actual: size}
	}
	return nil
}

// claims enforces a single writer per segment index.
type claims struct {
	mu   sync.Mutex
	held map[int]struct{}
}

func (c *claims) acquire(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held == nil {
		c.held = make(map[int]struct{})
	}
	if _, ok := c.held[index]; ok {
		return fmt.Errorf("part %d: %w", index, ErrPartBusy)
	}
	c.held[index] = struct{}{}
	return nil
}

func (c *claims) release(index int) {
	c.mu.Lock()
	delete(c.held, index)
	c.mu.Unlock()
}
