// Package fetcher performs one ranged transfer of a segment into the part
// store and keeps the shared byte counter accurate across retries.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/partdl/internal/partstore"
	"github.com/tanq16/partdl/internal/segments"
	"github.com/tanq16/partdl/internal/utils"
	"golang.org/x/time/rate"
)

// Counter is the session-wide downloaded-bytes total. *atomic.Int64
// satisfies it.
type Counter interface {
	Add(delta int64) int64
}

type Options struct {
	// StallTimeout aborts an attempt when no bytes arrive for this long.
	StallTimeout time.Duration
	BufferSize   int
	Limiter      *rate.Limiter
	// Whole fetches the object without a Range header and expects 200.
	Whole  bool
	OnDone func(seg *segments.Segment)
}

type Fetcher struct {
	source  utils.Source
	store   partstore.Store
	counter Counter
	opts    Options
	bufPool sync.Pool
}

func New(source utils.Source, store partstore.Store, counter Counter, opts Options) *Fetcher {
	if opts.BufferSize <= 0 {
		opts.BufferSize = utils.DefaultBufferSize
	}
	f := &Fetcher{source: source, store: store, counter: counter, opts: opts}
	f.bufPool.New = func() any {
		b := make([]byte, f.opts.BufferSize)
		return &b
	}
	return f
}

// NewLimiter returns a byte-rate limiter shared by all fetchers of a
// session, or nil when bytesPerSecond is not positive.
func NewLimiter(bytesPerSecond int64, bufferSize int) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	if bufferSize <= 0 {
		bufferSize = utils.DefaultBufferSize
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), bufferSize)
}

// Fetch runs one attempt for seg. On success the segment is Done and its
// part holds exactly ExpectedSize bytes; on any error it is Failed.
func (f *Fetcher) Fetch(ctx context.Context, seg *segments.Segment) error {
	if err := seg.Transition(segments.InFlight); err != nil {
		return err
	}
	seg.Attempts++
	err := f.fetch(ctx, seg)
	if err == nil {
		err = f.store.Finalize(ctx, seg)
	}
	if err != nil {
		seg.LastError = err
		if terr := seg.Transition(segments.Failed); terr != nil {
			return errors.Join(err, terr)
		}
		return err
	}
	seg.LastError = nil
	if err := seg.Transition(segments.Done); err != nil {
		return err
	}
	if f.opts.OnDone != nil {
		f.opts.OnDone(seg)
	}
	log.Debug().Str("op", "fetcher").Msgf("segment %d done (%d bytes, %d attempts)", seg.Index, seg.ExpectedSize, seg.Attempts)
	return nil
}

func (f *Fetcher) fetch(ctx context.Context, seg *segments.Segment) (err error) {
	// A part that previously overshot or mismatched is rewritten from scratch.
	var sme *utils.SizeMismatchError
	resume := !f.opts.Whole && !errors.As(seg.LastError, &sme)

	w, err := f.store.OpenForWrite(ctx, seg, resume)
	if err != nil {
		return &utils.TransferError{Index: seg.Index, Err: err}
	}
	defer func() {
		if cerr := w.Close(); cerr != nil && err == nil {
			err = &utils.TransferError{Index: seg.Index, Err: fmt.Errorf("error closing part: %w", cerr)}
		}
	}()

	// Bring the shared counter in line with what is actually stored, so a
	// retry never counts the same bytes twice.
	offset := w.Offset()
	f.counter.Add(offset - seg.Downloaded)
	seg.Downloaded = offset

	remaining := seg.ExpectedSize - offset
	if remaining == 0 {
		return nil
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var stall *time.Timer
	if f.opts.StallTimeout > 0 {
		stall = time.AfterFunc(f.opts.StallTimeout, cancel)
		defer stall.Stop()
	}

	want := utils.Range{Start: seg.Start + offset, End: seg.End, Whole: f.opts.Whole}
	resp, err := f.source.OpenRange(attemptCtx, want)
	if err != nil {
		return &utils.TransferError{Index: seg.Index, Err: err}
	}
	defer resp.Body.Close()
	if err := checkResponse(seg.Index, want, resp); err != nil {
		return err
	}

	bufp := f.bufPool.Get().(*[]byte)
	defer f.bufPool.Put(bufp)
	buffer := *bufp
	var received int64
	for received < remaining {
		n := int64(len(buffer))
		if left := remaining - received; left < n {
			n = left
		}
		if f.opts.Limiter != nil {
			if err := f.opts.Limiter.WaitN(attemptCtx, int(n)); err != nil {
				return &utils.TransferError{Index: seg.Index, Err: err}
			}
		}
		read, readErr := resp.Body.Read(buffer[:n])
		if read > 0 {
			if stall != nil {
				stall.Reset(f.opts.StallTimeout)
			}
			if _, err := w.Write(buffer[:read]); err != nil {
				return &utils.TransferError{Index: seg.Index, Err: fmt.Errorf("error writing part: %w", err)}
			}
			received += int64(read)
			seg.Downloaded += int64(read)
			f.counter.Add(int64(read))
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() == nil && attemptCtx.Err() != nil {
				readErr = fmt.Errorf("no data for %s: %w", f.opts.StallTimeout, readErr)
			}
			return &utils.TransferError{Index: seg.Index, StatusCode: resp.StatusCode, Err: readErr}
		}
	}
	if received < remaining {
		return &utils.SizeMismatchError{Index: seg.Index, Expected: seg.ExpectedSize, Actual: offset + received}
	}
	// Never store excess bytes; probing one more byte is enough to detect them.
	var probe [1]byte
	if n, _ := io.ReadFull(resp.Body, probe[:]); n > 0 {
		return &utils.SizeMismatchError{Index: seg.Index, Expected: seg.ExpectedSize, Actual: offset + received + int64(n)}
	}
	return nil
}

func checkResponse(index int, want utils.Range, resp *utils.RangeBody) error {
	if want.Whole {
		if resp.StatusCode != http.StatusOK {
			return &utils.TransferError{Index: index, StatusCode: resp.StatusCode, Err: errors.New("unexpected status code")}
		}
		return nil
	}
	if resp.StatusCode == http.StatusOK {
		return &utils.TransferError{Index: index, StatusCode: resp.StatusCode, Err: utils.ErrRangeRequestsNotSupported}
	}
	if resp.StatusCode != http.StatusPartialContent {
		return &utils.TransferError{Index: index, StatusCode: resp.StatusCode, Err: errors.New("expected 206 partial content")}
	}
	if resp.ContentRange == "" {
		return &utils.TransferError{Index: index, StatusCode: resp.StatusCode, Err: errors.New("missing Content-Range header")}
	}
	start, end, err := ParseContentRange(resp.ContentRange)
	if err != nil {
		return &utils.TransferError{Index: index, StatusCode: resp.StatusCode, Err: err}
	}
	if start != want.Start || end != want.End {
		return &utils.TransferError{Index: index, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("content range %d-%d does not match requested %d-%d", start, end, want.Start, want.End)}
	}
	return nil
}

// ParseContentRange reads "bytes start-end/total" (total may be "*").
func ParseContentRange(header string) (int64, int64, error) {
	var start, end int64
	var total string
	if _, err := fmt.Sscanf(header, "bytes %d-%d/%s", &start, &end, &total); err != nil {
		return 0, 0, fmt.Errorf("malformed Content-Range %q", header)
	}
	if end < start {
		return 0, 0, fmt.Errorf("malformed Content-Range %q", header)
	}
	return start, end, nil
}
