// Package merger concatenates completed parts, in index order, into the
// final artifact.
package merger

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/partdl/internal/partstore"
	"github.com/tanq16/partdl/internal/segments"
	"github.com/tanq16/partdl/internal/utils"
)

// Artifact is the finished download handed to relays.
type Artifact struct {
	Path string
	Size int64
}

func (a Artifact) Open() (io.ReadCloser, error) {
	return os.Open(a.Path)
}

type Options struct {
	// KeepParts skips deleting parts after a successful merge.
	KeepParts bool
}

// Merge writes all parts into dest. The destination only appears once the
// whole object has been written and verified.
func Merge(ctx context.Context, store partstore.Store, segs []*segments.Segment, dest string, opts Options) (Artifact, error) {
	ordered, err := checkReady(segs)
	if err != nil {
		return Artifact{}, err
	}
	if dir := filepath.Dir(dest); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return Artifact{}, &utils.MergeError{Index: -1, Reason: "creating output directory", Err: err}
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".merge-*")
	if err != nil {
		return Artifact{}, &utils.MergeError{Index: -1, Reason: "creating output file", Err: err}
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	written, err := copyParts(ctx, store, ordered, tmp)
	if err != nil {
		return Artifact{}, err
	}
	if err := tmp.Sync(); err != nil {
		return Artifact{}, &utils.MergeError{Index: -1, Reason: "syncing output file", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return Artifact{}, &utils.MergeError{Index: -1, Reason: "closing output file", Err: err}
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return Artifact{}, &utils.MergeError{Index: -1, Reason: "setting permissions", Err: err}
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return Artifact{}, &utils.MergeError{Index: -1, Reason: "renaming output file", Err: err}
	}
	committed = true
	log.Info().Str("op", "merger").Msgf("assembled %s from %d parts (%d bytes)", dest, len(ordered), written)

	if !opts.KeepParts {
		discard(ctx, store, ordered)
	}
	return Artifact{Path: dest, Size: written}, nil
}

// MergeTo streams all parts into w in index order without touching the
// parts afterwards.
func MergeTo(ctx context.Context, store partstore.Store, segs []*segments.Segment, w io.Writer) (int64, error) {
	ordered, err := checkReady(segs)
	if err != nil {
		return 0, err
	}
	return copyParts(ctx, store, ordered, w)
}

func checkReady(segs []*segments.Segment) ([]*segments.Segment, error) {
	ordered := make([]*segments.Segment, len(segs))
	copy(ordered, segs)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })
	for _, seg := range ordered {
		if seg.State() != segments.Done {
			return nil, &utils.MergeError{Index: seg.Index, Reason: fmt.Sprintf("segment is %s", seg.State())}
		}
	}
	return ordered, nil
}

func copyParts(ctx context.Context, store partstore.Store, ordered []*segments.Segment, w io.Writer) (int64, error) {
	var written int64
	for _, seg := range ordered {
		if err := ctx.Err(); err != nil {
			return written, &utils.MergeError{Index: seg.Index, Reason: "cancelled", Err: err}
		}
		r, err := store.OpenForRead(ctx, seg.Index)
		if err != nil {
			return written, &utils.MergeError{Index: seg.Index, Reason: "opening part", Err: err}
		}
		n, err := io.Copy(w, r)
		r.Close()
		written += n
		if err != nil {
			return written, &utils.MergeError{Index: seg.Index, Reason: "copying part", Err: err}
		}
		if n != seg.ExpectedSize {
			return written, &utils.MergeError{Index: seg.Index, Reason: fmt.Sprintf("part holds %d bytes, expected %d", n, seg.ExpectedSize)}
		}
	}
	if want := segments.TotalExpected(ordered); written != want {
		return written, &utils.MergeError{Index: -1, Reason: fmt.Sprintf("wrote %d bytes, expected %d", written, want)}
	}
	return written, nil
}

// discard removes merged parts. Failures are logged and never fail the merge.
func discard(ctx context.Context, store partstore.Store, ordered []*segments.Segment) {
	for _, seg := range ordered {
		if err := store.Remove(ctx, seg.Index); err != nil {
			log.Warn().Str("op", "merger").Msgf("could not remove part %d: %v", seg.Index, err)
		}
	}
	if err := store.Cleanup(ctx); err != nil {
		log.Warn().Str("op", "merger").Msgf("could not clean up %s: %v", store, err)
	}
}
