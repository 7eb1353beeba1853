package transfer

import (
	"context"
	"errors"
	"os"

	"github.com/tanq16/partdl/internal/partstore"
	"github.com/tanq16/partdl/internal/segments"
	"github.com/tanq16/partdl/internal/utils"
)

// Inspection describes what a session for a job would do right now.
type Inspection struct {
	Object     utils.RemoteObject
	OutputPath string
	Segments   []*segments.Segment
	// Stored is the byte total of parts that are already complete.
	Stored int64
	// Recorded is the number of segments the ledger lists as complete.
	Recorded int
}

// Inspect resolves and plans a job and scans existing parts without
// fetching or modifying anything.
func Inspect(ctx context.Context, job *utils.PartdlJob, source utils.Source) (Inspection, error) {
	obj, err := source.Resolve(ctx)
	if err != nil {
		var me *utils.MetadataError
		if !errors.As(err, &me) {
			err = &utils.MetadataError{ID: job.URL, Err: err}
		}
		return Inspection{}, err
	}
	out := Inspection{Object: obj, OutputPath: job.OutputPath}
	if out.OutputPath == "" {
		out.OutputPath = obj.Name
		if out.OutputPath == "" {
			out.OutputPath = utils.NameFromURL(job.URL)
		}
	}

	segSize := job.SegmentSize
	if segSize == 0 {
		segSize = utils.DefaultSegmentSize
	}
	if obj.AcceptsRanges {
		out.Segments, err = segments.Plan(obj.TotalSize, segSize)
	} else {
		out.Segments, err = segments.Single(obj.TotalSize)
	}
	if err != nil {
		return out, err
	}

	store, err := openPartStore(ctx, job.Transfer, out.OutputPath, obj.TotalSize)
	if err != nil {
		return out, err
	}
	defer store.Close()
	if out.Stored, err = partstore.Scan(ctx, store, out.Segments); err != nil {
		return out, err
	}

	if _, statErr := os.Stat(job.Transfer.LedgerPath); job.Transfer.LedgerPath != "" && statErr == nil {
		ledger, err := partstore.OpenLedger(job.Transfer.LedgerPath)
		if err != nil {
			return out, err
		}
		defer ledger.Close()
		done, err := ledger.Completed(ctx, partNamespace(out.OutputPath))
		if err != nil {
			return out, err
		}
		out.Recorded = len(done)
	}
	return out, nil
}
