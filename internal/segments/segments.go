// Package segments splits a remote object into contiguous byte ranges and
// tracks the lifecycle of each range.
package segments

import (
	"fmt"
	"sync/atomic"

	"github.com/tanq16/partdl/internal/utils"
)

type State int32

const (
	Pending State = iota
	InFlight
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case InFlight:
		return "in-flight"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Segment is one unit of work covering [Start, End] inclusive.
// Downloaded, Attempts and LastError belong to the worker holding the
// segment; State may be read from any goroutine.
type Segment struct {
	Index        int
	Start        int64
	End          int64
	ExpectedSize int64

	Downloaded int64
	Attempts   int
	LastError  error

	state atomic.Int32
}

func (s *Segment) State() State {
	return State(s.state.Load())
}

// Transition moves the segment along Pending -> InFlight -> {Done, Failed}
// and Failed -> InFlight. Done is terminal.
func (s *Segment) Transition(to State) error {
	for {
		from := s.State()
		if !validTransition(from, to) {
			return fmt.Errorf("segment %d: invalid transition %s -> %s", s.Index, from, to)
		}
		if s.state.CompareAndSwap(int32(from), int32(to)) {
			return nil
		}
	}
}

// MarkDone is used by the resume scan, which skips the fetch entirely.
func (s *Segment) MarkDone() error {
	if s.State() != Pending {
		return fmt.Errorf("segment %d: resume requires pending state, got %s", s.Index, s.State())
	}
	s.state.Store(int32(Done))
	s.Downloaded = s.ExpectedSize
	return nil
}

func validTransition(from, to State) bool {
	switch from {
	case Pending:
		return to == InFlight
	case InFlight:
		return to == Done || to == Failed
	case Failed:
		return to == InFlight
	default:
		return false
	}
}

// Plan partitions [0, totalSize) into ceil(totalSize/segmentSize) segments,
// the last one truncated to the remainder.
func Plan(totalSize, segmentSize int64) ([]*Segment, error) {
	if totalSize < 0 {
		return nil, &utils.PlanningError{TotalSize: totalSize, SegmentSize: segmentSize, Reason: "negative total size"}
	}
	if segmentSize <= 0 {
		return nil, &utils.PlanningError{TotalSize: totalSize, SegmentSize: segmentSize, Reason: "segment size must be positive"}
	}
	count := Count(totalSize, segmentSize)
	segs := make([]*Segment, 0, count)
	for i := int64(0); i < count; i++ {
		start := i * segmentSize
		end := min(start+segmentSize, totalSize) - 1
		segs = append(segs, &Segment{
			Index:        int(i),
			Start:        start,
			End:          end,
			ExpectedSize: end - start + 1,
		})
	}
	return segs, nil
}

// Single plans one whole-object segment, used when ranges are unsupported.
func Single(totalSize int64) ([]*Segment, error) {
	if totalSize == 0 {
		return Plan(0, 1)
	}
	return Plan(totalSize, totalSize)
}

func Count(totalSize, segmentSize int64) int64 {
	if totalSize <= 0 || segmentSize <= 0 {
		return 0
	}
	return (totalSize + segmentSize - 1) / segmentSize
}

// EffectiveWorkers clamps the desired pool size to [1, segment count].
func EffectiveWorkers(count, desired int) int {
	if desired < 1 {
		desired = 1
	}
	if count > 0 && desired > count {
		return count
	}
	return desired
}

func TotalExpected(segs []*Segment) int64 {
	var total int64
	for _, s := range segs {
		total += s.ExpectedSize
	}
	return total
}

// Counts tallies segments per state.
func Counts(segs []*Segment) map[State]int {
	counts := make(map[State]int, 4)
	for _, s := range segs {
		counts[s.State()]++
	}
	return counts
}

func AllDone(segs []*Segment) bool {
	for _, s := range segs {
		if s.State() != Done {
			return false
		}
	}
	return true
}
