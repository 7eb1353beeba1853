// Package progress samples a session's shared byte counter on a fixed
// interval and turns it into throughput and ETA figures.
package progress

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tanq16/partdl/internal/utils"
)

// Counter is read under atomic access; *atomic.Int64 satisfies it.
type Counter interface {
	Load() int64
}

type Sample struct {
	Downloaded int64
	Total      int64
	// Resumed bytes were already stored when the session started and are
	// excluded from rate calculations.
	Resumed int64
	Instant float64 // bytes/s over the last interval
	Average float64 // bytes/s since start
	ETA     time.Duration
	HasETA  bool
	Elapsed time.Duration
	Final   bool
}

func (s Sample) Fraction() float64 {
	if s.Total <= 0 {
		return 1
	}
	return float64(s.Downloaded) / float64(s.Total)
}

type Reporter interface {
	Report(s Sample)
}

type ReporterFunc func(s Sample)

func (f ReporterFunc) Report(s Sample) { f(s) }

// Compute derives a sample from two observations of the counter.
func Compute(prev Sample, prevAt time.Time, downloaded, total, resumed int64, start, now time.Time) Sample {
	s := Sample{Downloaded: downloaded, Total: total, Resumed: resumed, Elapsed: now.Sub(start)}
	if dt := now.Sub(prevAt).Seconds(); dt > 0 {
		s.Instant = float64(downloaded-prev.Downloaded) / dt
		if s.Instant < 0 {
			s.Instant = 0
		}
	}
	if elapsed := s.Elapsed.Seconds(); elapsed > 0 {
		s.Average = float64(downloaded-resumed) / elapsed
	}
	if s.Average > 0 {
		remaining := max(total-downloaded, 0)
		s.ETA = time.Duration(float64(remaining) / s.Average * float64(time.Second))
		s.HasETA = true
	}
	return s
}

// Monitor is a periodic task independent of the fetch workers. It ends on
// its own once the counter reaches the total.
type Monitor struct {
	counter  Counter
	total    int64
	resumed  int64
	tick     time.Duration
	reporter Reporter
	now      func() time.Time

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	mu   sync.Mutex
	last Sample
}

func NewMonitor(counter Counter, total, resumed int64, tick time.Duration, reporter Reporter) *Monitor {
	if tick <= 0 {
		tick = utils.DefaultProgressTick
	}
	if reporter == nil {
		reporter = ReporterFunc(func(Sample) {})
	}
	return &Monitor{
		counter:  counter,
		total:    total,
		resumed:  resumed,
		tick:     tick,
		reporter: reporter,
		now:      time.Now,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (m *Monitor) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	start := m.now()
	go m.run(ctx, start)
}

func (m *Monitor) run(ctx context.Context, start time.Time) {
	defer close(m.done)
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	prev := Sample{Downloaded: m.counter.Load()}
	prevAt := start
	emit := func(downloaded int64, final bool) {
		now := m.now()
		s := Compute(prev, prevAt, downloaded, m.total, m.resumed, start, now)
		s.Final = final
		prev, prevAt = s, now
		m.mu.Lock()
		m.last = s
		m.mu.Unlock()
		m.reporter.Report(s)
	}

	if prev.Downloaded >= m.total {
		emit(prev.Downloaded, true)
		return
	}
	for {
		select {
		case <-ctx.Done():
			emit(m.counter.Load(), true)
			return
		case <-m.stopCh:
			emit(m.counter.Load(), true)
			return
		case <-ticker.C:
			downloaded := m.counter.Load()
			finished := downloaded >= m.total
			emit(downloaded, finished)
			if finished {
				return
			}
		}
	}
}

// Stop ends sampling, waits for the final report and returns it.
func (m *Monitor) Stop() Sample {
	m.stopOnce.Do(func() { close(m.stopCh) })
	if !m.started.Load() {
		return m.Last()
	}
	<-m.done
	return m.Last()
}

// Done is closed once the monitor has emitted its last sample.
func (m *Monitor) Done() <-chan struct{} { return m.done }

func (m *Monitor) Last() Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
