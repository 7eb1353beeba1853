package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/partdl/internal/progress"
)

const (
	statusPending = "pending"
	statusActive  = "active"
	statusSuccess = "success"
	statusError   = "error"
)

// Task is one registered download as shown on screen.
type Task struct {
	ID       int
	Label    string
	Status   string
	Message  string
	Progress string
	Start    time.Time
	Updated  time.Time
	Err      error
}

type ErrorReport struct {
	Label string
	Err   error
	Time  time.Time
}

// Manager renders the state of concurrent downloads. In interactive mode it
// redraws in place on a ticker; otherwise it prints one line per finished
// task and leaves progress to the log.
type Manager struct {
	mu          sync.RWMutex
	tasks       []*Task
	errors      []ErrorReport
	out         io.Writer
	interactive bool
	paused      bool
	numLines    int
	tick        time.Duration
	doneCh      chan struct{}
	wg          sync.WaitGroup
	started     bool
}

func NewManager() *Manager {
	return &Manager{
		out:         os.Stdout,
		interactive: IsTerminal(),
		tick:        300 * time.Millisecond,
		doneCh:      make(chan struct{}),
	}
}

// SetOutput switches the manager to plain, non-redrawing output on w.
func (m *Manager) SetOutput(w io.Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.out = w
	m.interactive = false
}

// SetInteractive forces in-place redraws on or off.
func (m *Manager) SetInteractive(on bool) {
	m.mu.Lock()
	m.interactive = on
	m.mu.Unlock()
}

// Pause stops redraws, for example while a prompt owns the terminal.
func (m *Manager) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
}

func (m *Manager) Resume() {
	m.mu.Lock()
	m.paused = false
	m.numLines = 0
	m.mu.Unlock()
}

func (m *Manager) Register(label string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.tasks = append(m.tasks, &Task{
		ID:      len(m.tasks) + 1,
		Label:   label,
		Status:  statusPending,
		Start:   now,
		Updated: now,
	})
	return len(m.tasks)
}

func (m *Manager) task(id int) *Task {
	if id < 1 || id > len(m.tasks) {
		return nil
	}
	return m.tasks[id-1]
}

func (m *Manager) SetMessage(id int, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.task(id); t != nil {
		t.Message = message
		if t.Status == statusPending {
			t.Status = statusActive
		}
		t.Updated = time.Now()
	}
}

// Reporter adapts a task to the session progress monitor.
func (m *Manager) Reporter(id int) progress.Reporter {
	return progress.ReporterFunc(func(s progress.Sample) {
		line := fmt.Sprintf("%s %s %s/%s %s %s %s ETA %s",
			ProgressBar(s.Fraction(), 30), StyleSymbols["bullet"],
			FormatBytes(s.Downloaded), FormatBytes(s.Total), StyleSymbols["bullet"],
			FormatRate(s.Instant), StyleSymbols["bullet"], FormatETA(s.ETA, s.HasETA))
		m.mu.Lock()
		if t := m.task(id); t != nil {
			t.Progress = line
			t.Updated = time.Now()
		}
		m.mu.Unlock()
		if s.Final {
			log.Debug().Str("op", "output/manager").Msgf("task %d transferred %d of %d bytes in %s", id, s.Downloaded, s.Total, s.Elapsed.Round(time.Millisecond))
		}
	})
}

func (m *Manager) Complete(id int, message string) {
	m.mu.Lock()
	t := m.task(id)
	if t == nil {
		m.mu.Unlock()
		return
	}
	if message == "" {
		message = fmt.Sprintf("Completed %s", t.Label)
	}
	t.Message = message
	t.Status = statusSuccess
	t.Progress = ""
	t.Updated = time.Now()
	line := m.renderTask(t)
	plain := !m.interactive
	m.mu.Unlock()
	if plain {
		fmt.Fprintln(m.out, line)
	}
}

func (m *Manager) ReportError(id int, err error) {
	m.mu.Lock()
	t := m.task(id)
	if t == nil {
		m.mu.Unlock()
		return
	}
	t.Status = statusError
	t.Err = err
	t.Message = fmt.Sprintf("Failed %s", t.Label)
	t.Updated = time.Now()
	m.errors = append(m.errors, ErrorReport{Label: t.Label, Err: err, Time: t.Updated})
	line := m.renderTask(t)
	plain := !m.interactive
	m.mu.Unlock()
	if plain {
		fmt.Fprintln(m.out, line)
	}
}

// Counts returns the number of succeeded and failed tasks.
func (m *Manager) Counts() (success, failed int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tasks {
		switch t.Status {
		case statusSuccess:
			success++
		case statusError:
			failed++
		}
	}
	return success, failed
}

func (m *Manager) Errors() []ErrorReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ErrorReport(nil), m.errors...)
}

func statusIndicator(status string) string {
	switch status {
	case statusSuccess:
		return successStyle.Render(StyleSymbols["pass"])
	case statusError:
		return errorStyle.Render(StyleSymbols["fail"])
	case statusPending:
		return pendingStyle.Render(StyleSymbols["pending"])
	default:
		return warningStyle.Render(StyleSymbols["pending"])
	}
}

func (m *Manager) renderTask(t *Task) string {
	end := time.Now()
	if t.Status == statusSuccess || t.Status == statusError {
		end = t.Updated
	}
	elapsed := end.Sub(t.Start).Round(time.Second).String()
	msg := t.Message
	if msg == "" {
		msg = "Waiting..."
	}
	var styled string
	switch t.Status {
	case statusSuccess:
		styled = successStyle.Render(msg)
	case statusError:
		styled = errorStyle.Render(msg)
	default:
		styled = pendingStyle.Render(msg)
	}
	return fmt.Sprintf("  %s %s %s", statusIndicator(t.Status), debugStyle.Render(elapsed), styled)
}

func (m *Manager) redraw() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused || !m.interactive {
		return
	}
	width, height := terminalSize()
	available := height - 3
	if m.numLines > 0 {
		fmt.Fprintf(m.out, "\033[%dA\033[J", m.numLines)
	}

	// finished tasks collapse first when the screen is short
	var running, finished []*Task
	for _, t := range m.tasks {
		if t.Status == statusSuccess || t.Status == statusError {
			finished = append(finished, t)
		} else {
			running = append(running, t)
		}
	}
	lines := make([]string, 0, len(m.tasks)*2)
	for _, t := range finished {
		lines = append(lines, m.renderTask(t))
	}
	if spare := available - 2*len(running); len(lines) > spare {
		hidden := len(lines) - max(spare-1, 0)
		lines = append([]string{infoStyle.Render(fmt.Sprintf("  %d finished downloads hidden", hidden))}, lines[hidden:]...)
	}
	for _, t := range running {
		lines = append(lines, m.renderTask(t))
		if t.Progress != "" {
			lines = append(lines, "      "+streamStyle.Render(truncate(t.Progress, width-8)))
		}
	}
	if len(lines) > available {
		lines = lines[len(lines)-available:]
	}
	for _, l := range lines {
		fmt.Fprintln(m.out, l)
	}
	m.numLines = len(lines)
}

func (m *Manager) StartDisplay() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.redraw()
			case <-m.doneCh:
				m.redraw()
				return
			}
		}
	}()
}

// StopDisplay renders the final state and prints the summary.
func (m *Manager) StopDisplay() {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if started {
		close(m.doneCh)
		m.wg.Wait()
	}
	m.ShowSummary()
}

func (m *Manager) ShowSummary() {
	success, failed := m.Counts()
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := len(m.tasks)
	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, "  "+summaryStyle.Render(fmt.Sprintf("Completed %d of %d", success, total)))
	if failed > 0 {
		fmt.Fprintln(m.out, "  "+errorStyle.Render(fmt.Sprintf("Failed %d of %d", failed, total)))
	}
	if len(m.errors) > 0 {
		fmt.Fprintln(m.out)
		fmt.Fprintln(m.out, "  "+errorStyle.Bold(true).Render("Errors:"))
		for i, e := range m.errors {
			fmt.Fprintf(m.out, "    %s %s %s\n", errorStyle.Render(fmt.Sprintf("%d.", i+1)),
				debugStyle.Render(e.Time.Format("[15:04:05]")), errorStyle.Render(e.Label))
			fmt.Fprintf(m.out, "      %s\n", errorStyle.Render(strings.TrimSpace(e.Err.Error())))
		}
	}
	fmt.Fprintln(m.out)
}
