package session

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

// ProgressReporter renders a terminal progress line for one node's
// acquisition session when run with --verbose: a spinner/bar, channel
// record counts, elapsed time and current state.
type ProgressReporter struct {
	name    string
	tracker *Tracker

	records atomic.Int64

	startTime time.Time
	done      chan struct{}
}

// NewProgressReporter creates a reporter bound to tracker and starts its
// render loop.
func NewProgressReporter(name string, tracker *Tracker) *ProgressReporter {
	p := &ProgressReporter{
		name:      name,
		tracker:   tracker,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
	go p.renderLoop()
	return p
}

// AddRecords registers n additionally merged records, called from the
// merger or drain loop as batches land.
func (p *ProgressReporter) AddRecords(n int64) {
	p.records.Add(n)
}

// Stop halts the render loop and prints the final line.
func (p *ProgressReporter) Stop() {
	close(p.done)
	p.render(true)
}

func (p *ProgressReporter) renderLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.render(false)
		}
	}
}

func (p *ProgressReporter) render(final bool) {
	records := p.records.Load()
	elapsed := time.Since(p.startTime)
	state := p.tracker.State().String()
	progress := p.tracker.Progress()

	barWidth := 30
	var bar string
	if progress > 0 {
		pct := float64(progress) / 100
		if pct > 1.0 {
			pct = 1.0
		}
		filled := int(pct * float64(barWidth))
		if filled > barWidth {
			filled = barWidth
		}
		bar = strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
	} else {
		pos := int(elapsed.Seconds()*2) % barWidth
		bar = strings.Repeat("░", pos) + "█" + strings.Repeat("░", barWidth-pos-1)
	}

	line := fmt.Sprintf("\r[%s] %s  %s  │  %s records  │  %s",
		p.name, bar, state, formatNumber(records), formatDuration(elapsed))

	if len(line) < 100 {
		line += strings.Repeat(" ", 100-len(line))
	}

	if final {
		fmt.Fprintf(os.Stderr, "%s\n", line)
	} else {
		fmt.Fprint(os.Stderr, line)
	}
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func formatNumber(n int64) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var result []byte
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, byte(c))
	}
	return string(result)
}
