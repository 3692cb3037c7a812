// Package merge implements the k-way merge of per-channel stream batches
// into a single, globally ordered timestamp sequence (spec.md §4.4).
package merge

import (
	"fmt"
	"log/slog"
	"math/bits"
	"sort"
	"time"

	"github.com/nishisan-dev/tssync/internal/model"
	"github.com/nishisan-dev/tssync/internal/stream"
)

// pollInterval is the quantum the merge loop sleeps between readiness
// checks while acquisition is still in progress (spec.md §4.4 step 1: "a
// small quantum, ≈1s").
const pollInterval = time.Second

// ErrOverflow is returned when adding the sub-acquisition offset to a raw
// timestamp would wrap a 64-bit unsigned integer.
var ErrOverflow = fmt.Errorf("merge: checked addition overflow")

// Source is one channel's batch queue, as produced by a stream.Client.
type Source struct {
	Channel model.ChannelID
	Queue   *stream.BatchQueue
}

// Merger performs the k-way merge across a fixed set of channel sources.
type Merger struct {
	sources []Source
	pper    uint64
	logger  *slog.Logger

	pending map[model.ChannelID]model.StreamBatch
	done    map[model.ChannelID]bool
}

// New creates a Merger over sources, applying the PPER sub-acquisition
// period (picoseconds) as the per-batch offset multiplier.
func New(sources []Source, pper uint64, logger *slog.Logger) *Merger {
	return &Merger{
		sources: sources,
		pper:    pper,
		logger:  logger.With("component", "merger"),
		pending: make(map[model.ChannelID]model.StreamBatch, len(sources)),
		done:    make(map[model.ChannelID]bool, len(sources)),
	}
}

// Run executes the merge loop until expectMore returns false and every
// source has drained, returning the full merged sequence in non-decreasing
// timestamp order with ties broken by ascending channel id. If lines is
// non-nil, it is additionally called with each record as it is produced,
// in merged order.
func (m *Merger) Run(expectMore func() bool, lines func(model.Timestamp) error) ([]model.Timestamp, error) {
	var out []model.Timestamp
	i := 0

	for expectMore() {
		time.Sleep(pollInterval)
		for m.allReady(i) {
			batch, err := m.mergeIndex(i, lines)
			if err != nil {
				return nil, err
			}
			out = append(out, batch...)
			i++
		}
	}

	// Drain: merge whatever remains, treating a done channel as empty.
	for m.anyReady(i) {
		batch, err := m.mergeIndex(i, lines)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		i++
	}

	return out, nil
}

// fetch ensures m.pending[channel] is populated for a not-yet-done source,
// returning false if nothing is available right now.
func (m *Merger) fetch(src Source) bool {
	if m.done[src.Channel] {
		return false
	}
	if _, ok := m.pending[src.Channel]; ok {
		return true
	}
	if src.Queue.ClosedEmpty() {
		m.done[src.Channel] = true
		return false
	}
	batch, ok := src.Queue.TryPop()
	if !ok {
		return false
	}
	m.pending[src.Channel] = batch
	return true
}

// allReady reports whether every non-done source has a pending batch at
// index i.
func (m *Merger) allReady(i int) bool {
	any := false
	for _, src := range m.sources {
		if m.done[src.Channel] {
			continue
		}
		any = true
		if !m.fetch(src) || m.pending[src.Channel].Index != i {
			return false
		}
	}
	return any
}

// anyReady reports whether at least one non-done source has a pending
// batch at index i, used during drain.
func (m *Merger) anyReady(i int) bool {
	ready := false
	for _, src := range m.sources {
		if m.done[src.Channel] {
			continue
		}
		if m.fetch(src) && m.pending[src.Channel].Index == i {
			ready = true
		}
	}
	return ready
}

// mergeIndex merges every source's pending batch at index i (sources
// without one are treated as empty), applying the PPER*i offset, sorting
// the union by timestamp with channel-id tie-break, and clearing the
// consumed slots.
func (m *Merger) mergeIndex(i int, lines func(model.Timestamp) error) ([]model.Timestamp, error) {
	var merged []model.Timestamp

	hi, offset := bits.Mul64(m.pper, uint64(i))
	if hi != 0 {
		return nil, ErrOverflow
	}

	for _, src := range m.sources {
		batch, ok := m.pending[src.Channel]
		if !ok || batch.Index != i {
			continue
		}
		for _, v := range batch.Values {
			shifted, carry := bits.Add64(v, offset, 0)
			if carry != 0 {
				return nil, ErrOverflow
			}
			merged = append(merged, model.Timestamp{Channel: src.Channel, Value: shifted})
		}
		delete(m.pending, src.Channel)
	}

	sort.SliceStable(merged, func(a, b int) bool {
		if merged[a].Value != merged[b].Value {
			return merged[a].Value < merged[b].Value
		}
		return merged[a].Channel < merged[b].Channel
	})

	if lines != nil {
		for _, rec := range merged {
			if err := lines(rec); err != nil {
				return nil, fmt.Errorf("merge: writing record: %w", err)
			}
		}
	}

	return merged, nil
}
