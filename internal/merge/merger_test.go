package merge

import (
	"io"
	"log/slog"
	"testing"

	"github.com/nishisan-dev/tssync/internal/model"
	"github.com/nishisan-dev/tssync/internal/stream"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMerger_SingleChannelOffsetCorrection(t *testing.T) {
	q := stream.NewBatchQueue(8)
	values := []uint64{5, 4, 3, 2, 1}
	for i, v := range values {
		q.Push(model.StreamBatch{Channel: 1, Index: i, Values: []uint64{v}})
	}
	q.Close()

	m := New([]Source{{Channel: 1, Queue: q}}, 10, discardLogger())

	expectMore := false // everything already pushed; go straight to drain
	out, err := m.Run(func() bool { return expectMore }, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []uint64{5, 14, 23, 32, 41}
	if len(out) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(out))
	}
	for i, w := range want {
		if out[i].Value != w {
			t.Errorf("record %d: expected %d, got %d", i, w, out[i].Value)
		}
	}
}

func TestMerger_CrossChannelTieBreakByChannelID(t *testing.T) {
	q1 := stream.NewBatchQueue(4)
	q2 := stream.NewBatchQueue(4)
	q1.Push(model.StreamBatch{Channel: 2, Index: 0, Values: []uint64{100}})
	q2.Push(model.StreamBatch{Channel: 1, Index: 0, Values: []uint64{100}})
	q1.Close()
	q2.Close()

	m := New([]Source{{Channel: 2, Queue: q1}, {Channel: 1, Queue: q2}}, 1000, discardLogger())

	out, err := m.Run(func() bool { return false }, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 records, got %d", len(out))
	}
	if out[0].Channel != 1 || out[1].Channel != 2 {
		t.Fatalf("expected channel 1 before channel 2 on tie, got %+v", out)
	}
}

func TestMerger_DrainTreatsMissingChannelAsEmpty(t *testing.T) {
	q1 := stream.NewBatchQueue(4)
	q2 := stream.NewBatchQueue(4)
	// Channel 1 has two batches, channel 2 has none (e.g. terminated early).
	q1.Push(model.StreamBatch{Channel: 1, Index: 0, Values: []uint64{1}})
	q1.Push(model.StreamBatch{Channel: 1, Index: 1, Values: []uint64{2}})
	q1.Close()
	q2.Close()

	m := New([]Source{{Channel: 1, Queue: q1}, {Channel: 2, Queue: q2}}, 10, discardLogger())

	out, err := m.Run(func() bool { return false }, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 records, got %d", len(out))
	}
	if out[0].Value != 1 || out[1].Value != 12 {
		t.Fatalf("unexpected values: %+v", out)
	}
}

func TestMerger_OverflowAborts(t *testing.T) {
	q := stream.NewBatchQueue(4)
	q.Push(model.StreamBatch{Channel: 1, Index: 0, Values: []uint64{0}})
	q.Push(model.StreamBatch{Channel: 1, Index: 1, Values: []uint64{^uint64(0)}})
	q.Close()

	m := New([]Source{{Channel: 1, Queue: q}}, 1, discardLogger())
	// index 1 means offset = PPER*1 = 1, added to max uint64 -> overflow.
	_, err := m.Run(func() bool { return false }, nil)
	if err != ErrOverflow {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestMerger_LinesCallbackInvokedInOrder(t *testing.T) {
	q := stream.NewBatchQueue(4)
	q.Push(model.StreamBatch{Channel: 1, Index: 0, Values: []uint64{1, 2}})
	q.Close()

	m := New([]Source{{Channel: 1, Queue: q}}, 10, discardLogger())

	var seen []uint64
	_, err := m.Run(func() bool { return false }, func(ts model.Timestamp) error {
		seen = append(seen, ts.Value)
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("unexpected callback order: %v", seen)
	}
}
