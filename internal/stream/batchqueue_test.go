package stream

import (
	"testing"
	"time"

	"github.com/nishisan-dev/tssync/internal/model"
)

func TestBatchQueue_PushPopOrder(t *testing.T) {
	q := NewBatchQueue(4)
	for i := 0; i < 3; i++ {
		if !q.Push(model.StreamBatch{Channel: 1, Index: i, Values: []uint64{uint64(i)}}) {
			t.Fatalf("Push %d failed", i)
		}
	}
	for i := 0; i < 3; i++ {
		b, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop %d: expected ok", i)
		}
		if b.Index != i {
			t.Fatalf("expected index %d, got %d", i, b.Index)
		}
	}
}

func TestBatchQueue_PopBlocksUntilPush(t *testing.T) {
	q := NewBatchQueue(4)
	done := make(chan model.StreamBatch, 1)
	go func() {
		b, ok := q.Pop()
		if ok {
			done <- b
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push(model.StreamBatch{Channel: 2, Index: 0, Values: []uint64{7}})

	select {
	case b := <-done:
		if b.Values[0] != 7 {
			t.Fatalf("unexpected batch: %+v", b)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not unblock after Push")
	}
}

func TestBatchQueue_CloseDrainsThenReturnsFalse(t *testing.T) {
	q := NewBatchQueue(4)
	q.Push(model.StreamBatch{Channel: 1, Index: 0})
	q.Close()

	if _, ok := q.Pop(); !ok {
		t.Fatal("expected to drain the one queued batch after close")
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("expected ok=false once drained and closed")
	}
}

func TestBatchQueue_PushBlockedByCloseReturnsFalse(t *testing.T) {
	q := NewBatchQueue(1)
	q.Push(model.StreamBatch{Channel: 1, Index: 0})

	result := make(chan bool, 1)
	go func() {
		result <- q.Push(model.StreamBatch{Channel: 1, Index: 1})
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case ok := <-result:
		if ok {
			t.Fatal("expected blocked Push to fail after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("blocked Push did not unblock after Close")
	}
}

func TestBatchQueue_TryPop(t *testing.T) {
	q := NewBatchQueue(2)
	if _, ok := q.TryPop(); ok {
		t.Fatal("expected TryPop to fail on empty queue")
	}
	q.Push(model.StreamBatch{Channel: 1, Index: 0})
	if _, ok := q.TryPop(); !ok {
		t.Fatal("expected TryPop to succeed")
	}
}
