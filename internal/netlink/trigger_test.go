package netlink

import (
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/nishisan-dev/tssync/internal/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTrigger_PublishSubscribe(t *testing.T) {
	pub, err := NewTriggerPublisher("127.0.0.1:0", discardLogger())
	if err != nil {
		t.Fatalf("NewTriggerPublisher: %v", err)
	}
	defer pub.Close()
	go pub.AcceptLoop()

	sub, err := SubscribeTrigger(pub.ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("SubscribeTrigger: %v", err)
	}
	defer sub.Close()

	// Give the accept loop time to register the subscriber.
	deadline := time.Now().Add(time.Second)
	for {
		pub.mu.Lock()
		n := len(pub.subs)
		pub.mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	want := protocol.TriggerMessage{Command: "trigger", TimestampNs: 42, Sequence: 1, DurationSec: 0.2, Channels: []int32{1, 2}}
	if err := pub.Publish(want); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got, err := sub.Receive(time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestTrigger_PublishWithNoSubscribersFails(t *testing.T) {
	pub, err := NewTriggerPublisher("127.0.0.1:0", discardLogger())
	if err != nil {
		t.Fatalf("NewTriggerPublisher: %v", err)
	}
	defer pub.Close()

	if err := pub.Publish(protocol.TriggerMessage{}); err == nil {
		t.Fatal("expected error publishing with no subscribers")
	}
}
