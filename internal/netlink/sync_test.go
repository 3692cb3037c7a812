package netlink

import (
	"testing"
	"time"

	"github.com/nishisan-dev/tssync/internal/protocol"
)

func TestSync_ReadyFrame(t *testing.T) {
	pull, err := NewSyncPull("127.0.0.1:0", discardLogger())
	if err != nil {
		t.Fatalf("NewSyncPull: %v", err)
	}
	defer pull.Close()

	accepted := make(chan error, 1)
	go func() { accepted <- pull.Accept(2 * time.Second) }()

	push, err := DialSync(pull.ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("DialSync: %v", err)
	}
	defer push.Close()

	if err := <-accepted; err != nil {
		t.Fatalf("Accept: %v", err)
	}

	if err := push.PushReady(); err != nil {
		t.Fatalf("PushReady: %v", err)
	}

	ev, err := pull.Receive(time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if !ev.Ready {
		t.Fatalf("expected ready event, got %+v", ev)
	}
}

func TestSync_EchoFrame(t *testing.T) {
	pull, err := NewSyncPull("127.0.0.1:0", discardLogger())
	if err != nil {
		t.Fatalf("NewSyncPull: %v", err)
	}
	defer pull.Close()

	accepted := make(chan error, 1)
	go func() { accepted <- pull.Accept(2 * time.Second) }()

	push, err := DialSync(pull.ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("DialSync: %v", err)
	}
	defer push.Close()

	if err := <-accepted; err != nil {
		t.Fatalf("Accept: %v", err)
	}

	want := protocol.TriggerEchoMessage{Command: "trigger_timestamp", SlaveTriggerTimestamp: 99, Sequence: 3}
	if err := push.PushEcho(want); err != nil {
		t.Fatalf("PushEcho: %v", err)
	}

	ev, err := pull.Receive(time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if ev.Ready || ev.Echo != want {
		t.Fatalf("expected echo %+v, got %+v", want, ev)
	}
}
