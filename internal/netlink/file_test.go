package netlink

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/nishisan-dev/tssync/internal/protocol"
)

func TestFile_PushPull(t *testing.T) {
	puller, err := NewFilePuller("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewFilePuller: %v", err)
	}
	defer puller.Close()

	accepted := make(chan error, 1)
	go func() { accepted <- puller.Accept() }()

	pusher, err := DialFile(puller.ln.Addr().String(), time.Second, 0)
	if err != nil {
		t.Fatalf("DialFile: %v", err)
	}
	defer pusher.Close()

	if err := <-accepted; err != nil {
		t.Fatalf("Accept: %v", err)
	}

	payload := bytes.Repeat([]byte("x"), 64)
	if err := pusher.Push(protocol.KindPartial, protocol.CompressionNone, 8, payload); err != nil {
		t.Fatalf("Push: %v", err)
	}

	frame, err := puller.ReceiveFrame()
	if err != nil {
		t.Fatalf("ReceiveFrame: %v", err)
	}
	if frame.Kind != protocol.KindPartial || frame.RecordCount != 8 || !bytes.Equal(frame.Payload, payload) {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}

func TestFile_ThrottledWriterRespectsByteBudget(t *testing.T) {
	var buf bytes.Buffer
	w := newThrottledWriter(context.Background(), &buf, 1024)
	if _, err := w.Write(bytes.Repeat([]byte("a"), 100)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if buf.Len() != 100 {
		t.Fatalf("expected 100 bytes written, got %d", buf.Len())
	}
}
