package netlink

import (
	"testing"
	"time"

	"github.com/nishisan-dev/tssync/internal/protocol"
)

func TestCommand_SendReceive(t *testing.T) {
	srv, err := NewCommandServer("127.0.0.1:0", func(cmd protocol.CommandMessage) protocol.ResponseMessage {
		if cmd.Command == protocol.CmdPing {
			return protocol.ResponseMessage{Status: "ok"}
		}
		return protocol.ResponseMessage{Status: "error", Message: "unknown command"}
	}, discardLogger())
	if err != nil {
		t.Fatalf("NewCommandServer: %v", err)
	}
	defer srv.Close()
	go srv.Serve()

	client, err := DialCommand(srv.ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("DialCommand: %v", err)
	}
	defer client.Close()

	resp, err := client.Send(protocol.CommandMessage{Command: protocol.CmdPing, Sequence: 1})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Status != "ok" {
		t.Fatalf("expected ok, got %+v", resp)
	}

	resp2, err := client.Send(protocol.CommandMessage{Command: "bogus", Sequence: 2})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp2.Status != "error" {
		t.Fatalf("expected error status, got %+v", resp2)
	}
}

func TestCommand_MultipleSequentialRequests(t *testing.T) {
	count := 0
	srv, err := NewCommandServer("127.0.0.1:0", func(cmd protocol.CommandMessage) protocol.ResponseMessage {
		count++
		return protocol.ResponseMessage{Status: "ok", Message: cmd.Command}
	}, discardLogger())
	if err != nil {
		t.Fatalf("NewCommandServer: %v", err)
	}
	defer srv.Close()
	go srv.Serve()

	client, err := DialCommand(srv.ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("DialCommand: %v", err)
	}
	defer client.Close()

	for i := 0; i < 3; i++ {
		if _, err := client.Send(protocol.CommandMessage{Command: protocol.CmdStatus, Sequence: uint32(i)}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	if count != 3 {
		t.Fatalf("expected 3 handled commands, got %d", count)
	}
}
