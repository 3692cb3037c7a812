package protocol

import (
	"reflect"
	"testing"
)

func TestTriggerMessage_RoundTrip(t *testing.T) {
	want := TriggerMessage{
		Command:     "trigger",
		TimestampNs: 1234567890,
		Sequence:    7,
		DurationSec: 2.5,
		Channels:    []int32{1, 2, 3},
	}
	b, err := EncodeMessage(want)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	var got TriggerMessage
	if err := DecodeMessage(b, &got); err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestTriggerEchoMessage_RoundTrip(t *testing.T) {
	want := TriggerEchoMessage{
		Command:               "trigger_timestamp",
		SlaveTriggerTimestamp: 42,
		Sequence:              7,
	}
	b, err := EncodeMessage(want)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	var got TriggerEchoMessage
	if err := DecodeMessage(b, &got); err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestCommandMessage_RoundTrip(t *testing.T) {
	tests := []string{CmdPing, CmdStatus, CmdRequestReady, CmdRequestPartialData, CmdRequestFullData, CmdRequestTextData}
	for _, cmd := range tests {
		t.Run(cmd, func(t *testing.T) {
			want := CommandMessage{Command: cmd, Sequence: 3}
			b, err := EncodeMessage(want)
			if err != nil {
				t.Fatalf("EncodeMessage: %v", err)
			}
			var got CommandMessage
			if err := DecodeMessage(b, &got); err != nil {
				t.Fatalf("DecodeMessage: %v", err)
			}
			if got != want {
				t.Fatalf("expected %+v, got %+v", want, got)
			}
		})
	}
}

func TestResponseMessage_WithStatusData(t *testing.T) {
	want := ResponseMessage{
		Status: "ok",
		Data:   StatusData{State: "Running", Progress: 42},
	}
	b, err := EncodeMessage(want)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}

	var raw struct {
		Status string     `json:"status"`
		Data   StatusData `json:"data"`
	}
	if err := DecodeMessage(b, &raw); err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if raw.Status != "ok" || raw.Data.State != "Running" || raw.Data.Progress != 42 {
		t.Fatalf("unexpected decoded response: %+v", raw)
	}
}

func TestResponseMessage_Error(t *testing.T) {
	want := ResponseMessage{Status: "error", Message: "tc unreachable"}
	b, err := EncodeMessage(want)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	var got ResponseMessage
	if err := DecodeMessage(b, &got); err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if got.Status != "error" || got.Message != "tc unreachable" {
		t.Fatalf("expected error response, got %+v", got)
	}
}

func TestHeartbeatMessage_RoundTrip(t *testing.T) {
	want := HeartbeatMessage{
		Type:         "heartbeat",
		Status:       "Running",
		TimestampNs:  1000,
		CPUPercent:   12.5,
		MemPercent:   33.1,
		DiskFreeMB:   102400,
		LoadAverage1: 0.75,
	}
	b, err := EncodeMessage(want)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	var got HeartbeatMessage
	if err := DecodeMessage(b, &got); err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestDecodeMessage_Malformed(t *testing.T) {
	var got TriggerMessage
	if err := DecodeMessage([]byte("not json"), &got); err == nil {
		t.Fatal("expected error decoding malformed JSON")
	}
}
