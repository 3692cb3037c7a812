package protocol

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// json is the jsoniter codec used for every peer-link message. The peer
// link's control traffic (trigger dispatch, command/response, heartbeats)
// is small, frequent and latency-sensitive, the same profile aistore uses
// jsoniter for on its own control plane; it is a drop-in for
// encoding/json's API.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TriggerMessage is published by the master on the T channel.
type TriggerMessage struct {
	Command     string  `json:"command"` // always "trigger"
	TimestampNs int64   `json:"timestamp"`
	Sequence    uint32  `json:"sequence"`
	DurationSec float64 `json:"duration"`
	Channels    []int32 `json:"channels"`
}

// TriggerEchoMessage is sent by the slave on the Y channel after it
// observes a trigger.
type TriggerEchoMessage struct {
	Command               string `json:"command"` // always "trigger_timestamp"
	SlaveTriggerTimestamp int64  `json:"slave_trigger_timestamp"`
	Sequence              uint32 `json:"sequence"`
}

// ReadyFrame is the bare string sent slave->master on the Y channel once
// its trigger subscription is live.
const ReadyFrame = "ready_for_trigger"

// CommandMessage is sent by the master on the C channel.
type CommandMessage struct {
	Command  string `json:"command"`
	Sequence uint32 `json:"sequence"`
}

// Command name constants (spec.md §6).
const (
	CmdPing               = "ping"
	CmdStatus             = "status"
	CmdRequestReady       = "request_ready"
	CmdRequestPartialData = "request_partial_data"
	CmdRequestFullData    = "request_full_data"
	CmdRequestTextData    = "request_text_data"
)

// ResponseMessage is the slave's reply on the C channel.
type ResponseMessage struct {
	Status  string `json:"status"` // "ok" | "error"
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// StatusData is carried in ResponseMessage.Data for a "status" command.
type StatusData struct {
	State    string `json:"state"`
	Progress int    `json:"progress"`
	Error    string `json:"error,omitempty"`
}

// HeartbeatMessage is pushed by the slave on the H channel. Supplemented
// with system health fields per SPEC_FULL.md §4.
type HeartbeatMessage struct {
	Type         string  `json:"type"` // always "heartbeat"
	Status       string  `json:"status"`
	TimestampNs  int64   `json:"timestamp"`
	CPUPercent   float64 `json:"cpu_percent"`
	MemPercent   float64 `json:"mem_percent"`
	DiskFreeMB   uint64  `json:"disk_free_mb"`
	LoadAverage1 float64 `json:"load1"`
}

// EncodeMessage marshals v to its JSON wire form.
func EncodeMessage(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return b, nil
}

// DecodeMessage unmarshals JSON bytes into v.
func DecodeMessage(b []byte, v any) error {
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}
	return nil
}
