package session

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nishisan-dev/tssync/internal/model"
	"github.com/nishisan-dev/tssync/internal/protocol"
)

func newBareSlaveController() *SlaveController {
	return &SlaveController{
		tracker: NewTracker(),
		readyCh: make(chan struct{}),
	}
}

func TestSlaveController_HandleCommand_Ping(t *testing.T) {
	sc := newBareSlaveController()
	resp := sc.handleCommand(protocol.CommandMessage{Command: protocol.CmdPing})
	if resp.Status != "ok" {
		t.Fatalf("expected ok, got %+v", resp)
	}
}

func TestSlaveController_HandleCommand_Status(t *testing.T) {
	sc := newBareSlaveController()
	sc.tracker.SetState(model.StateRunning)
	sc.tracker.SetProgress(33)

	resp := sc.handleCommand(protocol.CommandMessage{Command: protocol.CmdStatus})
	if resp.Status != "ok" {
		t.Fatalf("expected ok, got %+v", resp)
	}
	data, ok := resp.Data.(protocol.StatusData)
	if !ok {
		t.Fatalf("expected protocol.StatusData, got %T", resp.Data)
	}
	if data.State != model.StateRunning.String() || data.Progress != 33 {
		t.Fatalf("unexpected status data: %+v", data)
	}
}

func TestSlaveController_ReadyOnceUnblocksReadyCh(t *testing.T) {
	sc := newBareSlaveController()
	// syncPush is nil here, so PushReady would panic if called; this test
	// does not call handleCommand and only exercises the readyCh unblocking,
	// not the ready_for_trigger push.
	select {
	case <-sc.readyCh:
		t.Fatal("readyCh should not be closed before the first request_ready")
	default:
	}

	done := make(chan struct{})
	go func() {
		<-sc.readyCh
		close(done)
	}()

	sc.readyOnce.Do(func() { close(sc.readyCh) })

	<-done
}

func TestSlaveController_HandleCommand_UnknownCommand(t *testing.T) {
	sc := newBareSlaveController()
	resp := sc.handleCommand(protocol.CommandMessage{Command: "bogus"})
	if resp.Status != "error" {
		t.Fatalf("expected error status for unknown command, got %+v", resp)
	}
}

func TestSlaveController_PushData_NoRecordsIsAnError(t *testing.T) {
	sc := newBareSlaveController()
	resp := sc.handleCommand(protocol.CommandMessage{Command: protocol.CmdRequestPartialData})
	if resp.Status != "error" {
		t.Fatalf("expected error when no data is available, got %+v", resp)
	}
}

func TestSlaveController_PushText_NoRecordsIsAnError(t *testing.T) {
	sc := newBareSlaveController()
	resp := sc.handleCommand(protocol.CommandMessage{Command: protocol.CmdRequestTextData})
	if resp.Status != "error" {
		t.Fatalf("expected error when no data is available, got %+v", resp)
	}
}

// TestSlaveController_OpenSessionLog_WritesTaggedFile checks that when
// SessionLogDir is set, openSessionLog redirects the controller's logger to
// a file under {dir}/slave/{sequence}.log and tags every line with the
// session sequence.
func TestSlaveController_OpenSessionLog_WritesTaggedFile(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))

	sc := &SlaveController{
		cfg:     SlaveConfig{SessionLogDir: dir},
		tracker: NewTracker(),
		logger:  logger,
		readyCh: make(chan struct{}),
	}

	closer := sc.openSessionLog(9)
	sc.logger.Info("trigger received")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	logPath := filepath.Join(dir, "slave", "9.log")
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading session log file: %v", err)
	}
	if !strings.Contains(string(data), `"sequence":9`) {
		t.Fatalf("expected session log to be tagged with sequence, got: %s", data)
	}
}
