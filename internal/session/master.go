package session

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/nishisan-dev/tssync/internal/dltadapter"
	"github.com/nishisan-dev/tssync/internal/logging"
	"github.com/nishisan-dev/tssync/internal/model"
	"github.com/nishisan-dev/tssync/internal/netlink"
	"github.com/nishisan-dev/tssync/internal/offsetsync"
	"github.com/nishisan-dev/tssync/internal/protocol"
	"github.com/nishisan-dev/tssync/internal/tcadapter"
)

// Peer-link handshake timing constants (spec.md §4.6.1, §5: every receive
// on the link carries a deadline).
const (
	pingRetries         = 3
	pingRetryDelay      = time.Second
	peerAcceptTimeout   = 10 * time.Second
	syncReadyRetries    = 5
	syncReadyPerAttempt = 2 * time.Second
	syncReadyBackoff    = 500 * time.Millisecond
	triggerEchoTimeout  = 5 * time.Second
	triggerConfirmDelay = 500 * time.Millisecond
	triggerRepublishRetries = 3
	slaveCompleteTimeout = 2 * time.Minute
	slaveCompletePoll   = 500 * time.Millisecond
	fileReceiveTimeout  = 5 * time.Second
	commandDialTimeout  = 5 * time.Second
)

// MasterConfig parameterises one run of the Master session controller.
type MasterConfig struct {
	TC        *tcadapter.Adapter
	DLT       *dltadapter.Adapter // nil selects the fallback path, §4.6.4
	TCAddress string

	StreamHost  string
	Channels    []model.ChannelID
	DurationSec float64
	SubCount    int64
	Infinite    bool

	OutputDir  string
	TextOutput bool

	SlaveHost   string
	Ports       netlink.Ports
	DialTimeout time.Duration

	Logger *slog.Logger

	// SessionLogDir, if non-empty, additionally writes every line this
	// session logs to {SessionLogDir}/master/{sequence}.log (spec.md §5's
	// per-session observability, ambient per DESIGN.md).
	SessionLogDir string
}

// MasterResult is the outcome of one completed master session.
type MasterResult struct {
	Outputs         Outputs
	CorrectedPath   string
	ReportPath      string
	Report          model.OffsetReport
	TriggerOffsetNs float64
}

// MasterController runs the Master role of one acquisition session end to
// end (spec.md §4.6.1): peer-link handshake, trigger dispatch, concurrent
// local acquisition, partial-data pull, offset synchronisation and report
// writing.
type MasterController struct {
	cfg     MasterConfig
	tracker *Tracker
	logger  *slog.Logger

	trigger *netlink.TriggerPublisher
	sync    *netlink.SyncPull
	files   *netlink.FilePuller
	cmd     *netlink.CommandClient
	hb      *netlink.HeartbeatPuller
}

// NewMasterController binds the Master's listening peer-link sockets and
// dials the Slave's command channel.
func NewMasterController(cfg MasterConfig) (*MasterController, error) {
	logger := cfg.Logger.With("component", "master")

	trig, err := netlink.NewTriggerPublisher(bindAddr(cfg.Ports.Trigger), logger)
	if err != nil {
		return nil, fmt.Errorf("session: master: %w", err)
	}
	go trig.AcceptLoop()

	sp, err := netlink.NewSyncPull(bindAddr(cfg.Ports.Sync), logger)
	if err != nil {
		trig.Close()
		return nil, fmt.Errorf("session: master: %w", err)
	}

	fp, err := netlink.NewFilePuller(bindAddr(cfg.Ports.File))
	if err != nil {
		trig.Close()
		sp.Close()
		return nil, fmt.Errorf("session: master: %w", err)
	}

	hb, err := netlink.NewHeartbeatPuller(bindAddr(cfg.Ports.Status), logger)
	if err != nil {
		trig.Close()
		sp.Close()
		fp.Close()
		return nil, fmt.Errorf("session: master: %w", err)
	}
	go hb.AcceptAndServe()

	cmdAddr := net.JoinHostPort(cfg.SlaveHost, strconv.Itoa(cfg.Ports.Command))
	cmd, err := dialCommandRetrying(cmdAddr, cfg.DialTimeout)
	if err != nil {
		trig.Close()
		sp.Close()
		fp.Close()
		hb.Close()
		return nil, fmt.Errorf("session: master: dialing slave command channel: %w", err)
	}

	return &MasterController{
		cfg:     cfg,
		tracker: NewTracker(),
		logger:  logger,
		trigger: trig,
		sync:    sp,
		files:   fp,
		cmd:     cmd,
		hb:      hb,
	}, nil
}

// dialCommandRetrying retries the initial command-channel dial, since the
// slave binary may still be starting up when the master launches.
func dialCommandRetrying(addr string, timeout time.Duration) (*netlink.CommandClient, error) {
	var lastErr error
	for attempt := 0; attempt < pingRetries; attempt++ {
		cmd, err := netlink.DialCommand(addr, timeout)
		if err == nil {
			return cmd, nil
		}
		lastErr = err
		time.Sleep(pingRetryDelay)
	}
	return nil, lastErr
}

// Tracker exposes this session's live progress/state.
func (m *MasterController) Tracker() *Tracker { return m.tracker }

// Close tears down every peer-link socket the controller owns.
func (m *MasterController) Close() {
	m.trigger.Close()
	m.sync.Close()
	m.files.Close()
	m.cmd.Close()
	m.hb.Close()
}

// openSessionLog opens the per-session log file for sequence, if
// cfg.SessionLogDir is set, and redirects m.logger to also write to it,
// tagged with the session sequence. The returned closer must be called once
// the session ends; it is a no-op if no file was opened.
func (m *MasterController) openSessionLog(sequence uint32) io.Closer {
	if m.cfg.SessionLogDir == "" {
		return noopCloser{}
	}
	sessionLogger, closer, _, err := logging.NewSessionLogger(m.logger, m.cfg.SessionLogDir, "master", fmt.Sprintf("%d", sequence))
	if err != nil {
		m.logger.Warn("opening session log file failed", "error", err)
		return noopCloser{}
	}
	m.logger = sessionLogger.With("sequence", sequence)
	return closer
}

// Run executes one full session: ping, handshake, trigger, acquire, drain,
// transfer, synchronise, report.
func (m *MasterController) Run(sequence uint32) (MasterResult, error) {
	defer m.openSessionLog(sequence).Close()

	m.tracker.SetState(model.StateStarting)

	if err := m.ping(); err != nil {
		m.tracker.Fail(err.Error())
		return MasterResult{}, err
	}

	if err := m.sync.Accept(peerAcceptTimeout); err != nil {
		err = fmt.Errorf("session: master: waiting for slave sync connection: %w", err)
		m.tracker.Fail(err.Error())
		return MasterResult{}, err
	}
	if err := m.files.AcceptWithTimeout(peerAcceptTimeout); err != nil {
		err = fmt.Errorf("session: master: waiting for slave file connection: %w", err)
		m.tracker.Fail(err.Error())
		return MasterResult{}, err
	}

	if err := m.requestReadyWithRetry(sequence); err != nil {
		m.tracker.Fail(err.Error())
		return MasterResult{}, err
	}

	channels := make([]int32, len(m.cfg.Channels))
	for i, ch := range m.cfg.Channels {
		channels[i] = int32(ch)
	}
	triggerSentAt := time.Now()
	trig := protocol.TriggerMessage{
		Command:     "trigger",
		TimestampNs: triggerSentAt.UnixNano(),
		Sequence:    sequence,
		DurationSec: m.cfg.DurationSec,
		Channels:    channels,
	}
	if err := m.trigger.Publish(trig); err != nil {
		err = fmt.Errorf("session: master: publishing trigger: %w", err)
		m.tracker.Fail(err.Error())
		return MasterResult{}, err
	}
	m.tracker.SetState(model.StateRunning)
	go m.confirmSlaveRunning(trig)

	type ownResult struct {
		res AcquisitionResult
		err error
	}
	ownDone := make(chan ownResult, 1)
	go func() {
		res, err := RunAcquisition(m.pipelineConfig())
		ownDone <- ownResult{res, err}
	}()

	echoEv, err := m.sync.Receive(triggerEchoTimeout)
	var triggerOffsetNs float64
	if err != nil {
		m.logger.Warn("did not receive trigger echo from slave", "error", err)
	} else if !echoEv.Ready {
		slaveTriggerAt := time.Unix(0, echoEv.Echo.SlaveTriggerTimestamp)
		triggerOffsetNs = float64(slaveTriggerAt.Sub(triggerSentAt).Nanoseconds())
	}

	own := <-ownDone
	if own.err != nil {
		err = fmt.Errorf("session: master: local acquisition: %w", own.err)
		m.tracker.Fail(err.Error())
		return MasterResult{}, err
	}

	m.tracker.SetState(model.StateDraining)
	if err := m.waitSlaveCompleted(); err != nil {
		m.logger.Warn("slave did not confirm completion in time", "error", err)
	}

	outputs, err := writeOutputs(m.cfg.OutputDir, "master", own.res.Records, m.cfg.TextOutput)
	if err != nil {
		m.tracker.Fail(err.Error())
		return MasterResult{}, err
	}

	result := MasterResult{Outputs: outputs, TriggerOffsetNs: triggerOffsetNs}

	slaveRecords, err := m.requestPartialData(sequence)
	if err != nil {
		m.logger.Warn("could not retrieve slave partial data, offset report skipped", "error", err)
		m.tracker.SetState(model.StateCompleted)
		return result, nil
	}

	masterPrefix := own.res.Records[:protocol.PartialRecordCount(len(own.res.Records))]
	report, err := offsetsync.ComputeFromTimestamps(masterPrefix, slaveRecords)
	if err != nil {
		err = fmt.Errorf("session: master: computing offset: %w", err)
		m.tracker.Fail(err.Error())
		return result, err
	}
	result.Report = report

	reportPath := outputs.BinaryPath + ".offset_report.txt"
	if err := writeReportFile(reportPath, "master", m.cfg.SlaveHost, triggerOffsetNs, report); err != nil && err != offsetsync.ErrNotComputable {
		m.logger.Warn("writing offset report failed", "error", err)
	}
	result.ReportPath = reportPath

	if report.Computable {
		correctedPath := filepath.Join(filepath.Dir(outputs.BinaryPath), "corrected_"+filepath.Base(outputs.BinaryPath))
		if err := writeCorrectedFile(correctedPath, own.res.Records, report); err != nil {
			m.logger.Warn("writing corrected file failed", "error", err)
		} else {
			result.CorrectedPath = correctedPath
		}
	}

	m.tracker.SetState(model.StateCompleted)
	return result, nil
}

func (m *MasterController) ping() error {
	var lastErr error
	for attempt := 0; attempt < pingRetries; attempt++ {
		resp, err := m.cmd.Send(protocol.CommandMessage{Command: protocol.CmdPing})
		if err == nil && resp.Status == "ok" {
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("ping: slave replied %q: %s", resp.Status, resp.Message)
		}
		time.Sleep(pingRetryDelay)
	}
	return fmt.Errorf("session: master: ping failed after %d attempts: %w", pingRetries, lastErr)
}

// requestReadyWithRetry drives spec.md §4.6.1 step 2: send request_ready,
// then wait for the slave's ready_for_trigger frame on the already-accepted
// sync connection; if it doesn't arrive within syncReadyPerAttempt, re-send
// request_ready up to syncReadyRetries times with syncReadyBackoff between
// attempts before giving up.
func (m *MasterController) requestReadyWithRetry(sequence uint32) error {
	var lastErr error
	for attempt := 0; attempt < syncReadyRetries; attempt++ {
		if _, err := m.cmd.Send(protocol.CommandMessage{Command: protocol.CmdRequestReady, Sequence: sequence}); err != nil {
			lastErr = fmt.Errorf("session: master: request_ready: %w", err)
			time.Sleep(syncReadyBackoff)
			continue
		}

		ev, err := m.sync.Receive(syncReadyPerAttempt)
		if err != nil {
			lastErr = fmt.Errorf("session: master: waiting for ready_for_trigger: %w", err)
			time.Sleep(syncReadyBackoff)
			continue
		}
		if !ev.Ready {
			lastErr = fmt.Errorf("session: master: expected ready_for_trigger, got echo frame")
			time.Sleep(syncReadyBackoff)
			continue
		}
		return nil
	}
	return fmt.Errorf("session: master: no ready_for_trigger frame after %d attempts: %w", syncReadyRetries, lastErr)
}

// confirmSlaveRunning is spec.md §4.6.1 step 5's trigger-confirmation
// check: shortly after publishing the trigger, poll the slave's status and
// re-publish the trigger (up to triggerRepublishRetries times) if it isn't
// yet running. A still-missing confirmation after every retry is logged,
// not escalated to session failure: by the time this runs, the master's
// own acquisition pipeline is already underway, and there is no
// cancellation path to unwind it cleanly (spec.md §9 notes this as a
// redesign target for a cancellation-token-based rewrite).
func (m *MasterController) confirmSlaveRunning(trig protocol.TriggerMessage) {
	time.Sleep(triggerConfirmDelay)
	for attempt := 0; attempt <= triggerRepublishRetries; attempt++ {
		resp, err := m.cmd.Send(protocol.CommandMessage{Command: protocol.CmdStatus})
		if err == nil && resp.Status == "ok" {
			if data, ok := resp.Data.(map[string]any); ok {
				if state, _ := data["state"].(string); state == model.StateRunning.String() || state == model.StateDraining.String() || state == model.StateCompleted.String() {
					return
				}
			}
		}
		if attempt == triggerRepublishRetries {
			m.logger.Warn("slave did not confirm running after trigger republishes", "attempts", attempt)
			return
		}
		m.logger.Warn("slave not yet running after trigger, re-publishing", "attempt", attempt+1)
		if err := m.trigger.Publish(trig); err != nil {
			m.logger.Warn("re-publishing trigger failed", "error", err)
		}
		time.Sleep(triggerConfirmDelay)
	}
}

// waitSlaveCompleted polls the slave's status command until it reports
// StateCompleted or StateError, or slaveCompleteTimeout elapses.
func (m *MasterController) waitSlaveCompleted() error {
	deadline := time.Now().Add(slaveCompleteTimeout)
	for time.Now().Before(deadline) {
		resp, err := m.cmd.Send(protocol.CommandMessage{Command: protocol.CmdStatus})
		if err == nil && resp.Status == "ok" {
			if data, ok := resp.Data.(map[string]any); ok {
				if state, _ := data["state"].(string); state == model.StateCompleted.String() || state == model.StateError.String() {
					return nil
				}
			}
		}
		time.Sleep(slaveCompletePoll)
	}
	return fmt.Errorf("session: master: timed out waiting for slave to complete")
}

// requestPartialData asks the slave to push its partial data frame and
// reads it back over the F channel.
func (m *MasterController) requestPartialData(sequence uint32) ([]model.Timestamp, error) {
	resp, err := m.cmd.Send(protocol.CommandMessage{Command: protocol.CmdRequestPartialData, Sequence: sequence})
	if err != nil {
		return nil, fmt.Errorf("session: master: request_partial_data: %w", err)
	}
	if resp.Status != "ok" {
		return nil, fmt.Errorf("session: master: slave declined partial data: %s", resp.Message)
	}

	frame, err := m.files.ReceiveFrameWithTimeout(fileReceiveTimeout)
	if err != nil {
		return nil, fmt.Errorf("session: master: receiving partial data frame: %w", err)
	}
	if frame.Kind != protocol.KindPartial {
		return nil, fmt.Errorf("session: master: expected partial data frame, got kind 0x%02x", frame.Kind)
	}
	return protocol.ReadBinaryFile(bytes.NewReader(frame.Payload))
}

func (m *MasterController) pipelineConfig() PipelineConfig {
	return PipelineConfig{
		TC:          m.cfg.TC,
		DLT:         m.cfg.DLT,
		TCAddress:   m.cfg.TCAddress,
		StreamHost:  m.cfg.StreamHost,
		Channels:    m.cfg.Channels,
		DurationSec: m.cfg.DurationSec,
		Infinite:    m.cfg.Infinite,
		SubCount:    m.cfg.SubCount,
		Logger:      m.logger,
	}
}

func bindAddr(port int) string {
	return net.JoinHostPort("", strconv.Itoa(port))
}

// noopCloser satisfies io.Closer for the case where no session log file was
// opened, so callers can unconditionally defer the close.
type noopCloser struct{}

func (noopCloser) Close() error { return nil }

func writeReportFile(path, masterAddr, slaveAddr string, triggerOffsetNs float64, report model.OffsetReport) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("session: creating %s: %w", path, err)
	}
	defer f.Close()
	return offsetsync.WriteReport(f, masterAddr, slaveAddr, triggerOffsetNs, report)
}

func writeCorrectedFile(path string, records []model.Timestamp, report model.OffsetReport) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("session: creating %s: %w", path, err)
	}
	defer f.Close()
	return offsetsync.WriteCorrectedFile(f, records, report)
}
