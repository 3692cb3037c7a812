package session

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/nishisan-dev/tssync/internal/dltadapter"
	"github.com/nishisan-dev/tssync/internal/logging"
	"github.com/nishisan-dev/tssync/internal/model"
	"github.com/nishisan-dev/tssync/internal/netlink"
	"github.com/nishisan-dev/tssync/internal/protocol"
	"github.com/nishisan-dev/tssync/internal/tcadapter"
)

// Slave-side timing constants (spec.md §4.6.1, §5).
const (
	requestReadyTimeout = 30 * time.Second
	triggerWaitTimeout   = 2 * time.Minute
	heartbeatInterval    = 2 * time.Second
	heartbeatTimeout     = 5 * time.Second
)

// SlaveConfig parameterises one run of the Slave session controller.
type SlaveConfig struct {
	TC        *tcadapter.Adapter
	DLT       *dltadapter.Adapter // nil selects the fallback path, §4.6.4
	TCAddress string

	StreamHost string
	Channels   []model.ChannelID
	SubCount   int64

	OutputDir  string
	TextOutput bool

	MasterHost              string
	Ports                   netlink.Ports
	DialTimeout             time.Duration
	MaxTransferBytesPerSec  int64 // 0 disables throttling on the F channel push side

	Logger *slog.Logger

	// SessionLogDir, if non-empty, additionally writes every line this
	// session logs (from trigger reception onward, once the session
	// sequence is known) to {SessionLogDir}/slave/{sequence}.log.
	SessionLogDir string
}

// SlaveController runs the Slave role of one acquisition session (spec.md
// §4.6.1): it answers the master's command channel, waits for a trigger,
// runs its own local acquisition in lock-step with the master's duration,
// and serves partial/full/text data on request.
type SlaveController struct {
	cfg     SlaveConfig
	tracker *Tracker
	logger  *slog.Logger

	cmdServer  *netlink.CommandServer
	triggerSub *netlink.TriggerSubscriber
	syncPush   *netlink.SyncPush
	filePusher *netlink.FilePusher
	hb         *netlink.HeartbeatPusher

	readyOnce sync.Once
	readyCh   chan struct{}

	mu      sync.Mutex
	records []model.Timestamp
}

// NewSlaveController binds the Slave's command server and dials the
// remaining four outbound peer-link channels toward the master.
func NewSlaveController(cfg SlaveConfig) (*SlaveController, error) {
	logger := cfg.Logger.With("component", "slave")

	sc := &SlaveController{
		cfg:     cfg,
		tracker: NewTracker(),
		logger:  logger,
		readyCh: make(chan struct{}),
	}

	cmdServer, err := netlink.NewCommandServer(bindAddr(cfg.Ports.Command), sc.handleCommand, logger)
	if err != nil {
		return nil, fmt.Errorf("session: slave: %w", err)
	}
	sc.cmdServer = cmdServer
	go cmdServer.Serve()

	triggerSub, err := dialTriggerRetrying(net.JoinHostPort(cfg.MasterHost, strconv.Itoa(cfg.Ports.Trigger)), cfg.DialTimeout)
	if err != nil {
		cmdServer.Close()
		return nil, fmt.Errorf("session: slave: subscribing to trigger channel: %w", err)
	}
	sc.triggerSub = triggerSub

	syncAddr := net.JoinHostPort(cfg.MasterHost, strconv.Itoa(cfg.Ports.Sync))
	syncPush, err := netlink.DialSync(syncAddr, cfg.DialTimeout)
	if err != nil {
		cmdServer.Close()
		triggerSub.Close()
		return nil, fmt.Errorf("session: slave: dialing sync channel: %w", err)
	}
	sc.syncPush = syncPush

	fileAddr := net.JoinHostPort(cfg.MasterHost, strconv.Itoa(cfg.Ports.File))
	filePusher, err := netlink.DialFile(fileAddr, cfg.DialTimeout, cfg.MaxTransferBytesPerSec)
	if err != nil {
		cmdServer.Close()
		triggerSub.Close()
		syncPush.Close()
		return nil, fmt.Errorf("session: slave: dialing file channel: %w", err)
	}
	sc.filePusher = filePusher

	hbAddr := net.JoinHostPort(cfg.MasterHost, strconv.Itoa(cfg.Ports.Status))
	hb, err := netlink.DialHeartbeat(hbAddr, heartbeatInterval, heartbeatTimeout, logger)
	if err != nil {
		cmdServer.Close()
		triggerSub.Close()
		syncPush.Close()
		filePusher.Close()
		return nil, fmt.Errorf("session: slave: dialing heartbeat channel: %w", err)
	}
	sc.hb = hb
	go hb.Run(func() string { return sc.tracker.State().String() })

	return sc, nil
}

func dialTriggerRetrying(addr string, timeout time.Duration) (*netlink.TriggerSubscriber, error) {
	var lastErr error
	for attempt := 0; attempt < pingRetries; attempt++ {
		sub, err := netlink.SubscribeTrigger(addr, timeout)
		if err == nil {
			return sub, nil
		}
		lastErr = err
		time.Sleep(pingRetryDelay)
	}
	return nil, lastErr
}

// openSessionLog opens the per-session log file for sequence, if
// cfg.SessionLogDir is set, and redirects sc.logger to also write to it,
// tagged with the session sequence. The returned closer must be called once
// the session ends; it is a no-op if no file was opened.
func (sc *SlaveController) openSessionLog(sequence uint32) io.Closer {
	if sc.cfg.SessionLogDir == "" {
		return noopCloser{}
	}
	sessionLogger, closer, _, err := logging.NewSessionLogger(sc.logger, sc.cfg.SessionLogDir, "slave", fmt.Sprintf("%d", sequence))
	if err != nil {
		sc.logger.Warn("opening session log file failed", "error", err)
		return noopCloser{}
	}
	sc.logger = sessionLogger.With("sequence", sequence)
	return closer
}

// Tracker exposes this session's live progress/state.
func (sc *SlaveController) Tracker() *Tracker { return sc.tracker }

// Close tears down every peer-link socket the controller owns.
func (sc *SlaveController) Close() {
	sc.hb.Stop()
	sc.cmdServer.Close()
	sc.triggerSub.Close()
	sc.syncPush.Close()
	sc.filePusher.Close()
}

// Run waits for the master's request_ready handshake, then for its trigger,
// then executes the local acquisition pipeline in step with it.
func (sc *SlaveController) Run() error {
	sc.tracker.SetState(model.StateStarting)

	select {
	case <-sc.readyCh:
	case <-time.After(requestReadyTimeout):
		err := fmt.Errorf("session: slave: timed out waiting for request_ready")
		sc.tracker.Fail(err.Error())
		return err
	}

	trig, err := sc.triggerSub.Receive(triggerWaitTimeout)
	if err != nil {
		err = fmt.Errorf("session: slave: waiting for trigger: %w", err)
		sc.tracker.Fail(err.Error())
		return err
	}

	if err := sc.syncPush.PushEcho(protocol.TriggerEchoMessage{
		Command:               "trigger_timestamp",
		SlaveTriggerTimestamp: time.Now().UnixNano(),
		Sequence:              trig.Sequence,
	}); err != nil {
		sc.logger.Warn("pushing trigger echo failed", "error", err)
	}

	defer sc.openSessionLog(trig.Sequence).Close()

	sc.tracker.SetState(model.StateRunning)

	channels := sc.cfg.Channels
	if len(trig.Channels) > 0 {
		channels = make([]model.ChannelID, len(trig.Channels))
		for i, c := range trig.Channels {
			channels[i] = model.ChannelID(c)
		}
	}

	result, err := RunAcquisition(PipelineConfig{
		TC:          sc.cfg.TC,
		DLT:         sc.cfg.DLT,
		TCAddress:   sc.cfg.TCAddress,
		StreamHost:  sc.cfg.StreamHost,
		Channels:    channels,
		DurationSec: trig.DurationSec,
		Infinite:    false,
		SubCount:    sc.cfg.SubCount,
		Logger:      sc.logger,
	})
	if err != nil {
		err = fmt.Errorf("session: slave: local acquisition: %w", err)
		sc.tracker.Fail(err.Error())
		return err
	}

	sc.tracker.SetState(model.StateDraining)

	if _, err := writeOutputs(sc.cfg.OutputDir, "slave", result.Records, sc.cfg.TextOutput); err != nil {
		sc.tracker.Fail(err.Error())
		return err
	}

	sc.mu.Lock()
	sc.records = result.Records
	sc.mu.Unlock()

	sc.tracker.SetState(model.StateCompleted)
	return nil
}

func (sc *SlaveController) handleCommand(cmd protocol.CommandMessage) protocol.ResponseMessage {
	switch cmd.Command {
	case protocol.CmdPing:
		return protocol.ResponseMessage{Status: "ok"}

	case protocol.CmdStatus:
		state, progress, errText := sc.tracker.StatusData()
		return protocol.ResponseMessage{Status: "ok", Data: protocol.StatusData{State: state, Progress: progress, Error: errText}}

	case protocol.CmdRequestReady:
		sc.readyOnce.Do(func() { close(sc.readyCh) })
		// Push a fresh ready_for_trigger frame on every request_ready,
		// including retries: spec.md §8's sync-retry property requires
		// the master to succeed after exactly one more request_ready if
		// the first ready frame was lost in transit, which only works if
		// the slave re-emits it rather than sending it once and relying
		// on the first delivery.
		if err := sc.syncPush.PushReady(); err != nil {
			sc.logger.Warn("pushing ready_for_trigger failed", "error", err)
		}
		return protocol.ResponseMessage{Status: "ok"}

	case protocol.CmdRequestPartialData:
		return sc.pushData(protocol.KindPartial)

	case protocol.CmdRequestFullData:
		return sc.pushData(protocol.KindFull)

	case protocol.CmdRequestTextData:
		return sc.pushText()

	default:
		return protocol.ResponseMessage{Status: "error", Message: fmt.Sprintf("unknown command %q", cmd.Command)}
	}
}

// pushData sends records (or the leading partial fraction) over the F
// channel as the given frame kind. Spec.md §4.6.1 scenario 3: if no local
// data exists yet (fallback failure or not-yet-completed acquisition), it
// replies with an error instead of pushing an empty frame.
func (sc *SlaveController) pushData(kind protocol.Kind) protocol.ResponseMessage {
	sc.mu.Lock()
	records := sc.records
	sc.mu.Unlock()

	if records == nil {
		return protocol.ResponseMessage{Status: "error", Message: "no data available"}
	}

	subset := records
	if kind == protocol.KindPartial {
		subset = records[:protocol.PartialRecordCount(len(records))]
	}

	payload, err := encodeBinary(subset)
	if err != nil {
		return protocol.ResponseMessage{Status: "error", Message: err.Error()}
	}
	if err := sc.filePusher.Push(kind, protocol.CompressionGzip, uint64(len(subset)), payload); err != nil {
		return protocol.ResponseMessage{Status: "error", Message: err.Error()}
	}
	return protocol.ResponseMessage{Status: "ok"}
}

func (sc *SlaveController) pushText() protocol.ResponseMessage {
	sc.mu.Lock()
	records := sc.records
	sc.mu.Unlock()

	if records == nil {
		return protocol.ResponseMessage{Status: "error", Message: "no data available"}
	}

	payload, err := encodeText(records)
	if err != nil {
		return protocol.ResponseMessage{Status: "error", Message: err.Error()}
	}
	if err := sc.filePusher.Push(protocol.KindText, protocol.CompressionGzip, uint64(len(records)), payload); err != nil {
		return protocol.ResponseMessage{Status: "error", Message: err.Error()}
	}
	return protocol.ResponseMessage{Status: "ok"}
}
