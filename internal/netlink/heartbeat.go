package netlink

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/nishisan-dev/tssync/internal/protocol"
)

// HeartbeatPusher is the Slave side of the H channel: it connects once and
// periodically pushes a heartbeat carrying system health, the same
// metrics n-backup's system monitor collects for its own control channel.
type HeartbeatPusher struct {
	lc       *lineConn
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// DialHeartbeat connects to the Master's heartbeat pull socket.
func DialHeartbeat(address string, interval, timeout time.Duration, logger *slog.Logger) (*HeartbeatPusher, error) {
	conn, err := dialWithLinger0(address, timeout)
	if err != nil {
		return nil, fmt.Errorf("netlink: connecting heartbeat push to %s: %w", address, err)
	}
	return &HeartbeatPusher{
		lc:       newLineConn(conn),
		interval: interval,
		timeout:  timeout,
		logger:   logger.With("component", "heartbeat_pusher"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// statusFunc returns the session's current status string for each tick.
type statusFunc func() string

// Run pushes a heartbeat every interval until Stop is called. statusProvider
// reports the session's current state string, e.g. from model.SessionState.
func (h *HeartbeatPusher) Run(statusProvider statusFunc) {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			msg := protocol.HeartbeatMessage{
				Type:        "heartbeat",
				Status:      statusProvider(),
				TimestampNs: time.Now().UnixNano(),
			}
			collectSystemHealth(&msg)

			b, err := protocol.EncodeMessage(msg)
			if err != nil {
				h.logger.Warn("encoding heartbeat failed", "error", err)
				continue
			}
			if err := h.lc.writeLine(b, h.timeout); err != nil {
				h.logger.Warn("pushing heartbeat failed", "error", err)
				return
			}
		}
	}
}

// Stop signals Run to exit and waits for it to finish, then closes the
// connection.
func (h *HeartbeatPusher) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
	h.lc.Close()
}

func collectSystemHealth(msg *protocol.HeartbeatMessage) {
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		msg.CPUPercent = pct[0]
	}
	if v, err := mem.VirtualMemory(); err == nil {
		msg.MemPercent = v.UsedPercent
	}
	if d, err := disk.Usage("/"); err == nil {
		msg.DiskFreeMB = d.Free / (1024 * 1024)
	}
	if l, err := load.Avg(); err == nil {
		msg.LoadAverage1 = l.Load1
	}
}

// HeartbeatPuller is the Master side of the H channel.
type HeartbeatPuller struct {
	ln     net.Listener
	logger *slog.Logger
	lc     *lineConn

	mu     sync.RWMutex
	latest protocol.HeartbeatMessage
}

// NewHeartbeatPuller binds address.
func NewHeartbeatPuller(address string, logger *slog.Logger) (*HeartbeatPuller, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("netlink: binding heartbeat pull at %s: %w", address, err)
	}
	return &HeartbeatPuller{ln: ln, logger: logger.With("component", "heartbeat_puller")}, nil
}

// AcceptAndServe accepts the Slave's single push connection and consumes
// heartbeats until the connection closes or the listener closes. Run in
// its own goroutine.
func (p *HeartbeatPuller) AcceptAndServe() {
	conn, err := p.ln.Accept()
	if err != nil {
		return
	}
	setLinger0(conn)
	p.lc = newLineConn(conn)

	for {
		line, err := p.lc.readLine(defaultRecvTimeout)
		if err != nil {
			return
		}
		var msg protocol.HeartbeatMessage
		if err := protocol.DecodeMessage(line, &msg); err != nil {
			p.logger.Warn("malformed heartbeat", "error", err)
			continue
		}
		p.mu.Lock()
		p.latest = msg
		p.mu.Unlock()
	}
}

// Latest returns the most recently received heartbeat.
func (p *HeartbeatPuller) Latest() protocol.HeartbeatMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest
}

// Close closes the listener and any accepted connection.
func (p *HeartbeatPuller) Close() error {
	if p.lc != nil {
		p.lc.Close()
	}
	return p.ln.Close()
}
