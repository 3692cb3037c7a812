package netlink

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/nishisan-dev/tssync/internal/protocol"
)

// SyncEvent is one decoded frame received on the Y channel: either the
// bare "ready_for_trigger" string or a trigger-timestamp echo object.
type SyncEvent struct {
	Ready bool
	Echo  protocol.TriggerEchoMessage
}

// SyncPull is the Master side of the Y channel: it binds (pull) and
// accepts the Slave's single push connection.
type SyncPull struct {
	ln     net.Listener
	logger *slog.Logger
	lc     *lineConn
}

// NewSyncPull binds address (conventionally port 5562).
func NewSyncPull(address string, logger *slog.Logger) (*SyncPull, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("netlink: binding sync pull at %s: %w", address, err)
	}
	return &SyncPull{ln: ln, logger: logger.With("component", "sync_pull")}, nil
}

// Accept blocks until the Slave's push connection arrives.
func (p *SyncPull) Accept(timeout time.Duration) error {
	if tl, ok := p.ln.(*net.TCPListener); ok {
		tl.SetDeadline(time.Now().Add(timeout))
	}
	conn, err := p.ln.Accept()
	if err != nil {
		return fmt.Errorf("netlink: accepting sync push connection: %w", err)
	}
	setLinger0(conn)
	p.lc = newLineConn(conn)
	return nil
}

// Receive reads and classifies the next frame on the Y channel.
func (p *SyncPull) Receive(timeout time.Duration) (SyncEvent, error) {
	var ev SyncEvent
	if p.lc == nil {
		return ev, fmt.Errorf("netlink: sync pull has no connected push side")
	}
	line, err := p.lc.readLine(timeout)
	if err != nil {
		return ev, fmt.Errorf("netlink: reading sync frame: %w", err)
	}

	var bare string
	if err := protocol.DecodeMessage(line, &bare); err == nil {
		if bare == protocol.ReadyFrame {
			ev.Ready = true
			return ev, nil
		}
	}

	if err := protocol.DecodeMessage(line, &ev.Echo); err != nil {
		return ev, fmt.Errorf("netlink: unrecognised sync frame %q: %w", line, err)
	}
	return ev, nil
}

// Addr returns the listener's bound address, useful when the pull socket
// was bound to port 0 for an ephemeral port.
func (p *SyncPull) Addr() string {
	return p.ln.Addr().String()
}

// Close closes the listener and any accepted connection.
func (p *SyncPull) Close() error {
	if p.lc != nil {
		p.lc.Close()
	}
	return p.ln.Close()
}

// SyncPush is the Slave side of the Y channel.
type SyncPush struct {
	lc      *lineConn
	timeout time.Duration
}

// DialSync connects to the Master's sync pull socket.
func DialSync(address string, timeout time.Duration) (*SyncPush, error) {
	conn, err := dialWithLinger0(address, timeout)
	if err != nil {
		return nil, fmt.Errorf("netlink: connecting sync push to %s: %w", address, err)
	}
	return &SyncPush{lc: newLineConn(conn), timeout: timeout}, nil
}

// PushReady sends the bare "ready_for_trigger" frame.
func (s *SyncPush) PushReady() error {
	b, err := protocol.EncodeMessage(protocol.ReadyFrame)
	if err != nil {
		return err
	}
	return s.lc.writeLine(b, s.timeout)
}

// PushEcho sends a trigger-timestamp echo frame.
func (s *SyncPush) PushEcho(msg protocol.TriggerEchoMessage) error {
	b, err := protocol.EncodeMessage(msg)
	if err != nil {
		return err
	}
	return s.lc.writeLine(b, s.timeout)
}

// Close closes the push connection.
func (s *SyncPush) Close() error {
	return s.lc.Close()
}
