package netlink

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nishisan-dev/tssync/internal/protocol"
)

// TriggerPublisher is the Master side of the T channel: it binds once and
// broadcasts every Publish call to all currently connected subscribers.
type TriggerPublisher struct {
	ln     net.Listener
	logger *slog.Logger

	mu   sync.Mutex
	subs map[net.Conn]*lineConn
}

// NewTriggerPublisher binds address (conventionally port 5557).
func NewTriggerPublisher(address string, logger *slog.Logger) (*TriggerPublisher, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("netlink: binding trigger publisher at %s: %w", address, err)
	}
	return &TriggerPublisher{
		ln:     ln,
		logger: logger.With("component", "trigger_publisher"),
		subs:   make(map[net.Conn]*lineConn),
	}, nil
}

// AcceptLoop accepts subscriber connections until the listener is closed.
// Run it in its own goroutine.
func (p *TriggerPublisher) AcceptLoop() {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return
		}
		setLinger0(conn)
		p.mu.Lock()
		p.subs[conn] = newLineConn(conn)
		p.mu.Unlock()
		p.logger.Debug("trigger subscriber connected", "remote", conn.RemoteAddr())
	}
}

// Publish broadcasts a trigger message to every connected subscriber.
// Per-subscriber write failures are logged and that subscriber is dropped;
// Publish itself only fails if there were no subscribers to send to.
func (p *TriggerPublisher) Publish(msg protocol.TriggerMessage) error {
	b, err := protocol.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("netlink: encoding trigger: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.subs) == 0 {
		return fmt.Errorf("netlink: no trigger subscribers connected")
	}
	for conn, lc := range p.subs {
		if err := lc.writeLine(b, defaultRecvTimeout); err != nil {
			p.logger.Warn("dropping trigger subscriber after write failure", "error", err)
			conn.Close()
			delete(p.subs, conn)
		}
	}
	return nil
}

// Close stops accepting new subscribers and closes every connection.
func (p *TriggerPublisher) Close() error {
	p.ln.Close()
	p.mu.Lock()
	defer p.mu.Unlock()
	for conn := range p.subs {
		conn.Close()
	}
	return nil
}

// TriggerSubscriber is the Slave side of the T channel.
type TriggerSubscriber struct {
	lc *lineConn
}

// SubscribeTrigger connects to the Master's trigger publisher.
func SubscribeTrigger(address string, timeout time.Duration) (*TriggerSubscriber, error) {
	conn, err := dialWithLinger0(address, timeout)
	if err != nil {
		return nil, fmt.Errorf("netlink: connecting trigger subscriber to %s: %w", address, err)
	}
	return &TriggerSubscriber{lc: newLineConn(conn)}, nil
}

// Receive blocks until a trigger message arrives or timeout elapses.
func (s *TriggerSubscriber) Receive(timeout time.Duration) (protocol.TriggerMessage, error) {
	var msg protocol.TriggerMessage
	line, err := s.lc.readLine(timeout)
	if err != nil {
		return msg, fmt.Errorf("netlink: reading trigger: %w", err)
	}
	if err := protocol.DecodeMessage(line, &msg); err != nil {
		return msg, err
	}
	return msg, nil
}

// Close closes the subscriber connection.
func (s *TriggerSubscriber) Close() error {
	return s.lc.Close()
}
