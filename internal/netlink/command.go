package netlink

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nishisan-dev/tssync/internal/protocol"
)

// CommandHandler answers one decoded command, returning the reply to send
// back. It is invoked synchronously by CommandServer's accept loop.
type CommandHandler func(cmd protocol.CommandMessage) protocol.ResponseMessage

// CommandServer is the Slave side of the C channel: it binds once and
// serves one connection at a time from the Master, per spec.md §4.5
// ("S binds, M connects").
type CommandServer struct {
	ln      net.Listener
	logger  *slog.Logger
	handler CommandHandler
}

// NewCommandServer binds address (conventionally port 5561).
func NewCommandServer(address string, handler CommandHandler, logger *slog.Logger) (*CommandServer, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("netlink: binding command server at %s: %w", address, err)
	}
	return &CommandServer{ln: ln, logger: logger.With("component", "command_server"), handler: handler}, nil
}

// Serve accepts the Master's connection and answers commands on it until
// the connection closes or the listener is closed. Call it in its own
// goroutine; it returns when the link is torn down.
func (s *CommandServer) Serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		setLinger0(conn)
		s.serveConn(conn)
	}
}

func (s *CommandServer) serveConn(conn net.Conn) {
	defer conn.Close()
	lc := newLineConn(conn)

	for {
		line, err := lc.readLine(defaultRecvTimeout)
		if err != nil {
			return
		}
		var cmd protocol.CommandMessage
		if err := protocol.DecodeMessage(line, &cmd); err != nil {
			s.logger.Warn("command server: malformed command", "error", err)
			_ = s.reply(lc, protocol.ResponseMessage{Status: "error", Message: "malformed command"})
			continue
		}

		resp := s.handler(cmd)
		if err := s.reply(lc, resp); err != nil {
			s.logger.Warn("command server: reply failed", "error", err)
			return
		}
	}
}

func (s *CommandServer) reply(lc *lineConn, resp protocol.ResponseMessage) error {
	b, err := protocol.EncodeMessage(resp)
	if err != nil {
		return fmt.Errorf("netlink: encoding response: %w", err)
	}
	return lc.writeLine(b, defaultRecvTimeout)
}

// Close stops the server.
func (s *CommandServer) Close() error {
	return s.ln.Close()
}

// Addr returns the listener's bound address, useful when the server was
// bound to port 0 for an ephemeral port.
func (s *CommandServer) Addr() string {
	return s.ln.Addr().String()
}

// CommandClient is the Master side of the C channel: synchronous
// request/reply, serialised across concurrent callers.
type CommandClient struct {
	lc      *lineConn
	mu      sync.Mutex
	timeout time.Duration
}

// DialCommand connects to the Slave's command server.
func DialCommand(address string, timeout time.Duration) (*CommandClient, error) {
	conn, err := dialWithLinger0(address, timeout)
	if err != nil {
		return nil, fmt.Errorf("netlink: connecting command client to %s: %w", address, err)
	}
	return &CommandClient{lc: newLineConn(conn), timeout: timeout}, nil
}

// Send issues cmd and waits for the reply. Concurrent callers serialise on
// the client's mutex, matching the C channel's single request/reply
// pattern (spec.md §4.1's "concurrent callers must serialise" stance,
// applied here to the peer link's own command socket).
func (c *CommandClient) Send(cmd protocol.CommandMessage) (protocol.ResponseMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var resp protocol.ResponseMessage

	b, err := protocol.EncodeMessage(cmd)
	if err != nil {
		return resp, fmt.Errorf("netlink: encoding command: %w", err)
	}
	if err := c.lc.writeLine(b, c.timeout); err != nil {
		return resp, fmt.Errorf("netlink: sending command: %w", err)
	}

	line, err := c.lc.readLine(c.timeout)
	if err != nil {
		return resp, fmt.Errorf("netlink: reading response: %w", err)
	}
	if err := protocol.DecodeMessage(line, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// Close closes the command connection.
func (c *CommandClient) Close() error {
	return c.lc.Close()
}
