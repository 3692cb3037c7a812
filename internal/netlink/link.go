// Package netlink implements the five-socket peer link between a Master
// and a Slave node (spec.md §4.5): Trigger (pub/sub), Command (req/rep),
// Sync (push/pull), File (push/pull, bulk), and Heartbeat (push/pull).
// Every JSON-carrying channel is framed as one newline-delimited message
// per line; the File channel carries raw protocol.FileFrame frames
// instead. There is no transport authentication between peers — spec.md's
// non-goals explicitly exclude it.
package netlink

import (
	"bufio"
	"fmt"
	"net"
	"time"
)

// Ports holds the peer link's five socket addresses. Defaults per
// spec.md §6.
type Ports struct {
	Trigger int // default 5557, M binds
	Command int // default 5561, S binds
	Sync    int // default 5562, M binds
	File    int // default 5560, M binds
	Status  int // default 5559, M binds (heartbeat)
}

// DefaultPorts returns the spec-mandated default port assignment.
func DefaultPorts() Ports {
	return Ports{Trigger: 5557, Command: 5561, Sync: 5562, File: 5560, Status: 5559}
}

// defaultRecvTimeout is applied to every socket receive that isn't given an
// explicit deadline by its caller; §5 requires every receive to carry a
// deadline, never block indefinitely.
const defaultRecvTimeout = 5 * time.Second

// lineConn wraps a net.Conn with a buffered line reader, the minimal
// framing every JSON channel on the peer link shares.
type lineConn struct {
	conn   net.Conn
	reader *bufio.Reader
}

func newLineConn(conn net.Conn) *lineConn {
	return &lineConn{conn: conn, reader: bufio.NewReader(conn)}
}

func (lc *lineConn) writeLine(b []byte, timeout time.Duration) error {
	if err := lc.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("netlink: setting write deadline: %w", err)
	}
	if _, err := lc.conn.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("netlink: writing line: %w", err)
	}
	return nil
}

func (lc *lineConn) readLine(timeout time.Duration) ([]byte, error) {
	if err := lc.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("netlink: setting read deadline: %w", err)
	}
	line, err := lc.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}
	return line, nil
}

func (lc *lineConn) Close() error {
	return lc.conn.Close()
}

// dialWithLinger0 connects to address and arranges for the connection to
// close with a zero linger timeout on shutdown, per spec.md §4.5's "linger
// option is 0 on shutdown paths".
func dialWithLinger0(address string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, err
	}
	setLinger0(conn)
	return conn, nil
}

func setLinger0(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetLinger(0)
	}
}
