package netlink

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/nishisan-dev/tssync/internal/protocol"
)

// maxThrottleBurst bounds a single throttled write, mirroring n-backup's
// ThrottledWriter burst cap so a large file frame doesn't demand an
// oversized token reservation up front.
const maxThrottleBurst = 256 * 1024

// throttledWriter rate-limits writes to bytesPerSec, the same token-bucket
// shape as n-backup's agent-side ThrottledWriter, adapted here to gate the
// F channel's bulk frames instead of backup chunk streams.
type throttledWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

// newThrottledWriter wraps w with a bytesPerSec cap; bytesPerSec<=0 means
// no throttling.
func newThrottledWriter(ctx context.Context, w io.Writer, bytesPerSec int64) io.Writer {
	if bytesPerSec <= 0 {
		return w
	}
	burst := int(bytesPerSec)
	if burst > maxThrottleBurst {
		burst = maxThrottleBurst
	}
	return &throttledWriter{w: w, limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst), ctx: ctx}
}

func (tw *throttledWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := len(p)
		if chunk > tw.limiter.Burst() {
			chunk = tw.limiter.Burst()
		}
		if err := tw.limiter.WaitN(tw.ctx, chunk); err != nil {
			return written, err
		}
		n, err := tw.w.Write(p[:chunk])
		written += n
		if err != nil {
			return written, err
		}
		p = p[n:]
	}
	return written, nil
}

// FilePusher is the Slave side of the F channel: it connects once and
// pushes one or more bulk file frames.
type FilePusher struct {
	conn        net.Conn
	bytesPerSec int64
}

// DialFile connects to the Master's file pull socket. bytesPerSec<=0
// disables throttling.
func DialFile(address string, timeout time.Duration, bytesPerSec int64) (*FilePusher, error) {
	conn, err := dialWithLinger0(address, timeout)
	if err != nil {
		return nil, fmt.Errorf("netlink: connecting file push to %s: %w", address, err)
	}
	return &FilePusher{conn: conn, bytesPerSec: bytesPerSec}, nil
}

// Push writes one file frame, optionally throttled.
func (p *FilePusher) Push(kind protocol.Kind, compression protocol.Compression, recordCount uint64, payload []byte) error {
	w := newThrottledWriter(context.Background(), p.conn, p.bytesPerSec)
	return protocol.WriteFileFrame(w, kind, compression, recordCount, payload)
}

// Close closes the push connection.
func (p *FilePusher) Close() error {
	return p.conn.Close()
}

// FilePuller is the Master side of the F channel.
type FilePuller struct {
	ln   net.Listener
	conn net.Conn
}

// NewFilePuller binds address (conventionally port 5560).
func NewFilePuller(address string) (*FilePuller, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("netlink: binding file pull at %s: %w", address, err)
	}
	return &FilePuller{ln: ln}, nil
}

// Accept blocks until the Slave's push connection arrives.
func (p *FilePuller) Accept() error {
	conn, err := p.ln.Accept()
	if err != nil {
		return fmt.Errorf("netlink: accepting file push connection: %w", err)
	}
	setLinger0(conn)
	p.conn = conn
	return nil
}

// ReceiveFrame reads one file frame.
func (p *FilePuller) ReceiveFrame() (*protocol.FileFrame, error) {
	if p.conn == nil {
		return nil, fmt.Errorf("netlink: file pull has no connected push side")
	}
	return protocol.ReadFileFrame(p.conn)
}

// ReceiveFrameWithTimeout is ReceiveFrame with an explicit read deadline,
// matching spec.md §5's "file receive 5s per frame" timeout.
func (p *FilePuller) ReceiveFrameWithTimeout(timeout time.Duration) (*protocol.FileFrame, error) {
	if p.conn == nil {
		return nil, fmt.Errorf("netlink: file pull has no connected push side")
	}
	if err := p.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("netlink: setting file read deadline: %w", err)
	}
	return protocol.ReadFileFrame(p.conn)
}

// AcceptWithTimeout is Accept bounded by an explicit deadline.
func (p *FilePuller) AcceptWithTimeout(timeout time.Duration) error {
	if tl, ok := p.ln.(*net.TCPListener); ok {
		tl.SetDeadline(time.Now().Add(timeout))
	}
	return p.Accept()
}

// Close closes the listener and any accepted connection.
func (p *FilePuller) Close() error {
	if p.conn != nil {
		p.conn.Close()
	}
	return p.ln.Close()
}
