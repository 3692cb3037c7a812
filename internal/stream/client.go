// Package stream implements the per-channel acquisition pipeline's ingest
// side: one Client per channel binds a dedicated local port, accepts a
// single connection from DLT, reads length-framed batches of 64-bit
// timestamps, and buffers them in arrival order for the Merger.
package stream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/nishisan-dev/tssync/internal/model"
)

// defaultQueueCapacity bounds how many unconsumed batches a Client will
// buffer before Push blocks, giving the Merger backpressure control.
const defaultQueueCapacity = 64

// ErrDisconnected is recorded when the peer-disconnect monitor fires
// before a natural end-of-stream frame arrives.
var ErrDisconnected = errors.New("stream: peer disconnected")

// Client receives one channel's framed binary timestamp stream from DLT.
type Client struct {
	channel int
	logger  *slog.Logger

	ln   net.Listener
	Done chan struct{} // closed when the client's goroutine exits

	running atomic.Bool
	lastErr atomic.Value // error

	queue     *BatchQueue
	batchIdx  atomic.Int64
	disconnect chan struct{} // external monitor signal, see Disconnect()
}

// NewClient binds a listener for channel on address (conventionally
// BASE+channel) and returns a Client ready to Run.
func NewClient(channel int, address string, logger *slog.Logger) (*Client, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("stream: binding channel %d at %s: %w", channel, address, err)
	}
	c := &Client{
		channel:    channel,
		logger:     logger.With("component", "stream_client", "channel", channel),
		ln:         ln,
		Done:       make(chan struct{}),
		queue:      NewBatchQueue(defaultQueueCapacity),
		disconnect: make(chan struct{}),
	}
	c.running.Store(true)
	return c, nil
}

// Channel returns the channel id this client serves.
func (c *Client) Channel() int { return c.channel }

// Queue returns the batch queue the Merger consumes from.
func (c *Client) Queue() *BatchQueue { return c.queue }

// Running reports whether the client's read loop is still active.
func (c *Client) Running() bool { return c.running.Load() }

// Err returns the error that terminated the client, if any.
func (c *Client) Err() error {
	if v := c.lastErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// Disconnect signals the peer-disconnect monitor event (§4.3): the client
// terminates on its next read boundary as if end-of-stream had arrived,
// but records ErrDisconnected.
func (c *Client) Disconnect() {
	select {
	case <-c.disconnect:
	default:
		close(c.disconnect)
	}
}

// Run accepts DLT's single connection and reads frames until end-of-stream,
// a disconnect signal, or a transport error. It always closes Done and the
// batch queue on return, leaving whatever was already buffered intact for
// the Merger per §4.3's failure semantics.
func (c *Client) Run() {
	defer close(c.Done)
	defer c.queue.Close()
	defer c.running.Store(false)

	conn, err := c.acceptWithDisconnect()
	if err != nil {
		c.fail(err)
		return
	}
	defer conn.Close()

	go func() {
		<-c.disconnect
		conn.Close()
	}()

	for {
		frame, err := readFrame(conn)
		if err != nil {
			select {
			case <-c.disconnect:
				c.fail(ErrDisconnected)
			default:
				c.fail(fmt.Errorf("stream: reading channel %d frame: %w", c.channel, err))
			}
			return
		}

		if len(frame) == 0 {
			c.logger.Debug("end of stream frame received")
			return
		}

		values, err := decodeTimestamps(frame)
		if err != nil {
			c.fail(err)
			return
		}

		idx := int(c.batchIdx.Add(1)) - 1
		batch := model.StreamBatch{Channel: model.ChannelID(c.channel), Index: idx, Values: values}
		if !c.queue.Push(batch) {
			return
		}
	}
}

func (c *Client) acceptWithDisconnect() (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := c.ln.Accept()
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-c.disconnect:
		c.ln.Close()
		return nil, ErrDisconnected
	}
}

func (c *Client) fail(err error) {
	c.lastErr.Store(err)
	c.logger.Warn("stream client terminated", "error", err)
}

// readFrame reads one length-prefixed frame: a big-endian uint32 byte
// length followed by that many bytes. A length of 0 is the end-of-stream
// marker and is returned as a nil/empty slice.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// decodeTimestamps decodes a frame whose length must be a multiple of 8
// into little-endian uint64 timestamps.
func decodeTimestamps(frame []byte) ([]uint64, error) {
	if len(frame)%8 != 0 {
		return nil, fmt.Errorf("stream: frame length %d not a multiple of 8", len(frame))
	}
	values := make([]uint64, len(frame)/8)
	for i := range values {
		values[i] = binary.LittleEndian.Uint64(frame[i*8 : i*8+8])
	}
	return values, nil
}

// WriteFrame writes one length-prefixed frame of timestamps, the inverse
// of readFrame/decodeTimestamps. Used by test harnesses.
func WriteFrame(w io.Writer, values []uint64) error {
	buf := make([]byte, 4+8*len(values))
	binary.BigEndian.PutUint32(buf[0:4], uint32(8*len(values)))
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[4+i*8:4+i*8+8], v)
	}
	_, err := w.Write(buf)
	return err
}

// WriteEOFFrame writes the zero-length end-of-stream marker.
func WriteEOFFrame(w io.Writer) error {
	var buf [4]byte
	_, err := w.Write(buf[:])
	return err
}
