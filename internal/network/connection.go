// Package network implements the login server's socket layer: a listener
// that spreads accepted connections over a fixed pool of worker groups,
// each running a single event loop, and connections that reassemble a
// byte stream into frames for a protocol Handler.
package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/gcemu-project/gcemu/internal/protocol"
)

var (
	ErrConnectionClosed = errors.New("connection is closed")
	ErrNoRemoteEndpoint = errors.New("remote endpoint unavailable")
	ErrNoProgress       = errors.New("handler consumed no input")
)

// Handler is the protocol-specific side of a connection. All three methods
// run on the connection's worker group loop, except Closed which runs on
// whichever goroutine closed the connection.
type Handler interface {
	// Open is called once after the connection is registered. Returning an
	// error closes the connection.
	Open(c *Connection) error

	// ProcessIncomingData consumes at most one frame from c.Inbound(). It
	// returns protocol.ErrIncompleteFrame when more bytes are needed; any
	// other error closes the connection.
	ProcessIncomingData(c *Connection) error

	// Closed is called exactly once after the socket is closed.
	Closed(c *Connection)
}

// HandlerFactory creates the handler for a newly accepted connection.
type HandlerFactory func() Handler

var connectionIDs atomic.Uint64

// Connection owns one socket plus its inbound and outbound buffers. The
// buffers are only touched from the owning group's loop goroutine; a
// pending read or write borrows the relevant region until its completion
// is posted back.
type Connection struct {
	id      uint64
	conn    net.Conn
	group   *WorkerGroup
	handler Handler
	logger  zerolog.Logger

	in      *protocol.ByteCursor
	out     *protocol.ByteCursor
	writing bool

	remote string

	mu       sync.Mutex
	closed   bool
	openedAt time.Time

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
}

func newConnection(conn net.Conn, group *WorkerGroup, handler Handler, bufferSize int) *Connection {
	c := &Connection{
		id:      connectionIDs.Add(1),
		conn:    conn,
		group:   group,
		handler: handler,
		in:      protocol.NewByteCursor(bufferSize),
		out:     protocol.NewByteCursor(bufferSize),
	}
	if addr := conn.RemoteAddr(); addr != nil {
		c.remote = addr.String()
	}
	c.logger = group.logger.With().Uint64("conn", c.id).Str("remote", c.remote).Logger()
	return c
}

// open verifies the remote endpoint, runs the handler's Open and starts
// reading. Runs on the loop.
func (c *Connection) open() error {
	if c.remote == "" {
		return ErrNoRemoteEndpoint
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.openedAt = time.Now()
	c.mu.Unlock()

	if err := c.handler.Open(c); err != nil {
		return fmt.Errorf("handler open: %w", err)
	}

	c.logger.Debug().Msg("connection opened")
	c.startRead()
	return nil
}

// ---- Read path ----

func (c *Connection) startRead() {
	if c.IsClosed() {
		return
	}
	if c.in.FreeCapacity() == 0 {
		c.in.Grow(c.in.Cap())
	}

	buf := c.in.FreeTail()
	go func() {
		n, err := c.conn.Read(buf)
		c.group.Post(func() { c.onRead(n, err) })
	}()
}

func (c *Connection) onRead(n int, err error) {
	if c.IsClosed() {
		return
	}
	if n > 0 {
		c.in.CommitWrite(n)
		c.bytesIn.Add(uint64(n))
	}
	if err != nil {
		c.closeWithReason(err)
		return
	}

	// Grow before parsing so a frame is never split across two reads.
	if queued := queuedBytes(c.conn); queued > c.in.FreeCapacity() {
		c.in.Grow(queued)
		c.startRead()
		return
	}

	for c.in.Len() > 0 {
		before := c.in.Len()
		err := c.handler.ProcessIncomingData(c)
		if c.IsClosed() {
			return
		}

		switch {
		case err == nil:
			if c.in.Len() == before {
				c.closeWithReason(ErrNoProgress)
				return
			}
		case errors.Is(err, protocol.ErrIncompleteFrame):
			c.in.Compact()
			c.startRead()
			return
		default:
			c.closeWithReason(err)
			return
		}
	}

	c.in.Reset()
	c.startRead()
}

// Inbound returns the receive buffer. Only valid inside Handler callbacks.
func (c *Connection) Inbound() *protocol.ByteCursor {
	return c.in
}

// ---- Write path ----

// Write queues data for sending. The connection takes ownership of data.
// It is safe to call from any goroutine.
func (c *Connection) Write(data []byte) error {
	if c.IsClosed() {
		return ErrConnectionClosed
	}
	if !c.group.Post(func() { c.enqueueWrite(data) }) {
		return ErrGroupStopped
	}
	return nil
}

func (c *Connection) enqueueWrite(data []byte) {
	if c.IsClosed() {
		return
	}
	c.out.WriteBytes(data)
	if !c.writing {
		c.startWrite()
	}
}

// startWrite lends out.Bytes() to the writer goroutine. While it is in
// flight the read offset stays at 0, so appends never move those bytes.
func (c *Connection) startWrite() {
	c.writing = true
	buf := c.out.Bytes()
	go func() {
		n, err := c.conn.Write(buf)
		c.group.Post(func() { c.onWrite(n, err) })
	}()
}

func (c *Connection) onWrite(n int, err error) {
	c.writing = false
	if c.IsClosed() {
		return
	}
	if n > 0 {
		c.out.ConsumeRead(n)
		c.out.Compact()
		c.bytesOut.Add(uint64(n))
	}
	if err != nil {
		c.closeWithReason(err)
		return
	}
	if c.out.Len() > 0 {
		c.startWrite()
	}
}

// ---- Lifecycle ----

// Close closes the socket, removes the connection from its group and
// notifies the handler. It is idempotent and safe from any goroutine.
func (c *Connection) Close() error {
	return c.closeWithReason(nil)
}

func (c *Connection) closeWithReason(reason error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.conn.Close()
	c.group.RemoveConnection(c)
	c.handler.Closed(c)

	ev := c.logger.Info()
	if reason != nil && !errors.Is(reason, io.EOF) {
		ev = c.logger.Warn().Err(reason)
	}
	ev.Uint64("bytes_in", c.bytesIn.Load()).
		Uint64("bytes_out", c.bytesOut.Load()).
		Msg("connection closed")
	return err
}

// IsClosed returns whether the connection has been closed.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ID returns a process-unique connection id.
func (c *Connection) ID() uint64 {
	return c.id
}

// RemoteAddr returns the remote endpoint.
func (c *Connection) RemoteAddr() string {
	return c.remote
}

// Group returns the worker group that owns the connection.
func (c *Connection) Group() *WorkerGroup {
	return c.group
}

// Logger returns the connection-scoped logger.
func (c *Connection) Logger() *zerolog.Logger {
	return &c.logger
}

// BytesIn returns the number of bytes received.
func (c *Connection) BytesIn() uint64 {
	return c.bytesIn.Load()
}

// BytesOut returns the number of bytes sent.
func (c *Connection) BytesOut() uint64 {
	return c.bytesOut.Load()
}

// OpenedAt returns when the connection was opened.
func (c *Connection) OpenedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openedAt
}
