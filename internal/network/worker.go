package network

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

var ErrGroupStopped = errors.New("worker group stopped")

// GroupStats is a point-in-time view of a worker group.
type GroupStats struct {
	Index       int    `json:"index"`
	Connections int    `json:"connections"`
	BytesIn     uint64 `json:"bytes_in"`
	BytesOut    uint64 `json:"bytes_out"`
}

// WorkerGroup runs one event loop goroutine and owns the connections
// assigned to it. Posted functions run one at a time in submission order,
// so no two callbacks for connections of the same group ever overlap.
type WorkerGroup struct {
	index      int
	bufferSize int
	logger     zerolog.Logger

	mu    sync.Mutex
	conns map[*Connection]struct{}

	qmu   sync.Mutex
	queue []func()
	wake  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorkerGroup creates a group and starts its loop. The loop stops when
// ctx is cancelled or Close is called.
func NewWorkerGroup(ctx context.Context, index, bufferSize int) *WorkerGroup {
	ctx, cancel := context.WithCancel(ctx)
	g := &WorkerGroup{
		index:      index,
		bufferSize: bufferSize,
		logger:     log.With().Str("component", "worker").Int("group", index).Logger(),
		conns:      make(map[*Connection]struct{}),
		wake:       make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go g.run()
	return g
}

func (g *WorkerGroup) run() {
	defer close(g.done)
	g.logger.Debug().Msg("worker loop started")

	for {
		select {
		case <-g.ctx.Done():
			g.logger.Debug().Msg("worker loop stopped")
			return
		case <-g.wake:
		}

		for {
			batch := g.drain()
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				g.exec(fn)
			}
		}
	}
}

func (g *WorkerGroup) drain() []func() {
	g.qmu.Lock()
	defer g.qmu.Unlock()
	batch := g.queue
	g.queue = nil
	return batch
}

func (g *WorkerGroup) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error().Interface("panic", r).Msg("worker callback panicked")
		}
	}()
	fn()
}

// Post schedules fn on the group's loop. It never blocks and returns false
// once the loop has stopped.
func (g *WorkerGroup) Post(fn func()) bool {
	if g.ctx.Err() != nil {
		return false
	}

	g.qmu.Lock()
	g.queue = append(g.queue, fn)
	g.qmu.Unlock()

	select {
	case g.wake <- struct{}{}:
	default:
	}
	return true
}

// CreateConnection registers a new connection for conn in this group and
// returns it. The connection is not opened yet; see Open.
func (g *WorkerGroup) CreateConnection(conn net.Conn, handler Handler) *Connection {
	c := newConnection(conn, g, handler, g.bufferSize)

	g.mu.Lock()
	g.conns[c] = struct{}{}
	g.mu.Unlock()
	return c
}

// Open schedules c's open sequence on the loop. Failures close c.
func (g *WorkerGroup) Open(c *Connection) {
	ok := g.Post(func() {
		if err := c.open(); err != nil {
			c.logger.Error().Err(err).Msg("failed to open connection")
			c.closeWithReason(err)
		}
	})
	if !ok {
		c.closeWithReason(ErrGroupStopped)
	}
}

// RemoveConnection erases c from the group.
func (g *WorkerGroup) RemoveConnection(c *Connection) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conns, c)
}

// Size returns the number of live connections.
func (g *WorkerGroup) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Index returns the group's position in its listener.
func (g *WorkerGroup) Index() int {
	return g.index
}

// Connections returns a snapshot of the live connections.
func (g *WorkerGroup) Connections() []*Connection {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Connection, 0, len(g.conns))
	for c := range g.conns {
		out = append(out, c)
	}
	return out
}

// Stats returns counters summed over the live connections.
func (g *WorkerGroup) Stats() GroupStats {
	st := GroupStats{Index: g.index}
	for _, c := range g.Connections() {
		st.Connections++
		st.BytesIn += c.BytesIn()
		st.BytesOut += c.BytesOut()
	}
	return st
}

// Close closes every live connection, stops the loop and waits for it.
func (g *WorkerGroup) Close() error {
	var err error
	for _, c := range g.Connections() {
		err = multierr.Append(err, c.Close())
	}
	g.cancel()
	<-g.done
	return err
}

// Done is closed once the loop has exited.
func (g *WorkerGroup) Done() <-chan struct{} {
	return g.done
}
