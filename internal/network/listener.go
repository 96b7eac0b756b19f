package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

// ListenerConfig holds the startup knobs of a Listener.
type ListenerConfig struct {
	Address    string
	Port       int
	Groups     int
	BufferSize int
}

// Listener accepts TCP connections on its own goroutine and hands each one
// to the least-loaded worker group.
type Listener struct {
	cfg     ListenerConfig
	factory HandlerFactory
	groups  []*WorkerGroup
	ln      net.Listener
	logger  zerolog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewListener binds the listening socket, starts cfg.Groups worker groups
// and begins accepting. A bind failure is returned to the caller.
func NewListener(ctx context.Context, cfg ListenerConfig, factory HandlerFactory) (*Listener, error) {
	if cfg.Groups < 1 {
		cfg.Groups = 1
	}
	if factory == nil {
		return nil, errors.New("listener requires a handler factory")
	}

	addr := net.JoinHostPort(cfg.Address, fmt.Sprint(cfg.Port))
	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	l := &Listener{
		cfg:     cfg,
		factory: factory,
		ln:      ln,
		logger:  log.With().Str("component", "listener").Str("addr", ln.Addr().String()).Logger(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for i := 0; i < cfg.Groups; i++ {
		l.groups = append(l.groups, NewWorkerGroup(ctx, i, cfg.BufferSize))
	}

	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()
	go l.acceptLoop()

	l.logger.Info().Int("groups", cfg.Groups).Msg("listener started")
	return l, nil
}

func (l *Listener) acceptLoop() {
	defer close(l.done)

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				l.logger.Info().Msg("accept loop stopping")
				return
			}
			l.logger.Error().Err(err).Msg("failed to accept connection")
			continue
		}

		g := l.SelectWorker()
		c := g.CreateConnection(conn, l.factory())
		l.logger.Debug().
			Str("remote", c.RemoteAddr()).
			Int("group", g.Index()).
			Int("group_size", g.Size()).
			Msg("connection accepted")
		g.Open(c)
	}
}

// leastLoaded returns the index of the smallest size; ties go to the
// lowest index.
func leastLoaded(sizes []int) int {
	best := 0
	for i := 1; i < len(sizes); i++ {
		if sizes[i] < sizes[best] {
			best = i
		}
	}
	return best
}

// SelectWorker returns the group with the fewest live connections.
func (l *Listener) SelectWorker() *WorkerGroup {
	sizes := make([]int, len(l.groups))
	for i, g := range l.groups {
		sizes[i] = g.Size()
	}
	return l.groups[leastLoaded(sizes)]
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Groups returns the worker groups.
func (l *Listener) Groups() []*WorkerGroup {
	return l.groups
}

// Stats returns one entry per worker group.
func (l *Listener) Stats() []GroupStats {
	out := make([]GroupStats, len(l.groups))
	for i, g := range l.groups {
		out[i] = g.Stats()
	}
	return out
}

// ConnectionCount returns the total number of live connections.
func (l *Listener) ConnectionCount() int {
	n := 0
	for _, g := range l.groups {
		n += g.Size()
	}
	return n
}

// Close stops accepting, waits for the accept goroutine and closes every
// worker group.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.cancel()
		err := l.ln.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
		<-l.done

		for _, g := range l.groups {
			err = multierr.Append(err, g.Close())
		}
		l.closeErr = err
		l.logger.Info().Msg("listener closed")
	})
	return l.closeErr
}
