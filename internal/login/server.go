// Package login implements the login protocol on top of the secure
// transport: per-connection sessions, the opcode table and the account
// verification flow.
package login

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/gcemu-project/gcemu/internal/db"
	"github.com/gcemu-project/gcemu/internal/events"
	"github.com/gcemu-project/gcemu/internal/network"
	"github.com/gcemu-project/gcemu/internal/protocol"
	"github.com/gcemu-project/gcemu/internal/security"
	"github.com/gcemu-project/gcemu/internal/util"
)

// AccountVerifier is the part of db.AccountStore the login flow needs.
type AccountVerifier interface {
	VerifyCredentials(login, password, remoteAddr string) (*db.Account, error)
	FailedAttemptsSince(login string, since time.Time) (int, error)
}

// Options tunes protocol and account policy.
type Options struct {
	// MaxFrameSize bounds a single inbound frame. Zero means protocol.MaxFrameSize.
	MaxFrameSize int
	// CompressThreshold is the payload size at which Send compresses. Zero disables it.
	CompressThreshold int
	// MaxFailedAttempts locks an account after this many failures within
	// LockoutWindow. Zero disables the lockout.
	MaxFailedAttempts int
	LockoutWindow     time.Duration
}

// Stats is a point-in-time copy of the server counters.
type Stats struct {
	ActiveSessions      int64  `json:"active_sessions"`
	HandshakesCompleted uint64 `json:"handshakes_completed"`
	FramesIn            uint64 `json:"frames_in"`
	FramesOut           uint64 `json:"frames_out"`
	FramesRejected      uint64 `json:"frames_rejected"`
	ReplaysDropped      uint64 `json:"replays_dropped"`
	UnknownOpcodes      uint64 `json:"unknown_opcodes"`
	LoginsSucceeded     uint64 `json:"logins_succeeded"`
	LoginsFailed        uint64 `json:"logins_failed"`
}

type counters struct {
	activeSessions      atomic.Int64
	handshakesCompleted atomic.Uint64
	framesIn            atomic.Uint64
	framesOut           atomic.Uint64
	framesRejected      atomic.Uint64
	replaysDropped      atomic.Uint64
	unknownOpcodes      atomic.Uint64
	loginsSucceeded     atomic.Uint64
	loginsFailed        atomic.Uint64
}

// Server holds the state shared by every session.
type Server struct {
	ctx      context.Context
	registry *security.Registry
	accounts AccountVerifier
	bus      *events.EventBus
	codec    protocol.Codec
	opcodes  *OpcodeMap
	opts     Options
	logger   zerolog.Logger

	stats counters
}

// NewServer creates a login server. bus may be nil.
func NewServer(ctx context.Context, registry *security.Registry, accounts AccountVerifier, bus *events.EventBus, opts Options) *Server {
	if opts.MaxFrameSize <= 0 || opts.MaxFrameSize > protocol.MaxFrameSize {
		opts.MaxFrameSize = protocol.MaxFrameSize
	}
	s := &Server{
		ctx:      ctx,
		registry: registry,
		accounts: accounts,
		bus:      bus,
		codec:    protocol.NewZlibCodec(),
		opts:     opts,
		logger:   util.ComponentLogger("login"),
	}
	s.opcodes = s.defaultOpcodes()
	return s
}

// NewSession returns a fresh session. It satisfies network.HandlerFactory.
func (s *Server) NewSession() network.Handler {
	return &Session{srv: s}
}

// Opcodes returns the dispatch table so callers can register extra handlers
// before the listener starts.
func (s *Server) Opcodes() *OpcodeMap {
	return s.opcodes
}

// Registry returns the security association registry.
func (s *Server) Registry() *security.Registry {
	return s.registry
}

// Stats returns the current counters.
func (s *Server) Stats() Stats {
	return Stats{
		ActiveSessions:      s.stats.activeSessions.Load(),
		HandshakesCompleted: s.stats.handshakesCompleted.Load(),
		FramesIn:            s.stats.framesIn.Load(),
		FramesOut:           s.stats.framesOut.Load(),
		FramesRejected:      s.stats.framesRejected.Load(),
		ReplaysDropped:      s.stats.replaysDropped.Load(),
		UnknownOpcodes:      s.stats.unknownOpcodes.Load(),
		LoginsSucceeded:     s.stats.loginsSucceeded.Load(),
		LoginsFailed:        s.stats.loginsFailed.Load(),
	}
}

func (s *Server) emit(t events.EventType, payload interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(s.ctx, events.Event{Type: t, Source: "login", Payload: payload})
}
