package login

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gcemu-project/gcemu/internal/db"
	"github.com/gcemu-project/gcemu/internal/events"
	"github.com/gcemu-project/gcemu/internal/protocol"
)

// Verify account result codes carried by ENU_VERIFY_ACCOUNT_ACK.
const (
	VerifyOK                 uint32 = 0
	VerifyInvalidCredentials uint32 = 1
	VerifyBanned             uint32 = 2
	VerifyTooManyAttempts    uint32 = 3
	VerifyInternalError      uint32 = 4
	VerifyAlreadyVerified    uint32 = 5
)

// HandlerFunc handles one decoded frame. A returned error closes the
// connection.
type HandlerFunc func(s *Session, f *protocol.Frame) error

type opcodeEntry struct {
	name    string
	handler HandlerFunc
}

// OpcodeMap dispatches decoded frames by opcode.
type OpcodeMap struct {
	mu      sync.RWMutex
	entries map[uint16]opcodeEntry
}

// NewOpcodeMap returns an empty map.
func NewOpcodeMap() *OpcodeMap {
	return &OpcodeMap{entries: make(map[uint16]opcodeEntry)}
}

// Register binds handler to opcode, replacing any earlier binding.
func (m *OpcodeMap) Register(opcode uint16, name string, handler HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[opcode] = opcodeEntry{name: name, handler: handler}
}

// Name returns the registered name of opcode.
func (m *OpcodeMap) Name(opcode uint16) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[opcode]
	return e.name, ok
}

// Dispatch runs the handler for f. Unknown opcodes are logged and ignored.
func (m *OpcodeMap) Dispatch(s *Session, f *protocol.Frame) error {
	m.mu.RLock()
	e, ok := m.entries[f.Opcode]
	m.mu.RUnlock()

	c := s.Connection()
	if !ok {
		s.srv.stats.unknownOpcodes.Add(1)
		c.Logger().Warn().
			Str("opcode", protocol.OpcodeName(f.Opcode)).
			Uint32("length", f.PayloadLength).
			Msg("no handler for opcode")
		s.srv.emit(events.EventUnknownOpcode, events.OpcodePayload{
			RemoteAddr: c.RemoteAddr(),
			Opcode:     f.Opcode,
			Name:       protocol.OpcodeName(f.Opcode),
		})
		return nil
	}

	c.Logger().Debug().
		Str("opcode", e.name).
		Uint32("seq", f.SequenceNumber).
		Uint32("length", f.PayloadLength).
		Bool("compressed", f.Compressed).
		Msg("packet received")

	if err := e.handler(s, f); err != nil {
		return fmt.Errorf("%s: %w", e.name, err)
	}
	return nil
}

func (s *Server) defaultOpcodes() *OpcodeMap {
	m := NewOpcodeMap()
	m.Register(protocol.OpHeartBeatNot, protocol.OpcodeName(protocol.OpHeartBeatNot), handleHeartBeat)
	m.Register(protocol.OpVerifyAccountReq, protocol.OpcodeName(protocol.OpVerifyAccountReq), s.handleVerifyAccount)
	return m
}

func handleHeartBeat(*Session, *protocol.Frame) error {
	return nil
}

// VerifyAccountRequest is the body of ENU_VERIFY_ACCOUNT_REQ.
type VerifyAccountRequest struct {
	Login    string
	Password string
}

// ParseVerifyAccountRequest decodes two UTF-16 strings.
func ParseVerifyAccountRequest(payload []byte) (*VerifyAccountRequest, error) {
	r := protocol.NewReadCursor(payload)
	login, err := r.ReadUTF16String()
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	password, err := r.ReadUTF16String()
	if err != nil {
		return nil, fmt.Errorf("password: %w", err)
	}
	return &VerifyAccountRequest{Login: login, Password: password}, nil
}

// Encode builds the request body.
func (r *VerifyAccountRequest) Encode() []byte {
	return protocol.NewByteCursor(8 + 2*(len(r.Login)+len(r.Password))).
		WriteUTF16String(r.Login).
		WriteUTF16String(r.Password).
		Bytes()
}

// EncodeVerifyAccountAck builds the ENU_VERIFY_ACCOUNT_ACK body.
func EncodeVerifyAccountAck(result uint32, login string) []byte {
	return protocol.NewByteCursor(8 + 2*len(login)).
		WriteUint32(result).
		WriteUTF16String(login).
		Bytes()
}

// ParseVerifyAccountAck decodes an ENU_VERIFY_ACCOUNT_ACK body.
func ParseVerifyAccountAck(payload []byte) (uint32, string, error) {
	r := protocol.NewReadCursor(payload)
	result, err := r.ReadUint32()
	if err != nil {
		return 0, "", err
	}
	login, err := r.ReadUTF16String()
	if err != nil {
		return 0, "", err
	}
	return result, login, nil
}

// handleVerifyAccount parses on the loop and checks credentials on its own
// goroutine, since password hashing is slow.
func (s *Server) handleVerifyAccount(sess *Session, f *protocol.Frame) error {
	req, err := ParseVerifyAccountRequest(f.Payload)
	if err != nil {
		return err
	}

	// Only one verification may be in flight per session.
	if sess.Verified() || !sess.verifying.CompareAndSwap(false, true) {
		return sess.Send(protocol.OpVerifyAccountAck, EncodeVerifyAccountAck(VerifyAlreadyVerified, sess.Login()))
	}

	go func() {
		result := s.verify(sess, req)
		if result != VerifyOK {
			sess.verifying.Store(false)
		}
		if err := sess.Send(protocol.OpVerifyAccountAck, EncodeVerifyAccountAck(result, req.Login)); err != nil {
			sess.Connection().Logger().Debug().Err(err).Msg("failed to send verify ack")
		}
	}()
	return nil
}

func (s *Server) verify(sess *Session, req *VerifyAccountRequest) uint32 {
	c := sess.Connection()
	logger := c.Logger().With().Str("login", req.Login).Logger()

	result := s.checkCredentials(req, c.RemoteAddr())
	if result == VerifyOK {
		sess.login.Store(req.Login)
		sess.verified.Store(true)
		s.stats.loginsSucceeded.Add(1)
		logger.Info().Msg("account verified")
	} else {
		s.stats.loginsFailed.Add(1)
		logger.Info().Uint32("result", result).Msg("account verification failed")
	}

	s.emit(events.EventAccountVerified, events.AccountVerifiedPayload{
		RemoteAddr: c.RemoteAddr(),
		Login:      req.Login,
		Success:    result == VerifyOK,
		Result:     result,
	})
	return result
}

func (s *Server) checkCredentials(req *VerifyAccountRequest, remoteAddr string) uint32 {
	if s.accounts == nil {
		return VerifyInternalError
	}

	if s.opts.MaxFailedAttempts > 0 {
		failed, err := s.accounts.FailedAttemptsSince(req.Login, time.Now().Add(-s.opts.LockoutWindow))
		if err != nil {
			s.logger.Error().Err(err).Str("login", req.Login).Msg("failed to read login attempts")
			return VerifyInternalError
		}
		if failed >= s.opts.MaxFailedAttempts {
			return VerifyTooManyAttempts
		}
	}

	_, err := s.accounts.VerifyCredentials(req.Login, req.Password, remoteAddr)
	switch {
	case err == nil:
		return VerifyOK
	case errors.Is(err, db.ErrNotFound), errors.Is(err, db.ErrBadPassword):
		return VerifyInvalidCredentials
	case errors.Is(err, db.ErrAccountBanned):
		return VerifyBanned
	}
	s.logger.Error().Err(err).Str("login", req.Login).Msg("credential check failed")
	return VerifyInternalError
}
