package login

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gcemu-project/gcemu/internal/events"
	"github.com/gcemu-project/gcemu/internal/network"
	"github.com/gcemu-project/gcemu/internal/protocol"
	"github.com/gcemu-project/gcemu/internal/security"
)

// Session is the login protocol state of one connection.
type Session struct {
	srv  *Server
	conn *network.Connection

	// spi is read by Closed, which may run off the loop.
	spi      atomic.Uint32
	login    atomic.Value
	verified atomic.Bool

	// verifying is held from the moment a verify request is accepted until
	// it fails; a success leaves it set for the rest of the session.
	verifying atomic.Bool
}

// Open creates the session's association, announces it to the client
// under the default association and switches to it.
func (s *Session) Open(c *network.Connection) error {
	s.conn = c

	sa, err := s.srv.registry.CreateRandom()
	if err != nil {
		return fmt.Errorf("create association: %w", err)
	}

	state := sa.ExportState()
	payload := protocol.NewByteCursor(2 + len(state)).
		WriteUint16(sa.SPI()).
		WriteBytes(state).
		Bytes()

	frame, err := protocol.EncodeFrame(s.srv.registry.Default(), protocol.OpAcceptConnectionNot, false, payload, nil)
	if err != nil {
		s.srv.registry.Remove(sa.SPI())
		return fmt.Errorf("encode accept: %w", err)
	}

	s.spi.Store(uint32(sa.SPI()))
	s.srv.stats.activeSessions.Add(1)
	if err := c.Write(frame); err != nil {
		return err
	}
	s.srv.stats.framesOut.Add(1)
	s.srv.stats.handshakesCompleted.Add(1)

	c.Logger().Debug().Uint16("spi", sa.SPI()).Msg("security association established")
	s.srv.emit(events.EventConnectionOpened, events.ConnectionPayload{
		RemoteAddr: c.RemoteAddr(),
		Group:      c.Group().Index(),
		SPI:        sa.SPI(),
	})
	s.srv.emit(events.EventHandshakeCompleted, events.HandshakePayload{
		RemoteAddr: c.RemoteAddr(),
		SPI:        sa.SPI(),
	})
	return nil
}

// ProcessIncomingData consumes one frame from the inbound buffer.
func (s *Session) ProcessIncomingData(c *network.Connection) error {
	in := c.Inbound()

	size, err := protocol.PeekFrameSize(in.Bytes())
	if size > s.srv.opts.MaxFrameSize {
		err = fmt.Errorf("%w: %d bytes, limit %d", protocol.ErrFrameTooLarge, size, s.srv.opts.MaxFrameSize)
		s.reject(c, events.RejectFraming, err)
		return err
	}
	if err != nil {
		if errors.Is(err, protocol.ErrIncompleteFrame) {
			return err
		}
		s.reject(c, events.RejectFraming, err)
		return err
	}

	data, err := in.ReadBytes(size)
	if err != nil {
		return err
	}

	sa, err := s.srv.registry.Get(s.SPI())
	if err != nil {
		s.reject(c, events.RejectAssociation, err)
		return err
	}

	frame, err := protocol.DecodeFrame(data, sa, s.srv.codec)
	if err != nil {
		s.reject(c, rejectReason(err), err)
		return err
	}

	if !sa.AcceptSequenceNumber(frame.SequenceNumber) {
		s.srv.stats.replaysDropped.Add(1)
		c.Logger().Debug().Uint32("seq", frame.SequenceNumber).Msg("replayed frame dropped")
		s.srv.emit(events.EventReplayDropped, events.FrameRejectedPayload{
			RemoteAddr:     c.RemoteAddr(),
			SPI:            sa.SPI(),
			SequenceNumber: frame.SequenceNumber,
			Reason:         events.RejectReplay,
			Error:          protocol.ErrReplay.Error(),
		})
		return nil
	}

	s.srv.stats.framesIn.Add(1)
	return s.srv.opcodes.Dispatch(s, frame)
}

// Closed releases the session's association.
func (s *Session) Closed(c *network.Connection) {
	spi := s.SPI()
	if spi != security.DefaultSPI {
		s.srv.registry.Remove(spi)
		s.srv.stats.activeSessions.Add(-1)
	}
	s.srv.emit(events.EventConnectionClosed, events.ConnectionPayload{
		RemoteAddr: c.RemoteAddr(),
		Group:      c.Group().Index(),
		SPI:        spi,
		BytesIn:    c.BytesIn(),
		BytesOut:   c.BytesOut(),
	})
}

// SendPacket encodes payload under the session association and queues it.
func (s *Session) SendPacket(opcode uint16, compressed bool, payload []byte) error {
	sa, err := s.srv.registry.Get(s.SPI())
	if err != nil {
		return err
	}
	frame, err := protocol.EncodeFrame(sa, opcode, compressed, payload, s.srv.codec)
	if err != nil {
		return fmt.Errorf("encode %s: %w", protocol.OpcodeName(opcode), err)
	}
	if err := s.conn.Write(frame); err != nil {
		return err
	}
	s.srv.stats.framesOut.Add(1)
	return nil
}

// Send is SendPacket with compression chosen by the configured threshold.
func (s *Session) Send(opcode uint16, payload []byte) error {
	threshold := s.srv.opts.CompressThreshold
	return s.SendPacket(opcode, threshold > 0 && len(payload) >= threshold, payload)
}

// SPI returns the session's active SPI.
func (s *Session) SPI() uint16 {
	return uint16(s.spi.Load())
}

// Connection returns the underlying connection.
func (s *Session) Connection() *network.Connection {
	return s.conn
}

// Login returns the verified account name, or "".
func (s *Session) Login() string {
	if v, ok := s.login.Load().(string); ok {
		return v
	}
	return ""
}

// Verified reports whether the session passed account verification.
func (s *Session) Verified() bool {
	return s.verified.Load()
}

func (s *Session) reject(c *network.Connection, reason events.RejectReason, err error) {
	s.srv.stats.framesRejected.Add(1)
	c.Logger().Warn().Err(err).Str("reason", string(reason)).Msg("frame rejected")
	s.srv.emit(events.EventFrameRejected, events.FrameRejectedPayload{
		RemoteAddr: c.RemoteAddr(),
		SPI:        s.SPI(),
		Reason:     reason,
		Error:      err.Error(),
	})
}

func rejectReason(err error) events.RejectReason {
	switch {
	case errors.Is(err, protocol.ErrAuthentication):
		return events.RejectAuthentication
	case errors.Is(err, protocol.ErrSPIMismatch):
		return events.RejectAssociation
	case errors.Is(err, protocol.ErrDecompression):
		return events.RejectDecompression
	case errors.Is(err, protocol.ErrFrameTooShort),
		errors.Is(err, protocol.ErrFrameSize),
		errors.Is(err, protocol.ErrPayloadLength):
		return events.RejectFraming
	}
	return events.RejectCipher
}
