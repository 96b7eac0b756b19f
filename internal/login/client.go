package login

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gcemu-project/gcemu/internal/protocol"
	"github.com/gcemu-project/gcemu/internal/security"
)

// Client is a blocking peer of the login server, used by tools and tests.
type Client struct {
	conn  net.Conn
	codec protocol.Codec

	// defaultSA validates the accept frame; sa is the negotiated channel.
	defaultSA *security.Association
	sa        *security.Association

	writeMu sync.Mutex
}

// Dial connects to addr and completes the accept handshake.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := &Client{
		conn:      conn,
		codec:     protocol.NewZlibCodec(),
		defaultSA: security.NewDefaultAssociation(),
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		defer conn.SetReadDeadline(time.Time{})
	}
	if err := c.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) handshake() error {
	f, err := c.receive(c.defaultSA)
	if err != nil {
		return fmt.Errorf("read accept: %w", err)
	}
	if f.Opcode != protocol.OpAcceptConnectionNot {
		return fmt.Errorf("expected %s, got %s",
			protocol.OpcodeName(protocol.OpAcceptConnectionNot), protocol.OpcodeName(f.Opcode))
	}

	r := protocol.NewReadCursor(f.Payload)
	spi, err := r.ReadUint16()
	if err != nil {
		return fmt.Errorf("accept spi: %w", err)
	}
	sa, err := security.ImportState(spi, r.Bytes())
	if err != nil {
		return fmt.Errorf("accept state: %w", err)
	}
	c.sa = sa
	return nil
}

// Send encodes and writes one frame under the negotiated association.
func (c *Client) Send(opcode uint16, compressed bool, payload []byte) error {
	frame, err := protocol.EncodeFrame(c.sa, opcode, compressed, payload, c.codec)
	if err != nil {
		return err
	}
	return c.SendRaw(frame)
}

// SendRaw writes pre-encoded bytes as-is.
func (c *Client) SendRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteFrame(c.conn, data)
}

// Receive reads and decodes the next frame. Replayed frames fail with
// protocol.ErrReplay.
func (c *Client) Receive() (*protocol.Frame, error) {
	return c.receive(c.sa)
}

func (c *Client) receive(sa *security.Association) (*protocol.Frame, error) {
	data, err := protocol.ReadFrame(c.conn)
	if err != nil {
		return nil, err
	}
	f, err := protocol.DecodeFrame(data, sa, c.codec)
	if err != nil {
		return nil, err
	}
	if !sa.AcceptSequenceNumber(f.SequenceNumber) {
		return nil, fmt.Errorf("%w: %d", protocol.ErrReplay, f.SequenceNumber)
	}
	return f, nil
}

// VerifyAccount sends credentials and waits for the ack, skipping
// heartbeats.
func (c *Client) VerifyAccount(login, password string) (uint32, error) {
	req := &VerifyAccountRequest{Login: login, Password: password}
	if err := c.Send(protocol.OpVerifyAccountReq, false, req.Encode()); err != nil {
		return 0, err
	}
	for {
		f, err := c.Receive()
		if err != nil {
			return 0, err
		}
		if f.Opcode != protocol.OpVerifyAccountAck {
			continue
		}
		result, _, err := ParseVerifyAccountAck(f.Payload)
		return result, err
	}
}

// SetDeadline sets the read and write deadline of the socket.
func (c *Client) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// Association returns the negotiated association.
func (c *Client) Association() *security.Association {
	return c.sa
}

// SPI returns the negotiated SPI.
func (c *Client) SPI() uint16 {
	return c.sa.SPI()
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
