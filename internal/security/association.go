// Package security holds the per-channel key material and replay state of
// the login transport (security associations) and the registry that maps
// SPIs to them.
package security

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/gcemu-project/gcemu/internal/crypto"
)

const (
	// ReplayWindowSize is the number of trailing sequence numbers tracked
	// by the replay window.
	ReplayWindowSize = 32

	// ICVSize is the truncated length of the integrity check value.
	ICVSize = 10

	// DefaultSPI identifies the association every channel uses before its
	// handshake completes.
	DefaultSPI uint16 = 0
)

// ErrMalformedState is returned by ImportState for undecodable input.
var ErrMalformedState = errors.New("malformed association state")

var (
	defaultAuthKey = []byte{0xC0, 0xD3, 0xBD, 0xC3, 0xB7, 0xCE, 0xB8, 0xB8}
	defaultEncKey  = []byte{0xC7, 0xD8, 0xC4, 0xBF, 0xB5, 0xE9, 0xC0, 0xFD}
)

// Sealed is the output of Association.Encrypt.
type Sealed struct {
	Ciphertext     []byte
	IV             []byte
	SPI            uint16
	SequenceNumber uint32
}

// State is a point-in-time view of an association's counters.
type State struct {
	SPI                uint16 `json:"spi"`
	SequenceNumber     uint32 `json:"sequence_number"`
	LastSequenceNumber uint32 `json:"last_sequence_number"`
	ReplayWindowMask   uint32 `json:"replay_window_mask"`
}

// Association binds key material to an SPI, an outbound sequence counter
// and an inbound replay window. Keys are immutable after construction;
// counters are guarded by mu.
type Association struct {
	spi     uint16
	authKey []byte
	encKey  []byte

	mu                 sync.Mutex
	sequenceNumber     uint32
	lastSequenceNumber uint32
	replayWindowMask   uint32
}

// NewAssociation creates an association with the given keys.
func NewAssociation(spi uint16, authKey, encKey []byte) (*Association, error) {
	if len(authKey) != crypto.KeySize {
		return nil, fmt.Errorf("auth key: %w: need %d bytes, got %d", crypto.ErrInvalidKey, crypto.KeySize, len(authKey))
	}
	if len(encKey) != crypto.KeySize {
		return nil, fmt.Errorf("enc key: %w: need %d bytes, got %d", crypto.ErrInvalidKey, crypto.KeySize, len(encKey))
	}
	return &Association{
		spi:     spi,
		authKey: append([]byte(nil), authKey...),
		encKey:  append([]byte(nil), encKey...),
	}, nil
}

// NewDefaultAssociation creates the SPI 0 association with the fixed,
// publicly known keys.
func NewDefaultAssociation() *Association {
	sa, err := NewAssociation(DefaultSPI, defaultAuthKey, defaultEncKey)
	if err != nil {
		panic(err)
	}
	return sa
}

// SPI returns the security parameter index.
func (a *Association) SPI() uint16 {
	return a.spi
}

// Encrypt pads and encrypts plaintext under a fresh IV and assigns it the
// next outbound sequence number.
func (a *Association) Encrypt(plaintext []byte) (*Sealed, error) {
	iv, err := crypto.GenerateIV()
	if err != nil {
		return nil, err
	}

	ct, err := crypto.Encrypt(crypto.PadData(plaintext), iv, a.encKey)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.sequenceNumber++
	seq := a.sequenceNumber
	a.mu.Unlock()

	return &Sealed{
		Ciphertext:     ct,
		IV:             iv,
		SPI:            a.spi,
		SequenceNumber: seq,
	}, nil
}

// Decrypt decrypts ciphertext with the association's key. It performs no
// sequence or replay checks and leaves the pad in place.
func (a *Association) Decrypt(ciphertext, iv []byte) ([]byte, error) {
	return crypto.Decrypt(ciphertext, iv, a.encKey)
}

// ComputeICV returns the truncated keyed hash of data.
func (a *Association) ComputeICV(data []byte) []byte {
	return crypto.ComputeICV(data, a.authKey, ICVSize)
}

// VerifyICV reports whether icv matches data under this association.
func (a *Association) VerifyICV(data, icv []byte) bool {
	if len(icv) != ICVSize {
		return false
	}
	return crypto.VerifyICV(data, a.authKey, icv)
}

// IsValidSequenceNumber reports whether seq would be accepted by the
// replay window. It does not record seq.
func (a *Association) IsValidSequenceNumber(seq uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.validLocked(seq)
}

// AcceptSequenceNumber checks seq against the replay window and, if it is
// valid, records it. Bit 0 of the mask always tracks lastSequenceNumber.
func (a *Association) AcceptSequenceNumber(seq uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.validLocked(seq) {
		return false
	}

	if seq > a.lastSequenceNumber {
		shift := seq - a.lastSequenceNumber
		if shift >= ReplayWindowSize {
			a.replayWindowMask = 1
		} else {
			a.replayWindowMask = a.replayWindowMask<<shift | 1
		}
		a.lastSequenceNumber = seq
		return true
	}

	a.replayWindowMask |= 1 << (a.lastSequenceNumber - seq)
	return true
}

func (a *Association) validLocked(seq uint32) bool {
	if seq == 0 {
		return false
	}
	if seq > a.lastSequenceNumber {
		return true
	}
	gap := a.lastSequenceNumber - seq
	if gap >= ReplayWindowSize {
		return false
	}
	return a.replayWindowMask&(1<<gap) == 0
}

// ExportState serializes the keys and counters for the peer, big-endian:
//
//	authKeyLen:u32 authKey encKeyLen:u32 encKey next:u32 last:u32 mask:u32
func (a *Association) ExportState() []byte {
	a.mu.Lock()
	next := a.sequenceNumber + 1
	last := a.lastSequenceNumber
	mask := a.replayWindowMask
	a.mu.Unlock()

	out := make([]byte, 0, 4+len(a.authKey)+4+len(a.encKey)+12)
	out = binary.BigEndian.AppendUint32(out, uint32(len(a.authKey)))
	out = append(out, a.authKey...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(a.encKey)))
	out = append(out, a.encKey...)
	out = binary.BigEndian.AppendUint32(out, next)
	out = binary.BigEndian.AppendUint32(out, last)
	out = binary.BigEndian.AppendUint32(out, mask)
	return out
}

// ImportState builds an association for spi from ExportState output. The
// imported counters are adopted as-is.
func ImportState(spi uint16, data []byte) (*Association, error) {
	r := data
	next := func(n int) ([]byte, error) {
		if len(r) < n {
			return nil, fmt.Errorf("%w: truncated state", ErrMalformedState)
		}
		b := r[:n]
		r = r[n:]
		return b, nil
	}
	readKey := func() ([]byte, error) {
		b, err := next(4)
		if err != nil {
			return nil, err
		}
		n := binary.BigEndian.Uint32(b)
		if n != crypto.KeySize {
			return nil, fmt.Errorf("%w: key length %d", ErrMalformedState, n)
		}
		return next(int(n))
	}

	authKey, err := readKey()
	if err != nil {
		return nil, err
	}
	encKey, err := readKey()
	if err != nil {
		return nil, err
	}
	counters, err := next(12)
	if err != nil {
		return nil, err
	}

	sa, err := NewAssociation(spi, authKey, encKey)
	if err != nil {
		return nil, err
	}
	if nextSeq := binary.BigEndian.Uint32(counters[0:4]); nextSeq > 0 {
		sa.sequenceNumber = nextSeq - 1
	}
	sa.lastSequenceNumber = binary.BigEndian.Uint32(counters[4:8])
	sa.replayWindowMask = binary.BigEndian.Uint32(counters[8:12])
	return sa, nil
}

// State returns a snapshot of the counters.
func (a *Association) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return State{
		SPI:                a.spi,
		SequenceNumber:     a.sequenceNumber,
		LastSequenceNumber: a.lastSequenceNumber,
		ReplayWindowMask:   a.replayWindowMask,
	}
}
