package security

import (
	"bytes"
	"encoding/binary"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gcemu-project/gcemu/internal/crypto"
)

func TestMain(m *testing.M) {
	if err := crypto.Init(); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func newTestAssociation(t *testing.T) *Association {
	t.Helper()
	sa, err := NewAssociation(42, bytes.Repeat([]byte{1}, 8), bytes.Repeat([]byte{2}, 8))
	require.NoError(t, err)
	return sa
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	sa := newTestAssociation(t)

	for _, n := range []int{0, 1, 8, 8191} {
		plaintext := bytes.Repeat([]byte{0x5A}, n)

		sealed, err := sa.Encrypt(plaintext)
		require.NoError(t, err)
		assert.Equal(t, uint16(42), sealed.SPI)
		assert.Len(t, sealed.IV, crypto.IVSize)
		assert.Zero(t, len(sealed.Ciphertext)%crypto.BlockSize)

		decrypted, err := sa.Decrypt(sealed.Ciphertext, sealed.IV)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted[:n])
		assert.Len(t, decrypted, n+crypto.PadLength(n))
	}
}

func TestEncryptIncrementsSequence(t *testing.T) {
	sa := newTestAssociation(t)

	var wg sync.WaitGroup
	seen := make(chan uint32, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sealed, err := sa.Encrypt([]byte("x"))
			if err == nil {
				seen <- sealed.SequenceNumber
			}
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[uint32]bool)
	for seq := range seen {
		assert.False(t, unique[seq], "sequence %d assigned twice", seq)
		unique[seq] = true
	}
	assert.Len(t, unique, 100)
	assert.Equal(t, uint32(100), sa.State().SequenceNumber)
}

func TestSequenceZeroAlwaysRejected(t *testing.T) {
	sa := newTestAssociation(t)
	assert.False(t, sa.IsValidSequenceNumber(0))
	require.True(t, sa.AcceptSequenceNumber(5))
	assert.False(t, sa.IsValidSequenceNumber(0))
	assert.False(t, sa.AcceptSequenceNumber(0))
}

func TestIsValidSequenceNumberIsPure(t *testing.T) {
	sa := newTestAssociation(t)
	before := sa.State()
	assert.True(t, sa.IsValidSequenceNumber(10))
	assert.True(t, sa.IsValidSequenceNumber(10))
	assert.Equal(t, before, sa.State())
}

func TestReplayWindow(t *testing.T) {
	tests := []struct {
		name     string
		accepted []uint32
		probe    uint32
		want     bool
	}{
		{"new high", []uint32{1, 2, 3}, 4, true},
		{"duplicate of last", []uint32{1, 2, 3}, 3, false},
		{"old replay inside window", []uint32{10, 20}, 10, false},
		{"unseen inside window", []uint32{10, 20}, 15, true},
		{"edge of window unseen", []uint32{40}, 9, true},
		{"outside window", []uint32{40}, 8, false},
		{"far jump clears window", []uint32{1, 100}, 99, true},
		{"far jump replays last", []uint32{1, 100}, 100, false},
		{"out of order then replay", []uint32{5, 3}, 3, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sa := newTestAssociation(t)
			for _, seq := range tc.accepted {
				require.True(t, sa.AcceptSequenceNumber(seq), "seq %d", seq)
			}
			assert.Equal(t, tc.want, sa.IsValidSequenceNumber(tc.probe))
		})
	}
}

func TestReplayOfEarlierSequenceInWindow(t *testing.T) {
	for gap := uint32(1); gap < ReplayWindowSize; gap++ {
		sa := newTestAssociation(t)
		s1 := uint32(1000)
		s2 := s1 + gap
		require.True(t, sa.AcceptSequenceNumber(s1))
		require.True(t, sa.AcceptSequenceNumber(s2))
		assert.False(t, sa.IsValidSequenceNumber(s1), "gap %d", gap)
	}
}

func TestWindowMaskTracksLast(t *testing.T) {
	sa := newTestAssociation(t)
	require.True(t, sa.AcceptSequenceNumber(7))
	st := sa.State()
	assert.Equal(t, uint32(7), st.LastSequenceNumber)
	assert.Equal(t, uint32(1), st.ReplayWindowMask&1)

	require.True(t, sa.AcceptSequenceNumber(5))
	assert.Equal(t, uint32(0b101), sa.State().ReplayWindowMask)
}

func TestICV(t *testing.T) {
	sa := newTestAssociation(t)
	data := []byte("authenticated bytes")

	icv := sa.ComputeICV(data)
	assert.Len(t, icv, ICVSize)
	assert.True(t, sa.VerifyICV(data, icv))

	icv[9] ^= 0xFF
	assert.False(t, sa.VerifyICV(data, icv))
	assert.False(t, sa.VerifyICV(data, icv[:5]))
}

func TestExportState(t *testing.T) {
	sa := newTestAssociation(t)
	_, err := sa.Encrypt([]byte("a"))
	require.NoError(t, err)
	require.True(t, sa.AcceptSequenceNumber(3))

	out := sa.ExportState()
	require.Len(t, out, 4+8+4+8+12)

	assert.Equal(t, uint32(8), binary.BigEndian.Uint32(out[0:4]))
	assert.Equal(t, bytes.Repeat([]byte{1}, 8), out[4:12])
	assert.Equal(t, uint32(8), binary.BigEndian.Uint32(out[12:16]))
	assert.Equal(t, bytes.Repeat([]byte{2}, 8), out[16:24])
	assert.Equal(t, uint32(2), binary.BigEndian.Uint32(out[24:28]))
	assert.Equal(t, uint32(3), binary.BigEndian.Uint32(out[28:32]))
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(out[32:36]))
}

func TestNewAssociationRejectsShortKeys(t *testing.T) {
	_, err := NewAssociation(1, []byte{1, 2}, make([]byte, 8))
	assert.ErrorIs(t, err, crypto.ErrInvalidKey)
}

func TestRegistrySeededWithDefault(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, 1, r.Len())

	sa, err := r.Get(DefaultSPI)
	require.NoError(t, err)
	assert.Same(t, r.Default(), sa)
	assert.Equal(t, defaultAuthKey, sa.authKey)
	assert.Equal(t, defaultEncKey, sa.encKey)
}

func TestRegistryCollisionDoesNotMutate(t *testing.T) {
	r := NewRegistry()
	first, err := r.Create(7, bytes.Repeat([]byte{3}, 8), bytes.Repeat([]byte{4}, 8))
	require.NoError(t, err)
	before := r.Snapshot()

	_, err = r.Create(7, bytes.Repeat([]byte{9}, 8), bytes.Repeat([]byte{9}, 8))
	assert.ErrorIs(t, err, ErrSPICollision)

	_, err = r.Create(DefaultSPI, bytes.Repeat([]byte{9}, 8), bytes.Repeat([]byte{9}, 8))
	assert.ErrorIs(t, err, ErrSPICollision)

	assert.Equal(t, before, r.Snapshot())
	got, err := r.Get(7)
	require.NoError(t, err)
	assert.Same(t, first, got)
}

func TestRegistryCreateRandomAndRemove(t *testing.T) {
	r := NewRegistry()
	sa, err := r.CreateRandom()
	require.NoError(t, err)
	assert.NotEqual(t, DefaultSPI, sa.SPI())
	assert.Equal(t, 2, r.Len())

	assert.True(t, r.Remove(sa.SPI()))
	assert.False(t, r.Remove(sa.SPI()))
	_, err = r.Get(sa.SPI())
	assert.ErrorIs(t, err, ErrAssociationNotFound)

	assert.False(t, r.Remove(DefaultSPI))
	assert.Equal(t, 1, r.Len())
}

func TestImportStateRoundTrip(t *testing.T) {
	sa := newTestAssociation(t)
	for i := 0; i < 3; i++ {
		_, err := sa.Encrypt([]byte("x"))
		require.NoError(t, err)
	}
	require.True(t, sa.AcceptSequenceNumber(9))

	peer, err := ImportState(sa.SPI(), sa.ExportState())
	require.NoError(t, err)
	assert.Equal(t, sa.State(), peer.State())

	sealed, err := peer.Encrypt([]byte("from peer"))
	require.NoError(t, err)
	plain, err := sa.Decrypt(sealed.Ciphertext, sealed.IV)
	require.NoError(t, err)
	assert.Equal(t, []byte("from peer"), plain[:9])
	assert.Equal(t, sa.ComputeICV([]byte("z")), peer.ComputeICV([]byte("z")))
}

func TestImportStateRejectsMalformed(t *testing.T) {
	sa := newTestAssociation(t)
	state := sa.ExportState()

	_, err := ImportState(1, state[:len(state)-1])
	assert.ErrorIs(t, err, ErrMalformedState)

	bad := append([]byte(nil), state...)
	bad[3] = 7
	_, err = ImportState(1, bad)
	assert.ErrorIs(t, err, ErrMalformedState)
}
