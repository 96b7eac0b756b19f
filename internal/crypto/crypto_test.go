package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitIsIdempotent(t *testing.T) {
	require.NoError(t, Init())
	require.NoError(t, Init())
	assert.True(t, Ready())
}

func TestPadData(t *testing.T) {
	assert := assert.New(t)

	for n := 0; n <= 64; n++ {
		data := bytes.Repeat([]byte{0xAA}, n)
		padded := PadData(data)

		assert.Zero(len(padded)%BlockSize, "len %d", n)
		assert.GreaterOrEqual(len(padded)-n, 3, "len %d", n)
		assert.Equal(data, padded[:n], "payload must be preserved")

		pad := padded[n:]
		for i := 0; i < len(pad)-1; i++ {
			assert.Equal(byte(i), pad[i], "len %d pad[%d]", n, i)
		}
		assert.Equal(pad[len(pad)-2], pad[len(pad)-1], "len %d", n)
	}
}

func TestPadLength(t *testing.T) {
	cases := map[int]int{
		0:  8,
		1:  7,
		5:  3,
		6:  10,
		7:  9,
		8:  8,
		13: 3,
		14: 10,
	}
	for n, want := range cases {
		assert.Equal(t, want, PadLength(n), "len %d", n)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	require.NoError(t, Init())

	key, err := GenerateKey()
	require.NoError(t, err)
	iv, err := GenerateIV()
	require.NoError(t, err)

	for _, n := range []int{0, 1, 7, 8, 100, 8191} {
		plaintext := PadData(bytes.Repeat([]byte{byte(n)}, n))

		ct, err := Encrypt(plaintext, iv, key)
		require.NoError(t, err)
		assert.Len(t, ct, len(plaintext))

		pt, err := Decrypt(ct, iv, key)
		require.NoError(t, err)
		assert.Equal(t, plaintext, pt)
	}
}

func TestEncryptRejectsBadInput(t *testing.T) {
	require.NoError(t, Init())

	key := make([]byte, KeySize)
	iv := make([]byte, IVSize)

	_, err := Encrypt([]byte{1, 2, 3}, iv, key)
	assert.ErrorIs(t, err, ErrNotBlockAligned)

	_, err = Encrypt(make([]byte, 8), iv, key[:4])
	assert.ErrorIs(t, err, ErrInvalidKey)

	out, err := Decrypt(make([]byte, 8), iv[:3], key)
	assert.ErrorIs(t, err, ErrInvalidIV)
	assert.Nil(t, out)
}

func TestComputeICV(t *testing.T) {
	full := ComputeICV(kaHMACData, kaHMACKey, MaxICVSize)
	assert.Equal(t, kaHMACDigest, full)

	short := ComputeICV(kaHMACData, kaHMACKey, 10)
	assert.Equal(t, kaHMACDigest[:10], short)

	assert.True(t, VerifyICV(kaHMACData, kaHMACKey, short))

	tampered := append([]byte(nil), short...)
	tampered[0] ^= 0x01
	assert.False(t, VerifyICV(kaHMACData, kaHMACKey, tampered))
	assert.False(t, VerifyICV(kaHMACData, kaHMACKey, nil))
}

func TestGenerateSPINonZero(t *testing.T) {
	for i := 0; i < 100; i++ {
		spi, err := GenerateSPI()
		require.NoError(t, err)
		assert.NotZero(t, spi)
	}
}
