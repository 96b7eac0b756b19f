package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
)

// RandomBytes reads n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	return b, nil
}

// GenerateIV returns a fresh random initialization vector.
func GenerateIV() ([]byte, error) {
	return RandomBytes(IVSize)
}

// GenerateKey returns a fresh random cipher or authentication key.
func GenerateKey() ([]byte, error) {
	return RandomBytes(KeySize)
}

// GenerateSPI returns a random non-zero security parameter index.
// Zero is reserved for the default association.
func GenerateSPI() (uint16, error) {
	for {
		b, err := RandomBytes(2)
		if err != nil {
			return 0, err
		}
		if spi := binary.BigEndian.Uint16(b); spi != 0 {
			return spi, nil
		}
	}
}
