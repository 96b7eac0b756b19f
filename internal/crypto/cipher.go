package crypto

import (
	"crypto/cipher"
	"crypto/des"
	"fmt"
)

// Encrypt runs DES-CBC over plaintext. No padding is applied here; callers
// pad with PadData first. A nil slice is returned on any error.
func Encrypt(plaintext, iv, key []byte) ([]byte, error) {
	if !Ready() {
		return nil, ErrEngineNotInitialized
	}
	return cbcCrypt(plaintext, iv, key, true)
}

// Decrypt reverses Encrypt. Padding is left in place.
func Decrypt(ciphertext, iv, key []byte) ([]byte, error) {
	if !Ready() {
		return nil, ErrEngineNotInitialized
	}
	return cbcCrypt(ciphertext, iv, key, false)
}

func cbcCrypt(data, iv, key []byte, encrypt bool) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrInvalidKey, KeySize, len(key))
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrInvalidIV, IVSize, len(iv))
	}
	if len(data)%BlockSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrNotBlockAligned, len(data))
	}

	block, err := des.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	out := make([]byte, len(data))
	if encrypt {
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	} else {
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	}
	return out, nil
}

// PadLength returns how many pad bytes PadData appends to n bytes of data.
// The result is always between 3 and 10.
func PadLength(n int) int {
	r := BlockSize - n%BlockSize
	if r >= 3 {
		return r
	}
	return BlockSize + r
}

// PadData returns a copy of data extended to a block boundary. The pad is
// 0, 1, ..., n-2 followed by a repeat of the previous byte, so the last two
// bytes are always equal. Block-aligned input still gets a full block.
func PadData(data []byte) []byte {
	n := PadLength(len(data))
	out := make([]byte, len(data)+n)
	copy(out, data)

	pad := out[len(data):]
	for i := 0; i < n-1; i++ {
		pad[i] = byte(i)
	}
	pad[n-1] = pad[n-2]
	return out
}
