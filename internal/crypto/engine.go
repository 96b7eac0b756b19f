// Package crypto implements the legacy cipher suite used by the login
// transport: DES-CBC with a deterministic pad, a truncated HMAC-MD5
// integrity check value, and random key material generation.
package crypto

import (
	"bytes"
	"crypto/des"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

const (
	// BlockSize is the DES block size. Every buffer handed to the cipher
	// must be a multiple of it.
	BlockSize = des.BlockSize

	// KeySize is the length of both the encryption and authentication keys.
	KeySize = 8

	// IVSize is the length of the CBC initialization vector.
	IVSize = BlockSize

	// MaxICVSize is the untruncated HMAC-MD5 digest size.
	MaxICVSize = md5.Size
)

var (
	ErrEngineNotInitialized = errors.New("crypto engine not initialized")
	ErrInvalidKey           = errors.New("invalid cipher key")
	ErrInvalidIV            = errors.New("invalid initialization vector")
	ErrNotBlockAligned      = errors.New("data length is not a multiple of the block size")
)

var (
	initOnce sync.Once
	initErr  error
	ready    atomic.Bool
)

// Init bootstraps the cipher engine by running known-answer tests for the
// block cipher and the keyed hash. It must succeed before Encrypt or Decrypt
// will do any work. Calling it again returns the first result.
func Init() error {
	initOnce.Do(func() {
		initErr = selfTest()
		if initErr != nil {
			log.Error().Err(initErr).Msg("crypto engine self-test failed")
			return
		}
		ready.Store(true)
		log.Debug().Msg("crypto engine initialized")
	})
	return initErr
}

// Ready reports whether Init has completed successfully.
func Ready() bool {
	return ready.Load()
}

// Known-answer vectors: FIPS 81 style single-block DES and RFC 2202 test case 1.
var (
	kaDESKey        = mustHex("133457799bbcdff1")
	kaDESPlaintext  = mustHex("0123456789abcdef")
	kaDESCiphertext = mustHex("85e813540f0ab405")

	kaHMACKey    = bytes.Repeat([]byte{0x0b}, 16)
	kaHMACData   = []byte("Hi There")
	kaHMACDigest = mustHex("9294727a3638bb1c13f48ef8158bfc9d")
)

func selfTest() error {
	zeroIV := make([]byte, IVSize)

	ct, err := cbcCrypt(kaDESPlaintext, zeroIV, kaDESKey, true)
	if err != nil {
		return fmt.Errorf("des encrypt: %w", err)
	}
	if !bytes.Equal(ct, kaDESCiphertext) {
		return fmt.Errorf("des known-answer mismatch: got %x", ct)
	}

	pt, err := cbcCrypt(ct, zeroIV, kaDESKey, false)
	if err != nil {
		return fmt.Errorf("des decrypt: %w", err)
	}
	if !bytes.Equal(pt, kaDESPlaintext) {
		return fmt.Errorf("des round-trip mismatch: got %x", pt)
	}

	if digest := ComputeICV(kaHMACData, kaHMACKey, MaxICVSize); !bytes.Equal(digest, kaHMACDigest) {
		return fmt.Errorf("hmac-md5 known-answer mismatch: got %x", digest)
	}

	return nil
}

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}
