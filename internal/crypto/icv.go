package crypto

import (
	"crypto/hmac"
	"crypto/md5"
)

// ComputeICV returns the first size bytes of HMAC-MD5(key, data).
// size is clamped to [1, MaxICVSize].
func ComputeICV(data, key []byte, size int) []byte {
	if size <= 0 || size > MaxICVSize {
		size = MaxICVSize
	}
	mac := hmac.New(md5.New, key)
	mac.Write(data)
	return mac.Sum(nil)[:size]
}

// VerifyICV recomputes the ICV over data at the length of icv and compares
// in constant time.
func VerifyICV(data, key, icv []byte) bool {
	if len(icv) == 0 || len(icv) > MaxICVSize {
		return false
	}
	return hmac.Equal(ComputeICV(data, key, len(icv)), icv)
}
